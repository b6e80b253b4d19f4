package signing

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildHeader_Format(t *testing.T) {
	t.Parallel()
	h := BuildHeader("whsec_test", 1700000000123, []byte(`{"a":1}`))
	if !strings.HasPrefix(h, "t=1700000000123,v1=") {
		t.Fatalf("unexpected header format: %s", h)
	}
	if sig := strings.TrimPrefix(h, "t=1700000000123,v1="); len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		secret string
		ts     int64
		body   string
	}{
		{"whsec_a", 0, ""},
		{"whsec_b", 1700000000000, `{"id":"evt_1"}`},
		{"s", -5, "x.y.z"},
		{"long-secret-with-symbols-!@#", 9999999999999, strings.Repeat("p", 4096)},
	}
	for _, c := range cases {
		h := BuildHeader(c.secret, c.ts, []byte(c.body))
		if !Verify(c.secret, h, []byte(c.body)) {
			t.Errorf("expected verify true for %+v", c)
		}
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	t.Parallel()
	body := []byte(`{"amount":100}`)
	h := BuildHeader("whsec_a", 1700000000000, body)

	if Verify("whsec_b", h, body) {
		t.Error("expected verify false for different secret")
	}
	if Verify("whsec_a", h, []byte(`{"amount":101}`)) {
		t.Error("expected verify false for altered body")
	}
	altered := strings.Replace(h, "t=1700000000000", "t=1700000000001", 1)
	if Verify("whsec_a", altered, body) {
		t.Error("expected verify false for altered timestamp")
	}
	if Verify("whsec_a", "garbage", body) {
		t.Error("expected verify false for malformed header")
	}
}

func TestVerifyWithTolerance(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000000)
	body := []byte("{}")

	fresh := BuildHeader("k", now.Add(-time.Minute).UnixMilli(), body)
	if err := VerifyWithTolerance("k", fresh, body, 5*time.Minute, now); err != nil {
		t.Errorf("expected fresh header to verify, got %v", err)
	}

	stale := BuildHeader("k", now.Add(-10*time.Minute).UnixMilli(), body)
	if err := VerifyWithTolerance("k", stale, body, 5*time.Minute, now); !errors.Is(err, ErrTimestampSkew) {
		t.Errorf("expected ErrTimestampSkew, got %v", err)
	}

	if err := VerifyWithTolerance("other", fresh, body, 5*time.Minute, now); err == nil {
		t.Error("expected mismatch error for wrong secret")
	}
}

func TestParseHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header string
		ok     bool
		ts     int64
		sigs   int
	}{
		{"t=1,v1=abc", true, 1, 1},
		{"t=1, v1=abc, v1=def", true, 1, 2},
		{"v1=abc", false, 0, 0},
		{"t=1", false, 0, 0},
		{"t=x,v1=abc", false, 0, 0},
		{"", false, 0, 0},
	}
	for _, tt := range tests {
		ts, sigs, err := ParseHeader(tt.header)
		if tt.ok != (err == nil) {
			t.Errorf("ParseHeader(%q): expected ok=%v, got err %v", tt.header, tt.ok, err)
			continue
		}
		if tt.ok && (ts != tt.ts || len(sigs) != tt.sigs) {
			t.Errorf("ParseHeader(%q): got ts=%d sigs=%v", tt.header, ts, sigs)
		}
	}
}
