// Package signing produces and checks the webhook signature header
//
//	t=<unix-ms>,v1=<hex HMAC-SHA256 of "<t>.<body>">
//
// keyed by the endpoint secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedHeader = errors.New("signing: malformed signature header")
	ErrTimestampSkew   = errors.New("signing: timestamp outside tolerance")
)

func compute(secret string, timestampMs int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func BuildHeader(secret string, timestampMs int64, body []byte) string {
	return "t=" + strconv.FormatInt(timestampMs, 10) + ",v1=" + compute(secret, timestampMs, body)
}

// ParseHeader extracts the timestamp and every v1 signature from a header.
func ParseHeader(header string) (timestampMs int64, signatures []string, err error) {
	var haveTS bool
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedHeader
		}
		switch k {
		case "t":
			timestampMs, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedHeader
			}
			haveTS = true
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return timestampMs, signatures, nil
}

// Verify checks the signature only; it applies no clock check.
func Verify(secret, header string, body []byte) bool {
	ts, sigs, err := ParseHeader(header)
	if err != nil {
		return false
	}
	expected := []byte(compute(secret, ts, body))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return true
		}
	}
	return false
}

// VerifyWithTolerance additionally rejects headers whose timestamp is further
// than tolerance from now.
func VerifyWithTolerance(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	ts, _, err := ParseHeader(header)
	if err != nil {
		return err
	}
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance.Milliseconds() {
		return ErrTimestampSkew
	}
	if !Verify(secret, header, body) {
		return errors.New("signing: signature mismatch")
	}
	return nil
}
