package models

import (
	"testing"
	"time"
)

func TestDelivery_Timeout(t *testing.T) {
	t.Parallel()
	tests := []struct {
		seconds int
		def     time.Duration
		want    time.Duration
	}{
		{0, 30 * time.Second, 30 * time.Second},
		{5, 30 * time.Second, 5 * time.Second},
		{60, 30 * time.Second, time.Minute},
		{600, 30 * time.Second, time.Minute},
		{0, 10 * time.Minute, time.Minute},
	}
	for _, tt := range tests {
		d := &Delivery{TimeoutSeconds: tt.seconds}
		if got := d.Timeout(tt.def); got != tt.want {
			t.Errorf("Timeout(%d, %s): expected %s, got %s", tt.seconds, tt.def, tt.want, got)
		}
	}
}
