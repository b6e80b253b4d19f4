package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	var n atomic.Int64
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}
	}()
	MustWaitForCount(t, &n, 3)

	if WaitFor(t, func() bool { return false }, WithTimeout(20*time.Millisecond), WithInterval(5*time.Millisecond)) {
		t.Error("expected false condition to time out")
	}
}
