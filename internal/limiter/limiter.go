// Package limiter enforces per-endpoint admission: a cap on in-flight requests
// and a requests-per-second budget. Memory backends serve single-node
// deployments; Redis backends share the budget across workers.
package limiter

import (
	"context"
	"sync"
)

// Concurrency hands out at most N permits per endpoint.
type Concurrency interface {
	// TryAcquire returns a permit, or nil when the endpoint is at capacity.
	TryAcquire(ctx context.Context, endpointID string) *Permit
}

// Rate admits at most perSecond requests per endpoint. perSecond <= 0 means unlimited.
type Rate interface {
	Allow(ctx context.Context, endpointID string, perSecond int) bool
}

// Permit is released exactly once, however many times Release is called.
type Permit struct {
	once    sync.Once
	release func()
}

func newPermit(release func()) *Permit {
	return &Permit{release: release}
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}
