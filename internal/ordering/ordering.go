// Package ordering keeps per-endpoint FIFO state for deliveries whose
// subscription asked for ordering: a cursor holding the last delivered
// sequence number, a buffer of deliveries that arrived ahead of their turn,
// and the counter that hands out sequence numbers at ingest time.
package ordering

import (
	"context"
	"time"
)

const (
	deliveredKeyPrefix = "seq:delivered:"
	bufferKeyPrefix    = "seq:buffer:"
	sequenceKeyPrefix  = "seq:endpoint:"
)

type Config struct {
	// DeliveredTTL bounds how long an idle endpoint keeps its cursor.
	DeliveredTTL time.Duration
	// BufferTTL bounds how long a buffered delivery waits for its predecessor.
	BufferTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeliveredTTL <= 0 {
		c.DeliveredTTL = 24 * time.Hour
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = 10 * time.Minute
	}
	return c
}

type Buffer interface {
	// NextExpected is the last delivered sequence plus one, or 1 when nothing
	// has been delivered yet.
	NextExpected(ctx context.Context, endpointID string) (int64, error)
	CanDeliver(ctx context.Context, endpointID string, seq int64) (bool, error)
	// Buffer parks deliveryID under seq and returns the buffer size afterwards.
	Buffer(ctx context.Context, endpointID, deliveryID string, seq int64) (int64, error)
	// MarkDelivered advances the cursor to seq if seq is ahead of it.
	MarkDelivered(ctx context.Context, endpointID string, seq int64) error
	// ReleaseReady removes and returns the deliveries buffered under the
	// current next expected sequence.
	ReleaseReady(ctx context.Context, endpointID string) ([]string, error)
	BufferSize(ctx context.Context, endpointID string) (int64, error)
	// Reset clears the cursor and buffer for an endpoint.
	Reset(ctx context.Context, endpointID string) error
}

// Sequencer hands out per-endpoint sequence numbers starting at 1.
type Sequencer interface {
	Next(ctx context.Context, endpointID string) (int64, error)
	Current(ctx context.Context, endpointID string) (int64, error)
	Reset(ctx context.Context, endpointID string) error
}
