// Package broker decouples the delivery engine from a concrete message broker.
// Consumers subscribe a consumer group to named topics and acknowledge each
// message only after its handler returns.
package broker

import (
	"context"
	"errors"
)

const (
	TopicDispatch = "deliveries.dispatch"
	TopicRetry1m  = "deliveries.retry.1m"
	TopicRetry5m  = "deliveries.retry.5m"
	TopicRetry15m = "deliveries.retry.15m"
	TopicRetry1h  = "deliveries.retry.1h"
	TopicRetry6h  = "deliveries.retry.6h"
	TopicRetry24h = "deliveries.retry.24h"
	TopicDLQ      = "deliveries.dlq"
)

// DeliveryTopics lists every topic the dispatcher consumes.
var DeliveryTopics = []string{
	TopicDispatch,
	TopicRetry1m,
	TopicRetry5m,
	TopicRetry15m,
	TopicRetry1h,
	TopicRetry6h,
	TopicRetry24h,
}

// TopicForAttempt maps an attempt count to the delay bucket mirroring the
// default backoff ladder. Deliveries that have never been attempted go to the
// dispatch topic.
func TopicForAttempt(attemptCount int) string {
	switch {
	case attemptCount <= 0:
		return TopicDispatch
	case attemptCount == 1:
		return TopicRetry1m
	case attemptCount == 2:
		return TopicRetry5m
	case attemptCount == 3:
		return TopicRetry15m
	case attemptCount == 4:
		return TopicRetry1h
	case attemptCount == 5:
		return TopicRetry6h
	default:
		return TopicRetry24h
	}
}

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderEventType     = "event_type"
	HeaderMessageID     = "message_id"
)

var ErrClosed = errors.New("broker: closed")

type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher returns from Publish only after the broker acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Handler func(ctx context.Context, msg Message) error

// Subscriber blocks in Subscribe until ctx is cancelled, invoking handler for
// each message. A message is committed once handler returns, whatever the
// error; handlers own their retry policy.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, handler Handler) error
	Close() error
}
