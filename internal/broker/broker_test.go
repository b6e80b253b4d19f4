package broker

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestTopicForAttempt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    string
	}{
		{0, TopicDispatch},
		{1, TopicRetry1m},
		{2, TopicRetry5m},
		{3, TopicRetry15m},
		{4, TopicRetry1h},
		{5, TopicRetry6h},
		{6, TopicRetry24h},
		{12, TopicRetry24h},
	}
	for _, tt := range tests {
		if got := TopicForAttempt(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}

func TestSplitBrokers(t *testing.T) {
	t.Parallel()

	got := SplitBrokers(" a:9092, ,b:9092,")
	want := []string{"a:9092", "b:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if SplitBrokers("") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestHeaderCarrier(t *testing.T) {
	t.Parallel()

	c := &headerCarrier{headers: []kafka.Header{{Key: "a", Value: []byte("1")}}}
	c.Set("a", "2")
	c.Set("traceparent", "00-abc")
	if c.Get("a") != "2" {
		t.Errorf("expected overwritten value 2, got %q", c.Get("a"))
	}
	if c.Get("traceparent") != "00-abc" {
		t.Errorf("expected traceparent, got %q", c.Get("traceparent"))
	}
	if len(c.Keys()) != 2 {
		t.Errorf("expected 2 keys, got %d", len(c.Keys()))
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	t.Parallel()

	m := NewMemory(zerolog.Nop(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Subscribe(ctx, []string{TopicDispatch, TopicRetry1m}, func(_ context.Context, msg Message) error {
			mu.Lock()
			got = append(got, msg.Key)
			mu.Unlock()
			return nil
		})
	}()

	for _, key := range []string{"d1", "d2", "d3"} {
		if err := m.Publish(ctx, Message{Topic: TopicDispatch, Key: key}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = m.Publish(ctx, Message{Topic: TopicDLQ, Key: "ignored"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []string{"d1", "d2", "d3"}) {
		t.Errorf("expected d1,d2,d3 in order, got %v", got)
	}
	if m.Len(TopicDLQ) != 1 {
		t.Errorf("expected unsubscribed topic to retain its message, got %d", m.Len(TopicDLQ))
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	t.Parallel()

	m := NewMemory(zerolog.Nop(), 1)
	_ = m.Close()
	if err := m.Publish(context.Background(), Message{Topic: TopicDispatch}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
