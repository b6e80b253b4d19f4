package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type KafkaConfig struct {
	Brokers  string
	GroupID  string
	MinBytes int
	MaxBytes int
	// Workers bounds how many messages a subscription handles concurrently.
	Workers int
}

// Kafka publishes with acks=all and consumes with a consumer group, committing
// each offset after its handler returns.
type Kafka struct {
	cfg     KafkaConfig
	brokers []string
	writer  *kafka.Writer
	log     zerolog.Logger
}

func NewKafka(cfg KafkaConfig, log zerolog.Logger) (*Kafka, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Kafka{
		cfg:     cfg,
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log.With().Str("component", "kafka-broker").Logger(),
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for key, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	km.Headers = InjectTraceHeaders(ctx, km.Headers)
	return k.writer.WriteMessages(ctx, km)
}

func (k *Kafka) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     k.cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    k.cfg.MinBytes,
		MaxBytes:    k.cfg.MaxBytes,
	})
	defer reader.Close()

	p := pool.New().WithMaxGoroutines(k.cfg.Workers)
	defer p.Wait()

	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Error().Err(err).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		p.Go(func() {
			k.handle(ctx, reader, km, handler)
		})
	}
}

func (k *Kafka) handle(ctx context.Context, reader *kafka.Reader, km kafka.Message, handler Handler) {
	msgCtx := ExtractTraceContext(ctx, km)
	spanCtx, span := otel.Tracer("hookrelay/broker").Start(msgCtx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", km.Topic),
		),
	)
	defer span.End()

	msg := Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Value:   km.Value,
		Headers: make(map[string]string, len(km.Headers)),
	}
	for _, h := range km.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := handler(spanCtx, msg); err != nil {
		span.RecordError(err)
		k.log.Warn().Err(err).Str("topic", km.Topic).Str("key", msg.Key).Msg("handler failed")
	}
	if err := reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
		k.log.Error().Err(err).Str("topic", km.Topic).Int64("offset", km.Offset).Msg("commit failed")
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// ReadyCheck dials the first broker.
func (k *Kafka) ReadyCheck(ctx context.Context) error {
	dialer := kafka.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// InjectTraceHeaders appends W3C trace context headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{headers: msg.Headers})
}

type headerCarrier struct {
	headers []kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)
