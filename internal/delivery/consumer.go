package delivery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
)

// Consumer feeds dispatch and retry topic messages into a Dispatcher.
type Consumer struct {
	sub        broker.Subscriber
	dispatcher *Dispatcher
	topics     []string
	log        zerolog.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewConsumer(sub broker.Subscriber, dispatcher *Dispatcher, log zerolog.Logger) *Consumer {
	return &Consumer{
		sub:        sub,
		dispatcher: dispatcher,
		topics:     broker.DeliveryTopics,
		log:        log.With().Str("component", "consumer").Logger(),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.log.Info().Strs("topics", c.topics).Msg("starting delivery consumer")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sub.Subscribe(ctx, c.topics, c.Handle); err != nil {
			c.log.Error().Err(err).Msg("delivery consumer stopped")
		}
	}()
}

func (c *Consumer) Stop() {
	c.log.Info().Msg("stopping delivery consumer")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info().Msg("delivery consumer stopped")
}

// Handle decodes one broker message and dispatches it. Malformed payloads are
// logged and dropped so they cannot wedge a partition.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	var dm models.DispatchMessage
	if err := json.Unmarshal(msg.Value, &dm); err != nil || dm.DeliveryID == "" {
		c.log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed dispatch message")
		return nil
	}
	return c.dispatcher.Dispatch(ctx, dm)
}
