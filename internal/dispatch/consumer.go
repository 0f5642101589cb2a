// Package dispatch bridges board events arriving on Kafka into the
// ledger engine. Each topic gets its own reader inside the consumer
// group; decoded events are funneled through a single channel so the
// ledger sees one serialized event stream.
package dispatch

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/loomworks/loomboard/internal/config"
)

// ConsumerMessage is a raw event pulled off a topic.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// Consumer abstracts the event source so the bridge can be driven by
// Kafka in production and by an in-process channel in tests.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan ConsumerMessage
	Close() error
}

// KafkaConsumer implements Consumer using segmentio/kafka-go.
type KafkaConsumer struct {
	cfg      config.DispatchConfig
	readers  []*kafka.Reader
	messages chan ConsumerMessage
	mu       sync.Mutex
}

// NewKafkaConsumer creates a consumer for the trace and purchase topics.
func NewKafkaConsumer(cfg config.DispatchConfig) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:      cfg,
		messages: make(chan ConsumerMessage, 100),
	}
}

// Start begins consuming from both configured topics.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for _, topic := range []string{c.cfg.TraceTopic, c.cfg.PurchaseTopic} {
		c.startReader(ctx, topic)
	}
	return nil
}

func (c *KafkaConsumer) startReader(ctx context.Context, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		Topic:    topic,
		GroupID:  c.cfg.GroupID,
		MinBytes: c.cfg.MinBytes,
		MaxBytes: c.cfg.MaxBytes,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	go func(r *kafka.Reader, t string) {
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("kafka read error", zap.String("topic", t), zap.Error(err))
				continue
			}
			c.messages <- ConsumerMessage{Topic: t, Key: msg.Key, Value: msg.Value}
		}
	}(reader, topic)
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops all readers.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.readers {
		r.Close() //nolint:errcheck
	}
	close(c.messages)
	return nil
}

// ChannelConsumer is an in-process Consumer backed by a Go channel,
// used in tests and for re-driving dead-lettered events.
type ChannelConsumer struct {
	ch chan ConsumerMessage
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a message into the channel consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}
