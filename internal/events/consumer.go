package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-live-client/internal/models"
)

// messageReader is the subset of kafka.Reader used by the consumer.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Event is a transcript event read back from either topic.
type Event struct {
	Topic      string  `json:"-"`
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	ClientUID  string  `json:"clientUid"`
	SegmentID  string  `json:"segmentId"`
	Text       string  `json:"text"`
	Delta      string  `json:"delta,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	LatencyMs  float64 `json:"latencyMs,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Final reports whether the event came from the final topic.
func (e Event) Final() bool {
	return e.EventType == models.EventTypeFinal
}

// ConsumerConfig configures a transcript event consumer.
type ConsumerConfig struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	// Since rewinds each partition reader by this much on start.
	Since time.Duration
}

// Consumer tails the partial and final transcript topics.
type Consumer struct {
	readers map[string]messageReader
	since   time.Duration
	retry   time.Duration
	logger  zerolog.Logger
}

// NewConsumer creates partition readers for both topics.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	topics := []string{
		orDefault(cfg.TopicPartial, DefaultTopicPartial),
		orDefault(cfg.TopicFinal, DefaultTopicFinal),
	}
	readers := make(map[string]messageReader, len(topics))
	for _, topic := range topics {
		readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     topic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}
	return &Consumer{
		readers: readers,
		since:   cfg.Since,
		retry:   time.Second,
		logger:  log.With().Str("component", "kafka-consumer").Logger(),
	}
}

// Consume delivers events to fn until ctx is cancelled. fn may be called from
// several goroutines, but never concurrently for the same topic.
func (c *Consumer) Consume(ctx context.Context, fn func(Event)) error {
	var wg sync.WaitGroup
	for topic, r := range c.readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consumeTopic(ctx, topic, r, fn)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) consumeTopic(ctx context.Context, topic string, r messageReader, fn func(Event)) {
	if kr, ok := r.(*kafka.Reader); ok && c.since > 0 {
		if err := kr.SetOffsetAt(ctx, time.Now().Add(-c.since)); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to rewind reader")
		}
	}
	c.logger.Info().Str("topic", topic).Msg("Consuming transcript events")

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn().Err(err).Str("topic", topic).Msg("Kafka read failed")
			select {
			case <-time.After(c.retry):
				continue
			case <-ctx.Done():
				return
			}
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("Skipping malformed event")
			continue
		}
		ev.Topic = topic
		fn(ev)
	}
}

// Close closes every reader.
func (c *Consumer) Close() error {
	var err error
	for _, r := range c.readers {
		if e := r.Close(); e != nil {
			err = e
		}
	}
	return err
}
