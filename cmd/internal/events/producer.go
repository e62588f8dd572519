// Package events publishes session lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"tether/cmd/internal/auth/session"
)

const (
	DefaultTopic = "tether.sessions"

	writeTimeout = 5 * time.Second
	batchTimeout = 50 * time.Millisecond
)

// ErrNoBrokers is returned when the producer has no broker addresses.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// messageWriter is the subset of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements session.Notifier on top of a Kafka topic.
// Messages are keyed by user id so one user's events stay ordered.
type Producer struct {
	w     messageWriter
	topic string
	log   *slog.Logger
}

var _ session.Notifier = (*Producer)(nil)

// NewProducer builds an async producer. Delivery failures surface through the logger.
func NewProducer(brokers []string, topic string, log *slog.Logger) (*Producer, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNoBrokers
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error("kafka.delivery.fail", "topic", topic, "messages", len(msgs), "err", err)
			}
		},
	}
	return newProducer(w, topic, log), nil
}

func newProducer(w messageWriter, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Producer{w: w, topic: topic, log: log}
}

// Notify enqueues ev for publication.
func (p *Producer) Notify(ctx context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: json.Marshal failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write failed: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the writer.
func (p *Producer) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}
