package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Writer publishes records keyed by conversation so each conversation keeps
// its order within one partition.
type Writer struct {
	w *kafka.Writer
}

func NewWriter(cfg config.KafkaConfig) *Writer {
	return &Writer{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (w *Writer) Publish(ctx context.Context, recs ...Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Event, err)
		}
		var key []byte
		if rec.ConversationID != "" {
			key = []byte(rec.ConversationID)
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: value})
	}
	if err := w.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.w.Close()
}

// Handler processes one record. Errors are logged and the record is skipped.
type Handler func(ctx context.Context, rec Record) error

type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the chat topic and runs as a supervised service.
type Consumer struct {
	name   string
	r      fetcher
	handle Handler
	log    zerolog.Logger
}

// NewConsumer joins groupID on the configured topic. Fan-out consumers pass a
// per-process group and start at the newest offset so every gateway sees
// every record once.
func NewConsumer(name string, cfg config.KafkaConfig, groupID string, latest bool, h Handler) *Consumer {
	start := kafka.FirstOffset
	if latest {
		start = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     groupID,
		StartOffset: start,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
	})
	return newConsumer(name, r, h)
}

func newConsumer(name string, r fetcher, h Handler) *Consumer {
	return &Consumer{
		name:   name,
		r:      r,
		handle: h,
		log:    logging.Component(name),
	}
}

// Serve implements suture.Service. A record's offset is committed once its
// handler has run, failed records included.
func (c *Consumer) Serve(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: fetch: %w", c.name, err)
		}

		var rec Record
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("Skipping malformed record")
		} else if err := c.handle(ctx, rec); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Str("event", rec.Event).Int64("offset", m.Offset).Msg("Failed to handle record")
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: commit: %w", c.name, err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) String() string {
	return c.name
}
