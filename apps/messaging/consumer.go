package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

const (
	persistAttempts = 3
	retryDelay      = 200 * time.Millisecond
)

// Persister is the write side of the chat tables. *db.Store implements it.
type Persister interface {
	SaveMessage(ctx context.Context, m model.Message, recipients []string) error
	EditMessage(ctx context.Context, conversationID, messageID, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error)
}

// Writer persists the durable records of the chat topic.
type Writer struct {
	store Persister
	delay time.Duration
	log   zerolog.Logger
}

func NewWriter(store Persister) *Writer {
	return &Writer{store: store, delay: retryDelay, log: logging.Component("messaging")}
}

// Handle is the bus.Handler of the messaging consumer.
func (w *Writer) Handle(ctx context.Context, rec bus.Record) error {
	if !rec.Durable() {
		return nil
	}
	ev, err := rec.Decode()
	if err != nil {
		metrics.PersistedEvents.WithLabelValues(rec.Event, "malformed").Inc()
		return fmt.Errorf("decode %s: %w", rec.Event, err)
	}

	err = w.retry(ctx, func() error { return w.persist(ctx, rec, ev) })
	if err != nil {
		metrics.PersistedEvents.WithLabelValues(rec.Event, "error").Inc()
		return err
	}
	metrics.PersistedEvents.WithLabelValues(rec.Event, "ok").Inc()
	return nil
}

func (w *Writer) persist(ctx context.Context, rec bus.Record, ev model.Inbound) error {
	switch e := ev.(type) {
	case model.NewMessage:
		msg := e.Message
		if msg.ConversationID == "" {
			msg.ConversationID = e.ConversationID
		}
		if err := w.store.SaveMessage(ctx, msg, rec.Recipients); err != nil {
			return err
		}
		w.log.Debug().Str("id", msg.ID).Str("conversation", msg.ConversationID).Msg("Message saved")
	case model.MessageUpdated:
		return w.store.EditMessage(ctx, rec.ConversationID, e.MessageID, e.Content, e.EditedAt)
	case model.MessageRemoved:
		return w.store.DeleteMessage(ctx, rec.ConversationID, e.MessageID)
	case model.MessagesRead:
		_, err := w.store.MarkRead(ctx, rec.ConversationID, e.ReadBy, e.MessageIDs)
		return err
	}
	return nil
}

// retry runs fn until it succeeds, attempts run out or ctx ends.
func (w *Writer) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == persistAttempts {
			break
		}
		w.log.Warn().Err(err).Int("attempt", attempt).Msg("Persist failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * w.delay):
		}
	}
	return err
}
