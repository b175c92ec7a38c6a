// Package natsjs publishes sync events to NATS JetStream.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vdavid/mailmirror/internal/mailsync"
)

const (
	// StreamName is the stream holding per-user events.
	StreamName = "USER_EVENTS"

	streamSubjects = "user.*.>"
	dedupeWindow   = 10 * time.Minute
	retention      = 30 * 24 * time.Hour
)

// Publisher wraps a JetStream context for publishing sync events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ mailsync.Notifier = (*Publisher)(nil)

// NewPublisher connects to the NATS server at url.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailmirror"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the USER_EVENTS stream unless it already exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{streamSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: dedupeWindow,
		MaxAge:     retention,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes payload on subject. msgID deduplicates redeliveries within
// the stream's duplicate window.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// NotifySync publishes a sync event on user.<userID>.mail.synced.
func (p *Publisher) NotifySync(ctx context.Context, event mailsync.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode sync event: %w", err)
	}
	return p.Publish(ctx, SyncSubject(event.UserID), payload, event.ID)
}

// SyncSubject is the subject sync events for a user are published on.
func SyncSubject(userID string) string {
	return "user." + userID + ".mail.synced"
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
