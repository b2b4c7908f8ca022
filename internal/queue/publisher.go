package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"eventattend/internal/attendance"
)

// TransitionPublisher forwards committed transitions to a queue.
// It implements attendance.Observer.
type TransitionPublisher struct {
	q       Queue
	log     *slog.Logger
	timeout time.Duration
}

// NewTransitionPublisher creates a publisher.
func NewTransitionPublisher(q Queue, log *slog.Logger) *TransitionPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &TransitionPublisher{q: q, log: log, timeout: 2 * time.Second}
}

// Committed publishes the commit. Publishing failures are logged only; the
// transition is already persisted.
func (p *TransitionPublisher) Committed(ctx context.Context, c attendance.Commit) {
	msg, err := EncodeCommit(c)
	if err != nil {
		p.log.ErrorContext(ctx, "encode transition failed", "err", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.q.Publish(pubCtx, msg); err != nil {
		p.log.WarnContext(ctx, "queue publish failed",
			"participant", c.Session.ParticipantKey, "event", c.Session.EventKey, "err", err)
	}
}

// Rejected is a no-op; only committed transitions are published.
func (p *TransitionPublisher) Rejected(context.Context, attendance.Key, attendance.Path, error) {}

// EncodeCommit wraps a commit in a transition message.
func EncodeCommit(c attendance.Commit) (Message, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeTransition, Body: body}, nil
}

// DecodeCommit reads a transition message.
func DecodeCommit(msg Message) (attendance.Commit, error) {
	if msg.Type != TypeTransition {
		return attendance.Commit{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var c attendance.Commit
	if err := json.Unmarshal(msg.Body, &c); err != nil {
		return attendance.Commit{}, fmt.Errorf("decode transition: %w", err)
	}
	return c, nil
}
