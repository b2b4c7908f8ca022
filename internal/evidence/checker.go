// Package evidence runs liveness checks on scan evidence after transitions commit.
package evidence

import (
	"context"
	"log/slog"
	"time"

	"eventattend/internal/attendance"
	"eventattend/internal/attendance/sqlstore"
	"eventattend/internal/faceclient"
	"eventattend/internal/queue"
)

// LivenessChecker is the face service operation the checker needs.
type LivenessChecker interface {
	Liveness(ctx context.Context, imageURL string) (*faceclient.LivenessResult, error)
}

// Sink stores verdicts. sqlstore.Repository implements it.
type Sink interface {
	RecordEvidenceCheck(ctx context.Context, chk sqlstore.EvidenceCheck) error
}

// Checker consumes transition messages.
type Checker struct {
	face    LivenessChecker
	sink    Sink // optional
	log     *slog.Logger
	onCheck func(live bool)
	now     func() time.Time
}

// NewChecker creates a checker. sink and onCheck may be nil.
func NewChecker(face LivenessChecker, sink Sink, log *slog.Logger, onCheck func(live bool)) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{face: face, sink: sink, log: log, onCheck: onCheck, now: func() time.Time { return time.Now().UTC() }}
}

// Start consumes q in the background until ctx is done.
func (c *Checker) Start(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	go c.Run(ctx, messages)
	return nil
}

// Run handles messages until the channel closes.
func (c *Checker) Run(ctx context.Context, messages <-chan queue.Message) {
	for msg := range messages {
		if _, err := c.Handle(ctx, msg); err != nil {
			c.log.WarnContext(ctx, "evidence check failed", "type", msg.Type, "err", err)
		}
	}
}

// Handle checks one message. It reports whether a liveness check ran.
func (c *Checker) Handle(ctx context.Context, msg queue.Message) (bool, error) {
	if msg.Type != queue.TypeTransition {
		return false, nil
	}
	commit, err := queue.DecodeCommit(msg)
	if err != nil {
		return false, err
	}
	s := commit.Session
	if commit.Path != attendance.PathScan || s.Evidence == "" {
		c.log.DebugContext(ctx, "transition without evidence",
			"participant", s.ParticipantKey, "event", s.EventKey, "transition", commit.Transition)
		return false, nil
	}

	res, err := c.face.Liveness(ctx, s.Evidence)
	if err != nil {
		return false, err
	}
	if c.onCheck != nil {
		c.onCheck(res.IsLive)
	}
	level := slog.LevelInfo
	if !res.IsLive {
		level = slog.LevelWarn
	}
	c.log.Log(ctx, level, "evidence liveness checked",
		"participant", s.ParticipantKey, "event", s.EventKey, "transition", commit.Transition,
		"live", res.IsLive, "confidence", res.Confidence)

	if c.sink != nil {
		err := c.sink.RecordEvidenceCheck(ctx, sqlstore.EvidenceCheck{
			ParticipantKey: s.ParticipantKey,
			EventKey:       s.EventKey,
			Transition:     commit.Transition,
			Evidence:       s.Evidence,
			IsLive:         res.IsLive,
			Confidence:     res.Confidence,
			CheckedAt:      c.now(),
		})
		if err != nil {
			return true, err
		}
	}
	return true, nil
}
