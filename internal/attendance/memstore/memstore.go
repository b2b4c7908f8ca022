// Package memstore is an in-process attendance.Persister for development and tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventattend/internal/attendance"
)

var (
	// ErrDuplicate is returned when a time-in is persisted twice for the same pair.
	ErrDuplicate = errors.New("attendance record already exists")
	// ErrNotFound is returned when checkpoint or time-out has no prior time-in.
	ErrNotFound = errors.New("attendance record not found")
)

// Store keeps attendance records in memory.
type Store struct {
	mu      sync.Mutex
	records map[attendance.Key]*attendance.Session

	// Fail, when set, is consulted before every write; a non-nil result aborts it.
	Fail func(op attendance.Transition, key attendance.Key) error
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[attendance.Key]*attendance.Session)}
}

// PersistTimeIn inserts a new record.
func (s *Store) PersistTimeIn(ctx context.Context, participantKey, eventKey string, at time.Time, notes, evidence string) (string, error) {
	key := attendance.Key{Participant: participantKey, Event: eventKey}
	if err := s.check(ctx, attendance.TransitionTimeIn, key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return "", ErrDuplicate
	}
	t := at
	s.records[key] = &attendance.Session{
		ParticipantKey: participantKey,
		EventKey:       eventKey,
		RecordID:       uuid.NewString(),
		TimeIn:         &t,
		Notes:          notes,
		Evidence:       evidence,
	}
	return s.records[key].RecordID, nil
}

// PersistCheckpoint sets the checkpoint time of an existing record.
func (s *Store) PersistCheckpoint(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error {
	return s.update(ctx, attendance.TransitionCheckpoint, participantKey, eventKey, func(rec *attendance.Session) error {
		_, err := rec.RecordCheckpoint(at, evidence)
		return err
	})
}

// PersistTimeOut sets the time-out of an existing record.
func (s *Store) PersistTimeOut(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error {
	return s.update(ctx, attendance.TransitionTimeOut, participantKey, eventKey, func(rec *attendance.Session) error {
		_, err := rec.RecordTimeOut(at, evidence)
		return err
	})
}

// ListActive returns the event's records without a time-out, ordered by time-in.
func (s *Store) ListActive(ctx context.Context, eventKey string) ([]attendance.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.Snapshot
	for k, rec := range s.records {
		if k.Event != eventKey || rec.TimeOut != nil {
			continue
		}
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeIn.Before(*out[j].TimeIn) })
	return out, nil
}

// Get returns the stored record for the pair.
func (s *Store) Get(participantKey, eventKey string) (attendance.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[attendance.Key{Participant: participantKey, Event: eventKey}]
	if !ok {
		return attendance.Snapshot{}, false
	}
	return rec.Snapshot(), true
}

func (s *Store) update(ctx context.Context, tr attendance.Transition, participantKey, eventKey string, fn func(*attendance.Session) error) error {
	key := attendance.Key{Participant: participantKey, Event: eventKey}
	if err := s.check(ctx, tr, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	next := rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.records[key] = next
	return nil
}

func (s *Store) check(ctx context.Context, tr attendance.Transition, key attendance.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Fail != nil {
		return s.Fail(tr, key)
	}
	return nil
}
