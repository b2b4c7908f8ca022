package attendance

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Recorder owns the session cache for the displayed events and funnels every
// mutation through RecordManual and RecordScan.
type Recorder struct {
	persist   Persister
	log       *slog.Logger
	now       func() time.Time
	observers []Observer

	mu       sync.Mutex
	sessions map[Key]*Session
	inflight map[Key]struct{}
	// epochs advance on Forget so that in-flight commits for a released
	// event are not written back into the cache.
	epochs map[string]uint64
	// seq orders commits; committed[k] is the seq of k's last cached commit.
	// Hydrate keeps entries committed after it listed the backend.
	seq       uint64
	committed map[Key]uint64
	loaded    map[string]bool
	loading   map[string]chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRecorder creates a recorder backed by a persister.
func NewRecorder(p Persister, opts ...Option) *Recorder {
	r := &Recorder{
		persist:  p,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[Key]*Session),
		inflight: make(map[Key]struct{}),
		epochs:    make(map[string]uint64),
		committed: make(map[Key]uint64),
		loaded:    make(map[string]bool),
		loading:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordManual fires the next transition for the pair with no evidence.
// The note is kept only when the transition is a time-in.
func (r *Recorder) RecordManual(ctx context.Context, participantKey, eventKey, note string) (Snapshot, error) {
	return r.record(ctx, PathManual, participantKey, eventKey, "", note)
}

// RecordScan fires the next transition for the pair and attaches the captured evidence.
func (r *Recorder) RecordScan(ctx context.Context, participantKey, eventKey, evidence string) (Snapshot, error) {
	return r.record(ctx, PathScan, participantKey, eventKey, evidence, "")
}

func (r *Recorder) record(ctx context.Context, path Path, participantKey, eventKey, evidence, note string) (Snapshot, error) {
	key := Key{Participant: strings.TrimSpace(participantKey), Event: strings.TrimSpace(eventKey)}
	evidence = strings.TrimSpace(evidence)

	if key.Participant == "" || key.Event == "" {
		return r.reject(ctx, key, path, Snapshot{}, ErrMissingIdentifier)
	}
	if path == PathScan && evidence == "" {
		return r.reject(ctx, key, path, Snapshot{}, ErrMissingEvidence)
	}
	// A cancelled capture leaves the session untouched.
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if err := r.ensureLoaded(ctx, key.Event); err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, err
		}
		return r.reject(ctx, key, path, Snapshot{}, err)
	}

	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return r.reject(ctx, key, path, Snapshot{}, ErrSessionBusy)
	}
	current, ok := r.sessions[key]
	if !ok {
		current = NewSession(key.Participant, key.Event)
	}
	before := current.Snapshot()
	tr, ok := current.Next()
	if !ok {
		r.mu.Unlock()
		return r.reject(ctx, key, path, before, &TransitionError{From: before.State, Attempted: TransitionTimeOut})
	}
	tentative := current.Clone()
	at := r.now()
	if _, err := tentative.Apply(tr, at, evidence, note); err != nil {
		r.mu.Unlock()
		return r.reject(ctx, key, path, before, err)
	}
	r.inflight[key] = struct{}{}
	epoch := r.epochs[key.Event]
	r.mu.Unlock()

	recordID, err := r.persistTransition(ctx, tr, tentative)

	r.mu.Lock()
	delete(r.inflight, key)
	if err == nil {
		if recordID != "" {
			tentative.RecordID = recordID
		}
		if r.epochs[key.Event] == epoch {
			r.sessions[key] = tentative
			r.seq++
			r.committed[key] = r.seq
		}
	}
	r.mu.Unlock()

	if err != nil {
		perr := &PersistenceError{Key: key, Transition: tr, Err: err}
		r.log.WarnContext(ctx, "attendance transition rolled back",
			"participant", key.Participant, "event", key.Event, "transition", tr, "path", path, "err", err)
		return r.reject(ctx, key, path, before, perr)
	}

	snap := tentative.Snapshot()
	r.log.InfoContext(ctx, "attendance transition committed",
		"participant", key.Participant, "event", key.Event, "transition", tr, "path", path, "state", snap.State)
	c := Commit{Transition: tr, Path: path, At: transitionTime(tr, snap), Session: snap}
	for _, o := range r.observers {
		o.Committed(ctx, c)
	}
	return snap, nil
}

func (r *Recorder) persistTransition(ctx context.Context, tr Transition, s *Session) (string, error) {
	switch tr {
	case TransitionTimeIn:
		return r.persist.PersistTimeIn(ctx, s.ParticipantKey, s.EventKey, *s.TimeIn, s.Notes, s.Evidence)
	case TransitionCheckpoint:
		return "", r.persist.PersistCheckpoint(ctx, s.ParticipantKey, s.EventKey, *s.CheckpointTime, s.Evidence)
	default:
		return "", r.persist.PersistTimeOut(ctx, s.ParticipantKey, s.EventKey, *s.TimeOut, s.Evidence)
	}
}

func (r *Recorder) reject(ctx context.Context, key Key, path Path, snap Snapshot, err error) (Snapshot, error) {
	for _, o := range r.observers {
		o.Rejected(ctx, key, path, err)
	}
	return snap, err
}

// ActiveSessions returns the cached sessions of the event that are not Completed,
// ordered by time-in.
func (r *Recorder) ActiveSessions(eventKey string) []Snapshot {
	eventKey = strings.TrimSpace(eventKey)
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.sessions))
	for k, s := range r.sessions {
		if k.Event != eventKey || s.State() == StateCompleted {
			continue
		}
		out = append(out, s.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TimeIn, out[j].TimeIn
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ParticipantKey < out[j].ParticipantKey
	})
	return out
}

// ActiveCounts returns the number of non-completed cached sessions per event.
func (r *Recorder) ActiveCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for k, s := range r.sessions {
		if s.State() != StateCompleted {
			out[k.Event]++
		}
	}
	return out
}

// Session returns the cached session for the pair.
func (r *Recorder) Session(participantKey, eventKey string) (Snapshot, bool) {
	key := Key{Participant: strings.TrimSpace(participantKey), Event: strings.TrimSpace(eventKey)}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Hydrate replaces the cached sessions of an event with the persister's active list.
// It is called when the event is selected for display. Sessions with a transition
// in flight, or committed while the list was being read, keep their cached state.
func (r *Recorder) Hydrate(ctx context.Context, eventKey string) (int, error) {
	eventKey = strings.TrimSpace(eventKey)
	if eventKey == "" {
		return 0, ErrMissingIdentifier
	}
	r.mu.Lock()
	since := r.seq
	epoch := r.epochs[eventKey]
	r.mu.Unlock()

	snaps, err := r.persist.ListActive(ctx, eventKey)
	if err != nil {
		return 0, &PersistenceError{Key: Key{Event: eventKey}, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epochs[eventKey] != epoch {
		r.log.DebugContext(ctx, "attendance cache hydrate discarded, event released", "event", eventKey)
		return 0, nil
	}
	for k := range r.sessions {
		if k.Event == eventKey && !r.pinnedLocked(k, since) {
			delete(r.sessions, k)
		}
	}
	n := 0
	for _, snap := range snaps {
		if snap.EventKey == "" {
			snap.EventKey = eventKey
		}
		if snap.EventKey != eventKey || strings.TrimSpace(snap.ParticipantKey) == "" {
			continue
		}
		sess := snap.Session()
		if sess.State() == StatePending {
			continue
		}
		n++
		if r.pinnedLocked(sess.Key(), since) {
			continue
		}
		r.sessions[sess.Key()] = sess
	}
	r.loaded[eventKey] = true
	r.log.InfoContext(ctx, "attendance cache hydrated", "event", eventKey, "sessions", n)
	return n, nil
}

// pinnedLocked reports whether k's cached state is newer than a listing taken at since.
func (r *Recorder) pinnedLocked(k Key, since uint64) bool {
	if _, busy := r.inflight[k]; busy {
		return true
	}
	return r.committed[k] > since
}

// ensureLoaded hydrates the event the first time it is recorded against.
// Concurrent first calls share one load.
func (r *Recorder) ensureLoaded(ctx context.Context, eventKey string) error {
	for {
		r.mu.Lock()
		if r.loaded[eventKey] {
			r.mu.Unlock()
			return nil
		}
		wait, busy := r.loading[eventKey]
		if !busy {
			done := make(chan struct{})
			r.loading[eventKey] = done
			r.mu.Unlock()

			_, err := r.Hydrate(ctx, eventKey)

			r.mu.Lock()
			delete(r.loading, eventKey)
			close(done)
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Forget discards the cached sessions of an event. Commits still in flight
// for it are not cached, and the next record against it hydrates again.
func (r *Recorder) Forget(eventKey string) {
	eventKey = strings.TrimSpace(eventKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epochs[eventKey]++
	delete(r.loaded, eventKey)
	for k := range r.sessions {
		if k.Event == eventKey {
			delete(r.sessions, k)
		}
	}
	for k := range r.committed {
		if k.Event == eventKey {
			delete(r.committed, k)
		}
	}
}

func transitionTime(tr Transition, s Snapshot) time.Time {
	var t *time.Time
	switch tr {
	case TransitionTimeIn:
		t = s.TimeIn
	case TransitionCheckpoint:
		t = s.CheckpointTime
	case TransitionTimeOut:
		t = s.TimeOut
	}
	if t == nil {
		return time.Time{}
	}
	return *t
}
