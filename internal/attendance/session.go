package attendance

import (
	"strings"
	"time"
)

// State is the lifecycle position of one participant's attendance at one event.
type State string

const (
	StatePending      State = "pending"
	StateTimedIn      State = "timed_in"
	StateCheckpointed State = "checkpointed"
	// StateTimedOut is accepted when decoding backend payloads but never produced;
	// a session with a time-out is Completed.
	StateTimedOut  State = "timed_out"
	StateCompleted State = "completed"
)

// Transition names one of the three capture points.
type Transition string

const (
	TransitionTimeIn     Transition = "time_in"
	TransitionCheckpoint Transition = "checkpoint"
	TransitionTimeOut    Transition = "time_out"
)

// Key identifies a session.
type Key struct {
	Participant string
	Event       string
}

func (k Key) String() string { return k.Participant + "@" + k.Event }

// Session is one participant's attendance record for one event.
type Session struct {
	ParticipantKey string     `json:"participant_key"`
	EventKey       string     `json:"event_key"`
	RecordID       string     `json:"record_id,omitempty"`
	TimeIn         *time.Time `json:"time_in,omitempty"`
	CheckpointTime *time.Time `json:"checkpoint_time,omitempty"`
	TimeOut        *time.Time `json:"time_out,omitempty"`
	Evidence       string     `json:"evidence,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// NewSession returns a pending session for the pair.
func NewSession(participantKey, eventKey string) *Session {
	return &Session{ParticipantKey: participantKey, EventKey: eventKey}
}

// Key returns the session's identity.
func (s *Session) Key() Key {
	return Key{Participant: s.ParticipantKey, Event: s.EventKey}
}

// State derives the lifecycle state from which timestamps are set.
func (s *Session) State() State {
	switch {
	case s.TimeOut != nil:
		return StateCompleted
	case s.CheckpointTime != nil:
		return StateCheckpointed
	case s.TimeIn != nil:
		return StateTimedIn
	default:
		return StatePending
	}
}

// Next reports the transition the current state allows, if any.
func (s *Session) Next() (Transition, bool) {
	switch s.State() {
	case StatePending:
		return TransitionTimeIn, true
	case StateTimedIn:
		return TransitionCheckpoint, true
	case StateCheckpointed:
		return TransitionTimeOut, true
	default:
		return "", false
	}
}

// RecordTimeIn moves a pending session to TimedIn.
func (s *Session) RecordTimeIn(now time.Time, evidence, notes string) (Snapshot, error) {
	if s.TimeIn != nil {
		return s.Snapshot(), &TransitionError{From: s.State(), Attempted: TransitionTimeIn}
	}
	t := now
	s.TimeIn = &t
	s.Evidence = evidence
	s.Notes = strings.TrimSpace(notes)
	return s.Snapshot(), nil
}

// RecordCheckpoint moves a timed-in session to Checkpointed.
func (s *Session) RecordCheckpoint(now time.Time, evidence string) (Snapshot, error) {
	if s.TimeIn == nil || s.CheckpointTime != nil {
		return s.Snapshot(), &TransitionError{From: s.State(), Attempted: TransitionCheckpoint}
	}
	t := notBefore(now, *s.TimeIn)
	s.CheckpointTime = &t
	if evidence != "" {
		s.Evidence = evidence
	}
	return s.Snapshot(), nil
}

// RecordTimeOut completes a checkpointed session.
func (s *Session) RecordTimeOut(now time.Time, evidence string) (Snapshot, error) {
	if s.CheckpointTime == nil || s.TimeOut != nil {
		return s.Snapshot(), &TransitionError{From: s.State(), Attempted: TransitionTimeOut}
	}
	t := notBefore(now, *s.CheckpointTime)
	s.TimeOut = &t
	if evidence != "" {
		s.Evidence = evidence
	}
	return s.Snapshot(), nil
}

// Apply fires the named transition. notes only applies to time-in.
func (s *Session) Apply(tr Transition, now time.Time, evidence, notes string) (Snapshot, error) {
	switch tr {
	case TransitionTimeIn:
		return s.RecordTimeIn(now, evidence, notes)
	case TransitionCheckpoint:
		return s.RecordCheckpoint(now, evidence)
	case TransitionTimeOut:
		return s.RecordTimeOut(now, evidence)
	default:
		return s.Snapshot(), &TransitionError{From: s.State(), Attempted: tr}
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.TimeIn = copyTime(s.TimeIn)
	c.CheckpointTime = copyTime(s.CheckpointTime)
	c.TimeOut = copyTime(s.TimeOut)
	return &c
}

// Snapshot returns an immutable view for callers outside the recorder.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ParticipantKey: s.ParticipantKey,
		EventKey:       s.EventKey,
		RecordID:       s.RecordID,
		State:          s.State(),
		TimeIn:         copyTime(s.TimeIn),
		CheckpointTime: copyTime(s.CheckpointTime),
		TimeOut:        copyTime(s.TimeOut),
		Evidence:       s.Evidence,
		Notes:          s.Notes,
	}
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ParticipantKey string     `json:"participant_key"`
	EventKey       string     `json:"event_key"`
	RecordID       string     `json:"record_id,omitempty"`
	State          State      `json:"state"`
	TimeIn         *time.Time `json:"time_in,omitempty"`
	CheckpointTime *time.Time `json:"checkpoint_time,omitempty"`
	TimeOut        *time.Time `json:"time_out,omitempty"`
	Evidence       string     `json:"evidence,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// Session rebuilds a mutable session from the snapshot's timestamps.
// The stored State is ignored; it is always recomputed.
func (s Snapshot) Session() *Session {
	sess := &Session{
		ParticipantKey: s.ParticipantKey,
		EventKey:       s.EventKey,
		RecordID:       s.RecordID,
		TimeIn:         copyTime(s.TimeIn),
		CheckpointTime: copyTime(s.CheckpointTime),
		TimeOut:        copyTime(s.TimeOut),
		Evidence:       s.Evidence,
		Notes:          s.Notes,
	}
	// drop timestamps that break the ordering chain
	if sess.TimeIn == nil {
		sess.CheckpointTime = nil
	}
	if sess.CheckpointTime == nil {
		sess.TimeOut = nil
	}
	return sess
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// notBefore keeps timestamps non-decreasing when the wall clock steps back.
func notBefore(now, prev time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
