package attendance

import (
	"context"
	"time"
)

// Persister is the authoritative attendance store behind the recorder's cache.
// A transition is only committed to the cache once the matching call succeeds.
type Persister interface {
	// PersistTimeIn creates the attendance record and returns its id.
	PersistTimeIn(ctx context.Context, participantKey, eventKey string, at time.Time, notes, evidence string) (string, error)
	PersistCheckpoint(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error
	PersistTimeOut(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error
	// ListActive returns the sessions of the event that have not timed out.
	ListActive(ctx context.Context, eventKey string) ([]Snapshot, error)
}

// Path is the capture method that produced a transition.
type Path string

const (
	PathManual Path = "manual"
	PathScan   Path = "scan"
)

// Commit describes a transition confirmed by the persister.
type Commit struct {
	Transition Transition `json:"transition"`
	Path       Path       `json:"path"`
	At         time.Time  `json:"at"`
	Session    Snapshot   `json:"session"`
}

// Observer is notified after the recorder commits or rejects a transition.
// Calls happen outside the recorder's lock.
type Observer interface {
	Committed(ctx context.Context, c Commit)
	Rejected(ctx context.Context, key Key, path Path, err error)
}
