package storage

import (
	"time"
)

// Event kinds.
const (
	KindBlock   = "block"
	KindUnblock = "unblock"
)

// Unblock causes.
const (
	CauseExpired = "expired"
	CauseManual  = "manual"
	CauseReissue = "reissue"
)

// Event is one block-state transition of a session.
type Event struct {
	ID        string    `msgpack:"id" json:"id"`
	At        time.Time `msgpack:"at" json:"at"`
	Kind      string    `msgpack:"kind" json:"kind"`
	Identity  string    `msgpack:"identity" json:"identity"`
	Address   string    `msgpack:"address" json:"address,omitempty"`
	UserAgent string    `msgpack:"user_agent" json:"user_agent,omitempty"`
	Path      string    `msgpack:"path" json:"path,omitempty"`
	Reason    string    `msgpack:"reason" json:"reason,omitempty"` // block reason or unblock cause
	Score     int       `msgpack:"score" json:"score"`
	ExpiresAt time.Time `msgpack:"expires_at" json:"expires_at,omitempty"`
}

// Journal is the append-only audit log of block and unblock events. It is
// write-only from the request path's point of view and never used to
// rebuild session state.
type Journal interface {
	// Append assigns ID (and At when zero) and stores ev.
	Append(ev Event) (Event, error)

	// List returns up to limit events, newest first. limit <= 0 means all.
	List(limit int) ([]Event, error)

	// Prune removes events recorded before cutoff.
	Prune(cutoff time.Time) (int, error)

	SizeBytes() (int64, error)
	Close() error
}
