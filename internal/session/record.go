package session

import "time"

// DefaultMaxHits bounds the per-session request history.
const DefaultMaxHits = 500

// Hit is one gated request as remembered by the risk store.
type Hit struct {
	At   time.Time `msgpack:"at" json:"at"`
	Path string    `msgpack:"path" json:"path"`
}

// Record is the mutable per-identity state tracked by the risk store.
type Record struct {
	Token          string    `msgpack:"token" json:"-"`
	IssuedAt       time.Time `msgpack:"issued_at" json:"issued_at"`
	LastSeenAt     time.Time `msgpack:"last_seen_at" json:"last_seen_at"`
	Blocked        bool      `msgpack:"blocked" json:"blocked"`
	BlockedAt      time.Time `msgpack:"blocked_at" json:"blocked_at,omitempty"`
	BlockExpiresAt time.Time `msgpack:"block_expires_at" json:"block_expires_at,omitempty"`
	BlockReason    string    `msgpack:"block_reason" json:"block_reason,omitempty"`
	Score          int       `msgpack:"score" json:"score"`
	Attempts       int       `msgpack:"attempts" json:"attempts"`
	Hits           []Hit     `msgpack:"hits" json:"hits"`
	LastUserAgent  string    `msgpack:"last_user_agent" json:"last_user_agent"`
}

// AppendHit records h, dropping the oldest entries so that at most max remain.
// A non-positive max falls back to DefaultMaxHits.
func (r *Record) AppendHit(h Hit, max int) {
	if max <= 0 {
		max = DefaultMaxHits
	}
	r.Hits = append(r.Hits, h)
	if over := len(r.Hits) - max; over > 0 {
		// copy down so the backing array does not grow without bound
		n := copy(r.Hits, r.Hits[over:])
		r.Hits = r.Hits[:n]
	}
}

// Block flags the record until now+ttl. A block always carries an expiry.
func (r *Record) Block(now time.Time, ttl time.Duration, reason string) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	r.Blocked = true
	r.BlockedAt = now
	r.BlockExpiresAt = now.Add(ttl)
	r.BlockReason = reason
}

// BlockExpired reports whether the record is blocked and its window has elapsed.
func (r *Record) BlockExpired(now time.Time) bool {
	return r.Blocked && !now.Before(r.BlockExpiresAt)
}

// ActiveBlock reports whether the record is blocked and still inside its window.
func (r *Record) ActiveBlock(now time.Time) bool {
	return r.Blocked && now.Before(r.BlockExpiresAt)
}

// Unblock clears the block, resets the score and shortcut attempts, and forgets the request history
// that led to the block.
func (r *Record) Unblock() {
	r.Blocked = false
	r.BlockedAt = time.Time{}
	r.BlockExpiresAt = time.Time{}
	r.BlockReason = ""
	r.Score = 0
	r.Attempts = 0
	r.Hits = nil
}

// Stale reports whether the record has not been seen within retention.
func (r *Record) Stale(now time.Time, retention time.Duration) bool {
	return r.LastSeenAt.Before(now.Add(-retention))
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (r Record) Clone() Record {
	if r.Hits != nil {
		hits := make([]Hit, len(r.Hits))
		copy(hits, r.Hits)
		r.Hits = hits
	}
	return r
}
