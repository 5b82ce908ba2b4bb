// Package token issues and validates opaque per-session credentials.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/developingchet/streamguard/internal/session"
)

// Size is the number of random bytes in a token (256 bits).
const Size = 32

// Issuer creates tokens and records them in the session store.
type Issuer struct {
	Store session.Store
	Now   func() time.Time
	Rand  io.Reader

	// ClearsBlock lets a reissue lift an active block. Off by default so the
	// exempt token endpoint cannot be used to escape a block.
	ClearsBlock bool

	// OnUnblock, when set, is called after a reissue lifted a block. cause
	// is "expired" or "reissue".
	OnUnblock func(id, cause string)
}

// NewIssuer returns an Issuer using crypto/rand and the wall clock.
func NewIssuer(store session.Store, clearsBlock bool) *Issuer {
	return &Issuer{Store: store, Now: time.Now, Rand: rand.Reader, ClearsBlock: clearsBlock}
}

func (i *Issuer) now() time.Time {
	if i.Now == nil {
		return time.Now()
	}
	return i.Now()
}

// Generate returns a fresh hex token without touching the store.
func (i *Issuer) Generate() (string, error) {
	src := i.Rand
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, Size)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue overwrites the token for id and returns it. Only the latest token
// validates. The record is created when absent. The token is generated
// before the store is touched, so a random source failure leaves the
// session unchanged.
func (i *Issuer) Issue(ctx context.Context, id string) (string, error) {
	tok, err := i.Generate()
	if err != nil {
		return "", err
	}
	now := i.now()
	var cause string
	_, err = i.Store.Upsert(ctx, id, func(rec *session.Record) error {
		cause = ""
		rec.Token = tok
		rec.IssuedAt = now
		rec.LastSeenAt = now
		switch {
		case rec.ActiveBlock(now) && !i.ClearsBlock:
		case rec.Blocked:
			cause = "reissue"
			if rec.BlockExpired(now) {
				cause = "expired"
			}
			rec.Unblock()
		default:
			rec.Score = 0
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	if cause != "" && i.OnUnblock != nil {
		i.OnUnblock(id, cause)
	}
	return tok, nil
}

// Validate reports whether tok is the current token for id.
func (i *Issuer) Validate(ctx context.Context, id, tok string) bool {
	if tok == "" {
		return false
	}
	rec, err := i.Store.Get(ctx, id)
	if err != nil || rec == nil || rec.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(rec.Token), []byte(tok)) == 1
}
