package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/streamguard/internal/session"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newIssuer(store session.Store, now *time.Time) *Issuer {
	iss := NewIssuer(store, false)
	iss.Now = func() time.Time { return *now }
	return iss
}

func TestIssueFormat(t *testing.T) {
	now := t0
	iss := newIssuer(session.NewMemoryStore(), &now)
	tok, err := iss.Issue(context.Background(), "id")
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 2*Size {
		t.Errorf("token length = %d, want %d", len(tok), 2*Size)
	}
	if strings.Trim(tok, "0123456789abcdef") != "" {
		t.Errorf("token is not lowercase hex: %q", tok)
	}
}

func TestReissueInvalidatesPrevious(t *testing.T) {
	ctx := context.Background()
	now := t0
	iss := newIssuer(session.NewMemoryStore(), &now)

	first, err := iss.Issue(ctx, "id")
	if err != nil {
		t.Fatal(err)
	}
	if !iss.Validate(ctx, "id", first) {
		t.Fatal("fresh token should validate")
	}
	second, err := iss.Issue(ctx, "id")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("two issuances returned the same token")
	}
	if iss.Validate(ctx, "id", first) {
		t.Error("first token must not validate after reissue")
	}
	if !iss.Validate(ctx, "id", second) {
		t.Error("latest token should validate")
	}
}

func TestValidateRejects(t *testing.T) {
	ctx := context.Background()
	now := t0
	iss := newIssuer(session.NewMemoryStore(), &now)
	tok, _ := iss.Issue(ctx, "alice")

	cases := []struct {
		name, id, tok string
	}{
		{"empty_token", "alice", ""},
		{"wrong_token", "alice", strings.Repeat("0", 64)},
		{"other_identity", "bob", tok},
		{"prefix_only", "alice", tok[:32]},
	}
	for _, c := range cases {
		if iss.Validate(ctx, c.id, c.tok) {
			t.Errorf("%s: Validate should be false", c.name)
		}
	}
}

func TestIssueResetsScoreAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	now := t0
	iss := newIssuer(store, &now)

	_, _ = store.Upsert(ctx, "id", func(r *session.Record) error {
		r.Score = 55
		r.AppendHit(session.Hit{At: t0.Add(-time.Second), Path: "/"}, 10)
		return nil
	})
	if _, err := iss.Issue(ctx, "id"); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Get(ctx, "id")
	if rec.Score != 0 {
		t.Errorf("Score = %d, want 0", rec.Score)
	}
	if len(rec.Hits) != 1 {
		t.Errorf("hit history should survive reissue, got %d hits", len(rec.Hits))
	}
	if !rec.IssuedAt.Equal(t0) || !rec.LastSeenAt.Equal(t0) {
		t.Errorf("timestamps not set: %+v", rec)
	}
}

func TestIssuePreservesActiveBlock(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	now := t0
	iss := newIssuer(store, &now)
	var causes []string
	iss.OnUnblock = func(_, cause string) { causes = append(causes, cause) }

	_, _ = store.Upsert(ctx, "id", func(r *session.Record) error {
		r.Score = 100
		r.Block(t0, time.Hour, "ua_denylist")
		return nil
	})
	now = t0.Add(10 * time.Minute)
	if _, err := iss.Issue(ctx, "id"); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Get(ctx, "id")
	if !rec.Blocked || rec.Score != 100 {
		t.Errorf("active block should survive reissue: %+v", rec)
	}

	iss.ClearsBlock = true
	if _, err := iss.Issue(ctx, "id"); err != nil {
		t.Fatal(err)
	}
	rec, _ = store.Get(ctx, "id")
	if rec.Blocked || rec.Score != 0 {
		t.Errorf("ClearsBlock reissue should unblock: %+v", rec)
	}
	if len(causes) != 1 || causes[0] != "reissue" {
		t.Errorf("OnUnblock causes = %v, want [reissue]", causes)
	}
}

func TestIssueClearsExpiredBlock(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	now := t0
	iss := newIssuer(store, &now)
	var causes []string
	iss.OnUnblock = func(_, cause string) { causes = append(causes, cause) }

	_, _ = store.Upsert(ctx, "id", func(r *session.Record) error {
		r.Score = 80
		r.Block(t0, time.Hour, "signal")
		return nil
	})
	now = t0.Add(2 * time.Hour)
	if _, err := iss.Issue(ctx, "id"); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Get(ctx, "id")
	if rec.Blocked || rec.Score != 0 {
		t.Errorf("expired block should be cleared on reissue: %+v", rec)
	}
	if len(causes) != 1 || causes[0] != "expired" {
		t.Errorf("OnUnblock causes = %v, want [expired]", causes)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestIssueRandFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	now := t0
	iss := newIssuer(store, &now)

	good, _ := iss.Issue(ctx, "id")
	iss.Rand = failingReader{}
	if _, err := iss.Issue(ctx, "id"); err == nil {
		t.Fatal("expected error from failing random source")
	}
	if !iss.Validate(ctx, "id", good) {
		t.Error("previous token should still validate after a failed issuance")
	}
	if _, err := iss.Issue(ctx, "new"); err == nil {
		t.Fatal("expected error")
	}
	if rec, _ := store.Get(ctx, "new"); rec != nil {
		t.Error("failed issuance must not create a record")
	}
}
