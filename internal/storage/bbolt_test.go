package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := NewBboltJournal(dir)
	if err != nil {
		t.Fatalf("NewBboltJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func TestAppendAssignsIDAndTime(t *testing.T) {
	j := newTestJournal(t)

	ev, err := j.Append(Event{Kind: KindBlock, Identity: "abc", Reason: "rate", Score: 100})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ID == "" {
		t.Error("Append should assign an id")
	}
	if ev.At.IsZero() {
		t.Error("Append should stamp a zero At")
	}

	fixed, err := j.Append(Event{At: t0, Kind: KindUnblock, Identity: "abc", Reason: CauseExpired})
	if err != nil {
		t.Fatal(err)
	}
	if !fixed.At.Equal(t0) {
		t.Errorf("explicit At overwritten: %v", fixed.At)
	}
	if fixed.ID == ev.ID {
		t.Error("ids must be unique")
	}
}

func TestListNewestFirst(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 5; i++ {
		if _, err := j.Append(Event{At: t0.Add(time.Duration(i) * time.Minute), Kind: KindBlock, Score: i}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := j.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("List(0) returned %d events, want 5", len(all))
	}
	for i, ev := range all {
		if ev.Score != 4-i {
			t.Errorf("position %d: Score %d, want %d (newest first)", i, ev.Score, 4-i)
		}
	}

	two, _ := j.List(2)
	if len(two) != 2 || two[0].Score != 4 {
		t.Errorf("List(2) = %+v", two)
	}
}

func TestSameInstantEventsKept(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 3; i++ {
		if _, err := j.Append(Event{At: t0, Kind: KindBlock}); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := j.List(0)
	if len(all) != 3 {
		t.Errorf("events at the same instant collided: got %d", len(all))
	}
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 6; i++ {
		_, _ = j.Append(Event{At: t0.Add(time.Duration(i) * time.Hour), Kind: KindBlock, Score: i})
	}

	n, err := j.Prune(t0.Add(3 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Prune removed %d, want 3", n)
	}
	rest, _ := j.List(0)
	if len(rest) != 3 || rest[len(rest)-1].Score != 3 {
		t.Errorf("remaining events: %+v", rest)
	}

	if n, _ := j.Prune(t0.Add(3 * time.Hour)); n != 0 {
		t.Errorf("second Prune removed %d, want 0", n)
	}
}

func TestConcurrentAppend(t *testing.T) {
	j := newTestJournal(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = j.Append(Event{Kind: KindBlock})
		}()
	}
	wg.Wait()
	all, _ := j.List(0)
	if len(all) != 20 {
		t.Errorf("expected 20 events, got %d", len(all))
	}
}

func TestSizeBytes(t *testing.T) {
	j := newTestJournal(t)
	size, err := j.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", size)
	}
}

func TestFileCreatedAndReadOnlyOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	j, err := NewBboltJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "journal.db")); err != nil {
		t.Errorf("journal.db not created: %v", err)
	}
	_, _ = j.Append(Event{At: t0, Kind: KindBlock, Identity: "x"})
	j.Close()

	ro, err := OpenJournalReadOnly(dir)
	if err != nil {
		t.Fatalf("OpenJournalReadOnly: %v", err)
	}
	defer ro.Close()
	all, err := ro.List(0)
	if err != nil || len(all) != 1 || all[0].Identity != "x" {
		t.Errorf("read-only List: %+v, %v", all, err)
	}

	if _, err := OpenJournalReadOnly(t.TempDir()); err == nil {
		t.Error("read-only open of a missing journal should fail")
	}
}
