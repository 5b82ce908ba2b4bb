package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketEvents = "events"
	journalFile  = "journal.db"
)

type bboltJournal struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBboltJournal opens (or creates) a bbolt journal at dataDir/journal.db.
func NewBboltJournal(dataDir string) (Journal, error) {
	return openJournal(dataDir, false)
}

// OpenJournalReadOnly opens an existing journal without taking the write lock.
// It blocks for up to five seconds while a running gate holds the file.
func OpenJournalReadOnly(dataDir string) (Journal, error) {
	return openJournal(dataDir, true)
}

func openJournal(dataDir string, readOnly bool) (Journal, error) {
	path := filepath.Join(dataDir, journalFile)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("journal at %s: %w", path, err)
		}
	} else if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if !readOnly {
		if err := db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketEvents)); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucketEvents, err)
			}
			return nil
		}); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &bboltJournal{db: db, now: time.Now}, nil
}

// eventKey orders events by time: 8 bytes of big-endian UnixNano followed by
// the 16 id bytes so events in the same nanosecond stay distinct.
func eventKey(at time.Time, id uuid.UUID) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(at.UnixNano()))
	copy(key[8:], id[:])
	return key
}

func timePrefix(at time.Time) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, uint64(at.UnixNano()))
	return p
}

func (j *bboltJournal) Append(ev Event) (Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("event id: %w", err)
	}
	ev.ID = id.String()
	if ev.At.IsZero() {
		ev.At = j.now()
	}
	ev.At = ev.At.UTC()

	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal Event: %w", err)
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put(eventKey(ev.At, id), data)
	})
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (j *bboltJournal) List(limit int) ([]Event, error) {
	var out []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev Event
			if err := msgpack.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal Event %x: %w", k, err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (j *bboltJournal) Prune(cutoff time.Time) (int, error) {
	limit := timePrefix(cutoff)
	var pruned int
	err := j.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEvents)).Cursor()
		// Next after Delete can skip a key; restart from First instead.
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (j *bboltJournal) SizeBytes() (int64, error) {
	info, err := os.Stat(j.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (j *bboltJournal) Close() error {
	return j.db.Close()
}
