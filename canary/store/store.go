// Package store persists deployment records for model training.
//
// Records live in an embedded BadgerDB keyed by timestamp so the newest
// records can be read back first. A small ID index makes writes idempotent
// per record ID.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// recordPrefix namespaces deployment records within the database.
	recordPrefix = []byte("deploy/")
	// idPrefix maps a record ID to its current record key.
	idPrefix = []byte("id/")
)

// ErrInvalidRecord is returned for records that fail validation.
var ErrInvalidRecord = errors.New("invalid deployment record")

// Config holds configuration for the record database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in memory. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction before a value log file is rewritten.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests: no disk I/O and no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is the deployment record database.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	db   *badger.DB
	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens (creating if needed) the record database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: record store path is required", canary.ErrPersistence)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("%w: creating record store directory %s: %w", canary.ErrPersistence, cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(logrus.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening record store: %w", canary.ErrPersistence, err)
	}
	s := &Store{db: db, stop: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.wg.Add(1)
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Each successful pass may leave more to collect.
			for {
				err := s.db.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					logrus.WithError(err).Warn("record store value log GC")
				}
				break
			}
		}
	}
}

// recordKey orders records by timestamp; the ID disambiguates equal timestamps.
func recordKey(r canary.DeploymentRecord) []byte {
	key := make([]byte, 0, len(recordPrefix)+9+len(r.ID))
	key = append(key, recordPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(r.Timestamp.UnixNano()))
	key = append(key, '/')
	return append(key, r.ID...)
}

// keyTime recovers the timestamp encoded in a record key.
func keyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[len(recordPrefix):]))).UTC()
}

func indexKey(id string) []byte {
	return append(bytes.Clone(idPrefix), id...)
}

// put writes r inside txn. A record whose ID is already stored replaces the
// stored one and keeps its timestamp, so importing the same record twice
// leaves a single copy.
func put(txn *badger.Txn, r canary.DeploymentRecord, now time.Time) (canary.DeploymentRecord, error) {
	if err := r.Validate(); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	idx := indexKey(r.ID)
	var previous []byte
	item, err := txn.Get(idx)
	switch {
	case err == nil:
		if previous, err = item.ValueCopy(nil); err != nil {
			return r, err
		}
		r.Timestamp = keyTime(previous)
	case errors.Is(err, badger.ErrKeyNotFound):
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	default:
		return r, err
	}
	r.Timestamp = r.Timestamp.UTC()

	val, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("encoding record: %w", err)
	}
	key := recordKey(r)
	if previous != nil && !bytes.Equal(previous, key) {
		if err := txn.Delete(previous); err != nil {
			return r, err
		}
	}
	if err := txn.Set(key, val); err != nil {
		return r, err
	}
	return r, txn.Set(idx, key)
}

// Put stores one record and returns it with its ID and timestamp filled in.
// Invalid records are rejected with ErrInvalidRecord.
func (s *Store) Put(ctx context.Context, r canary.DeploymentRecord) (canary.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return r, err
	}
	var stored canary.DeploymentRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		stored, err = put(txn, r, time.Now())
		return err
	})
	if errors.Is(err, ErrInvalidRecord) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("%w: storing record %s: %w", canary.ErrPersistence, r.ID, err)
	}
	logrus.WithFields(logrus.Fields{
		"id":        stored.ID,
		"service":   stored.ServiceName,
		"increment": stored.CanaryIncrement,
	}).Debug("stored deployment record")
	return stored, nil
}

// PutAll stores records and returns how many were written. Every record is
// validated before anything is written. Large inputs are split over several
// transactions.
func (s *Store) PutAll(ctx context.Context, records []canary.DeploymentRecord) (int, error) {
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("%w: record %d: %w", ErrInvalidRecord, i, err)
		}
	}

	now := time.Now()
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_, err := put(txn, r, now)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return 0, fmt.Errorf("%w: writing records: %w", canary.ErrPersistence, err)
			}
			txn = s.db.NewTransaction(true)
			_, err = put(txn, r, now)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: storing record %d: %w", canary.ErrPersistence, i, err)
		}
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("%w: writing records: %w", canary.ErrPersistence, err)
	}
	return len(records), nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) Recent(ctx context.Context, limit int) ([]canary.DeploymentRecord, error) {
	var out []canary.DeploymentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(bytes.Clone(recordPrefix), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var r canary.DeploymentRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decoding record %q: %w", it.Item().Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading records: %w", canary.ErrPersistence, err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting records: %w", canary.ErrPersistence, err)
	}
	return n, nil
}
