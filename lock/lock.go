// Package lock provides a mutual-exclusion lock keyed by URI, backed by a
// bbolt file. bbolt holds an exclusive file lock while open, so only one
// process serves a lock database at a time; the leases persist across
// process restarts, and a bounded lease means a crashed holder cannot wedge
// a URI forever.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var bucketLocks = []byte("locks")

const (
	// DefaultLease bounds how long a holder may keep a lock. It must be
	// safely larger than the slowest expected fetch chain, recursive
	// reply/quote resolution included.
	DefaultLease = 10 * time.Minute

	// retryInterval is the base poll interval while waiting for a lock.
	retryInterval = 100 * time.Millisecond
)

type record struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Locker acquires per-key locks.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done. The
	// returned release function is idempotent and must be called on every
	// exit path.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// BoltLocker implements Locker on a bbolt file. The file is exclusively
// held while open; lock records outlive the process, so a successor taking
// over the file honors leases left by a crashed predecessor.
type BoltLocker struct {
	db     *bbolt.DB
	lease  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a BoltLocker.
type Option func(*BoltLocker)

// WithLease sets the lock lease duration.
func WithLease(lease time.Duration) Option {
	return func(l *BoltLocker) {
		l.lease = lease
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *BoltLocker) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *BoltLocker) {
		l.now = now
	}
}

// Open opens (creating if needed) the lock database at path.
func Open(path string, opts ...Option) (*BoltLocker, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening lock database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating lock bucket: %w", err)
	}

	l := &BoltLocker{
		db:     db,
		lease:  DefaultLease,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the lock database.
func (l *BoltLocker) Close() error {
	return l.db.Close()
}

// Acquire implements Locker. An expired lease is treated as free and taken
// over.
func (l *BoltLocker) Acquire(ctx context.Context, key string) (func(), error) {
	holder := uuid.NewString()

	for {
		acquired, err := l.tryAcquire(key, holder)
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() { l.release(key, holder) }, nil
		}

		// Jittered poll so contending processes do not retry in lockstep.
		delay := retryInterval + time.Duration(rand.Int64N(int64(retryInterval)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *BoltLocker) tryAcquire(key, holder string) (bool, error) {
	acquired := false
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if data := b.Get([]byte(key)); data != nil {
			var rec record
			if err := json.Unmarshal(data, &rec); err == nil && l.now().Before(rec.ExpiresAt) {
				return nil // held by a live lease
			}
		}

		rec := record{Holder: holder, ExpiresAt: l.now().Add(l.lease)}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	return acquired, nil
}

// release deletes the lock if still held by holder. Releasing an expired or
// taken-over lock is a no-op.
func (l *BoltLocker) release(key, holder string) {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil || rec.Holder != holder {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		l.logger.Warn("failed to release lock", "key", key, "error", err)
	}
}
