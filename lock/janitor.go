package lock

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/umipu/fedingest/telemetry"
)

// JanitorConfig holds sweep configuration.
type JanitorConfig struct {
	// CheckInterval is how often to sweep expired lock rows.
	// Default is 1 minute.
	CheckInterval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// Janitor prunes expired lock rows left behind by crashed holders. Expired
// rows are already treated as free by Acquire; the janitor keeps the lock
// file from accumulating them.
type Janitor struct {
	config JanitorConfig
	locker *BoltLocker
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJanitor creates a janitor for the given locker.
func NewJanitor(l *BoltLocker, cfg JanitorConfig) *Janitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Janitor{
		config: cfg,
		locker: l,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeps.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.stopped || j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop stops background sweeps.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running || j.stopped {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	j.mu.Unlock()

	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.CheckInterval)
	defer ticker.Stop()

	j.RunOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and returns the number of rows pruned.
func (j *Janitor) RunOnce() int {
	start := time.Now()
	pruned := 0
	err := j.locker.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		c := b.Cursor()
		now := j.locker.now()

		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil || !now.Before(rec.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		j.logger.Error("lock sweep failed", "error", err)
		return pruned
	}

	if pruned > 0 {
		j.logger.Debug("pruned expired locks", "count", pruned)
	}
	telemetry.RecordJanitorCycle(context.Background(), pruned, time.Since(start))
	return pruned
}
