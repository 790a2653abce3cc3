package storage

import (
	"context"
	"log/slog"
	"time"
)

// Index reports which stored names have a durable image record.
type Index interface {
	KnownFilenames(ctx context.Context, names []string) (map[string]bool, error)
}

// OrphanSweeper periodically removes files in the storage root that have no
// image record: files left behind when the record write failed after the
// file write, and temp files from interrupted saves. Files younger than the
// grace period are skipped so in-flight uploads are never touched.
type OrphanSweeper struct {
	index    Index
	store    Store
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewOrphanSweeper creates a new sweeper.
func NewOrphanSweeper(index Index, store Store, interval, grace time.Duration) *OrphanSweeper {
	return &OrphanSweeper{
		index:    index,
		store:    store,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *OrphanSweeper) Run(ctx context.Context) error {
	slog.Info("orphan sweeper started", "interval", s.interval, "grace", s.grace)
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("orphan sweeper stopping")
			return nil
		}
	}
}

// Wait blocks until Run has returned.
func (s *OrphanSweeper) Wait() {
	<-s.done
}

// Sweep runs a single pass and returns how many files were removed.
func (s *OrphanSweeper) Sweep(ctx context.Context) int {
	files, err := s.store.List()
	if err != nil {
		slog.Error("failed to list stored files", "error", err)
		return 0
	}

	cutoff := s.now().Add(-s.grace)
	var stale, candidates []string
	for _, f := range files {
		if f.ModTime().After(cutoff) {
			continue
		}
		if IsTemp(f.Name()) {
			stale = append(stale, f.Name())
			continue
		}
		candidates = append(candidates, f.Name())
	}

	if len(candidates) > 0 {
		known, err := s.index.KnownFilenames(ctx, candidates)
		if err != nil {
			slog.Error("failed to look up image records", "error", err)
			return 0
		}
		for _, name := range candidates {
			if !known[name] {
				stale = append(stale, name)
			}
		}
	}

	if len(stale) == 0 {
		slog.Debug("no orphaned files to clean up")
		return 0
	}

	var cleaned, failed int
	for _, name := range stale {
		if err := s.store.Delete(name); err != nil {
			slog.Error("failed to delete orphaned file",
				"filename", name,
				"error", err,
			)
			failed++
			continue
		}
		cleaned++
		slog.Info("removed orphaned file", "filename", name)
	}

	slog.Info("orphan sweep complete",
		"cleaned", cleaned,
		"failed", failed,
		"scanned", len(files),
	)
	return cleaned
}
