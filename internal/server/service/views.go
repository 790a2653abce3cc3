package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"imghost/internal/server/database"
)

// ViewBatchSize is how many views of one image accumulate before they are
// written to the database.
const ViewBatchSize = 10

const maxRefererLen = 256

type pendingViews struct {
	count    int
	lastView time.Time
	referer  string
}

// ViewCounter counts image views in memory and persists them in batches.
// Persisting is best-effort: failures are logged and the views stay pending.
type ViewCounter struct {
	store ViewStore
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingViews
}

// NewViewCounter creates a counter writing to store.
func NewViewCounter(store ViewStore) *ViewCounter {
	return &ViewCounter{
		store:   store,
		now:     time.Now,
		pending: make(map[string]*pendingViews),
	}
}

// Record counts one view of filename. Every ViewBatchSize-th pending view
// writes the batch.
func (c *ViewCounter) Record(ctx context.Context, filename, referer string) {
	referer = cleanReferer(referer)

	c.mu.Lock()
	p, ok := c.pending[filename]
	if !ok {
		p = &pendingViews{}
		c.pending[filename] = p
	}
	p.count++
	p.lastView = c.now().UTC()
	if referer != "" {
		p.referer = referer
	}
	if p.count < ViewBatchSize {
		c.mu.Unlock()
		return
	}
	delete(c.pending, filename)
	c.mu.Unlock()

	c.persist(ctx, filename, p)
}

// Pending returns the number of unpersisted views of filename.
func (c *ViewCounter) Pending(filename string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[filename]; ok {
		return p.count
	}
	return 0
}

// Flush persists every pending view regardless of batch size. It is called
// on shutdown.
func (c *ViewCounter) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]*pendingViews)
	c.mu.Unlock()

	for filename, p := range batch {
		c.persist(ctx, filename, p)
	}
	if len(batch) > 0 {
		slog.Info("flushed pending views", "images", len(batch))
	}
}

func (c *ViewCounter) persist(ctx context.Context, filename string, p *pendingViews) {
	err := c.store.AddViews(ctx, filename, database.ViewDelta{
		Count:    p.count,
		LastView: p.lastView,
		Referer:  p.referer,
	})
	if err == nil {
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		slog.Debug("dropping views for unrecorded file", "filename", filename, "views", p.count)
		return
	}

	slog.Error("failed to persist views",
		"filename", filename,
		"views", p.count,
		"error", err,
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[filename]; ok {
		cur.count += p.count
		if cur.referer == "" {
			cur.referer = p.referer
		}
		return
	}
	c.pending[filename] = p
}

// cleanReferer makes a raw header value storable: invalid UTF-8 and NUL
// bytes are dropped and the result is cut to maxRefererLen bytes on a rune
// boundary.
func cleanReferer(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= maxRefererLen {
		return s
	}
	cut := maxRefererLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
