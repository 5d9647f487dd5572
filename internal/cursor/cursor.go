// Package cursor tracks per-session sync checkpoints for incremental feeds.
//
// Each feed (pins, ...) owns a Manager. A cursor starts at 0, meaning "sync
// everything", and only moves forward. Only the holder of a Lease for a key
// may move its cursor; readers use Get.
package cursor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/store"
	"go.uber.org/zap"
)

// Checkpoints persists cursor values. Manager works without one.
type Checkpoints interface {
	Checkpoint(ctx context.Context, key string) (int64, error)
	SetCheckpoint(ctx context.Context, key string, value int64) error
}

// Manager maps session keys to the last applied sync timestamp of one feed.
type Manager struct {
	feed   string
	cp     Checkpoints
	logger *zap.Logger

	mu      sync.Mutex
	entries map[store.SessionKey]*entry
}

type entry struct {
	sem    chan struct{}
	value  atomic.Int64
	loaded bool // guarded by sem
}

// New creates a cursor manager for feed. cp may be nil.
func New(feed string, cp Checkpoints, logger *zap.Logger) *Manager {
	return &Manager{
		feed:    feed,
		cp:      cp,
		logger:  logger.With(zap.String("feed", feed)),
		entries: make(map[store.SessionKey]*entry),
	}
}

func (m *Manager) entry(key store.SessionKey) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	return e
}

func (m *Manager) checkpointKey(key store.SessionKey) string {
	return "cursor:" + m.feed + ":" + key.String()
}

// Get returns the current cursor for key without locking it.
func (m *Manager) Get(ctx context.Context, key store.SessionKey) (int64, error) {
	e := m.entry(key)
	if v := e.value.Load(); v > 0 || m.cp == nil {
		return v, nil
	}
	return m.cp.Checkpoint(ctx, m.checkpointKey(key))
}

// Acquire waits for exclusive use of key's cursor. The lease must be released.
func (m *Manager) Acquire(ctx context.Context, key store.SessionKey) (*Lease, error) {
	e := m.entry(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !e.loaded && m.cp != nil {
		v, err := m.cp.Checkpoint(ctx, m.checkpointKey(key))
		if err != nil {
			<-e.sem
			return nil, fmt.Errorf("load cursor %s: %w", key, err)
		}
		e.value.Store(v)
	}
	e.loaded = true
	return &Lease{m: m, key: key, e: e}, nil
}

// Lease is exclusive write access to one cursor.
type Lease struct {
	m        *Manager
	key      store.SessionKey
	e        *entry
	released atomic.Bool
}

// Since returns the cursor value the next sync should start from.
func (l *Lease) Since() int64 {
	return l.e.value.Load()
}

// Advance moves the cursor to ts. A smaller ts is logged and rejected with
// Conflict; the cursor keeps its value.
func (l *Lease) Advance(ctx context.Context, ts int64) error {
	cur := l.e.value.Load()
	if ts < cur {
		l.m.logger.Warn("sync cursor would move backward, ignoring",
			zap.String("session", l.key.String()),
			zap.Int64("current", cur),
			zap.Int64("received", ts))
		metrics.RecordCursorConflict(l.m.feed)
		return errs.Conflictf("cursor.Advance", "cursor %s at %d, refusing %d", l.key, cur, ts)
	}
	if ts == cur {
		return nil
	}
	l.e.value.Store(ts)
	if l.m.cp != nil {
		if err := l.m.cp.SetCheckpoint(ctx, l.m.checkpointKey(l.key), ts); err != nil {
			l.m.logger.Warn("failed to persist sync cursor", zap.Error(err), zap.String("session", l.key.String()))
		}
	}
	return nil
}

// Release gives up the lease. Extra calls are no-ops.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		<-l.e.sem
	}
}
