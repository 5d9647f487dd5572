package recent

import (
	"context"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

// AddSticky pins a session to the top of the list.
func (r *Reconciler) AddSticky(ctx context.Context, key store.SessionKey, ext string) (*store.Sticky, error) {
	if err := key.Validate("recent.AddSticky"); err != nil {
		return nil, err
	}
	s := store.Sticky{Session: key, Ext: ext, CreateTime: r.now(), UpdateTime: r.now()}
	if r.remote != nil {
		remote, err := r.remote.AddSticky(ctx, key, ext)
		if err != nil {
			return nil, err
		}
		s = remote
	}
	if err := r.db.UpsertSticky(ctx, &s); err != nil {
		return nil, err
	}
	r.bus.Emit(bus.StickyAdded, s)
	return &s, nil
}

// UpdateSticky changes the extension of a sticky session.
func (r *Reconciler) UpdateSticky(ctx context.Context, key store.SessionKey, ext string) (*store.Sticky, error) {
	if err := key.Validate("recent.UpdateSticky"); err != nil {
		return nil, err
	}
	s := store.Sticky{Session: key, Ext: ext, UpdateTime: r.now()}
	if r.remote != nil {
		remote, err := r.remote.UpdateSticky(ctx, key, ext)
		if err != nil {
			return nil, err
		}
		s = remote
	}
	if err := r.db.UpsertSticky(ctx, &s); err != nil {
		return nil, err
	}
	r.bus.Emit(bus.StickyUpdated, s)
	return &s, nil
}

// RemoveSticky unpins a session and returns the time of the change.
func (r *Reconciler) RemoveSticky(ctx context.Context, key store.SessionKey) (int64, error) {
	if err := key.Validate("recent.RemoveSticky"); err != nil {
		return 0, err
	}
	t := r.now()
	if r.remote != nil {
		var err error
		if t, err = r.remote.RemoveSticky(ctx, key); err != nil {
			return 0, err
		}
	}
	if _, err := r.db.DeleteSticky(ctx, key); err != nil {
		return 0, err
	}
	r.bus.Emit(bus.StickyRemoved, store.Sticky{Session: key, UpdateTime: t})
	return t, nil
}

// ListSticky returns the sticky sessions.
func (r *Reconciler) ListSticky(ctx context.Context) ([]store.Sticky, error) {
	return r.db.ListSticky(ctx)
}

// ApplyStickyPush mirrors a sticky change made on another device.
func (r *Reconciler) ApplyStickyPush(ctx context.Context, p *transport.StickyPush) error {
	switch p.Op {
	case transport.OpAdded, transport.OpUpdated:
		if err := r.db.UpsertSticky(ctx, &p.Sticky); err != nil {
			return err
		}
		kind := bus.StickyAdded
		if p.Op == transport.OpUpdated {
			kind = bus.StickyUpdated
		}
		r.bus.Emit(kind, p.Sticky)
	case transport.OpRemoved:
		if _, err := r.db.DeleteSticky(ctx, p.Sticky.Session); err != nil {
			return err
		}
		r.bus.Emit(bus.StickyRemoved, p.Sticky)
	case transport.OpSynced:
		if err := r.db.ReplaceSticky(ctx, p.All); err != nil {
			return err
		}
		r.bus.Emit(bus.StickySynced, p.All)
	default:
		r.logger.Warn("unknown sticky push op", zap.String("op", p.Op))
	}
	return nil
}

// Entry is a session as shown in a list, with its sticky state.
type Entry struct {
	Session store.Session `json:"session"`
	Sticky  *store.Sticky `json:"sticky,omitempty"`
}

// Overlay orders sticky sessions first, in the order of the sticky list,
// followed by the remaining sessions in their given order.
func Overlay(sessions []store.Session, sticky []store.Sticky) []Entry {
	byKey := make(map[store.SessionKey]int, len(sessions))
	for i, s := range sessions {
		byKey[s.Key] = i
	}

	out := make([]Entry, 0, len(sessions))
	used := make(map[store.SessionKey]bool, len(sticky))
	for i := range sticky {
		idx, ok := byKey[sticky[i].Session]
		if !ok {
			continue
		}
		out = append(out, Entry{Session: sessions[idx], Sticky: &sticky[i]})
		used[sticky[i].Session] = true
	}
	for _, s := range sessions {
		if !used[s.Key] {
			out = append(out, Entry{Session: s})
		}
	}
	return out
}
