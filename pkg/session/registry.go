package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Factory builds a session for a newly started media stream.
type Factory func(ctx context.Context, streamID, callSID, traceID string) (*Session, error)

// Registry is the process-wide session arena, keyed by the stream SID
// the telephony provider issues on the start frame. Sessions are
// inserted explicitly at stream start and removed at teardown; history
// never outlives its entry here.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Create builds, starts, and registers a session. A duplicate start
// frame for a live stream returns the existing session untouched.
func (r *Registry) Create(ctx context.Context, streamID, callSID, traceID string) (*Session, bool, error) {
	if streamID == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(streamID); ok {
		return v.(*Session), false, nil
	}
	sess, err := r.factory(ctx, streamID, callSID, traceID)
	if err != nil {
		return nil, false, err
	}
	actual, loaded := r.sessions.LoadOrStore(streamID, sess)
	if loaded {
		sess.Close("duplicate_start")
		return actual.(*Session), false, nil
	}
	if err := sess.Start(ctx); err != nil {
		r.sessions.Delete(streamID)
		sess.Close("start_failed")
		return nil, false, err
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *Registry) Get(streamID string) (*Session, bool) {
	if v, ok := r.sessions.Load(streamID); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Remove drops the registry entry. Called from the session's own close
// hook; removing an absent entry is a no-op.
func (r *Registry) Remove(streamID string) {
	if _, ok := r.sessions.LoadAndDelete(streamID); ok {
		r.count.Add(-1)
	}
}

// Close tears down and unregisters one session.
func (r *Registry) Close(streamID, reason string) {
	if v, ok := r.sessions.Load(streamID); ok {
		v.(*Session).Close(reason)
	}
}

func (r *Registry) CloseAll(reason string) {
	r.sessions.Range(func(key, value any) bool {
		value.(*Session).Close(reason)
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty blocks until all sessions are gone or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
