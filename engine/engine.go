package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ordertrack/clock"
	"ordertrack/config"
	"ordertrack/logging"
	"ordertrack/realtime"
	"ordertrack/store"
	"ordertrack/tracking"
)

// ErrStopped is returned for sessions requested after Stop.
var ErrStopped = errors.New("engine stopped")

// Engine owns one tracking coordinator per client session and fans their
// events out on a shared bus.
type Engine struct {
	cfg     *config.Config
	kv      store.KV
	fetcher tracking.StatusFetcher
	dialer  realtime.Dialer
	clock   clock.Clock
	log     *zap.Logger
	emit    *trackingEmitter

	trackerMu sync.RWMutex
	trackers  map[string]*trackerEntry
	stopped   bool

	Events *EventBus
}

type trackerEntry struct {
	c    *tracking.Coordinator
	once sync.Once
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig *config.Config
	Store     store.KV
	Fetcher   tracking.StatusFetcher
	Dialer    realtime.Dialer
	Clock     clock.Clock
	Logger    *zap.Logger
}

// New creates a new Engine.
func New(c Config) *Engine {
	if c.AppConfig == nil {
		c.AppConfig = config.Defaults()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	bus := NewEventBus()
	e := &Engine{
		cfg:      c.AppConfig,
		kv:       c.Store,
		fetcher:  c.Fetcher,
		dialer:   c.Dialer,
		clock:    c.Clock,
		log:      logging.OrNop(c.Logger),
		emit:     &trackingEmitter{bus: bus},
		trackers: make(map[string]*trackerEntry),
		Events:   bus,
	}
	bus.SubscribeTypes(func(evt Event) { e.Release(evt.Session) }, EventTrackingCleared)
	return e
}

// Tracker returns the coordinator of session. The first request for a session
// creates it and restores its persisted record; concurrent callers wait for
// the restore to finish.
func (e *Engine) Tracker(ctx context.Context, session string) (*tracking.Coordinator, error) {
	e.trackerMu.RLock()
	entry, ok := e.trackers[session]
	stopped := e.stopped
	e.trackerMu.RUnlock()
	if stopped {
		return nil, ErrStopped
	}

	if !ok {
		e.trackerMu.Lock()
		if e.stopped {
			e.trackerMu.Unlock()
			return nil, ErrStopped
		}
		// Double-check after acquiring write lock
		entry, ok = e.trackers[session]
		if !ok {
			entry = &trackerEntry{c: e.newCoordinator(session)}
			e.trackers[session] = entry
		}
		e.trackerMu.Unlock()
	}

	entry.once.Do(func() {
		if err := entry.c.Start(ctx); err != nil {
			e.log.Warn("restore tracking", zap.String("session", session), zap.Error(err))
		}
	})
	return entry.c, nil
}

// Lookup returns the coordinator of session without creating one for a
// session that has nothing to track. A session with a persisted record is
// restored as by Tracker.
func (e *Engine) Lookup(ctx context.Context, session string) (*tracking.Coordinator, bool, error) {
	e.trackerMu.RLock()
	_, exists := e.trackers[session]
	e.trackerMu.RUnlock()

	if !exists {
		_, stored, err := e.kv.Get(ctx, tracking.SlotKey(e.cfg.Storage.KeyPrefix, session))
		if err != nil {
			return nil, false, fmt.Errorf("lookup session %s: %w", session, err)
		}
		if !stored {
			return nil, false, nil
		}
	}

	c, err := e.Tracker(ctx, session)
	if err != nil {
		return nil, false, err
	}
	if _, active := c.ActiveOrder(); !active && !exists {
		// The stored record was finished or unreadable.
		e.Release(session)
		return nil, false, nil
	}
	return c, true, nil
}

func (e *Engine) newCoordinator(session string) *tracking.Coordinator {
	return tracking.NewCoordinator(tracking.Deps{
		Store:   e.kv,
		Fetcher: e.fetcher,
		Dialer:  e.dialer,
		Clock:   e.clock,
		Emitter: e.emit,
		Logger:  e.log,
	}, tracking.Options{
		Session:     session,
		KeyPrefix:   e.cfg.Storage.KeyPrefix,
		LingerDelay: e.cfg.Tracking.LingerDelay,
		Realtime:    realtime.OptionsFrom(e.cfg.Realtime),
	})
}

// Sessions returns the number of sessions with a coordinator.
func (e *Engine) Sessions() int {
	e.trackerMu.RLock()
	defer e.trackerMu.RUnlock()
	return len(e.trackers)
}

// OpenChannels returns the number of sessions holding a realtime channel.
func (e *Engine) OpenChannels() int {
	e.trackerMu.RLock()
	defer e.trackerMu.RUnlock()
	n := 0
	for _, entry := range e.trackers {
		if entry.c.ChannelOpen() {
			n++
		}
	}
	return n
}

// Release closes the coordinator of a session that has nothing tracked. It
// reports whether the session was released. Sessions are released on their
// own once their order is cleared.
func (e *Engine) Release(session string) bool {
	e.trackerMu.Lock()
	defer e.trackerMu.Unlock()
	entry, ok := e.trackers[session]
	if !ok {
		return false
	}
	if _, active := entry.c.ActiveOrder(); active {
		return false
	}
	entry.c.Close()
	delete(e.trackers, session)
	return true
}

// Stop closes every coordinator. Persisted records are left in place so they
// are restored on the next start.
func (e *Engine) Stop() {
	e.trackerMu.Lock()
	if e.stopped {
		e.trackerMu.Unlock()
		return
	}
	e.stopped = true
	entries := e.trackers
	e.trackers = make(map[string]*trackerEntry)
	e.trackerMu.Unlock()

	for _, entry := range entries {
		entry.c.Close()
	}
	e.log.Info("engine stopped", zap.Int("sessions", len(entries)))
}

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }
