// Package tracking keeps one session's view of its active order in sync with
// the storefront: it persists the record, follows realtime pushes and falls
// back to REST reconciliation.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/clock"
	"ordertrack/logging"
	"ordertrack/realtime"
	"ordertrack/store"
	"ordertrack/taxonomy"
)

const (
	storeTimeout     = 5 * time.Second
	defaultKeyPrefix = "ordertrack:active-order"
)

// SlotKey returns the store key holding session's record.
func SlotKey(prefix, session string) string {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if session == "" {
		return prefix
	}
	return prefix + ":" + session
}

// Deps are the ports a Coordinator drives.
type Deps struct {
	Store   store.KV
	Fetcher StatusFetcher
	Dialer  realtime.Dialer
	Clock   clock.Clock
	Emitter EventEmitter
	Logger  *zap.Logger
}

// Options configures a Coordinator.
type Options struct {
	// Session scopes the persisted slot; empty means a single unscoped slot.
	Session     string
	KeyPrefix   string
	LingerDelay time.Duration
	Realtime    realtime.Options
}

// Coordinator owns the tracked order of one session. The realtime channel is
// open exactly while an order is tracked.
type Coordinator struct {
	session    string
	key        string
	linger     time.Duration
	kv         store.KV
	reconciler *Reconciler
	clock      clock.Clock
	emitter    EventEmitter
	log        *zap.Logger
	channel    *realtime.Channel

	mu          sync.Mutex
	record      *Record
	connected   bool
	lingerTimer clock.Timer
	lingerGen   uint64
	closed      bool
}

// NewCoordinator creates an idle Coordinator. Call Start to restore any
// persisted record.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.LingerDelay <= 0 {
		opts.LingerDelay = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = nopEmitter{}
	}

	log := logging.OrNop(deps.Logger).Named("tracking")
	if opts.Session != "" {
		log = log.With(zap.String("session", opts.Session))
	}

	c := &Coordinator{
		session:    opts.Session,
		key:        SlotKey(opts.KeyPrefix, opts.Session),
		linger:     opts.LingerDelay,
		kv:         deps.Store,
		reconciler: NewReconciler(deps.Fetcher),
		clock:      deps.Clock,
		emitter:    deps.Emitter,
		log:        log,
	}
	c.channel = realtime.NewChannel(deps.Dialer, deps.Clock, channelListener{c}, opts.Realtime, log)
	return c
}

// Session returns the session the coordinator belongs to.
func (c *Coordinator) Session() string { return c.session }

// Key returns the store key of the session's slot.
func (c *Coordinator) Key() string { return c.key }

// Start restores the persisted record. A malformed or terminal record is
// deleted; otherwise it is adopted, the channel is opened and one
// reconciliation is issued. Only a store read failure is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	raw, ok, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return fmt.Errorf("restore %s: %w", c.key, err)
	}
	if !ok {
		return nil
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		c.log.Warn("discarding stored record", zap.Error(err))
		c.deleteStored(ctx)
		return nil
	}
	if rec.Terminal() {
		c.log.Info("discarding finished order", zap.String("order_id", rec.OrderID), zap.String("status", string(rec.Status)))
		c.deleteStored(ctx)
		return nil
	}

	c.mu.Lock()
	if c.closed || c.record != nil {
		c.mu.Unlock()
		return nil
	}
	c.record = &rec
	c.channel.Start()
	c.mu.Unlock()

	c.log.Info("restored order", zap.String("order_id", rec.OrderID), zap.String("status", string(rec.Status)))
	c.emitter.EmitTrackingChanged(c.session, rec, SourceRestore)

	c.RefreshOrderStatus(ctx, rec.OrderID)
	return nil
}

// TrackOrder replaces whatever was tracked with a fresh record in the initial
// status and opens the channel for it. The in-memory record is updated even
// when persisting it fails; that failure is returned.
func (c *Coordinator) TrackOrder(orderID string, orderNumber int, orderType taxonomy.OrderType) error {
	if orderID == "" {
		return fmt.Errorf("%w: empty order id", ErrValidation)
	}
	if !orderType.Valid() {
		return fmt.Errorf("%w: order type %q", ErrValidation, orderType)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasConnected := c.teardownLocked()
	rec := Record{
		OrderID:     orderID,
		OrderNumber: orderNumber,
		OrderType:   orderType,
		Status:      taxonomy.InitialStatus,
		CreatedAt:   c.clock.Now().UTC(),
	}
	c.record = &rec
	err := c.persistLocked(rec)
	c.channel.Start()
	c.mu.Unlock()

	c.log.Info("tracking order", zap.String("order_id", orderID), zap.Int("order_number", orderNumber), zap.String("order_type", string(orderType)))
	if wasConnected {
		c.emitter.EmitConnectionChanged(c.session, false)
	}
	c.emitter.EmitTrackingChanged(c.session, rec, SourceTrack)
	return err
}

// ClearTracking drops the tracked order, its persisted slot, every pending
// timer and the channel. Calling it with nothing tracked is harmless.
func (c *Coordinator) ClearTracking() {
	c.mu.Lock()
	orderID, wasConnected := c.clearLocked()
	c.mu.Unlock()

	c.notifyCleared(orderID, ReasonCleared, wasConnected)
}

// ActiveOrder returns a copy of the tracked record.
func (c *Coordinator) ActiveOrder() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return Record{}, false
	}
	return *c.record, true
}

// ChannelOpen reports whether the realtime channel is running, connected or
// waiting to reconnect.
func (c *Coordinator) ChannelOpen() bool { return c.channel.Running() }

// IsConnected reports whether the channel is subscribed.
func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RefreshOrderStatus reconciles orderID against the REST endpoint. Failures
// are logged and the last known state is kept.
func (c *Coordinator) RefreshOrderStatus(ctx context.Context, orderID string) {
	if err := c.Reconcile(ctx, orderID); err != nil {
		c.log.Warn("refresh order status", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Reconcile fetches orderID's status and folds it into the tracked record.
// A terminal status clears tracking at once. Results for an order that is no
// longer tracked are dropped.
func (c *Coordinator) Reconcile(ctx context.Context, orderID string) error {
	c.mu.Lock()
	if c.record == nil || c.record.OrderID != orderID {
		c.mu.Unlock()
		c.log.Debug("not reconciling untracked order", zap.String("order_id", orderID))
		return nil
	}
	current := *c.record
	c.mu.Unlock()

	next, err := c.reconciler.Fetch(ctx, current)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.record == nil || c.record.OrderID != orderID {
		c.mu.Unlock()
		c.log.Debug("dropping reconciliation for replaced order", zap.String("order_id", orderID))
		return nil
	}

	if next.Terminal() {
		_, wasConnected := c.clearLocked()
		c.mu.Unlock()
		c.log.Info("order finished", zap.String("order_id", orderID), zap.String("status", string(next.Status)))
		c.notifyCleared(orderID, ReasonTerminal, wasConnected)
		return nil
	}

	c.stopLingerLocked()
	c.record = &next
	err = c.persistLocked(next)
	c.mu.Unlock()

	c.log.Debug("reconciled", zap.String("order_id", orderID), zap.String("status", string(next.Status)))
	c.emitter.EmitTrackingChanged(c.session, next, SourceReconcile)
	return err
}

// Close releases timers and the channel without touching the stored slot.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.teardownLocked()
}

// --- channel callbacks ---

type channelListener struct{ c *Coordinator }

func (l channelListener) ConnectionChanged(connected bool)     { l.c.connectionChanged(connected) }
func (l channelListener) OrderUpdated(o realtime.OrderPayload) { l.c.applyPush(o) }
func (l channelListener) ShouldReconnect() bool                { return l.c.shouldReconnect() }

func (c *Coordinator) connectionChanged(connected bool) {
	c.mu.Lock()
	if connected && (c.record == nil || c.closed) {
		c.mu.Unlock()
		return
	}
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()

	if changed {
		c.emitter.EmitConnectionChanged(c.session, connected)
	}
}

func (c *Coordinator) shouldReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record != nil && !c.closed
}

// applyPush patches the status of the tracked order. Pushes for other orders
// are ignored. A terminal status stays visible for the linger delay.
func (c *Coordinator) applyPush(o realtime.OrderPayload) {
	c.mu.Lock()
	if c.record == nil || c.record.OrderID != o.ID || o.Status == "" {
		c.mu.Unlock()
		return
	}

	next := *c.record
	next.Status = o.Status
	c.record = &next
	err := c.persistLocked(next)

	if next.Terminal() {
		if c.lingerTimer == nil {
			c.lingerGen++
			orderID, gen := next.OrderID, c.lingerGen
			c.lingerTimer = c.clock.AfterFunc(c.linger, func() { c.expire(orderID, gen) })
		}
	} else {
		c.stopLingerLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("persist pushed status", zap.Error(err))
	}
	c.log.Debug("status pushed", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
	c.emitter.EmitTrackingChanged(c.session, next, SourcePush)
}

// expire clears the order once its linger has run out. A callback from a
// linger that was since cancelled or replaced finds a newer gen and does
// nothing.
func (c *Coordinator) expire(orderID string, gen uint64) {
	c.mu.Lock()
	if c.lingerTimer == nil || gen != c.lingerGen || c.record == nil || c.record.OrderID != orderID {
		c.mu.Unlock()
		return
	}
	c.lingerTimer = nil
	_, wasConnected := c.clearLocked()
	c.mu.Unlock()

	c.log.Info("order finished", zap.String("order_id", orderID))
	c.notifyCleared(orderID, ReasonLinger, wasConnected)
}

// --- internals (c.mu held) ---

// teardownLocked cancels the linger timer and stops the channel. It returns
// whether the session was connected.
func (c *Coordinator) teardownLocked() bool {
	c.stopLingerLocked()
	c.channel.Stop()
	wasConnected := c.connected
	c.connected = false
	return wasConnected
}

func (c *Coordinator) stopLingerLocked() {
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
		c.lingerTimer = nil
	}
}

func (c *Coordinator) clearLocked() (orderID string, wasConnected bool) {
	wasConnected = c.teardownLocked()
	if c.record != nil {
		orderID = c.record.OrderID
	}
	c.record = nil
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	c.deleteStored(ctx)
	return orderID, wasConnected
}

func (c *Coordinator) persistLocked(rec Record) error {
	raw, err := rec.encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.kv.Set(ctx, c.key, raw); err != nil {
		return fmt.Errorf("persist order %s: %w", rec.OrderID, err)
	}
	return nil
}

func (c *Coordinator) deleteStored(ctx context.Context) {
	if err := c.kv.Delete(ctx, c.key); err != nil {
		c.log.Warn("delete stored record", zap.Error(err))
	}
}

func (c *Coordinator) notifyCleared(orderID, reason string, wasConnected bool) {
	if wasConnected {
		c.emitter.EmitConnectionChanged(c.session, false)
	}
	if orderID != "" {
		c.emitter.EmitTrackingCleared(c.session, orderID, reason)
	}
}
