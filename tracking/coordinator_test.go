package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordertrack/clock"
	"ordertrack/realtime"
	"ordertrack/realtime/realtimetest"
	"ordertrack/statusapi"
	"ordertrack/store"
	"ordertrack/taxonomy"
)

const (
	testSession = "sess1"
	testKey     = "ordertrack:active-order:sess1"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*statusapi.OrderStatus
	err     error
}

func (f *fakeFetcher) GetOrderStatus(_ context.Context, orderID string) (*statusapi.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderID)
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.results[orderID]
	if !ok {
		return nil, errors.New("status api HTTP 404: not found")
	}
	cp := *st
	return &cp, nil
}

func (f *fakeFetcher) set(orderID string, st statusapi.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]*statusapi.OrderStatus)
	}
	f.results[orderID] = &st
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type emitted struct {
	kind      string
	orderID   string
	status    taxonomy.Status
	source    string
	connected bool
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) EmitTrackingChanged(_ string, rec Record, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{kind: "changed", orderID: rec.OrderID, status: rec.Status, source: source})
}

func (e *recordingEmitter) EmitConnectionChanged(_ string, connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{kind: "connection", connected: connected})
}

func (e *recordingEmitter) EmitTrackingCleared(_ string, orderID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{kind: "cleared", orderID: orderID, source: reason})
}

func (e *recordingEmitter) last() emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return emitted{}
	}
	return e.events[len(e.events)-1]
}

type harness struct {
	c      *Coordinator
	kv     *store.Memory
	dialer *realtimetest.Dialer
	clk    *clock.Fake
	fetch  *fakeFetcher
	events *recordingEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemory())
}

func newHarnessWithStore(t *testing.T, kv *store.Memory) *harness {
	t.Helper()
	h := &harness{
		kv:     kv,
		dialer: &realtimetest.Dialer{},
		clk:    clock.NewFake(time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)),
		fetch:  &fakeFetcher{},
		events: &recordingEmitter{},
	}
	h.c = NewCoordinator(Deps{
		Store:   h.kv,
		Fetcher: h.fetch,
		Dialer:  h.dialer,
		Clock:   h.clk,
		Emitter: h.events,
	}, Options{
		Session:  testSession,
		Realtime: realtime.Options{URL: "ws://storefront/ws"},
	})
	t.Cleanup(h.c.Close)
	return h
}

// connect opens and acknowledges the latest socket.
func (h *harness) connect(t *testing.T) *realtimetest.Socket {
	t.Helper()
	sock := h.dialer.Last()
	require.NotNil(t, sock)
	sock.Connect("orders")
	require.True(t, h.c.IsConnected())
	return sock
}

func (h *harness) stored(t *testing.T) (Record, bool) {
	t.Helper()
	raw, ok, err := h.kv.Get(context.Background(), testKey)
	require.NoError(t, err)
	if !ok {
		return Record{}, false
	}
	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	return rec, true
}

func seed(t *testing.T, kv store.KV, rec Record) {
	t.Helper()
	raw, err := rec.encode()
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), testKey, raw))
}

func push(sock *realtimetest.Socket, orderID string, status taxonomy.Status) {
	sock.Push("orders", realtime.OrderPayload{ID: orderID, Status: status})
}

func TestTrackOrder_CreatesInitialRecord(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))

	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, Record{
		OrderID:     "ord_1",
		OrderNumber: 42,
		OrderType:   taxonomy.TypeDineIn,
		Status:      taxonomy.StatusPending,
		CreatedAt:   h.clk.Now(),
	}, rec)

	stored, ok := h.stored(t)
	require.True(t, ok)
	assert.Equal(t, rec, stored)

	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, "ws://storefront/ws", h.dialer.Last().URL)
	assert.False(t, h.c.IsConnected(), "not connected until subscribed")
	assert.Equal(t, emitted{kind: "changed", orderID: "ord_1", status: taxonomy.StatusPending, source: SourceTrack}, h.events.last())
}

func TestTrackOrder_Validation(t *testing.T) {
	h := newHarness(t)

	err := h.c.TrackOrder("", 1, taxonomy.TypeDineIn)
	assert.ErrorIs(t, err, ErrValidation)

	err = h.c.TrackOrder("ord_1", 1, taxonomy.OrderType("DRIVE_THRU"))
	assert.ErrorIs(t, err, ErrValidation)

	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
	assert.Equal(t, 0, h.kv.Len())
	assert.Equal(t, 0, h.dialer.Dials())
}

func TestTrackOrder_SingleSlot(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.TrackOrder("ord_1", 1, taxonomy.TypeDineIn))
	first := h.connect(t)
	push(first, "ord_1", taxonomy.StatusPreparing)

	require.NoError(t, h.c.TrackOrder("ord_2", 2, taxonomy.TypeDelivery))
	require.NoError(t, h.c.TrackOrder("ord_3", 3, taxonomy.TypeTakeaway))

	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, "ord_3", rec.OrderID)
	assert.Equal(t, 3, rec.OrderNumber)
	assert.Equal(t, taxonomy.TypeTakeaway, rec.OrderType)
	assert.Equal(t, taxonomy.StatusPending, rec.Status)

	assert.Equal(t, 1, h.kv.Len())
	stored, _ := h.stored(t)
	assert.Equal(t, rec, stored)

	assert.Equal(t, 3, h.dialer.Dials(), "each new order reopens the channel")
	assert.True(t, first.Closed())
	assert.False(t, h.c.IsConnected())
}

func TestTrackOrder_SameOrderResetsStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 1, taxonomy.TypeDineIn))
	push(h.connect(t), "ord_1", taxonomy.StatusReady)

	require.NoError(t, h.c.TrackOrder("ord_1", 1, taxonomy.TypeDineIn))
	rec, _ := h.c.ActiveOrder()
	assert.Equal(t, taxonomy.StatusPending, rec.Status)
}

func TestPush_UpdatesStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	sock := h.connect(t)

	sock.Receive(`{"type":"message","channel":"orders","data":{"order":{"id":"ord_1","status":"PREPARING"}}}`)

	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, taxonomy.StatusPreparing, rec.Status)
	assert.Equal(t, 42, rec.OrderNumber)

	stored, _ := h.stored(t)
	assert.Equal(t, taxonomy.StatusPreparing, stored.Status)
	assert.Equal(t, SourcePush, h.events.last().source)
}

func TestPush_ForeignOrderIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	sock := h.connect(t)
	before, _ := h.c.ActiveOrder()

	push(sock, "ord_other", taxonomy.StatusCompleted)
	push(sock, "ord_other", taxonomy.StatusPreparing)

	after, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, h.clk.Pending(), "only the ping interval, no linger")
}

func TestPush_TerminalLingersThenClears(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	sock := h.connect(t)
	push(sock, "ord_1", taxonomy.StatusPreparing)

	push(sock, "ord_1", taxonomy.StatusCompleted)
	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, taxonomy.StatusCompleted, rec.Status, "terminal status is shown immediately")

	h.clk.Advance(4999 * time.Millisecond)
	_, ok = h.c.ActiveOrder()
	assert.True(t, ok, "still lingering")
	_, ok = h.stored(t)
	assert.True(t, ok)

	h.clk.Advance(time.Millisecond)
	_, ok = h.c.ActiveOrder()
	assert.False(t, ok)
	_, ok = h.stored(t)
	assert.False(t, ok, "store key removed")

	assert.True(t, sock.Closed())
	assert.False(t, h.c.IsConnected())
	assert.Equal(t, 0, h.clk.Pending())
	assert.Equal(t, emitted{kind: "cleared", orderID: "ord_1", source: ReasonLinger}, h.events.last())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Dials(), "no reconnect once cleared")
}

func TestPush_RepeatedTerminalDoesNotExtendLinger(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 1, taxonomy.TypeDelivery))
	sock := h.connect(t)

	push(sock, "ord_1", taxonomy.StatusDelivered)
	h.clk.Advance(3 * time.Second)
	push(sock, "ord_1", taxonomy.StatusDelivered)
	h.clk.Advance(2 * time.Second)

	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
}

func TestPush_NonTerminalAfterTerminalCancelsLinger(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 1, taxonomy.TypeDineIn))
	sock := h.connect(t)

	push(sock, "ord_1", taxonomy.StatusCompleted)
	push(sock, "ord_1", taxonomy.StatusReady)
	h.clk.Advance(10 * time.Second)

	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, taxonomy.StatusReady, rec.Status)
}

// firedClock hands out one-shot timers whose callbacks have already been
// dispatched: Stop reports false and the callback is left for the test to run.
type firedClock struct {
	*clock.Fake
	mu    sync.Mutex
	fired []func()
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func (c *firedClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = append(c.fired, f)
	return firedTimer{}
}

func (c *firedClock) callback(i int) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired[i]
}

func TestPush_StaleLingerCallbackIgnored(t *testing.T) {
	h := newHarness(t)
	clk := &firedClock{Fake: h.clk}
	h.c = NewCoordinator(Deps{
		Store:   h.kv,
		Fetcher: h.fetch,
		Dialer:  h.dialer,
		Clock:   clk,
		Emitter: h.events,
	}, Options{
		Session:  testSession,
		Realtime: realtime.Options{URL: "ws://storefront/ws"},
	})
	t.Cleanup(h.c.Close)

	require.NoError(t, h.c.TrackOrder("ord_1", 1, taxonomy.TypeDineIn))
	sock := h.connect(t)

	push(sock, "ord_1", taxonomy.StatusCompleted)
	push(sock, "ord_1", taxonomy.StatusPreparing)
	push(sock, "ord_1", taxonomy.StatusCompleted)

	clk.callback(0)()
	rec, ok := h.c.ActiveOrder()
	require.True(t, ok, "first linger was cancelled")
	assert.Equal(t, taxonomy.StatusCompleted, rec.Status)
	_, ok = h.stored(t)
	assert.True(t, ok)

	clk.callback(1)()
	_, ok = h.c.ActiveOrder()
	assert.False(t, ok)
	assert.Equal(t, emitted{kind: "cleared", orderID: "ord_1", source: ReasonLinger}, h.events.last())
}

func TestRefresh_TerminalClearsImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	sock := h.connect(t)
	h.fetch.set("ord_1", statusapi.OrderStatus{Status: taxonomy.StatusCancelled, OrderNumber: 42})

	h.c.RefreshOrderStatus(context.Background(), "ord_1")

	_, ok := h.c.ActiveOrder()
	assert.False(t, ok, "no linger on reconciliation")
	_, ok = h.stored(t)
	assert.False(t, ok)
	assert.True(t, sock.Closed())
	assert.Equal(t, 0, h.clk.Pending())
	assert.Equal(t, emitted{kind: "cleared", orderID: "ord_1", source: ReasonTerminal}, h.events.last())
}

func TestRefresh_TerminalDuringLingerClearsImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	push(h.connect(t), "ord_1", taxonomy.StatusCompleted)
	h.fetch.set("ord_1", statusapi.OrderStatus{Status: taxonomy.StatusCompleted})

	h.c.RefreshOrderStatus(context.Background(), "ord_1")

	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
	assert.Equal(t, 0, h.clk.Pending(), "linger timer cancelled")
}

func TestRefresh_ReplacesWithServerValues(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	created := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	h.fetch.set("ord_1", statusapi.OrderStatus{
		Status:      taxonomy.StatusReady,
		OrderNumber: 43,
		OrderType:   taxonomy.TypeTakeaway,
		CreatedAt:   created,
	})

	require.NoError(t, h.c.Reconcile(context.Background(), "ord_1"))

	want := Record{OrderID: "ord_1", OrderNumber: 43, OrderType: taxonomy.TypeTakeaway, Status: taxonomy.StatusReady, CreatedAt: created}
	rec, _ := h.c.ActiveOrder()
	assert.Equal(t, want, rec)
	stored, _ := h.stored(t)
	assert.Equal(t, want, stored)
	assert.Equal(t, SourceReconcile, h.events.last().source)
}

func TestRefresh_FailureKeepsState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	before, _ := h.c.ActiveOrder()
	h.fetch.err = errors.New("dial tcp: connection refused")

	err := h.c.Reconcile(context.Background(), "ord_1")
	assert.ErrorIs(t, err, ErrReconciliation)

	h.c.RefreshOrderStatus(context.Background(), "ord_1")
	after, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Len(t, h.fetch.Calls(), 2, "no automatic retry")
}

func TestRefresh_UntrackedOrderSkipped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))

	h.c.RefreshOrderStatus(context.Background(), "ord_9")
	assert.Empty(t, h.fetch.Calls())
}

func TestStart_DiscardsTerminalRecord(t *testing.T) {
	kv := store.NewMemory()
	seed(t, kv, Record{OrderID: "ord_2", OrderNumber: 7, OrderType: taxonomy.TypeDineIn, Status: taxonomy.StatusCancelled})
	h := newHarnessWithStore(t, kv)

	require.NoError(t, h.c.Start(context.Background()))

	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
	assert.Empty(t, h.fetch.Calls(), "no reconciliation for a finished order")
	assert.Equal(t, 0, kv.Len())
	assert.Equal(t, 0, h.dialer.Dials())
	assert.Equal(t, 0, h.clk.Pending())
}

func TestStart_AdoptsAndReconcilesOnce(t *testing.T) {
	kv := store.NewMemory()
	created := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	seed(t, kv, Record{OrderID: "ord_3", OrderNumber: 9, OrderType: taxonomy.TypeTakeaway, Status: taxonomy.StatusConfirmed, CreatedAt: created})
	h := newHarnessWithStore(t, kv)
	h.fetch.set("ord_3", statusapi.OrderStatus{Status: taxonomy.StatusPreparing, OrderNumber: 9, OrderType: taxonomy.TypeTakeaway, CreatedAt: created})

	require.NoError(t, h.c.Start(context.Background()))

	assert.Equal(t, []string{"ord_3"}, h.fetch.Calls())
	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, "ord_3", rec.OrderID)
	assert.Equal(t, taxonomy.StatusPreparing, rec.Status, "healed from the server")
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestStart_AdoptsWhenReconciliationFails(t *testing.T) {
	kv := store.NewMemory()
	seed(t, kv, Record{OrderID: "ord_3", OrderNumber: 9, OrderType: taxonomy.TypeDineIn, Status: taxonomy.StatusConfirmed})
	h := newHarnessWithStore(t, kv)
	h.fetch.err = errors.New("timeout")

	require.NoError(t, h.c.Start(context.Background()))

	rec, ok := h.c.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, taxonomy.StatusConfirmed, rec.Status)
	assert.Equal(t, []string{"ord_3"}, h.fetch.Calls())
}

func TestStart_DiscardsMalformedRecord(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":   `{"orderId":`,
		"no id":      `{"orderNumber":1,"status":"PENDING"}`,
		"no status":  `{"orderId":"ord_1"}`,
		"wrong type": `{"orderId":5,"status":"PENDING"}`,
	} {
		t.Run(name, func(t *testing.T) {
			kv := store.NewMemory()
			require.NoError(t, kv.Set(context.Background(), testKey, raw))
			h := newHarnessWithStore(t, kv)

			require.NoError(t, h.c.Start(context.Background()))

			_, ok := h.c.ActiveOrder()
			assert.False(t, ok)
			assert.Equal(t, 0, kv.Len())
			assert.Empty(t, h.fetch.Calls())
		})
	}
}

func TestStart_EmptyStoreIsIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start(context.Background()))
	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
	assert.Equal(t, 0, h.dialer.Dials())
}

type failingStore struct{ *store.Memory }

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("database is locked")
}

func TestStart_StoreReadError(t *testing.T) {
	c := NewCoordinator(Deps{
		Store:   failingStore{store.NewMemory()},
		Fetcher: &fakeFetcher{},
		Dialer:  &realtimetest.Dialer{},
		Clock:   clock.NewFake(time.Now()),
	}, Options{Session: testSession})
	defer c.Close()

	err := c.Start(context.Background())
	assert.Error(t, err)
	_, ok := c.ActiveOrder()
	assert.False(t, ok)
}

func TestClearTracking_ReleasesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	sock := h.connect(t)
	push(sock, "ord_1", taxonomy.StatusCompleted)
	require.Equal(t, 2, h.clk.Pending(), "ping interval and linger timer")

	h.c.ClearTracking()

	assert.Equal(t, 0, h.clk.Pending())
	assert.True(t, sock.Closed())
	assert.False(t, h.c.IsConnected())
	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
	assert.Equal(t, 0, h.kv.Len())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestClearTracking_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	h.connect(t).Drop()
	require.Equal(t, 1, h.clk.Pending(), "reconnect scheduled")

	h.c.ClearTracking()
	assert.Equal(t, 0, h.clk.Pending())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestClearTracking_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.c.ClearTracking()
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	h.c.ClearTracking()
	h.c.ClearTracking()
	_, ok := h.c.ActiveOrder()
	assert.False(t, ok)
}

func TestConnection_FollowsChannel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))

	sock := h.dialer.Last()
	sock.Open()
	assert.False(t, h.c.IsConnected(), "subscribing is not connected")
	sock.Acknowledge("orders")
	assert.True(t, h.c.IsConnected())
	assert.Equal(t, emitted{kind: "connection", connected: true}, h.events.last())

	sock.Drop()
	assert.False(t, h.c.IsConnected())

	h.clk.Advance(3 * time.Second)
	require.Equal(t, 2, h.dialer.Dials())
	h.connect(t)

	_, ok := h.c.ActiveOrder()
	assert.True(t, ok, "a dropped connection never clears tracking")
}

func TestClose_KeepsStoredRecord(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.TrackOrder("ord_1", 42, taxonomy.TypeDineIn))
	sock := h.connect(t)
	require.True(t, h.c.ChannelOpen())

	h.c.Close()

	assert.False(t, h.c.ChannelOpen())
	assert.True(t, sock.Closed())
	assert.Equal(t, 0, h.clk.Pending())
	_, ok := h.stored(t)
	assert.True(t, ok)
	assert.ErrorIs(t, h.c.TrackOrder("ord_2", 1, taxonomy.TypeDineIn), ErrClosed)
}

func TestRecord_Progress(t *testing.T) {
	r := Record{OrderType: taxonomy.TypeDelivery, Status: taxonomy.StatusOutForDelivery}
	assert.Equal(t, 80, r.Progress())
	assert.False(t, r.Terminal())
	r.Status = taxonomy.StatusDelivered
	assert.True(t, r.Terminal())
}
