package realtime

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/clock"
	"ordertrack/logging"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Listener receives what the Channel learns. Methods are never called while
// the Channel holds its lock, so a Listener may call Stop.
type Listener interface {
	ConnectionChanged(connected bool)
	OrderUpdated(order OrderPayload)
	// ShouldReconnect is asked before every reconnect attempt.
	ShouldReconnect() bool
}

// Options configures a Channel.
type Options struct {
	URL            string
	Channel        string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = "orders"
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	return o
}

// Channel keeps one subscription to the broadcast channel alive: it dials,
// subscribes, pings while connected and redials a fixed delay after any close.
type Channel struct {
	opts     Options
	dialer   Dialer
	clock    clock.Clock
	listener Listener
	log      *zap.Logger

	mu        sync.Mutex
	active    bool
	state     State
	gen       uint64 // bumped per socket; callbacks from older sockets are ignored
	sock      Socket
	ping      clock.Timer
	reconnect clock.Timer
	attempt   int
}

// NewChannel creates a stopped Channel.
func NewChannel(dialer Dialer, clk clock.Clock, l Listener, opts Options, logger *zap.Logger) *Channel {
	return &Channel{
		opts:     opts.withDefaults(),
		dialer:   dialer,
		clock:    clk,
		listener: l,
		log:      logging.OrNop(logger).Named("realtime"),
	}
}

// Start begins connecting. It is a no-op if the Channel is already running.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return
	}
	c.active = true
	c.attempt = 0
	c.connectLocked()
}

// Stop closes the socket and cancels the ping interval and any pending
// reconnect. The Listener is not notified.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.gen++
	c.teardownLocked()
	c.log.Debug("channel stopped")
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the Channel is started (connected or retrying).
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Channel) connectLocked() {
	c.gen++
	gen := c.gen
	c.attempt++
	c.state = StateConnecting
	c.log.Debug("connecting", zap.String("url", c.opts.URL), zap.Int("attempt", c.attempt))
	c.sock = c.dialer.Dial(c.opts.URL, Handlers{
		OnOpen:    func() { c.handleOpen(gen) },
		OnMessage: func(data []byte) { c.handleFrame(gen, data) },
		OnClose:   func(err error) { c.handleClose(gen, err) },
	})
}

// teardownLocked releases the socket and every timer.
func (c *Channel) teardownLocked() {
	if c.ping != nil {
		c.ping.Stop()
		c.ping = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.state = StateDisconnected
}

func (c *Channel) current(gen uint64) bool {
	return c.active && gen == c.gen
}

func (c *Channel) handleOpen(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateSubscribing
	sock := c.sock
	c.mu.Unlock()

	if err := sock.Send(SubscribeFrame(c.opts.Channel)); err != nil {
		c.log.Warn("send subscribe", zap.Error(err))
	}
}

func (c *Channel) handleFrame(gen uint64, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.log.Warn("dropping frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}

	switch m := msg.(type) {
	case Subscribed:
		if c.state != StateSubscribing || (m.Channel != "" && m.Channel != c.opts.Channel) {
			c.mu.Unlock()
			return
		}
		c.state = StateConnected
		c.attempt = 0
		c.ping = c.clock.Every(c.opts.PingInterval, func() { c.sendPing(gen) })
		c.mu.Unlock()
		c.log.Info("subscribed", zap.String("channel", c.opts.Channel))
		c.listener.ConnectionChanged(true)

	case Broadcast:
		c.mu.Unlock()
		if m.Channel != c.opts.Channel || m.Order == nil {
			return
		}
		c.listener.OrderUpdated(*m.Order)

	case Pong:
		c.mu.Unlock()

	case Unknown:
		c.mu.Unlock()
		c.log.Debug("ignoring frame", zap.String("type", m.Type))

	default:
		c.mu.Unlock()
	}
}

func (c *Channel) sendPing(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.mu.Unlock()

	if err := sock.Send(PingFrame()); err != nil {
		c.log.Warn("send ping", zap.Error(err))
	}
}

func (c *Channel) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.teardownLocked()
	c.reconnect = c.clock.AfterFunc(c.opts.ReconnectDelay, func() { c.handleReconnect(gen) })
	attempt := c.attempt
	c.mu.Unlock()

	c.log.Warn("connection closed, reconnecting",
		zap.Error(fmt.Errorf("%w: %v", ErrConnection, err)),
		zap.Duration("delay", c.opts.ReconnectDelay),
		zap.Int("attempt", attempt))
	if wasConnected {
		c.listener.ConnectionChanged(false)
	}
}

func (c *Channel) handleReconnect(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()

	if !c.listener.ShouldReconnect() {
		c.mu.Lock()
		if c.current(gen) {
			c.active = false
			c.gen++
		}
		c.mu.Unlock()
		c.log.Debug("nothing tracked, not reconnecting")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) {
		return
	}
	c.connectLocked()
}
