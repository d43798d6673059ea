// Package realtimetest provides an in-memory realtime.Dialer whose sockets
// are driven by the test.
package realtimetest

import (
	"encoding/json"
	"errors"
	"sync"

	"ordertrack/realtime"
)

// Dialer records every socket it opens.
type Dialer struct {
	mu      sync.Mutex
	sockets []*Socket
}

// Dial implements realtime.Dialer. No handler is invoked until the test
// drives the returned socket.
func (d *Dialer) Dial(url string, h realtime.Handlers) realtime.Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Socket{URL: url, h: h}
	d.sockets = append(d.sockets, s)
	return s
}

// Dials returns how many sockets have been opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

// Last returns the most recently dialed socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Socket is a fake connection.
type Socket struct {
	URL string
	h   realtime.Handlers

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

// Open fires the open event.
func (s *Socket) Open() { s.h.OnOpen() }

// Receive delivers a raw inbound frame.
func (s *Socket) Receive(frame string) { s.h.OnMessage([]byte(frame)) }

// Acknowledge delivers a subscription acknowledgement for channel.
func (s *Socket) Acknowledge(channel string) {
	s.Receive(`{"type":"subscribed","channel":"` + channel + `"}`)
}

// Connect opens the socket and acknowledges the subscription.
func (s *Socket) Connect(channel string) {
	s.Open()
	s.Acknowledge(channel)
}

// Push delivers a broadcast carrying order on channel.
func (s *Socket) Push(channel string, order realtime.OrderPayload) {
	data, _ := json.Marshal(map[string]any{
		"type":    realtime.TypeMessage,
		"channel": channel,
		"data":    map[string]any{"order": order},
	})
	s.h.OnMessage(data)
}

// Drop fires the close event as if the server went away.
func (s *Socket) Drop() { s.h.OnClose(errors.New("connection reset")) }

func (s *Socket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("realtimetest: send on closed socket")
	}
	s.sent = append(s.sent, append([]byte(nil), frame...))
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentTypes returns the "type" field of every frame sent, in order.
func (s *Socket) SentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.sent))
	for _, f := range s.sent {
		var hdr struct {
			Type string `json:"type"`
		}
		json.Unmarshal(f, &hdr)
		types = append(types, hdr.Type)
	}
	return types
}

// Sent returns a copy of every frame sent.
func (s *Socket) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}
