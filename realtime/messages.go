package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"ordertrack/taxonomy"
)

// Frame types exchanged on the realtime connection.
const (
	TypeSubscribe  = "subscribe"
	TypeSubscribed = "subscribed"
	TypeMessage    = "message"
	TypePing       = "ping"
	TypePong       = "pong"
)

var (
	// ErrParse marks an inbound frame that could not be decoded.
	ErrParse = errors.New("realtime: malformed frame")
	// ErrConnection marks a socket that failed to open or closed unexpectedly.
	ErrConnection = errors.New("realtime: connection error")
)

// Inbound is a decoded server frame. It is always one of Subscribed,
// Broadcast, Pong or Unknown.
type Inbound interface {
	inbound()
}

// Subscribed acknowledges a subscribe request.
type Subscribed struct {
	Channel string
}

// Broadcast is a message published on a channel. Order is nil when the
// message data does not carry an order.
type Broadcast struct {
	Channel string
	Order   *OrderPayload
}

// Pong answers a ping.
type Pong struct{}

// Unknown is any frame type this client does not handle.
type Unknown struct {
	Type string
}

func (Subscribed) inbound() {}
func (Broadcast) inbound()  {}
func (Pong) inbound()       {}
func (Unknown) inbound()    {}

// OrderPayload is the order carried by a broadcast. Only ID and Status are
// required; the other fields are informational.
type OrderPayload struct {
	ID          string             `json:"id"`
	Status      taxonomy.Status    `json:"status"`
	OrderNumber int                `json:"orderNumber,omitempty"`
	OrderType   taxonomy.OrderType `json:"orderType,omitempty"`
}

// frame is the wire shape of every message in both directions.
type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type broadcastData struct {
	Order *OrderPayload `json:"order"`
}

// Decode performs a two-phase decode: the frame header first, then the data
// for the types that carry one.
func Decode(data []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch f.Type {
	case TypeSubscribed:
		return Subscribed{Channel: f.Channel}, nil
	case TypePong:
		return Pong{}, nil
	case TypeMessage:
		var d broadcastData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &d); err != nil {
				return nil, fmt.Errorf("%w: message data: %v", ErrParse, err)
			}
		}
		if d.Order != nil && d.Order.ID == "" {
			d.Order = nil
		}
		return Broadcast{Channel: f.Channel, Order: d.Order}, nil
	default:
		return Unknown{Type: f.Type}, nil
	}
}

// SubscribeFrame encodes a subscribe request for channel.
func SubscribeFrame(channel string) []byte {
	return mustEncode(frame{Type: TypeSubscribe, Channel: channel})
}

// PingFrame encodes a keep-alive ping.
func PingFrame() []byte {
	return mustEncode(frame{Type: TypePing})
}

func subscribedFrame(channel string) []byte {
	return mustEncode(frame{Type: TypeSubscribed, Channel: channel})
}

func pongFrame() []byte {
	return mustEncode(frame{Type: TypePong})
}

// messageFrame wraps a broker payload as a broadcast frame. Payloads that are
// not JSON are passed through untouched so Decode reports them.
func messageFrame(channel string, payload []byte) []byte {
	if !json.Valid(payload) {
		return payload
	}
	return mustEncode(frame{Type: TypeMessage, Channel: channel, Data: payload})
}

func mustEncode(f frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		panic(fmt.Sprintf("realtime: encode %s frame: %v", f.Type, err))
	}
	return data
}

// decodeOutbound reads the type and channel of a frame this client sent.
func decodeOutbound(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("%w: outbound: %v", ErrParse, err)
	}
	return f, nil
}
