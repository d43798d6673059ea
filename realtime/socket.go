package realtime

// Handlers receives the lifecycle events of one socket.
type Handlers struct {
	OnOpen    func()
	OnMessage func(frame []byte)
	OnClose   func(err error)
}

// Socket is an open (or opening) duplex connection carrying JSON text frames.
type Socket interface {
	Send(frame []byte) error
	// Close tears the connection down. OnClose may or may not fire afterwards.
	Close() error
}

// Dialer opens sockets. Dial must not block and must not invoke any handler
// before it returns; open, message and close events are delivered later, from
// any goroutine. A socket that fails to open reports it through OnClose.
type Dialer interface {
	Dial(url string, h Handlers) Socket
}
