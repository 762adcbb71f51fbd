package core

import (
	"context"
	"errors"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw text frame exchanged over a message socket.
type Frame []byte

// SocketConn abstracts one open message socket.
// Owned by the channel that dialed it; the channel must Close() it.
type SocketConn interface {
	// TrySend queues a frame without blocking.
	TrySend(Frame) error
	// ReadFrame blocks until the next frame or a read error.
	ReadFrame() (Frame, error)
	Close()
}

// Dialer opens message sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (SocketConn, error)
}
