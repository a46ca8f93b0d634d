// Package transport moves raw datagrams between peers. It knows nothing about
// sessions; the session layer only sees addresses and byte slices.
package transport

import "fmt"

type Datagram struct {
	// Addr identifies the remote peer for replies.
	Addr string
	Data []byte
}

// Transport is the server-side view of a datagram socket.
type Transport interface {
	Incoming() <-chan Datagram
	Send(addr string, data []byte) error
}

// PeerCloser is implemented by transports that hold per-peer state. The
// session layer calls Close once it has no further use for addr; a later
// datagram from the same peer opens it again.
type PeerCloser interface {
	Close(addr string)
}

type UnknownPeer struct {
	Addr string
}

func (e *UnknownPeer) Error() string {
	return fmt.Sprintf("No open transport connection for peer %s", e.Addr)
}

type QueueFull struct {
	Addr string
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("Outgoing queue for peer %s is full, dropping datagram", e.Addr)
}

type NotListening struct{}

func (e *NotListening) Error() string {
	return "Transport is not listening"
}
