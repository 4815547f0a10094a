// Package transport defines the streaming connection capability used by the
// connection manager. Implementations live in the ws and mqtt subpackages.
package transport

import "context"

// Handler receives the events of one connection. Calls for a connection are
// made from a single goroutine, in arrival order.
type Handler interface {
	OnMessage(data []byte)
	// OnClose reports that the connection ended without Close being called.
	// It is called at most once and no OnMessage follows it.
	OnClose(err error)
}

// Conn is an open connection.
type Conn interface {
	// Close ends the connection. It is safe to call more than once and
	// suppresses the handler's OnClose.
	Close() error
}

// Transport opens connections to a telemetry source.
type Transport interface {
	Open(ctx context.Context, endpoint string, h Handler) (Conn, error)
}
