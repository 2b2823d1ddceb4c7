// Package transport provides the transport layer used to exchange voice clips
// between peers.
//
// This package contains the Transport interface and the shared handler
// plumbing; concrete datagram transports live in subpackages.
package transport

import (
	"errors"
	"net/netip"
	"sync"
)

// ErrNoHandler is returned by HandleMessage when no message handler is set.
var ErrNoHandler = errors.New("no message handler set")

// MessageHandler receives one fully reassembled message together with the
// endpoint it came from.
type MessageHandler func(from netip.AddrPort, message []byte) error

// DebugHandler represents a function that receives debug messages from the transport
type DebugHandler func(message string)

// Transport represents a fire-and-forget message transport.
type Transport interface {
	// Start binds the transport and begins receiving. Starting a running
	// transport is a no-op.
	Start() error

	// Stop releases the socket and waits for background work to finish.
	Stop() error

	// Send sends a message to the configured peer.
	Send(message []byte) error

	// SetMessageHandler sets the message handler
	SetMessageHandler(handler MessageHandler)

	// SetDebugHandler sets a handler for debug messages
	SetDebugHandler(handler DebugHandler)
}

// BaseTransport provides common transport functionality
type BaseTransport struct {
	mu           sync.RWMutex
	handler      MessageHandler
	debugHandler DebugHandler
}

// SetMessageHandler sets the message handler
func (t *BaseTransport) SetMessageHandler(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// SetDebugHandler sets the debug handler
func (t *BaseTransport) SetDebugHandler(handler DebugHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debugHandler = handler
}

// GetDebugHandler returns the current debug handler
func (t *BaseTransport) GetDebugHandler() DebugHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.debugHandler
}

// Debug forwards msg to the debug handler, if any.
func (t *BaseTransport) Debug(msg string) {
	if h := t.GetDebugHandler(); h != nil {
		h(msg)
	}
}

// HandleMessage handles an incoming message
func (t *BaseTransport) HandleMessage(from netip.AddrPort, message []byte) error {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return ErrNoHandler
	}
	return handler(from, message)
}
