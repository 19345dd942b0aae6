// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"context"
	"fmt"
	"sync"
)

// Transport moves envelopes between the host and one embedded frame.
// Implementations deliver inbound envelopes to the receiver callback
// from a single goroutine, in arrival order.
type Transport interface {
	// Send transmits one envelope. Blocks until the envelope is
	// handed to the underlying pipe or ctx is done.
	Send(ctx context.Context, envelope *Envelope) error

	// SetReceiver installs the inbound callback. Must be called
	// before the first envelope arrives; installing nil detaches.
	SetReceiver(receive func(*Envelope))

	// Close tears the transport down. Pending and future Sends fail.
	// Close is idempotent.
	Close() error
}

// MemoryTransport is an in-process Transport half. Two halves created
// by NewMemoryPair deliver to each other; tests drive the widget side
// directly.
type MemoryTransport struct {
	mu       sync.Mutex
	peer     *MemoryTransport
	receiver func(*Envelope)
	closed   bool
}

// NewMemoryPair creates two connected in-memory transports. Envelopes
// sent on one are delivered synchronously to the other's receiver.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{}
	b := &MemoryTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers the envelope to the peer's receiver. Synchronous: the
// peer's receiver runs on the caller's goroutine, which keeps test
// interleavings deterministic.
func (t *MemoryTransport) Send(ctx context.Context, envelope *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("widget: transport is closed")
	}

	t.peer.mu.Lock()
	receiver := t.peer.receiver
	peerClosed := t.peer.closed
	t.peer.mu.Unlock()
	if peerClosed {
		return fmt.Errorf("widget: peer transport is closed")
	}
	if receiver != nil {
		receiver(envelope)
	}
	return nil
}

// SetReceiver installs the inbound callback.
func (t *MemoryTransport) SetReceiver(receive func(*Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = receive
}

// Close marks the transport closed. Idempotent.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.receiver = nil
	return nil
}
