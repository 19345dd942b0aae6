// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketWriteWait bounds a single websocket write. A frame that
// cannot be flushed in this long means the browser side is gone.
const websocketWriteWait = 10 * time.Second

// WebsocketTransport is a Transport over one websocket connection —
// the iframe's postMessage pipe terminates here via a small shim in
// the embedding page. Envelopes travel as JSON text messages.
type WebsocketTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// writeMu serializes writes; gorilla connections support one
	// concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	receiver func(*Envelope)
	closed   bool
	done     chan struct{}
}

// NewWebsocketTransport wraps an accepted websocket connection. The
// read pump starts immediately; install the receiver before the peer
// sends its first frame. logger may be nil for slog.Default().
func NewWebsocketTransport(conn *websocket.Conn, logger *slog.Logger) *WebsocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &WebsocketTransport{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *WebsocketTransport) readPump() {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				t.logger.Debug("websocket read ended", "error", err)
			}
			t.Close()
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.logger.Warn("dropping undecodable websocket frame", "error", err)
			continue
		}

		t.mu.Lock()
		receiver := t.receiver
		t.mu.Unlock()
		if receiver != nil {
			receiver(&envelope)
		}
	}
}

// Send writes one envelope as a JSON text message.
func (t *WebsocketTransport) Send(ctx context.Context, envelope *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("widget: transport is closed")
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("widget: failed to encode envelope: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(websocketWriteWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("widget: websocket write failed: %w", err)
	}
	return nil
}

// SetReceiver installs the inbound callback.
func (t *WebsocketTransport) SetReceiver(receive func(*Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = receive
}

// Close sends a close frame on a best-effort basis and tears the
// connection down. Idempotent.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.receiver = nil
	t.mu.Unlock()

	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return t.conn.Close()
}

// Done is closed when the read pump exits — the peer disconnected or
// Close was called. The serving handler waits on it.
func (t *WebsocketTransport) Done() <-chan struct{} { return t.done }
