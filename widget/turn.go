// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/callbridge/lib/clock"
)

// turnRetryInterval is how long the refresher waits after a failed
// credentials fetch before trying again.
const turnRetryInterval = 30 * time.Second

// defaultTURNTTL covers servers that return no TTL.
const defaultTURNTTL = time.Hour

// TURNCredentials are one set of time-limited TURN credentials.
type TURNCredentials struct {
	Username string
	Password string
	URIs     []string
	TTL      time.Duration
}

// TURNSource fetches fresh credentials. messaging.Session's
// TURNCredentials operation backs the production implementation.
type TURNSource interface {
	TURNCredentials(ctx context.Context) (TURNCredentials, error)
}

// ICEServers converts TURN credentials into the WebRTC ICE server
// representation.
func ICEServers(credentials TURNCredentials) []webrtc.ICEServer {
	if len(credentials.URIs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       credentials.URIs,
		Username:   credentials.Username,
		Credential: credentials.Password,
	}}
}

// TURNRefresherConfig configures a TURNRefresher.
type TURNRefresherConfig struct {
	// Source fetches credentials. Required.
	Source TURNSource
	// Sender pushes update_turn_servers to the widget. Required.
	Sender Sender
	// Clock drives the refresh schedule. Nil means the real clock.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// TURNRefresher keeps the embedded application supplied with valid
// TURN credentials: fetch, push, sleep until 80% of the TTL has
// passed, repeat. Run it only for channels whose handshake approved
// CapabilityTURNServers — pushing to a widget that never asked is a
// protocol violation.
type TURNRefresher struct {
	source TURNSource
	sender Sender
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	current []webrtc.ICEServer
}

// NewTURNRefresher creates a TURNRefresher. Call Run to start it.
func NewTURNRefresher(config TURNRefresherConfig) (*TURNRefresher, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("widget: TURN refresher requires a source")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("widget: TURN refresher requires a sender")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TURNRefresher{
		source: config.Source,
		sender: config.Sender,
		clk:    clk,
		logger: logger,
	}, nil
}

// Servers returns the most recently fetched ICE server set.
func (r *TURNRefresher) Servers() []webrtc.ICEServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webrtc.ICEServer(nil), r.current...)
}

// Run fetches and pushes credentials until ctx is cancelled. Fetch and
// push failures are logged and retried; Run only returns on
// cancellation.
func (r *TURNRefresher) Run(ctx context.Context) {
	for {
		wait := r.refreshOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(wait):
		}
	}
}

// refreshOnce performs one fetch-and-push cycle and returns how long
// to wait before the next.
func (r *TURNRefresher) refreshOnce(ctx context.Context) time.Duration {
	credentials, err := r.source.TURNCredentials(ctx)
	if err != nil {
		r.logger.Warn("TURN credentials fetch failed", "error", err)
		return turnRetryInterval
	}

	servers := ICEServers(credentials)
	r.mu.Lock()
	r.current = servers
	r.mu.Unlock()

	if _, err := r.sender.Send(ctx, ActionUpdateTURNServers, map[string]any{
		"uris":     credentials.URIs,
		"username": credentials.Username,
		"password": credentials.Password,
	}); err != nil {
		r.logger.Warn("TURN credentials push to widget failed", "error", err)
		return turnRetryInterval
	}

	ttl := credentials.TTL
	if ttl <= 0 {
		ttl = defaultTURNTTL
	}
	// Refresh before expiry so the widget never holds dead
	// credentials.
	wait := ttl * 8 / 10
	r.logger.Debug("TURN credentials pushed",
		"uris", len(credentials.URIs),
		"ttl", ttl,
		"next_refresh", wait,
	)
	return wait
}
