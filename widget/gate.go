// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// markerScanLimit bounds the read-marker scan through a room's recent
// events. Events older than the window are conservatively treated as
// already seen.
const markerScanLimit = 100

// membershipInvite is the membership value for rooms the user has been
// invited to but not joined. Their timelines are partial, so nothing
// from them is forwarded.
const membershipInvite = "invite"

// TimelineSource is the gate's view of the sync engine: per-room
// membership and the recent-event window the marker scan walks.
// messaging.SyncLoop implements it.
type TimelineSource interface {
	// Membership returns the user's membership in the room
	// ("join", "invite", "leave"), or "" for an unknown room.
	Membership(roomID ref.RoomID) string
	// LastEventID returns the newest known event ID for the room.
	LastEventID(roomID ref.RoomID) (ref.EventID, bool)
	// RecentEventIDs returns up to limit recent event IDs, newest
	// first.
	RecentEventIDs(roomID ref.RoomID, limit int) []ref.EventID
	// HasEvent reports whether the event is in the room's window.
	HasEvent(roomID ref.RoomID, eventID ref.EventID) bool
}

// Sender is the delivery side of the gate: the widget channel's
// host-originated request operation.
type Sender interface {
	Send(ctx context.Context, action string, data any) (json.RawMessage, error)
}

// TimelineEvent is the gate's input shape: one timeline or to-device
// event, with the relation and decryption facts the decision needs
// already extracted by the caller.
type TimelineEvent struct {
	RoomID         ref.RoomID
	EventID        ref.EventID
	Type           ref.EventType
	Sender         ref.UserID
	StateKey       *string
	Content        map[string]any
	OriginServerTS int64

	// RelatesToParent is the parent event of the event's relation,
	// zero when the event has none.
	RelatesToParent ref.EventID
	// IsReply marks reply relations, which are forwarded even when
	// the parent is unknown.
	IsReply bool
	// Encrypted marks an event whose plaintext is not yet available.
	// The gate defers it until ResolveDecryption.
	Encrypted bool
}

// pendingKey identifies one deferred event.
type pendingKey struct {
	roomID  ref.RoomID
	eventID ref.EventID
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Source is the sync engine's timeline view. Required.
	Source TimelineSource
	// Sender delivers forwardable events to the widget. Required.
	Sender Sender
	// Allowed is the embedding's capability set; events from rooms
	// without an approved timeline capability are never forwarded.
	// Required.
	Allowed CapabilitySet
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Gate decides, per inbound timeline event, whether the embedded
// application should see it. The decision is a per-room read marker:
// the newest event the widget is assumed to have observed. Events at
// or behind the marker are dropped; events ahead of it advance the
// marker and are forwarded (deferred while their decryption is
// pending). To-device events bypass the marker entirely.
//
// All methods are safe for concurrent use, but events for one room
// must be handed in timeline order — the marker scan assumes the
// source's delivery order.
type Gate struct {
	source  TimelineSource
	sender  Sender
	allowed CapabilitySet
	logger  *slog.Logger

	mu      sync.Mutex
	markers map[ref.RoomID]ref.EventID
	pending map[pendingKey]struct{}
}

// NewGate creates a Gate. Call SeedMarkers before feeding events so
// backfilled history is never forwarded.
func NewGate(config GateConfig) (*Gate, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("widget: gate requires a timeline source")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("widget: gate requires a sender")
	}
	if config.Allowed == nil {
		return nil, fmt.Errorf("widget: gate requires a capability set")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		source:  config.Source,
		sender:  config.Sender,
		allowed: config.Allowed,
		logger:  logger,
		markers: make(map[ref.RoomID]ref.EventID),
		pending: make(map[pendingKey]struct{}),
	}, nil
}

// SeedMarkers seeds the read marker of every given room from its
// current last event, so everything already in the timeline counts as
// seen. Idempotent: a room that already has a marker keeps it — the
// existing marker is never clobbered with an older seed.
func (g *Gate) SeedMarkers(roomIDs []ref.RoomID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, roomID := range roomIDs {
		if _, seeded := g.markers[roomID]; seeded {
			continue
		}
		if last, ok := g.source.LastEventID(roomID); ok {
			g.markers[roomID] = last
		}
	}
}

// Marker returns the room's current read marker. ok is false when the
// room has none yet.
func (g *Gate) Marker(roomID ref.RoomID) (ref.EventID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	marker, ok := g.markers[roomID]
	return marker, ok
}

// HandleTimelineEvent runs the forwarding decision for one timeline
// event and delivers it to the widget when it comes out forwardable.
// Delivery failures are logged and do not move the marker back —
// forwarding is at-most-once, best-effort.
func (g *Gate) HandleTimelineEvent(ctx context.Context, event TimelineEvent) {
	g.mu.Lock()

	if g.source.Membership(event.RoomID) == membershipInvite {
		g.mu.Unlock()
		g.logger.Debug("dropping event from invite-only room",
			"room_id", event.RoomID, "event_id", event.EventID)
		return
	}

	// A relation pointing at an event outside the host's view is
	// noise, unless it is a reply (replies render standalone).
	if !event.RelatesToParent.IsZero() && !event.IsReply &&
		!g.source.HasEvent(event.RoomID, event.RelatesToParent) {
		g.mu.Unlock()
		g.logger.Debug("dropping relation to unknown parent",
			"room_id", event.RoomID,
			"event_id", event.EventID,
			"parent_id", event.RelatesToParent,
		)
		return
	}

	forwardable := g.advanceMarkerLocked(event)
	if !forwardable {
		g.mu.Unlock()
		return
	}

	if event.Encrypted {
		// Forwardable but not yet readable: remember it and deliver
		// on ResolveDecryption. The marker has already advanced, so
		// later events are decided against this one.
		g.pending[pendingKey{event.RoomID, event.EventID}] = struct{}{}
		g.mu.Unlock()
		g.logger.Debug("deferring event pending decryption",
			"room_id", event.RoomID, "event_id", event.EventID)
		return
	}
	g.mu.Unlock()

	g.deliver(ctx, event)
}

// advanceMarkerLocked runs the read-marker algorithm. Caller holds
// g.mu. Returns whether the event is forwardable.
func (g *Gate) advanceMarkerLocked(event TimelineEvent) bool {
	marker, ok := g.markers[event.RoomID]
	if !ok {
		// First sight of this room: seed with the event and forward.
		g.markers[event.RoomID] = event.EventID
		return true
	}
	if marker == event.EventID {
		return false
	}

	// Scan the recent window newest first. Whichever of (marker,
	// event) appears first is the newer one.
	for _, recentID := range g.source.RecentEventIDs(event.RoomID, markerScanLimit) {
		if recentID == marker {
			return false
		}
		if recentID == event.EventID {
			g.markers[event.RoomID] = event.EventID
			return true
		}
	}

	// Neither in the window: assume seen rather than re-forwarding
	// arbitrarily old history.
	return false
}

// ResolveDecryption completes a deferred event: delivers it when the
// plaintext arrived (the event carries the decrypted content), drops
// it on definitive failure. Events never deferred are ignored.
func (g *Gate) ResolveDecryption(ctx context.Context, event TimelineEvent, ok bool) {
	key := pendingKey{event.RoomID, event.EventID}
	g.mu.Lock()
	_, deferred := g.pending[key]
	if deferred {
		delete(g.pending, key)
	}
	g.mu.Unlock()

	if !deferred {
		return
	}
	if !ok {
		g.logger.Debug("dropping event after failed decryption",
			"room_id", event.RoomID, "event_id", event.EventID)
		return
	}
	g.deliver(ctx, event)
}

// PendingCount returns the number of events deferred on decryption.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// HandleToDeviceEvent feeds one to-device event to the widget. These
// bypass the marker logic entirely; a still-encrypted event is skipped
// (the caller resolves decryption before handing them in).
func (g *Gate) HandleToDeviceEvent(ctx context.Context, event TimelineEvent) {
	if event.Encrypted {
		g.logger.Debug("skipping undecryptable to-device event", "type", event.Type)
		return
	}
	data := map[string]any{
		"type":    event.Type.String(),
		"sender":  event.Sender.String(),
		"content": event.Content,
	}
	if _, err := g.sender.Send(ctx, ActionSendToDevice, data); err != nil {
		g.logger.Warn("to-device delivery to widget failed",
			"type", event.Type, "error", err)
	}
}

// deliver converts the event to the wire shape and feeds it through
// the channel's send_event action.
func (g *Gate) deliver(ctx context.Context, event TimelineEvent) {
	if !g.allowed.CanReadTimeline(event.RoomID) {
		g.logger.Debug("withholding event from room outside the capability set",
			"room_id", event.RoomID, "event_id", event.EventID)
		return
	}

	data := map[string]any{
		"event_id":         event.EventID.String(),
		"room_id":          event.RoomID.String(),
		"type":             event.Type.String(),
		"sender":           event.Sender.String(),
		"content":          event.Content,
		"origin_server_ts": event.OriginServerTS,
	}
	if event.StateKey != nil {
		data["state_key"] = *event.StateKey
	}

	if _, err := g.sender.Send(ctx, ActionSendEvent, data); err != nil {
		// At-most-once: the marker stays where it is.
		g.logger.Warn("event delivery to widget failed",
			"room_id", event.RoomID,
			"event_id", event.EventID,
			"error", err,
		)
	}
}
