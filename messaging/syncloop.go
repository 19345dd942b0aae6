// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// recentWindowSize bounds the per-room window of remembered event IDs.
// The forwarding gate's read-marker scan walks this window newest
// first; anything older is conservatively treated as already seen, so
// a larger window trades memory for marker precision on very busy
// rooms.
const recentWindowSize = 100

// maxSyncRetries is the number of consecutive /sync failures allowed
// before Run returns an error. Each retry uses a short server-side
// timeout so the HTTP round-trip itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold in milliseconds
// for normal /sync calls, per the client-server spec recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after a
// /sync error, short so the retry completes quickly.
const retryTimeout = 1000

// Membership values from m.room.member state, as they appear in /sync.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

// SyncLoop runs the Matrix /sync stream and maintains the host's view
// of every known room: membership and a bounded window of the most
// recent timeline event IDs. It delivers timeline and to-device events
// to the registered handlers in server order.
//
// The view accessors (Membership, LastEventID, RecentEventIDs,
// HasEvent) are safe for concurrent use; the widget package's
// forwarding gate consumes them through its TimelineSource interface.
// Handlers run on the sync goroutine, one event at a time.
type SyncLoop struct {
	session Session
	logger  *slog.Logger

	// onEvent receives each timeline event after the room view has
	// been updated with it. onToDevice receives to-device events.
	onEvent    func(Event)
	onToDevice func(Event)

	mu        sync.Mutex
	nextBatch string
	rooms     map[ref.RoomID]*roomView
}

// roomView is the retained per-room state.
type roomView struct {
	membership string
	// recent holds event IDs newest-first, capped at recentWindowSize.
	recent []ref.EventID
}

// SyncLoopConfig configures a SyncLoop.
type SyncLoopConfig struct {
	// Session is the authenticated session to sync with.
	Session Session
	// OnEvent receives every timeline event, in server order, after
	// the room view reflects it. Required.
	OnEvent func(Event)
	// OnToDevice receives every to-device event. Optional.
	OnToDevice func(Event)
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// NewSyncLoop creates a SyncLoop. Call Run to start syncing.
func NewSyncLoop(config SyncLoopConfig) (*SyncLoop, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("messaging: SyncLoop requires a Session")
	}
	if config.OnEvent == nil {
		return nil, fmt.Errorf("messaging: SyncLoop requires an OnEvent handler")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncLoop{
		session:    config.Session,
		logger:     logger,
		onEvent:    config.OnEvent,
		onToDevice: config.OnToDevice,
		rooms:      make(map[ref.RoomID]*roomView),
	}, nil
}

// Run performs an initial sync to seed the room views, then long-polls
// until the context is cancelled. The initial sync's events seed the
// per-room windows but are NOT delivered to the handlers — they
// predate the bridge's interest, and forwarding them would replay
// history into the widget.
//
// Returns nil on context cancellation, an error after too many
// consecutive sync failures.
func (l *SyncLoop) Run(ctx context.Context) error {
	initial, err := l.session.Sync(ctx, SyncOptions{SetTimeout: true, Timeout: 0})
	if err != nil {
		return fmt.Errorf("messaging: initial sync: %w", err)
	}
	l.mu.Lock()
	l.nextBatch = initial.NextBatch
	l.applyRoomsLocked(&initial.Rooms)
	l.mu.Unlock()

	l.logger.Info("sync loop seeded",
		"rooms", len(l.rooms),
		"next_batch", initial.NextBatch,
	)

	var syncRetries int
	for {
		if ctx.Err() != nil {
			return nil
		}

		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		l.mu.Lock()
		since := l.nextBatch
		l.mu.Unlock()

		response, err := l.session.Sync(ctx, SyncOptions{
			Since:      since,
			SetTimeout: true,
			Timeout:    syncTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			syncRetries++
			// TCP-level errors often indicate a poisoned connection
			// in the HTTP pool; drop idle connections so the next
			// attempt opens a fresh socket.
			if closer, ok := l.session.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
			if syncRetries > maxSyncRetries {
				return fmt.Errorf("messaging: sync failed %d consecutive times: %w", syncRetries, err)
			}
			l.logger.Debug("sync error, retrying",
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		syncRetries = 0

		l.mu.Lock()
		l.nextBatch = response.NextBatch
		delivered := l.applyRoomsLocked(&response.Rooms)
		l.mu.Unlock()

		// Handlers run outside the view lock: the gate's decision
		// logic calls back into the view accessors.
		for _, event := range delivered {
			l.onEvent(event)
		}
		if l.onToDevice != nil {
			for _, event := range response.ToDevice.Events {
				l.onToDevice(event)
			}
		}
	}
}

// applyRoomsLocked folds a /sync rooms section into the room views and
// returns the timeline events to deliver, in server order with room
// IDs stamped. Caller holds l.mu.
func (l *SyncLoop) applyRoomsLocked(rooms *RoomsSection) []Event {
	var delivered []Event

	for roomID, joined := range rooms.Join {
		view := l.viewLocked(roomID)
		view.membership = MembershipJoin
		for _, event := range joined.Timeline.Events {
			event.RoomID = roomID
			view.remember(event.EventID)
			delivered = append(delivered, event)
		}
	}
	for roomID := range rooms.Invite {
		l.viewLocked(roomID).membership = MembershipInvite
	}
	for roomID, left := range rooms.Leave {
		view := l.viewLocked(roomID)
		view.membership = MembershipLeave
		// Remember leave-timeline events so relation lookups still
		// resolve, but do not deliver them — the widget has no
		// business with rooms the user left.
		for _, event := range left.Timeline.Events {
			view.remember(event.EventID)
		}
	}
	return delivered
}

func (l *SyncLoop) viewLocked(roomID ref.RoomID) *roomView {
	view, ok := l.rooms[roomID]
	if !ok {
		view = &roomView{}
		l.rooms[roomID] = view
	}
	return view
}

// remember prepends an event ID to the window, dropping the oldest
// entry past the cap. Zero IDs (events without an ID field) are
// ignored.
func (v *roomView) remember(eventID ref.EventID) {
	if eventID.IsZero() {
		return
	}
	v.recent = append([]ref.EventID{eventID}, v.recent...)
	if len(v.recent) > recentWindowSize {
		v.recent = v.recent[:recentWindowSize]
	}
}

// Membership returns the user's membership in the room ("join",
// "invite", "leave"), or "" for an unknown room.
func (l *SyncLoop) Membership(roomID ref.RoomID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	view, ok := l.rooms[roomID]
	if !ok {
		return ""
	}
	return view.membership
}

// LastEventID returns the newest known timeline event ID for the room.
// ok is false when the room is unknown or has no remembered events.
func (l *SyncLoop) LastEventID(roomID ref.RoomID) (ref.EventID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	view, ok := l.rooms[roomID]
	if !ok || len(view.recent) == 0 {
		return ref.EventID{}, false
	}
	return view.recent[0], true
}

// RecentEventIDs returns up to limit of the room's most recent event
// IDs, newest first. The returned slice is a copy.
func (l *SyncLoop) RecentEventIDs(roomID ref.RoomID, limit int) []ref.EventID {
	l.mu.Lock()
	defer l.mu.Unlock()
	view, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	count := len(view.recent)
	if limit > 0 && limit < count {
		count = limit
	}
	ids := make([]ref.EventID, count)
	copy(ids, view.recent[:count])
	return ids
}

// JoinedRoomIDs returns the rooms the user is currently joined to,
// in no particular order.
func (l *SyncLoop) JoinedRoomIDs() []ref.RoomID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []ref.RoomID
	for roomID, view := range l.rooms {
		if view.membership == MembershipJoin {
			ids = append(ids, roomID)
		}
	}
	return ids
}

// HasEvent reports whether the event ID appears in the room's
// remembered window. Used by the forwarding gate's
// relation-to-unknown-parent check; an event older than the window is
// reported unknown, which errs toward dropping noise.
func (l *SyncLoop) HasEvent(roomID ref.RoomID, eventID ref.EventID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	view, ok := l.rooms[roomID]
	if !ok {
		return false
	}
	for _, known := range view.recent {
		if known == eventID {
			return true
		}
	}
	return false
}
