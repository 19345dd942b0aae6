// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Session is the interface for the Matrix operations the bridge
// performs. The production implementation is *DirectSession; tests
// substitute fakes.
//
// The widget channel's read_events and send_event handlers, the
// forwarding gate's seeding, the TURN refresher, and the sync loop all
// work against this interface.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID.
	UserID() ref.UserID

	// DeviceID returns the session's device ID. May be zero for
	// token-derived sessions on servers that do not report one.
	DeviceID() ref.DeviceID

	// WhoAmI validates the session and returns the user and device ID.
	WhoAmI(ctx context.Context) (*WhoAmIResponse, error)

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// RoomMessages fetches paginated messages from a room.
	RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error)

	// GetRoomState fetches all current state events from a room.
	GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error)

	// GetStateEvent fetches a specific state event's content.
	// Returns *MatrixError with M_NOT_FOUND if it does not exist.
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)

	// SendEvent sends a timeline event to a room. Returns the event ID.
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error)

	// SendStateEvent sends a state event to a room. Returns the event ID.
	SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error)

	// SendToDevice sends direct device-to-device events (call
	// signalling) without a room timeline.
	SendToDevice(ctx context.Context, eventType ref.EventType, messages ToDeviceMessages) error

	// TURNCredentials fetches time-limited TURN server credentials.
	TURNCredentials(ctx context.Context) (*TURNCredentialsResponse, error)

	// JoinedRooms returns the list of room IDs the user has joined.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
