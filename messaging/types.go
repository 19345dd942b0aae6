// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Event represents a Matrix event from the server: timeline, state, or
// to-device. Content stays a raw map — the bridge relays event bodies
// to the widget verbatim and only inspects a handful of fields
// (membership, relations).
type Event struct {
	EventID        ref.EventID    `json:"event_id,omitempty"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// RelatesTo returns the parent event ID and relation type from the
// event's m.relates_to content block, if any. Reply relations
// (m.in_reply_to without rel_type) report relation type "m.in_reply_to".
func (e *Event) RelatesTo() (parent ref.EventID, relType string, ok bool) {
	relates, found := e.Content["m.relates_to"].(map[string]any)
	if !found {
		return ref.EventID{}, "", false
	}
	if rawParent, found := relates["event_id"].(string); found {
		parent, err := ref.ParseEventID(rawParent)
		if err != nil {
			return ref.EventID{}, "", false
		}
		relType, _ := relates["rel_type"].(string)
		return parent, relType, true
	}
	if reply, found := relates["m.in_reply_to"].(map[string]any); found {
		rawParent, _ := reply["event_id"].(string)
		parent, err := ref.ParseEventID(rawParent)
		if err != nil {
			return ref.EventID{}, "", false
		}
		return parent, "m.in_reply_to", true
	}
	return ref.EventID{}, "", false
}

// IsReply reports whether the event is a reply (carries an
// m.in_reply_to block). Replies to unknown parents are still forwarded
// to the widget; bare relations to unknown parents are not.
func (e *Event) IsReply() bool {
	relates, found := e.Content["m.relates_to"].(map[string]any)
	if !found {
		return false
	}
	_, found = relates["m.in_reply_to"]
	return found
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from the previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // send the timeout parameter (distinguishes "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	Rooms     RoomsSection    `json:"rooms"`
	ToDevice  ToDeviceSection `json:"to_device"`
}

// RoomsSection contains per-room sync data grouped by membership
// state. Map keys are room IDs; ref.RoomID's TextUnmarshaler validates
// them during deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains sync data for a room the user was invited to.
// Invite-state is a partial view; the forwarding gate never feeds
// events from invited rooms to the widget.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// ToDeviceSection contains to-device events from a sync response.
// These bypass room timelines entirely — call signalling between
// devices travels here.
type ToDeviceSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by SendEvent and SendStateEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitempty"`
}

// RoomMessagesOptions controls pagination for room message fetching.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means "from now"
	Direction string // "b" (backward/older) or "f" (forward/newer)
	Limit     int    // max events to return; 0 uses server default
}

// RoomMessagesResponse is returned by RoomMessages.
type RoomMessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Chunk []Event `json:"chunk"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// TURNCredentialsResponse is returned by the
// /_matrix/client/v3/voip/turnServer endpoint: time-limited HMAC
// credentials the homeserver derives from its shared TURN secret.
type TURNCredentialsResponse struct {
	// Username is the TURN username (typically a Unix timestamp).
	Username string `json:"username"`
	// Password is the HMAC credential derived from the shared secret.
	Password string `json:"password"`
	// URIs lists the TURN server URIs
	// (e.g., ["turn:host:3478?transport=udp"]).
	URIs []string `json:"uris"`
	// TTL is the credential lifetime in seconds.
	TTL int `json:"ttl"`
}

// ToDeviceMessages maps recipient user ID to device ID to event
// content for /sendToDevice. The special device key "*" addresses all
// of a user's devices.
type ToDeviceMessages map[ref.UserID]map[string]map[string]any
