// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"log/slog"
	"sort"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Capability is one entry in the widget API capability vocabulary.
// Scoped capabilities append their scope after a ':' separator
// (and a '#' separator for state keys); the widget requests a set of
// these strings and the host approves the intersection with its
// allow-list.
type Capability string

// Unscoped capabilities.
const (
	CapabilityScreenshot     Capability = "m.capability.screenshot"
	CapabilityAlwaysOnScreen Capability = "m.always_on_screen"
	CapabilityTURNServers    Capability = "town.robin.msc3846.turn_servers"
)

// Scoped capability prefixes.
const (
	capabilityTimeline          = "org.matrix.msc2762.timeline:"
	capabilityReceiveEvent      = "org.matrix.msc2762.receive.event:"
	capabilitySendEvent         = "org.matrix.msc2762.send.event:"
	capabilityReceiveStateEvent = "org.matrix.msc2762.receive.state_event:"
	capabilitySendStateEvent    = "org.matrix.msc2762.send.state_event:"
	capabilityReceiveToDevice   = "org.matrix.msc3819.receive.to_device:"
	capabilitySendToDevice      = "org.matrix.msc3819.send.to_device:"
)

// CapabilityTimeline grants read access to a room's timeline.
func CapabilityTimeline(roomID ref.RoomID) Capability {
	return Capability(capabilityTimeline + roomID.String())
}

// CapabilityReceiveEvent grants receipt of a room event type.
func CapabilityReceiveEvent(eventType ref.EventType) Capability {
	return Capability(capabilityReceiveEvent + eventType.String())
}

// CapabilitySendEvent grants sending of a room event type.
func CapabilitySendEvent(eventType ref.EventType) Capability {
	return Capability(capabilitySendEvent + eventType.String())
}

// CapabilityReceiveState grants receipt of a state event type for all
// state keys.
func CapabilityReceiveState(eventType ref.EventType) Capability {
	return Capability(capabilityReceiveStateEvent + eventType.String())
}

// CapabilitySendStateKeyed grants sending of a state event type for
// one specific state key.
func CapabilitySendStateKeyed(eventType ref.EventType, stateKey string) Capability {
	return Capability(capabilitySendStateEvent + eventType.String() + "#" + stateKey)
}

// CapabilityReceiveToDevice grants receipt of a to-device event type.
func CapabilityReceiveToDevice(eventType ref.EventType) Capability {
	return Capability(capabilityReceiveToDevice + eventType.String())
}

// CapabilitySendToDevice grants sending of a to-device event type.
func CapabilitySendToDevice(eventType ref.EventType) Capability {
	return Capability(capabilitySendToDevice + eventType.String())
}

// CallMemberEventType is the MSC3401 group-call membership state event
// type. The embedded application writes its own membership under
// device-scoped state keys.
var CallMemberEventType = ref.MustParseEventType("org.matrix.msc3401.call.member")

// signallingRoomEventTypes are the room event types the call
// application exchanges over the room timeline: reactions, redactions,
// rageshake requests, and the per-sender media encryption keys.
var signallingRoomEventTypes = []ref.EventType{
	ref.MustParseEventType("m.reaction"),
	ref.MustParseEventType("m.room.redaction"),
	ref.MustParseEventType("org.matrix.rageshake_request"),
	ref.MustParseEventType("io.element.call.encryption_keys"),
}

// signallingToDeviceTypes are the 1:1 call signalling to-device event
// types, plus the key-distribution type shared with the room list.
var signallingToDeviceTypes = []ref.EventType{
	ref.MustParseEventType("m.call.invite"),
	ref.MustParseEventType("m.call.candidates"),
	ref.MustParseEventType("m.call.answer"),
	ref.MustParseEventType("m.call.hangup"),
	ref.MustParseEventType("m.call.reject"),
	ref.MustParseEventType("m.call.select_answer"),
	ref.MustParseEventType("m.call.negotiate"),
	ref.MustParseEventType("m.call.sdp_stream_metadata_changed"),
	ref.MustParseEventType("m.call.replaces"),
	ref.MustParseEventType("io.element.call.encryption_keys"),
}

// receiveStateEventTypes are the state event types the widget observes
// unscoped: room membership, call membership, the encryption flag, and
// room creation (the call application inspects the room version).
var receiveStateEventTypes = []ref.EventType{
	ref.MustParseEventType("m.room.member"),
	CallMemberEventType,
	ref.MustParseEventType("m.room.encryption"),
	ref.MustParseEventType("m.room.create"),
}

// CapabilityParams identifies the embedding a capability set is built
// for.
type CapabilityParams struct {
	// UserID is the Matrix user the widget acts as.
	UserID ref.UserID
	// DeviceID scopes the call-membership state keys. May be zero;
	// device-scoped variants are then omitted.
	DeviceID ref.DeviceID
	// RoomID is the room whose timeline the widget may read. May be
	// zero (no room targeted yet); the timeline capability is then
	// omitted.
	RoomID ref.RoomID
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Capabilities builds the full capability allow-list for one
// embedding: always-granted basics, the room timeline, state
// read/write for call membership, and send+receive for the signalling
// room and to-device event types. The result is deduplicated and
// sorted. Never fails; missing scope inputs narrow the set.
func Capabilities(params CapabilityParams) []Capability {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	set := map[Capability]struct{}{
		CapabilityScreenshot:     {},
		CapabilityAlwaysOnScreen: {},
		CapabilityTURNServers:    {},
	}

	if params.RoomID.IsZero() {
		logger.Warn("capability set built without a target room, timeline capability omitted",
			"user_id", params.UserID,
		)
	} else {
		set[CapabilityTimeline(params.RoomID)] = struct{}{}
	}

	for _, eventType := range receiveStateEventTypes {
		set[CapabilityReceiveState(eventType)] = struct{}{}
	}

	// Call membership state keys: the MSC3401 device-scoped forms
	// (underscore-prefixed and plain) plus the legacy user-only key.
	userID := params.UserID.String()
	if !params.DeviceID.IsZero() {
		deviceScoped := userID + "_" + params.DeviceID.String()
		set[CapabilitySendStateKeyed(CallMemberEventType, "_"+deviceScoped)] = struct{}{}
		set[CapabilitySendStateKeyed(CallMemberEventType, deviceScoped)] = struct{}{}
	}
	set[CapabilitySendStateKeyed(CallMemberEventType, userID)] = struct{}{}

	for _, eventType := range signallingRoomEventTypes {
		set[CapabilityReceiveEvent(eventType)] = struct{}{}
		set[CapabilitySendEvent(eventType)] = struct{}{}
	}
	for _, eventType := range signallingToDeviceTypes {
		set[CapabilityReceiveToDevice(eventType)] = struct{}{}
		set[CapabilitySendToDevice(eventType)] = struct{}{}
	}

	capabilities := make([]Capability, 0, len(set))
	for capability := range set {
		capabilities = append(capabilities, capability)
	}
	sort.Slice(capabilities, func(i, j int) bool {
		return capabilities[i] < capabilities[j]
	})
	return capabilities
}

// CapabilitySet is a fast-lookup view over an approved capability
// list. The channel's enforcement checks consult it per request.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a CapabilitySet from a capability list.
func NewCapabilitySet(capabilities []Capability) CapabilitySet {
	set := make(CapabilitySet, len(capabilities))
	for _, capability := range capabilities {
		set[capability] = struct{}{}
	}
	return set
}

// Has reports whether the exact capability is in the set.
func (s CapabilitySet) Has(capability Capability) bool {
	_, ok := s[capability]
	return ok
}

// CanReadTimeline reports whether the set grants timeline read access
// for the room.
func (s CapabilitySet) CanReadTimeline(roomID ref.RoomID) bool {
	return s.Has(CapabilityTimeline(roomID))
}

// CanSendEvent reports whether the set grants sending the room event
// type.
func (s CapabilitySet) CanSendEvent(eventType ref.EventType) bool {
	return s.Has(CapabilitySendEvent(eventType))
}

// CanSendState reports whether the set grants sending the state event
// type with the given state key, via either the keyed grant or an
// unkeyed grant covering all keys.
func (s CapabilitySet) CanSendState(eventType ref.EventType, stateKey string) bool {
	if s.Has(CapabilitySendStateKeyed(eventType, stateKey)) {
		return true
	}
	return s.Has(Capability(capabilitySendStateEvent + eventType.String()))
}

// CanSendToDevice reports whether the set grants sending the to-device
// event type.
func (s CapabilitySet) CanSendToDevice(eventType ref.EventType) bool {
	return s.Has(CapabilitySendToDevice(eventType))
}

// Intersect returns the capabilities from requested that are present
// in the set, preserving request order.
func (s CapabilitySet) Intersect(requested []Capability) []Capability {
	var approved []Capability
	for _, capability := range requested {
		if s.Has(capability) {
			approved = append(approved, capability)
		}
	}
	return approved
}
