// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"sort"
	"strings"
	"testing"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

var (
	testUser   = ref.MustParseUserID("@alice:example.org")
	testDevice = ref.MustParseDeviceID("ALICEDEV")
	testRoom   = ref.MustParseRoomID("!call:example.org")
)

func capabilityStrings(capabilities []Capability) map[string]bool {
	set := make(map[string]bool, len(capabilities))
	for _, capability := range capabilities {
		set[string(capability)] = true
	}
	return set
}

func TestCapabilitiesAlwaysGranted(t *testing.T) {
	set := capabilityStrings(Capabilities(CapabilityParams{
		UserID: testUser, DeviceID: testDevice, RoomID: testRoom,
	}))

	for _, expected := range []string{
		"m.capability.screenshot",
		"m.always_on_screen",
		"town.robin.msc3846.turn_servers",
		"org.matrix.msc2762.timeline:!call:example.org",
		"org.matrix.msc2762.receive.state_event:m.room.member",
		"org.matrix.msc2762.receive.state_event:org.matrix.msc3401.call.member",
		"org.matrix.msc2762.receive.state_event:m.room.encryption",
		"org.matrix.msc2762.receive.state_event:m.room.create",
	} {
		if !set[expected] {
			t.Errorf("missing capability %q", expected)
		}
	}
}

func TestCapabilitiesCallMemberStateKeys(t *testing.T) {
	t.Run("with device", func(t *testing.T) {
		set := capabilityStrings(Capabilities(CapabilityParams{
			UserID: testUser, DeviceID: testDevice, RoomID: testRoom,
		}))
		for _, expected := range []string{
			"org.matrix.msc2762.send.state_event:org.matrix.msc3401.call.member#_@alice:example.org_ALICEDEV",
			"org.matrix.msc2762.send.state_event:org.matrix.msc3401.call.member#@alice:example.org_ALICEDEV",
			"org.matrix.msc2762.send.state_event:org.matrix.msc3401.call.member#@alice:example.org",
		} {
			if !set[expected] {
				t.Errorf("missing capability %q", expected)
			}
		}
	})

	t.Run("without device", func(t *testing.T) {
		set := capabilityStrings(Capabilities(CapabilityParams{
			UserID: testUser, RoomID: testRoom,
		}))
		if !set["org.matrix.msc2762.send.state_event:org.matrix.msc3401.call.member#@alice:example.org"] {
			t.Error("missing legacy user-keyed send-state capability")
		}
		for capability := range set {
			if capability == "org.matrix.msc2762.send.state_event:org.matrix.msc3401.call.member#@alice:example.org_ALICEDEV" {
				t.Error("device-scoped variant granted without a device ID")
			}
		}
	})
}

func TestCapabilitiesSignalling(t *testing.T) {
	set := capabilityStrings(Capabilities(CapabilityParams{
		UserID: testUser, DeviceID: testDevice, RoomID: testRoom,
	}))

	roomTypes := []string{
		"m.reaction", "m.room.redaction",
		"org.matrix.rageshake_request", "io.element.call.encryption_keys",
	}
	for _, eventType := range roomTypes {
		if !set["org.matrix.msc2762.receive.event:"+eventType] {
			t.Errorf("missing receive for room event %q", eventType)
		}
		if !set["org.matrix.msc2762.send.event:"+eventType] {
			t.Errorf("missing send for room event %q", eventType)
		}
	}

	toDeviceTypes := []string{
		"m.call.invite", "m.call.candidates", "m.call.answer",
		"m.call.hangup", "m.call.reject", "m.call.select_answer",
		"m.call.negotiate", "m.call.sdp_stream_metadata_changed",
		"m.call.replaces", "io.element.call.encryption_keys",
	}
	for _, eventType := range toDeviceTypes {
		if !set["org.matrix.msc3819.receive.to_device:"+eventType] {
			t.Errorf("missing to-device receive for %q", eventType)
		}
		if !set["org.matrix.msc3819.send.to_device:"+eventType] {
			t.Errorf("missing to-device send for %q", eventType)
		}
	}
}

func TestCapabilitiesNoRoom(t *testing.T) {
	capabilities := Capabilities(CapabilityParams{
		UserID: testUser, DeviceID: testDevice,
	})
	for _, capability := range capabilities {
		if strings.HasPrefix(string(capability), capabilityTimeline) {
			t.Errorf("timeline capability granted without a room: %s", capability)
		}
	}
}

func TestCapabilitiesSortedAndDeduplicated(t *testing.T) {
	capabilities := Capabilities(CapabilityParams{
		UserID: testUser, DeviceID: testDevice, RoomID: testRoom,
	})
	if !sort.SliceIsSorted(capabilities, func(i, j int) bool {
		return capabilities[i] < capabilities[j]
	}) {
		t.Error("capability list is not sorted")
	}
	seen := make(map[Capability]bool)
	for _, capability := range capabilities {
		if seen[capability] {
			t.Errorf("duplicate capability %q", capability)
		}
		seen[capability] = true
	}
}

func TestCapabilitySet(t *testing.T) {
	allowed := NewCapabilitySet(Capabilities(CapabilityParams{
		UserID: testUser, DeviceID: testDevice, RoomID: testRoom,
	}))

	if !allowed.CanReadTimeline(testRoom) {
		t.Error("timeline read for the target room should be allowed")
	}
	if allowed.CanReadTimeline(ref.MustParseRoomID("!other:example.org")) {
		t.Error("timeline read for another room should be denied")
	}
	if !allowed.CanSendEvent(ref.MustParseEventType("m.reaction")) {
		t.Error("sending m.reaction should be allowed")
	}
	if allowed.CanSendEvent(ref.MustParseEventType("m.room.message")) {
		t.Error("sending m.room.message should be denied")
	}
	if !allowed.CanSendState(CallMemberEventType, "@alice:example.org_ALICEDEV") {
		t.Error("keyed call-member state send should be allowed")
	}
	if allowed.CanSendState(CallMemberEventType, "@mallory:example.org") {
		t.Error("call-member state send for another user's key should be denied")
	}
	if !allowed.CanSendToDevice(ref.MustParseEventType("m.call.invite")) {
		t.Error("sending m.call.invite to-device should be allowed")
	}
	if allowed.CanSendToDevice(ref.MustParseEventType("m.room_key")) {
		t.Error("sending m.room_key to-device should be denied")
	}
}

func TestCapabilitySetIntersect(t *testing.T) {
	allowed := NewCapabilitySet([]Capability{
		CapabilityScreenshot,
		CapabilityTURNServers,
	})
	requested := []Capability{
		CapabilityTURNServers,
		CapabilityAlwaysOnScreen,
		CapabilityScreenshot,
	}
	approved := allowed.Intersect(requested)
	if len(approved) != 2 {
		t.Fatalf("expected 2 approved, got %d", len(approved))
	}
	// Request order is preserved.
	if approved[0] != CapabilityTURNServers || approved[1] != CapabilityScreenshot {
		t.Errorf("unexpected approval order: %v", approved)
	}
}
