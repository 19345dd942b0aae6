// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// DeviceID is a Matrix device identifier. Device IDs are opaque
// server-assigned strings with no internal structure. The type exists
// so a device ID cannot be confused with a user ID or access token at
// compile time — it ends up in call-membership state keys and the
// widget URL, where a mixup would be silent data corruption.
//
// A session may legitimately lack a device ID (token-based sessions on
// some servers); the capability builder omits device-scoped variants
// for a zero DeviceID.
type DeviceID struct {
	id string
}

// ParseDeviceID constructs a DeviceID from a raw string. Returns an
// error if the string is empty.
func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, fmt.Errorf("device ID is empty")
	}
	return DeviceID{id: raw}, nil
}

// MustParseDeviceID is ParseDeviceID that panics on error. For use
// with compile-time constants in tests and initialization.
func MustParseDeviceID(raw string) DeviceID {
	id, err := ParseDeviceID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the raw device ID string.
func (d DeviceID) String() string { return d.id }

// IsZero reports whether the DeviceID is the zero value (empty).
func (d DeviceID) IsZero() bool { return d.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value (optional device IDs use omitempty).
func (d *DeviceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DeviceID{}
		return nil
	}
	*d = DeviceID{id: string(data)}
	return nil
}
