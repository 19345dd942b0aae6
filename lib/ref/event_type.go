// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// EventType is a Matrix event type (e.g., "m.room.message",
// "org.matrix.msc3401.call.member"). Event types are dotted reversed
// domain names; the bridge builds capability strings from them, so a
// malformed type would corrupt the allow-list grammar. Validation
// rejects empty strings and the '#' and ':' characters, which are the
// capability grammar's scope separators.
//
// EventType is an immutable value type. The zero value is not valid;
// use IsZero to check.
type EventType struct {
	name string
}

// ParseEventType validates and wraps a raw Matrix event type string.
func ParseEventType(raw string) (EventType, error) {
	if raw == "" {
		return EventType{}, fmt.Errorf("empty event type")
	}
	if strings.ContainsAny(raw, "#:") {
		return EventType{}, fmt.Errorf("event type contains capability separator: %q", raw)
	}
	return EventType{name: raw}, nil
}

// MustParseEventType is like ParseEventType but panics on error. Use
// for the static event type constants in the widget package.
func MustParseEventType(raw string) EventType {
	t, err := ParseEventType(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventType(%q): %v", raw, err))
	}
	return t
}

// String returns the event type string.
func (t EventType) String() string { return t.name }

// IsZero reports whether the EventType is the zero value.
func (t EventType) IsZero() bool { return t.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (t *EventType) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = EventType{}
		return nil
	}
	parsed, err := ParseEventType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
