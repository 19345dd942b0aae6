// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// WidgetID identifies one widget embedding. Every message on the
// widget channel carries the widget ID; frames with a mismatched ID
// are rejected, so two concurrent embeddings (primary and backup
// frames) can never cross wires.
//
// Widget IDs are host-generated (a content hash of the embedding
// parameters) and opaque to the widget, which echoes them verbatim.
type WidgetID struct {
	id string
}

// ParseWidgetID constructs a WidgetID from a raw string. Returns an
// error if the string is empty.
func ParseWidgetID(raw string) (WidgetID, error) {
	if raw == "" {
		return WidgetID{}, fmt.Errorf("widget ID is empty")
	}
	return WidgetID{id: raw}, nil
}

// MustParseWidgetID is ParseWidgetID that panics on error. For use
// with compile-time constants in tests and initialization.
func MustParseWidgetID(raw string) WidgetID {
	id, err := ParseWidgetID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the raw widget ID string.
func (w WidgetID) String() string { return w.id }

// IsZero reports whether the WidgetID is the zero value (empty).
func (w WidgetID) IsZero() bool { return w.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (w WidgetID) MarshalText() ([]byte, error) {
	return []byte(w.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (w *WidgetID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*w = WidgetID{}
		return nil
	}
	*w = WidgetID{id: string(data)}
	return nil
}
