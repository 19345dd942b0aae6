// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for the Matrix identifiers
// the call-widget bridge passes around: room IDs, user IDs, event IDs,
// event types, device IDs, and widget IDs.
//
// Raw identifier strings enter the system at two boundaries — the
// homeserver (sync responses, send acknowledgments) and the embedded
// widget (request payloads) — and are parsed into these types there.
// Everything past the boundary works with the typed values, so a room
// ID can never be confused with an event ID or smuggled into a
// capability string unvalidated.
//
// All types are immutable values. The zero value is never valid; use
// IsZero to check. Types that appear in JSON implement
// encoding.TextMarshaler/TextUnmarshaler so validation happens during
// deserialization, including for map keys (the /sync response keys its
// room sections by room ID).
package ref
