// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Message direction on the widget channel.
const (
	// APIFromWidget marks a request originated by the widget.
	APIFromWidget = "fromWidget"
	// APIToWidget marks a request originated by the host.
	APIToWidget = "toWidget"
)

// Actions originated by the widget (fromWidget).
const (
	// ActionContentLoaded signals the widget finished loading.
	ActionContentLoaded = "content_loaded"
	// ActionSupportedAPIVersions negotiates the API version set.
	ActionSupportedAPIVersions = "supported_api_versions"
	// ActionSendEvent asks the host to send a room event.
	ActionSendEvent = "send_event"
	// ActionReadEvents asks the host for recent room events.
	ActionReadEvents = "read_events"
	// ActionSendToDevice asks the host to send to-device events.
	ActionSendToDevice = "send_to_device"
	// ActionJoin signals the user joined the call in this frame.
	ActionJoin = "join"
	// ActionHangup signals the user left the call in this frame.
	ActionHangup = "im.vector.hangup"
	// ActionDeviceMute reports or requests media mute-state changes.
	ActionDeviceMute = "io.element.device_mute"
	// ActionSetAlwaysOnScreen asks to keep the frame visible.
	ActionSetAlwaysOnScreen = "set_always_on_screen"
	// ActionTileLayout reports the call tile layout.
	ActionTileLayout = "io.element.tile_layout"
	// ActionClose asks the host to tear the widget down.
	ActionClose = "io.element.close"
)

// Actions originated by the host (toWidget).
const (
	// ActionCapabilities asks the widget which capabilities it wants.
	ActionCapabilities = "capabilities"
	// ActionNotifyCapabilities reports the approval outcome.
	ActionNotifyCapabilities = "notify_capabilities"
	// ActionUpdateTURNServers pushes fresh TURN credentials.
	ActionUpdateTURNServers = "update_turn_servers"
	// ActionJoinCall asks the widget to join the call (alias kept by
	// some application versions).
	ActionJoinCall = "io.element.join_call"
)

// SupportedAPIVersions are the widget API versions this host speaks,
// answered to the widget's supported_api_versions request. The MSC
// numbers cover capability negotiation (2762), to-device messaging
// (3819), and TURN servers (3846).
var SupportedAPIVersions = []string{
	"0.0.1",
	"0.0.2",
	"org.matrix.msc2762",
	"org.matrix.msc2871",
	"org.matrix.msc3819",
	"town.robin.msc3846",
}

// Envelope is one frame on the widget channel, both directions. A
// request carries Data; the matching response echoes the request
// fields and adds Response.
type Envelope struct {
	API       string          `json:"api"`
	RequestID string          `json:"requestId"`
	WidgetID  ref.WidgetID    `json:"widgetId"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// IsResponse reports whether the envelope answers an earlier request.
func (e *Envelope) IsResponse() bool { return len(e.Response) > 0 }

// ErrorResponse is the error payload inside a response's Response
// field: {"error": {"message": "..."}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error message.
type ErrorBody struct {
	Message string `json:"message"`
}

// NewErrorResponse marshals an error message into the wire error
// shape.
func NewErrorResponse(message string) json.RawMessage {
	encoded, err := json.Marshal(ErrorResponse{Error: ErrorBody{Message: message}})
	if err != nil {
		panic(err)
	}
	return encoded
}

// ResponseError extracts the error message from a response payload.
// ok is false when the payload is not the error shape.
func ResponseError(response json.RawMessage) (string, bool) {
	var parsed ErrorResponse
	if err := json.Unmarshal(response, &parsed); err != nil {
		return "", false
	}
	if parsed.Error.Message == "" {
		return "", false
	}
	return parsed.Error.Message, true
}

// EnvelopeError describes a malformed envelope: which field failed and
// why. The channel answers the sender with the message so protocol
// bugs in the embedded application surface instead of vanishing.
type EnvelopeError struct {
	Field   string
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("widget: invalid envelope field %q: %s", e.Field, e.Message)
}

// ValidateEnvelope checks the structural requirements every inbound
// frame must meet: a known api direction, a request ID, an action, and
// the expected widget ID. expectedWidget may be zero to skip the
// widget ID check (before the handshake binds one).
func ValidateEnvelope(envelope *Envelope, expectedWidget ref.WidgetID) error {
	switch envelope.API {
	case APIFromWidget, APIToWidget:
	case "":
		return &EnvelopeError{Field: "api", Message: "missing"}
	default:
		return &EnvelopeError{Field: "api", Message: fmt.Sprintf("unknown direction %q", envelope.API)}
	}
	if envelope.RequestID == "" {
		return &EnvelopeError{Field: "requestId", Message: "missing"}
	}
	if envelope.Action == "" {
		return &EnvelopeError{Field: "action", Message: "missing"}
	}
	if !expectedWidget.IsZero() && envelope.WidgetID != expectedWidget {
		return &EnvelopeError{
			Field:   "widgetId",
			Message: fmt.Sprintf("got %q, expected %q", envelope.WidgetID, expectedWidget),
		}
	}
	return nil
}

// newRequestID generates a correlation ID for host-originated
// requests: 16 random bytes, hex-encoded.
func newRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("widget: failed to generate request ID: %v", err))
	}
	return hex.EncodeToString(buf)
}
