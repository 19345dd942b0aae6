// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/ref"
)

// defaultSendTimeout bounds how long Send waits for the widget's
// response when the configuration does not override it.
const defaultSendTimeout = 10 * time.Second

// LifecycleState tracks the channel's handshake progress.
type LifecycleState int

const (
	// StatePreparing: handshake in progress.
	StatePreparing LifecycleState = iota
	// StateReady: capabilities negotiated, channel operational.
	StateReady
	// StateErrorPreparing: handshake failed; the channel is unusable
	// and must be replaced.
	StateErrorPreparing
)

func (s LifecycleState) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	case StateErrorPreparing:
		return "error-preparing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrNotHandled is returned by a Handler to decline an action: the
// channel falls through to its internal defaults
// (supported_api_versions is answered internally, anything else gets
// an "unsupported action" error response).
var ErrNotHandled = errors.New("widget: action not handled")

// Handler processes one widget-originated request. The returned value
// is marshalled into the response; returning an error produces an
// error response instead.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// ChannelError is returned by channel operations that fail for
// channel-lifecycle reasons: sending on a stopped channel, a response
// timeout, a handshake failure.
type ChannelError struct {
	Op     string
	Reason string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("widget: channel %s: %s", e.Op, e.Reason)
}

// PermissionError is returned (and sent to the widget as an error
// response) when a request requires a capability outside the
// allow-list. Distinct from "unsupported action": the action is known,
// the embedding just is not allowed to perform it.
type PermissionError struct {
	Action     string
	Capability Capability
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("widget: action %q denied: missing capability %q", e.Action, e.Capability)
}

// ResponseErrorFromWidget is returned by Send when the widget answers
// with an error payload.
type ResponseErrorFromWidget struct {
	Action  string
	Message string
}

func (e *ResponseErrorFromWidget) Error() string {
	return fmt.Sprintf("widget: %q request rejected by widget: %s", e.Action, e.Message)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Descriptor identifies the embedding. Required.
	Descriptor *Descriptor
	// Transport is the frame pipe to the embedded application.
	// Required. The channel owns it after Start: Stop closes it.
	Transport Transport
	// AllowList is the host's capability allow-list for this
	// embedding. Required.
	AllowList []Capability
	// OnLifecycle is called with each lifecycle state transition.
	// Optional. StateReady and StateErrorPreparing are each emitted
	// at most once per channel, and never both.
	OnLifecycle func(LifecycleState)
	// SendTimeout bounds how long Send waits for a response. Zero
	// means defaultSendTimeout.
	SendTimeout time.Duration
	// Clock drives the send timeout. Nil means the real clock.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Channel is the request/response messaging layer over one transport
// to one embedded frame. A channel binds exactly one Descriptor to
// exactly one Transport; re-targeting the widget (new room, new URL)
// means a new Descriptor, a new Transport, and a new Channel.
type Channel struct {
	descriptor  *Descriptor
	transport   Transport
	allowed     CapabilitySet
	onLifecycle func(LifecycleState)
	sendTimeout time.Duration
	clk         clock.Clock
	logger      *slog.Logger

	mu         sync.Mutex
	started    bool
	stopped    bool
	settled    bool // StateReady or StateErrorPreparing emitted
	ready      bool
	approved   []Capability
	pending    map[string]chan *Envelope
	handlers   map[string]Handler
	stopSignal chan struct{}
}

// NewChannel creates a Channel. Call Start to run the handshake.
func NewChannel(config ChannelConfig) (*Channel, error) {
	if config.Descriptor == nil {
		return nil, fmt.Errorf("widget: channel requires a descriptor")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("widget: channel requires a transport")
	}
	if len(config.AllowList) == 0 {
		return nil, fmt.Errorf("widget: channel requires a capability allow-list")
	}
	sendTimeout := config.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		descriptor:  config.Descriptor,
		transport:   config.Transport,
		allowed:     NewCapabilitySet(config.AllowList),
		onLifecycle: config.OnLifecycle,
		sendTimeout: sendTimeout,
		clk:         clk,
		logger: logger.With(
			"widget_id", config.Descriptor.WidgetID(),
			"room_id", config.Descriptor.RoomID(),
		),
		pending:    make(map[string]chan *Envelope),
		handlers:   make(map[string]Handler),
		stopSignal: make(chan struct{}),
	}, nil
}

// Descriptor returns the embedding this channel is bound to.
func (c *Channel) Descriptor() *Descriptor { return c.descriptor }

// Ready reports whether the handshake completed successfully.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ApprovedCapabilities returns the capabilities approved during the
// handshake, in the widget's request order. Nil before StateReady.
func (c *Channel) ApprovedCapabilities() []Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Capability(nil), c.approved...)
}

// HasApproved reports whether the handshake approved the capability.
func (c *Channel) HasApproved(capability Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, approved := range c.approved {
		if approved == capability {
			return true
		}
	}
	return false
}

// RegisterHandler installs the handler for a widget-originated action.
// Re-registering an action replaces its handler. Register handlers
// before Start; the widget may send requests as soon as the transport
// is live.
func (c *Channel) RegisterHandler(action string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[action] = handler
}

// emit runs the lifecycle callback, enforcing that the channel settles
// (ready or error-preparing) at most once.
func (c *Channel) emit(state LifecycleState) {
	c.mu.Lock()
	if state == StateReady || state == StateErrorPreparing {
		if c.settled {
			c.mu.Unlock()
			return
		}
		c.settled = true
		c.ready = state == StateReady
	}
	callback := c.onLifecycle
	c.mu.Unlock()

	c.logger.Info("widget channel state", "state", state.String())
	if callback != nil {
		callback(state)
	}
}

// Start runs the handshake: version negotiation, capability request,
// approval notification. Emits StatePreparing immediately, then
// exactly one of StateReady or StateErrorPreparing. Start may be
// called once per channel.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return &ChannelError{Op: "start", Reason: "already started"}
	}
	c.started = true
	c.mu.Unlock()

	c.transport.SetReceiver(c.handleInbound)
	c.emit(StatePreparing)

	if err := c.handshake(ctx); err != nil {
		c.emit(StateErrorPreparing)
		return err
	}
	c.emit(StateReady)
	return nil
}

func (c *Channel) handshake(ctx context.Context) error {
	// Version negotiation: the embedding must share at least one API
	// version with the host.
	versionsResponse, err := c.Send(ctx, ActionSupportedAPIVersions, map[string]any{})
	if err != nil {
		return fmt.Errorf("widget: version negotiation failed: %w", err)
	}
	var versions struct {
		SupportedVersions []string `json:"supported_versions"`
	}
	if err := json.Unmarshal(versionsResponse, &versions); err != nil {
		return fmt.Errorf("widget: malformed supported_api_versions response: %w", err)
	}
	if !versionsOverlap(versions.SupportedVersions, SupportedAPIVersions) {
		return &ChannelError{
			Op:     "handshake",
			Reason: fmt.Sprintf("no common API version (widget supports %v)", versions.SupportedVersions),
		}
	}

	// Capability negotiation: ask what the widget wants, approve the
	// intersection with the allow-list, report the outcome.
	capabilitiesResponse, err := c.Send(ctx, ActionCapabilities, map[string]any{})
	if err != nil {
		return fmt.Errorf("widget: capability request failed: %w", err)
	}
	var requested struct {
		Capabilities []Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(capabilitiesResponse, &requested); err != nil {
		return fmt.Errorf("widget: malformed capabilities response: %w", err)
	}

	approved := c.allowed.Intersect(requested.Capabilities)
	c.mu.Lock()
	c.approved = approved
	c.mu.Unlock()

	c.logger.Info("widget capabilities negotiated",
		"requested", len(requested.Capabilities),
		"approved", len(approved),
	)

	if _, err := c.Send(ctx, ActionNotifyCapabilities, map[string]any{
		"requested": requested.Capabilities,
		"approved":  approved,
	}); err != nil {
		return fmt.Errorf("widget: capability notification failed: %w", err)
	}
	return nil
}

func versionsOverlap(widget, host []string) bool {
	hostSet := make(map[string]struct{}, len(host))
	for _, version := range host {
		hostSet[version] = struct{}{}
	}
	for _, version := range widget {
		if _, ok := hostSet[version]; ok {
			return true
		}
	}
	return false
}

// Send issues a host-originated (toWidget) request and waits for the
// widget's response. Concurrent Sends are independent; responses
// correlate by request ID, so out-of-order replies resolve correctly.
// Times out after the configured send timeout so callers never hang on
// a dead frame.
func (c *Channel) Send(ctx context.Context, action string, data any) (json.RawMessage, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("widget: failed to encode %q request: %w", action, err)
	}

	requestID := newRequestID()
	envelope := &Envelope{
		API:       APIToWidget,
		RequestID: requestID,
		WidgetID:  c.descriptor.WidgetID(),
		Action:    action,
		Data:      encoded,
	}

	responseCh := make(chan *Envelope, 1)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, &ChannelError{Op: "send", Reason: "channel is stopped"}
	}
	c.pending[requestID] = responseCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, envelope); err != nil {
		return nil, fmt.Errorf("widget: failed to send %q request: %w", action, err)
	}

	timer := c.clk.After(c.sendTimeout)
	select {
	case response := <-responseCh:
		if message, isError := ResponseError(response.Response); isError {
			return nil, &ResponseErrorFromWidget{Action: action, Message: message}
		}
		return response.Response, nil
	case <-timer:
		return nil, &ChannelError{
			Op:     "send",
			Reason: fmt.Sprintf("%q request timed out after %v", action, c.sendTimeout),
		}
	case <-c.stopSignal:
		return nil, &ChannelError{Op: "send", Reason: "channel stopped while awaiting response"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop detaches the receiver, closes the transport, and fails all
// in-flight Sends. Subsequent operations fail. Idempotent.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopSignal)
	c.mu.Unlock()

	c.transport.SetReceiver(nil)
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("transport close failed", "error", err)
	}
	c.logger.Info("widget channel stopped")
}

// handleInbound is the transport receiver: responses resolve pending
// Sends, requests run the dispatch path.
func (c *Channel) handleInbound(envelope *Envelope) {
	if envelope.IsResponse() {
		c.mu.Lock()
		responseCh, ok := c.pending[envelope.RequestID]
		if ok {
			delete(c.pending, envelope.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response with unknown request ID",
				"request_id", envelope.RequestID,
				"action", envelope.Action,
			)
			return
		}
		responseCh <- envelope
		return
	}

	if err := ValidateEnvelope(envelope, c.descriptor.WidgetID()); err != nil {
		c.logger.Warn("rejecting malformed envelope", "error", err)
		// Answer if the frame is addressable at all; a frame without
		// a request ID cannot receive a response.
		if envelope.RequestID != "" {
			c.respond(envelope, NewErrorResponse(err.Error()))
		}
		return
	}
	if envelope.API != APIFromWidget {
		c.respond(envelope, NewErrorResponse("requests to the host must use the fromWidget direction"))
		return
	}

	c.dispatch(envelope)
}

// dispatch routes a widget-originated request: capability enforcement
// first, then the registered handler, then internal defaults.
func (c *Channel) dispatch(envelope *Envelope) {
	if err := c.enforceCapability(envelope); err != nil {
		c.logger.Warn("denying widget request", "action", envelope.Action, "error", err)
		c.respond(envelope, NewErrorResponse(err.Error()))
		return
	}

	c.mu.Lock()
	handler, registered := c.handlers[envelope.Action]
	c.mu.Unlock()

	if registered {
		result, err := handler(context.Background(), envelope.Data)
		switch {
		case err == nil:
			c.respondValue(envelope, result)
			return
		case errors.Is(err, ErrNotHandled):
			// fall through to defaults
		default:
			c.logger.Warn("handler failed", "action", envelope.Action, "error", err)
			c.respond(envelope, NewErrorResponse(err.Error()))
			return
		}
	}

	switch envelope.Action {
	case ActionSupportedAPIVersions:
		c.respondValue(envelope, map[string]any{
			"supported_versions": SupportedAPIVersions,
		})
	default:
		c.respond(envelope, NewErrorResponse(
			fmt.Sprintf("unsupported action %q", envelope.Action)))
	}
}

// enforceCapability checks the requests that touch Matrix against the
// allow-list. Requests outside the three gated actions pass through.
func (c *Channel) enforceCapability(envelope *Envelope) error {
	switch envelope.Action {
	case ActionReadEvents:
		var request struct {
			RoomID ref.RoomID `json:"room_id"`
		}
		json.Unmarshal(envelope.Data, &request)
		roomID := request.RoomID
		if roomID.IsZero() {
			roomID = c.descriptor.RoomID()
		}
		if !c.allowed.CanReadTimeline(roomID) {
			return &PermissionError{
				Action:     envelope.Action,
				Capability: CapabilityTimeline(roomID),
			}
		}
	case ActionSendEvent:
		var request struct {
			Type     ref.EventType `json:"type"`
			StateKey *string       `json:"state_key"`
		}
		if err := json.Unmarshal(envelope.Data, &request); err != nil || request.Type.IsZero() {
			return &EnvelopeError{Field: "data", Message: "send_event requires a type"}
		}
		if request.StateKey != nil {
			if !c.allowed.CanSendState(request.Type, *request.StateKey) {
				return &PermissionError{
					Action:     envelope.Action,
					Capability: CapabilitySendStateKeyed(request.Type, *request.StateKey),
				}
			}
		} else if !c.allowed.CanSendEvent(request.Type) {
			return &PermissionError{
				Action:     envelope.Action,
				Capability: CapabilitySendEvent(request.Type),
			}
		}
	case ActionSendToDevice:
		var request struct {
			Type ref.EventType `json:"type"`
		}
		if err := json.Unmarshal(envelope.Data, &request); err != nil || request.Type.IsZero() {
			return &EnvelopeError{Field: "data", Message: "send_to_device requires a type"}
		}
		if !c.allowed.CanSendToDevice(request.Type) {
			return &PermissionError{
				Action:     envelope.Action,
				Capability: CapabilitySendToDevice(request.Type),
			}
		}
	}
	return nil
}

// respondValue marshals a handler result and responds with it. A nil
// result answers with an empty object.
func (c *Channel) respondValue(envelope *Envelope, result any) {
	if result == nil {
		result = map[string]any{}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to encode response", "action", envelope.Action, "error", err)
		c.respond(envelope, NewErrorResponse("internal error encoding response"))
		return
	}
	c.respond(envelope, encoded)
}

// respond echoes the request envelope with the response payload
// attached.
func (c *Channel) respond(request *Envelope, response json.RawMessage) {
	reply := &Envelope{
		API:       request.API,
		RequestID: request.RequestID,
		WidgetID:  c.descriptor.WidgetID(),
		Action:    request.Action,
		Data:      request.Data,
		Response:  response,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, reply); err != nil {
		c.logger.Warn("failed to send response", "action", request.Action, "error", err)
	}
}
