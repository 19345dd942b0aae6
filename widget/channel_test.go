// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/lib/testutil"
)

// fakeWidget drives the far side of a memory transport pair: it
// records host-originated requests, auto-responds per action, and can
// originate its own requests.
type fakeWidget struct {
	transport *MemoryTransport
	responses chan *Envelope

	mu       sync.Mutex
	requests []*Envelope
	respond  map[string]func(*Envelope) json.RawMessage
}

func newFakeWidget(transport *MemoryTransport) *fakeWidget {
	w := &fakeWidget{
		transport: transport,
		responses: make(chan *Envelope, 16),
		respond:   make(map[string]func(*Envelope) json.RawMessage),
	}
	transport.SetReceiver(w.receive)
	return w
}

func (w *fakeWidget) receive(envelope *Envelope) {
	if envelope.IsResponse() {
		w.responses <- envelope
		return
	}
	w.mu.Lock()
	w.requests = append(w.requests, envelope)
	responder := w.respond[envelope.Action]
	w.mu.Unlock()

	if responder != nil {
		reply := *envelope
		reply.Response = responder(envelope)
		w.transport.Send(context.Background(), &reply)
	}
}

func (w *fakeWidget) respondWith(action string, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.respond[action] = func(*Envelope) json.RawMessage { return encoded }
}

func (w *fakeWidget) handshakeResponders(requested []Capability) {
	w.respondWith(ActionSupportedAPIVersions, map[string]any{
		"supported_versions": []string{"0.0.2", "org.matrix.msc2762"},
	})
	w.respondWith(ActionCapabilities, map[string]any{
		"capabilities": requested,
	})
	w.respondWith(ActionNotifyCapabilities, map[string]any{})
}

func (w *fakeWidget) requestsFor(action string) []*Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	var matched []*Envelope
	for _, request := range w.requests {
		if request.Action == action {
			matched = append(matched, request)
		}
	}
	return matched
}

// sendRequest originates a fromWidget request and returns the response
// envelope.
func (w *fakeWidget) sendRequest(t *testing.T, widgetID ref.WidgetID, action string, data any) *Envelope {
	t.Helper()
	encoded, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to encode request data: %v", err)
	}
	envelope := &Envelope{
		API:       APIFromWidget,
		RequestID: newRequestID(),
		WidgetID:  widgetID,
		Action:    action,
		Data:      encoded,
	}
	if err := w.transport.Send(context.Background(), envelope); err != nil {
		t.Fatalf("widget send failed: %v", err)
	}
	return testutil.RequireReceive(t, w.responses, 5*time.Second, "response to %s", action)
}

type channelFixture struct {
	channel *Channel
	widget  *fakeWidget
	states  *stateRecorder
}

type stateRecorder struct {
	mu     sync.Mutex
	states []LifecycleState
}

func (r *stateRecorder) record(state LifecycleState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) all() []LifecycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LifecycleState(nil), r.states...)
}

func newChannelFixture(t *testing.T, clk clock.Clock) *channelFixture {
	t.Helper()
	descriptor, err := NewDescriptor(testDescriptorConfig())
	if err != nil {
		t.Fatalf("NewDescriptor failed: %v", err)
	}
	hostSide, widgetSide := NewMemoryPair()
	widget := newFakeWidget(widgetSide)
	states := &stateRecorder{}

	channel, err := NewChannel(ChannelConfig{
		Descriptor: descriptor,
		Transport:  hostSide,
		AllowList: Capabilities(CapabilityParams{
			UserID: testUser, DeviceID: testDevice, RoomID: testRoom,
		}),
		OnLifecycle: states.record,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	t.Cleanup(channel.Stop)
	return &channelFixture{channel: channel, widget: widget, states: states}
}

func TestChannelHandshake(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	requested := []Capability{
		CapabilityTURNServers,
		CapabilityTimeline(testRoom),
		Capability("org.matrix.msc2762.timeline:!forbidden:example.org"),
	}
	fixture.widget.handshakeResponders(requested)

	if err := fixture.channel.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	states := fixture.states.all()
	if len(states) != 2 || states[0] != StatePreparing || states[1] != StateReady {
		t.Errorf("unexpected lifecycle: %v", states)
	}
	if !fixture.channel.Ready() {
		t.Error("channel should be ready")
	}

	approved := fixture.channel.ApprovedCapabilities()
	if len(approved) != 2 {
		t.Fatalf("expected 2 approved capabilities, got %v", approved)
	}
	if approved[0] != CapabilityTURNServers || approved[1] != CapabilityTimeline(testRoom) {
		t.Errorf("unexpected approvals: %v", approved)
	}
	if fixture.channel.HasApproved(Capability("org.matrix.msc2762.timeline:!forbidden:example.org")) {
		t.Error("capability outside the allow-list must not be approved")
	}

	// The widget was told the outcome.
	notifications := fixture.widget.requestsFor(ActionNotifyCapabilities)
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notify_capabilities, got %d", len(notifications))
	}
	var notified struct {
		Requested []Capability `json:"requested"`
		Approved  []Capability `json:"approved"`
	}
	if err := json.Unmarshal(notifications[0].Data, &notified); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if len(notified.Requested) != 3 || len(notified.Approved) != 2 {
		t.Errorf("unexpected notification: %+v", notified)
	}
}

func TestChannelHandshakeVersionMismatch(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	fixture.widget.respondWith(ActionSupportedAPIVersions, map[string]any{
		"supported_versions": []string{"99.0.0"},
	})

	err := fixture.channel.Start(context.Background())
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	var channelErr *ChannelError
	if !errors.As(err, &channelErr) {
		t.Fatalf("expected *ChannelError, got %T", err)
	}

	states := fixture.states.all()
	if len(states) != 2 || states[1] != StateErrorPreparing {
		t.Errorf("unexpected lifecycle: %v", states)
	}
	if fixture.channel.Ready() {
		t.Error("channel must not be ready after handshake failure")
	}
}

func TestChannelStartTwice(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	fixture.widget.handshakeResponders(nil)

	if err := fixture.channel.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := fixture.channel.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestChannelSendTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	fixture := newChannelFixture(t, clk)
	// No responder for this action: the widget stays silent.

	result := make(chan error, 1)
	go func() {
		_, err := fixture.channel.Send(context.Background(), "io.element.device_mute", map[string]any{})
		result <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(defaultSendTimeout)

	err := testutil.RequireReceive(t, result, 5*time.Second, "send outcome")
	var channelErr *ChannelError
	if !errors.As(err, &channelErr) {
		t.Fatalf("expected *ChannelError, got %v", err)
	}
}

func TestChannelSendErrorResponse(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	fixture.widget.respond["io.element.join_call"] = func(*Envelope) json.RawMessage {
		return NewErrorResponse("widget says no")
	}

	_, err := fixture.channel.Send(context.Background(), "io.element.join_call", map[string]any{})
	var widgetErr *ResponseErrorFromWidget
	if !errors.As(err, &widgetErr) {
		t.Fatalf("expected *ResponseErrorFromWidget, got %v", err)
	}
	if widgetErr.Message != "widget says no" {
		t.Errorf("unexpected message: %s", widgetErr.Message)
	}
}

func TestChannelOutOfOrderResponses(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	// No auto-responders: requests accumulate unanswered.

	type outcome struct {
		action   string
		response json.RawMessage
		err      error
	}
	results := make(chan outcome, 2)
	send := func(action string) {
		response, err := fixture.channel.Send(context.Background(), action, map[string]any{})
		results <- outcome{action: action, response: response, err: err}
	}
	go send("first_action")
	go send("second_action")

	// Wait until both requests reached the widget.
	waitForCondition(t, func() bool {
		return len(fixture.widget.requestsFor("first_action")) == 1 &&
			len(fixture.widget.requestsFor("second_action")) == 1
	})

	// Respond in reverse order; correlation is by request ID.
	respondTo := func(action, payload string) {
		request := fixture.widget.requestsFor(action)[0]
		reply := *request
		reply.Response = json.RawMessage(fmt.Sprintf(`{"answer":%q}`, payload))
		if err := fixture.widget.transport.Send(context.Background(), &reply); err != nil {
			t.Fatalf("response send failed: %v", err)
		}
	}
	respondTo("second_action", "two")
	respondTo("first_action", "one")

	for range 2 {
		result := testutil.RequireReceive(t, results, 5*time.Second, "send outcome")
		if result.err != nil {
			t.Fatalf("send %s failed: %v", result.action, result.err)
		}
		var parsed struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(result.response, &parsed); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		want := map[string]string{"first_action": "one", "second_action": "two"}[result.action]
		if parsed.Answer != want {
			t.Errorf("send %s got answer %q, want %q", result.action, parsed.Answer, want)
		}
	}
}

func TestChannelStop(t *testing.T) {
	fixture := newChannelFixture(t, nil)

	inFlight := make(chan error, 1)
	go func() {
		_, err := fixture.channel.Send(context.Background(), "never_answered", map[string]any{})
		inFlight <- err
	}()
	waitForCondition(t, func() bool {
		return len(fixture.widget.requestsFor("never_answered")) == 1
	})

	fixture.channel.Stop()

	err := testutil.RequireReceive(t, inFlight, 5*time.Second, "in-flight send outcome")
	var channelErr *ChannelError
	if !errors.As(err, &channelErr) {
		t.Fatalf("in-flight send: expected *ChannelError, got %v", err)
	}

	if _, err := fixture.channel.Send(context.Background(), "anything", nil); err == nil {
		t.Error("send after Stop should fail")
	}

	// Stop is idempotent.
	fixture.channel.Stop()
}

func TestChannelHandlerDispatch(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	widgetID := fixture.channel.Descriptor().WidgetID()

	t.Run("registered handler answers", func(t *testing.T) {
		fixture.channel.RegisterHandler(ActionDeviceMute, func(_ context.Context, data json.RawMessage) (any, error) {
			var payload struct {
				AudioEnabled *bool `json:"audio_enabled"`
			}
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, err
			}
			if payload.AudioEnabled == nil || *payload.AudioEnabled {
				return nil, errors.New("unexpected payload")
			}
			return map[string]any{"ok": true}, nil
		})

		response := fixture.widget.sendRequest(t, widgetID, ActionDeviceMute,
			map[string]any{"audio_enabled": false})
		if message, isError := ResponseError(response.Response); isError {
			t.Fatalf("unexpected error response: %s", message)
		}
	})

	t.Run("re-registering replaces", func(t *testing.T) {
		fixture.channel.RegisterHandler(ActionTileLayout, func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("old handler")
		})
		fixture.channel.RegisterHandler(ActionTileLayout, func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{}, nil
		})
		response := fixture.widget.sendRequest(t, widgetID, ActionTileLayout, map[string]any{})
		if message, isError := ResponseError(response.Response); isError {
			t.Fatalf("old handler still active: %s", message)
		}
	})

	t.Run("not-handled falls through to internal defaults", func(t *testing.T) {
		fixture.channel.RegisterHandler(ActionSupportedAPIVersions, func(context.Context, json.RawMessage) (any, error) {
			return nil, ErrNotHandled
		})
		response := fixture.widget.sendRequest(t, widgetID, ActionSupportedAPIVersions, map[string]any{})
		var versions struct {
			SupportedVersions []string `json:"supported_versions"`
		}
		if err := json.Unmarshal(response.Response, &versions); err != nil {
			t.Fatalf("failed to decode versions: %v", err)
		}
		if len(versions.SupportedVersions) == 0 {
			t.Error("internal default did not answer versions")
		}
	})

	t.Run("unknown action is an unsupported error", func(t *testing.T) {
		response := fixture.widget.sendRequest(t, widgetID, "made_up_action", map[string]any{})
		if _, isError := ResponseError(response.Response); !isError {
			t.Error("unknown action should produce an error response")
		}
	})

	t.Run("handler error becomes an error response", func(t *testing.T) {
		fixture.channel.RegisterHandler(ActionHangup, func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("session rejected the hangup")
		})
		response := fixture.widget.sendRequest(t, widgetID, ActionHangup, map[string]any{})
		message, isError := ResponseError(response.Response)
		if !isError {
			t.Fatal("expected error response")
		}
		if message != "session rejected the hangup" {
			t.Errorf("unexpected message: %s", message)
		}
	})
}

func TestChannelCapabilityEnforcement(t *testing.T) {
	fixture := newChannelFixture(t, nil)
	widgetID := fixture.channel.Descriptor().WidgetID()

	// A permissive handler: enforcement must trigger before it runs.
	handled := make(chan string, 16)
	permissive := func(action string) Handler {
		return func(context.Context, json.RawMessage) (any, error) {
			handled <- action
			return map[string]any{}, nil
		}
	}
	fixture.channel.RegisterHandler(ActionReadEvents, permissive(ActionReadEvents))
	fixture.channel.RegisterHandler(ActionSendEvent, permissive(ActionSendEvent))
	fixture.channel.RegisterHandler(ActionSendToDevice, permissive(ActionSendToDevice))

	t.Run("read_events outside the timeline capability", func(t *testing.T) {
		response := fixture.widget.sendRequest(t, widgetID, ActionReadEvents,
			map[string]any{"type": "m.room.message", "room_id": "!forbidden:example.org"})
		message, isError := ResponseError(response.Response)
		if !isError {
			t.Fatal("expected permission-denied response")
		}
		if !strings.Contains(message, "org.matrix.msc2762.timeline:!forbidden:example.org") {
			t.Errorf("error does not name the missing capability: %s", message)
		}
		testutil.RequireNoReceive(t, handled, 50*time.Millisecond, "handler must not run")
	})

	t.Run("read_events for the granted room", func(t *testing.T) {
		response := fixture.widget.sendRequest(t, widgetID, ActionReadEvents,
			map[string]any{"type": "m.room.member", "room_id": testRoom.String()})
		if message, isError := ResponseError(response.Response); isError {
			t.Fatalf("unexpected denial: %s", message)
		}
		if got := testutil.RequireReceive(t, handled, 5*time.Second, "handler call"); got != ActionReadEvents {
			t.Errorf("unexpected handler: %s", got)
		}
	})

	t.Run("send_event with ungranted type", func(t *testing.T) {
		response := fixture.widget.sendRequest(t, widgetID, ActionSendEvent,
			map[string]any{"type": "m.room.message", "content": map[string]any{}})
		if _, isError := ResponseError(response.Response); !isError {
			t.Fatal("expected permission-denied response")
		}
	})

	t.Run("send_event with granted type", func(t *testing.T) {
		response := fixture.widget.sendRequest(t, widgetID, ActionSendEvent,
			map[string]any{"type": "m.reaction", "content": map[string]any{}})
		if message, isError := ResponseError(response.Response); isError {
			t.Fatalf("unexpected denial: %s", message)
		}
		testutil.RequireReceive(t, handled, 5*time.Second, "handler call")
	})

	t.Run("send_event state with granted key", func(t *testing.T) {
		stateKey := "@alice:example.org_ALICEDEV"
		response := fixture.widget.sendRequest(t, widgetID, ActionSendEvent,
			map[string]any{
				"type":      CallMemberEventType.String(),
				"state_key": stateKey,
				"content":   map[string]any{},
			})
		if message, isError := ResponseError(response.Response); isError {
			t.Fatalf("unexpected denial: %s", message)
		}
		testutil.RequireReceive(t, handled, 5*time.Second, "handler call")
	})

	t.Run("send_event state with foreign key", func(t *testing.T) {
		response := fixture.widget.sendRequest(t, widgetID, ActionSendEvent,
			map[string]any{
				"type":      CallMemberEventType.String(),
				"state_key": "@mallory:example.org",
				"content":   map[string]any{},
			})
		if _, isError := ResponseError(response.Response); !isError {
			t.Fatal("expected permission-denied response")
		}
	})

	t.Run("send_to_device enforcement", func(t *testing.T) {
		denied := fixture.widget.sendRequest(t, widgetID, ActionSendToDevice,
			map[string]any{"type": "m.room_key", "messages": map[string]any{}})
		if _, isError := ResponseError(denied.Response); !isError {
			t.Fatal("expected permission-denied response")
		}

		granted := fixture.widget.sendRequest(t, widgetID, ActionSendToDevice,
			map[string]any{"type": "m.call.invite", "messages": map[string]any{}})
		if message, isError := ResponseError(granted.Response); isError {
			t.Fatalf("unexpected denial: %s", message)
		}
		testutil.RequireReceive(t, handled, 5*time.Second, "handler call")
	})
}

func TestChannelRejectsMalformedEnvelopes(t *testing.T) {
	fixture := newChannelFixture(t, nil)

	t.Run("wrong widget ID", func(t *testing.T) {
		response := fixture.widget.sendRequest(t,
			ref.MustParseWidgetID("imposter"), ActionContentLoaded, map[string]any{})
		message, isError := ResponseError(response.Response)
		if !isError {
			t.Fatal("expected error response")
		}
		if !strings.Contains(message, "widgetId") {
			t.Errorf("error does not name the offending field: %s", message)
		}
	})

	t.Run("missing action", func(t *testing.T) {
		envelope := &Envelope{
			API:       APIFromWidget,
			RequestID: newRequestID(),
			WidgetID:  fixture.channel.Descriptor().WidgetID(),
		}
		if err := fixture.widget.transport.Send(context.Background(), envelope); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		response := testutil.RequireReceive(t, fixture.widget.responses, 5*time.Second, "error response")
		message, isError := ResponseError(response.Response)
		if !isError {
			t.Fatal("expected error response")
		}
		if !strings.Contains(message, "action") {
			t.Errorf("error does not name the offending field: %s", message)
		}
	})
}

// waitForCondition polls until the condition holds or the deadline
// passes.
func waitForCondition(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
