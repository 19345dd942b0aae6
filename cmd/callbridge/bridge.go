// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/callbridge/call"
	"github.com/bureau-foundation/callbridge/lib/config"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/messaging"
	"github.com/bureau-foundation/callbridge/widget"
)

var encryptedEventType = ref.MustParseEventType("m.room.encrypted")

// defaultReadLimit caps read_events responses when the widget sends no
// limit of its own.
const defaultReadLimit = 25

// Bridge wires the Matrix session, the sync loop, the per-frame widget
// channels, and the call session together. One Bridge runs per daemon
// process.
type Bridge struct {
	cfg      *config.Config
	logger   *slog.Logger
	session  messaging.Session
	syncLoop *messaging.SyncLoop
	call     *call.Session

	upgrader websocket.Upgrader

	// runCtx is the daemon lifetime context, set by Run. Event
	// delivery from the sync loop uses it so in-flight forwards are
	// abandoned on shutdown.
	runCtx context.Context

	mu     sync.Mutex
	frames map[call.Frame]*frameConn
}

// frameConn is one live widget connection occupying a frame slot.
type frameConn struct {
	channel *widget.Channel
	gate    *widget.Gate
	cancel  context.CancelFunc
}

// newBridge resolves the daemon's Matrix identity from the configured
// access token and assembles the (not yet running) component graph.
func newBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	whoami, err := client.WhoAmI(ctx, cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	deviceID := whoami.DeviceID
	if cfg.Matrix.DeviceID != "" {
		deviceID, err = ref.ParseDeviceID(cfg.Matrix.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("matrix.device_id: %w", err)
		}
	}
	session, err := client.SessionFromToken(whoami.UserID, deviceID, cfg.Matrix.AccessToken)
	if err != nil {
		return nil, err
	}
	logger.Info("matrix session established",
		"user_id", whoami.UserID, "device_id", deviceID)

	bridge := &Bridge{
		cfg:     cfg,
		logger:  logger,
		session: session,
		call:    call.NewSession(call.SessionConfig{Logger: logger}),
		frames:  map[call.Frame]*frameConn{},
	}
	bridge.syncLoop, err = messaging.NewSyncLoop(messaging.SyncLoopConfig{
		Session:    session,
		OnEvent:    bridge.onTimelineEvent,
		OnToDevice: bridge.onToDeviceEvent,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return bridge, nil
}

// CallSession exposes the host surface for the dashboard.
func (b *Bridge) CallSession() *call.Session { return b.call }

// Run serves the frame endpoints and drives the sync loop until the
// context is cancelled or either of them fails.
func (b *Bridge) Run(ctx context.Context) error {
	b.runCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/widget/primary", b.serveFrame(call.FramePrimary))
	mux.HandleFunc("/widget/backup", b.serveFrame(call.FrameBackup))

	server := &http.Server{
		Addr:    b.cfg.Listen,
		Handler: mux,
	}

	failures := make(chan error, 2)
	go func() {
		b.logger.Info("listening", "address", b.cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			failures <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := b.syncLoop.Run(ctx); err != nil && ctx.Err() == nil {
			failures <- fmt.Errorf("sync loop: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-failures:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn("http shutdown", "error", err)
	}
	b.stopAllFrames()
	return runErr
}

// serveFrame upgrades a frame connection and runs its widget channel
// until the peer disconnects. The target room comes from the ?room
// query parameter; each frame endpoint holds at most one connection,
// and a new one displaces its predecessor.
func (b *Bridge) serveFrame(frame call.Frame) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		roomID, err := ref.ParseRoomID(request.URL.Query().Get("room"))
		if err != nil {
			http.Error(writer, fmt.Sprintf("invalid room parameter: %v", err), http.StatusBadRequest)
			return
		}

		conn, err := b.upgrader.Upgrade(writer, request, nil)
		if err != nil {
			b.logger.Warn("websocket upgrade failed",
				"frame", frame, "error", err)
			return
		}

		if err := b.runFrame(frame, roomID, conn); err != nil {
			b.logger.Warn("frame connection ended with error",
				"frame", frame, "room", roomID, "error", err)
		}
	}
}

// runFrame builds the descriptor, channel, and gate for one widget
// connection, attaches it to the call session, and blocks until the
// connection dies.
func (b *Bridge) runFrame(frame call.Frame, roomID ref.RoomID, conn *websocket.Conn) error {
	descriptor, err := widget.NewDescriptor(widget.DescriptorConfig{
		UserID:             b.session.UserID(),
		DeviceID:           b.session.DeviceID(),
		RoomID:             roomID,
		BaseURL:            b.cfg.Widget.BaseURL,
		SkipLobby:          b.cfg.Widget.SkipLobby,
		ReturnToLobby:      b.cfg.Widget.ReturnToLobby,
		PerParticipantE2EE: b.cfg.Widget.PerParticipantE2EE,
	})
	if err != nil {
		conn.Close()
		return err
	}

	transport := widget.NewWebsocketTransport(conn, b.logger)
	channel, err := widget.NewChannel(widget.ChannelConfig{
		Descriptor: descriptor,
		Transport:  transport,
		AllowList: widget.Capabilities(widget.CapabilityParams{
			UserID:   b.session.UserID(),
			DeviceID: b.session.DeviceID(),
			RoomID:   roomID,
			Logger:   b.logger,
		}),
		SendTimeout: b.cfg.SendTimeout(),
		Logger:      b.logger,
		OnLifecycle: func(state widget.LifecycleState) {
			b.logger.Info("widget lifecycle",
				"frame", frame, "room", roomID, "state", state)
		},
	})
	if err != nil {
		transport.Close()
		return err
	}
	b.registerHandlers(channel, frame)

	frameCtx, cancel := context.WithCancel(b.runCtx)
	defer cancel()

	if err := channel.Start(frameCtx); err != nil {
		channel.Stop()
		return fmt.Errorf("widget handshake: %w", err)
	}

	gate, err := widget.NewGate(widget.GateConfig{
		Source:  b.syncLoop,
		Sender:  channel,
		Allowed: widget.NewCapabilitySet(channel.ApprovedCapabilities()),
		Logger:  b.logger,
	})
	if err != nil {
		channel.Stop()
		return err
	}
	gate.SeedMarkers(b.syncLoop.JoinedRoomIDs())

	b.attachFrame(frame, &frameConn{channel: channel, gate: gate, cancel: cancel})
	b.call.AttachViewed(channel, frame, roomID)

	if channel.HasApproved(widget.CapabilityTURNServers) {
		refresher, err := widget.NewTURNRefresher(widget.TURNRefresherConfig{
			Source: turnSource{session: b.session},
			Sender: channel,
			Logger: b.logger,
		})
		if err != nil {
			b.logger.Warn("turn refresher not started", "error", err)
		} else {
			go refresher.Run(frameCtx)
		}
	}

	select {
	case <-transport.Done():
	case <-frameCtx.Done():
	}
	b.detachFrame(frame, channel)
	b.call.Detach(channel)
	channel.Stop()
	return nil
}

func (b *Bridge) attachFrame(frame call.Frame, conn *frameConn) {
	b.mu.Lock()
	previous := b.frames[frame]
	b.frames[frame] = conn
	b.mu.Unlock()
	if previous != nil {
		previous.cancel()
	}
}

// detachFrame removes the frame registration, but only if it still
// points at this channel — a replacement connection may already own
// the slot.
func (b *Bridge) detachFrame(frame call.Frame, channel *widget.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current := b.frames[frame]; current != nil && current.channel == channel {
		delete(b.frames, frame)
	}
}

func (b *Bridge) stopAllFrames() {
	b.mu.Lock()
	conns := make([]*frameConn, 0, len(b.frames))
	for _, conn := range b.frames {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		conn.cancel()
	}
}

func (b *Bridge) gates() []*widget.Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	gates := make([]*widget.Gate, 0, len(b.frames))
	for _, conn := range b.frames {
		gates = append(gates, conn.gate)
	}
	return gates
}

// onTimelineEvent fans a synced room event out to every connected
// frame's forwarding gate.
func (b *Bridge) onTimelineEvent(event messaging.Event) {
	converted := timelineEvent(event)
	for _, gate := range b.gates() {
		gate.HandleTimelineEvent(b.runCtx, converted)
	}
}

func (b *Bridge) onToDeviceEvent(event messaging.Event) {
	converted := timelineEvent(event)
	for _, gate := range b.gates() {
		gate.HandleToDeviceEvent(b.runCtx, converted)
	}
}

// timelineEvent converts a synced Matrix event into the gate's view of
// it: relation metadata extracted, encryption flagged.
func timelineEvent(event messaging.Event) widget.TimelineEvent {
	converted := widget.TimelineEvent{
		RoomID:         event.RoomID,
		EventID:        event.EventID,
		Type:           event.Type,
		Sender:         event.Sender,
		StateKey:       event.StateKey,
		Content:        event.Content,
		OriginServerTS: event.OriginServerTS,
		IsReply:        event.IsReply(),
		Encrypted:      event.Type == encryptedEventType,
	}
	if parent, _, ok := event.RelatesTo(); ok {
		converted.RelatesToParent = parent
	}
	return converted
}

// turnSource adapts the Matrix voip endpoint to the TURN refresher.
type turnSource struct {
	session messaging.Session
}

func (s turnSource) TURNCredentials(ctx context.Context) (widget.TURNCredentials, error) {
	response, err := s.session.TURNCredentials(ctx)
	if err != nil {
		return widget.TURNCredentials{}, err
	}
	return widget.TURNCredentials{
		Username: response.Username,
		Password: response.Password,
		URIs:     response.URIs,
		TTL:      time.Duration(response.TTL) * time.Second,
	}, nil
}

type sendEventRequest struct {
	Type     string          `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	Content  json.RawMessage `json:"content"`
}

type readEventsRequest struct {
	Type     string  `json:"type"`
	StateKey *string `json:"state_key,omitempty"`
	RoomID   string  `json:"room_id,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

type sendToDeviceRequest struct {
	Type     string                               `json:"type"`
	Messages map[string]map[string]map[string]any `json:"messages"`
}

// registerHandlers binds the widget's fromWidget actions to the call
// session and the Matrix session. Capability enforcement for
// send_event, read_events, and send_to_device happens in the channel
// before these run.
func (b *Bridge) registerHandlers(channel *widget.Channel, frame call.Frame) {
	roomID := channel.Descriptor().RoomID()

	channel.RegisterHandler(widget.ActionContentLoaded, func(ctx context.Context, data json.RawMessage) (any, error) {
		b.logger.Info("widget content loaded", "frame", frame, "room", roomID)
		return nil, nil
	})

	channel.RegisterHandler(widget.ActionJoin, func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, b.call.HandleJoin(ctx, channel)
	})

	channel.RegisterHandler(widget.ActionHangup, func(ctx context.Context, data json.RawMessage) (any, error) {
		b.call.HandleHangup(channel)
		return nil, nil
	})

	channel.RegisterHandler(widget.ActionDeviceMute, func(ctx context.Context, data json.RawMessage) (any, error) {
		var update call.MediaUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return nil, fmt.Errorf("device_mute payload: %w", err)
		}
		b.call.HandleMediaUpdate(update)
		return map[string]any{
			"audio_enabled": b.call.IsAudioEnabled(),
			"video_enabled": b.call.IsVideoEnabled(),
		}, nil
	})

	channel.RegisterHandler(widget.ActionSetAlwaysOnScreen, func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, b.call.HandleAlwaysOnScreen(channel)
	})

	channel.RegisterHandler(widget.ActionTileLayout, func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, nil
	})

	channel.RegisterHandler(widget.ActionClose, func(ctx context.Context, data json.RawMessage) (any, error) {
		// Detach after the acknowledgement has gone out; the widget
		// closes its side of the socket next.
		go b.call.Detach(channel)
		return nil, nil
	})

	channel.RegisterHandler(widget.ActionSendEvent, func(ctx context.Context, data json.RawMessage) (any, error) {
		return b.handleSendEvent(ctx, roomID, data)
	})

	channel.RegisterHandler(widget.ActionReadEvents, func(ctx context.Context, data json.RawMessage) (any, error) {
		return b.handleReadEvents(ctx, roomID, data)
	})

	channel.RegisterHandler(widget.ActionSendToDevice, func(ctx context.Context, data json.RawMessage) (any, error) {
		return b.handleSendToDevice(ctx, data)
	})
}

func (b *Bridge) handleSendEvent(ctx context.Context, defaultRoom ref.RoomID, data json.RawMessage) (any, error) {
	var request sendEventRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("send_event payload: %w", err)
	}
	eventType, err := ref.ParseEventType(request.Type)
	if err != nil {
		return nil, fmt.Errorf("send_event type: %w", err)
	}
	roomID := defaultRoom
	if request.RoomID != "" {
		roomID, err = ref.ParseRoomID(request.RoomID)
		if err != nil {
			return nil, fmt.Errorf("send_event room_id: %w", err)
		}
	}

	var eventID ref.EventID
	if request.StateKey != nil {
		eventID, err = b.session.SendStateEvent(ctx, roomID, eventType, *request.StateKey, request.Content)
	} else {
		eventID, err = b.session.SendEvent(ctx, roomID, eventType, request.Content)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"room_id":  roomID,
		"event_id": eventID,
	}, nil
}

func (b *Bridge) handleReadEvents(ctx context.Context, defaultRoom ref.RoomID, data json.RawMessage) (any, error) {
	var request readEventsRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("read_events payload: %w", err)
	}
	eventType, err := ref.ParseEventType(request.Type)
	if err != nil {
		return nil, fmt.Errorf("read_events type: %w", err)
	}
	roomID := defaultRoom
	if request.RoomID != "" {
		roomID, err = ref.ParseRoomID(request.RoomID)
		if err != nil {
			return nil, fmt.Errorf("read_events room_id: %w", err)
		}
	}
	limit := request.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	var events []messaging.Event
	if request.StateKey != nil {
		state, err := b.session.GetRoomState(ctx, roomID)
		if err != nil {
			return nil, err
		}
		for _, event := range state {
			if event.Type != eventType {
				continue
			}
			// "*" requests every state key of the type.
			if *request.StateKey != "*" && (event.StateKey == nil || *event.StateKey != *request.StateKey) {
				continue
			}
			events = append(events, event)
			if len(events) >= limit {
				break
			}
		}
	} else {
		response, err := b.session.RoomMessages(ctx, roomID, messaging.RoomMessagesOptions{
			Direction: "b",
			Limit:     limit,
		})
		if err != nil {
			return nil, err
		}
		for _, event := range response.Chunk {
			if event.Type != eventType {
				continue
			}
			events = append(events, event)
			if len(events) >= limit {
				break
			}
		}
	}
	if events == nil {
		events = []messaging.Event{}
	}
	return map[string]any{"events": events}, nil
}

func (b *Bridge) handleSendToDevice(ctx context.Context, data json.RawMessage) (any, error) {
	var request sendToDeviceRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("send_to_device payload: %w", err)
	}
	eventType, err := ref.ParseEventType(request.Type)
	if err != nil {
		return nil, fmt.Errorf("send_to_device type: %w", err)
	}
	messages := make(messaging.ToDeviceMessages, len(request.Messages))
	for rawUser, devices := range request.Messages {
		userID, err := ref.ParseUserID(rawUser)
		if err != nil {
			return nil, fmt.Errorf("send_to_device recipient %q: %w", rawUser, err)
		}
		messages[userID] = devices
	}
	if err := b.session.SendToDevice(ctx, eventType, messages); err != nil {
		return nil, err
	}
	return nil, nil
}
