// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/widget"
)

// Frame identifies one of the two physical widget frames. Both frames
// stay mounted at all times; the session decides which one hosts the
// active call and which one previews the viewed room.
type Frame int

const (
	FramePrimary Frame = iota
	FrameBackup
)

func (f Frame) String() string {
	if f == FramePrimary {
		return "primary"
	}
	return "backup"
}

// Other returns the opposite frame.
func (f Frame) Other() Frame {
	if f == FramePrimary {
		return FrameBackup
	}
	return FramePrimary
}

// State is the coarse lifecycle of the session.
type State int

const (
	// StateIdle means no room is viewed and no call is active.
	StateIdle State = iota
	// StateViewing means a room is visible but its call is not joined.
	StateViewing
	// StateActive means a call is joined and media is flowing.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateViewing:
		return "viewing"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is the slice of a widget channel the session drives. A
// *widget.Channel satisfies Send directly; the binding's room and
// frame are supplied at attach time because the session, not the
// channel, decides where a channel is mounted.
type Channel interface {
	Send(ctx context.Context, action string, data any) (json.RawMessage, error)
}

// StaleBindingError reports a request routed through a channel that
// no longer matches the session's state: a join from a detached
// channel, a toggle with no active call, or a binding whose room
// drifted from the active room during a handoff.
type StaleBindingError struct {
	Reason string
}

func (e *StaleBindingError) Error() string {
	return fmt.Sprintf("call: stale channel binding: %s", e.Reason)
}

// IsStaleBinding reports whether err is a StaleBindingError.
func IsStaleBinding(err error) bool {
	var stale *StaleBindingError
	return errors.As(err, &stale)
}

// MediaUpdate carries a media-state notification from a widget. Only
// fields that are present apply; a nil field leaves the session's
// flag untouched.
type MediaUpdate struct {
	AudioEnabled *bool `json:"audio_enabled,omitempty"`
	VideoEnabled *bool `json:"video_enabled,omitempty"`
}

// Snapshot is an immutable copy of the observable session state,
// delivered to subscribers after every transition.
type Snapshot struct {
	State        State
	ActiveRoomID ref.RoomID
	ViewedRoomID ref.RoomID
	ActiveFrame  Frame
	CallActive   bool
	AudioEnabled bool
	VideoEnabled bool
	ChatOpen     bool
}

type binding struct {
	channel Channel
	frame   Frame
	roomID  ref.RoomID
}

// SessionConfig configures a Session. Only Logger is optional.
type SessionConfig struct {
	Logger *slog.Logger
}

// Session is the call-session state machine. All methods are safe for
// concurrent use. Channel sends happen outside the session lock;
// state that a send can invalidate is re-checked after the send
// returns.
type Session struct {
	logger *slog.Logger

	mu              sync.Mutex
	active          *binding
	viewed          *binding
	activeRoomID    ref.RoomID
	viewedRoomID    ref.RoomID
	activeFrame     Frame
	callActive      bool
	audioEnabled    bool
	videoEnabled    bool
	chatOpen        bool
	handoffInFlight bool
	subscribers     map[int]func(Snapshot)
	nextSubscriber  int
}

// NewSession returns an idle session. Audio defaults to enabled and
// video to disabled, matching the state a freshly joined call starts
// in.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:       logger,
		activeFrame:  FramePrimary,
		audioEnabled: true,
		subscribers:  map[int]func(Snapshot){},
	}
}

// Subscribe registers a callback invoked with a state snapshot after
// every transition. The returned function removes the subscription.
// Callbacks run outside the session lock, on the goroutine that
// caused the transition.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// ActiveCallRoomID returns the room whose call is (or was most
// recently) active. Zero when no call has been joined yet.
func (s *Session) ActiveCallRoomID() ref.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoomID
}

// ViewedRoomID returns the room currently shown to the user.
func (s *Session) ViewedRoomID() ref.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewedRoomID
}

// IsCallActive reports whether a call is currently joined.
func (s *Session) IsCallActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callActive
}

// ActiveFrame returns the frame hosting the active call. Meaningful
// only while IsCallActive reports true, but always returns the frame
// that would host the next promotion's predecessor.
func (s *Session) ActiveFrame() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFrame
}

// IsAudioEnabled reports the session's audio flag.
func (s *Session) IsAudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

// IsVideoEnabled reports the session's video flag.
func (s *Session) IsVideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

// IsChatOpen reports whether the chat pane is open.
func (s *Session) IsChatOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatOpen
}

// State returns the coarse lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.callActive:
		return StateActive
	case !s.viewedRoomID.IsZero():
		return StateViewing
	default:
		return StateIdle
	}
}

// SetChatOpen opens or closes the chat pane.
func (s *Session) SetChatOpen(open bool) {
	s.mu.Lock()
	if s.chatOpen == open {
		s.mu.Unlock()
		return
	}
	s.chatOpen = open
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// SetViewedRoom records the room the user navigated to. It never
// touches the active call or the media flags: viewing a different
// room while a call is up is exactly the picture-in-picture case.
func (s *Session) SetViewedRoom(roomID ref.RoomID) {
	s.mu.Lock()
	if s.viewedRoomID == roomID {
		s.mu.Unlock()
		return
	}
	s.viewedRoomID = roomID
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// AttachViewed binds a channel to the viewed slot. The channel was
// created for roomID and is mounted in frame; it replaces any
// previous viewed binding. The caller remains responsible for
// stopping a replaced channel.
func (s *Session) AttachViewed(channel Channel, frame Frame, roomID ref.RoomID) {
	s.mu.Lock()
	s.viewed = &binding{channel: channel, frame: frame, roomID: roomID}
	s.viewedRoomID = roomID
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// Detach removes a channel from whichever slot holds it. Detaching
// the active channel ends the call the same way a hangup does, except
// no hangup is sent: the channel is already gone.
func (s *Session) Detach(channel Channel) {
	s.mu.Lock()
	changed := false
	if s.viewed != nil && s.viewed.channel == channel {
		s.viewed = nil
		changed = true
	}
	if s.active != nil && s.active.channel == channel {
		s.endActiveLocked()
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// HandleJoin processes a join request from a widget channel.
//
// A join from the channel that already hosts the active call is a
// no-op acknowledgement. A join from the viewed channel promotes it:
// when no call is active the promotion is immediate; when a call is
// active in another room the session first sends a hangup to the
// active channel and promotes only after that hangup is acknowledged,
// so the two calls never overlap. A join during an in-flight handoff,
// or from a channel bound to neither slot, fails with a
// StaleBindingError.
func (s *Session) HandleJoin(ctx context.Context, from Channel) error {
	s.mu.Lock()
	if s.handoffInFlight {
		s.mu.Unlock()
		return &StaleBindingError{Reason: "handoff in flight"}
	}
	if s.active != nil && s.active.channel == from {
		s.mu.Unlock()
		return nil
	}
	if s.viewed == nil || s.viewed.channel != from {
		s.mu.Unlock()
		return &StaleBindingError{Reason: "join from a channel bound to neither slot"}
	}
	if !s.callActive {
		s.promoteLocked()
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snapshot)
		return nil
	}

	// Sequential handoff: hang up the active call and wait for the
	// acknowledgement before promoting the viewed channel.
	s.handoffInFlight = true
	outgoing := s.active
	s.mu.Unlock()

	_, sendErr := outgoing.channel.Send(ctx, widget.ActionHangup, map[string]any{})

	s.mu.Lock()
	s.handoffInFlight = false
	if sendErr != nil {
		s.mu.Unlock()
		return fmt.Errorf("call: handoff hangup not acknowledged: %w", sendErr)
	}
	if s.viewed == nil || s.viewed.channel != from {
		s.mu.Unlock()
		return &StaleBindingError{Reason: "viewed channel replaced during handoff"}
	}
	s.promoteLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
	return nil
}

// promoteLocked moves the viewed binding into the active slot. The
// media flags reset to their defaults only when the active room
// actually changes.
func (s *Session) promoteLocked() {
	promoted := s.viewed
	if s.activeRoomID != promoted.roomID {
		s.audioEnabled = true
		s.videoEnabled = false
	}
	s.active = promoted
	s.activeRoomID = promoted.roomID
	s.viewedRoomID = promoted.roomID
	s.activeFrame = promoted.frame
	s.viewed = nil
	s.callActive = true
	s.logger.Info("call promoted",
		"room", s.activeRoomID, "frame", s.activeFrame)
}

// endActiveLocked clears the active slot without sending anything.
// The viewed room snaps back to the room the call was in, so the user
// lands on the conversation they just left.
func (s *Session) endActiveLocked() {
	s.active = nil
	s.callActive = false
	s.viewedRoomID = s.activeRoomID
	s.audioEnabled = true
	s.videoEnabled = false
}

// HangUp ends the active call. The active channel, if any, is sent a
// hangup first; a failed send is logged but never blocks the state
// transition, since the user asked to leave regardless.
func (s *Session) HangUp(ctx context.Context) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}

	if _, err := active.channel.Send(ctx, widget.ActionHangup, map[string]any{}); err != nil {
		s.logger.Warn("hangup send failed",
			"room", active.roomID, "error", err)
	}

	s.mu.Lock()
	if s.active != active {
		// The call ended or was replaced while the hangup was in
		// flight; whatever replaced it owns the state now.
		s.mu.Unlock()
		return
	}
	s.endActiveLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// HandleHangup processes a hangup notification from a widget channel.
// Only the active channel can end the call; a hangup from the viewed
// channel means the user backed out of the lobby and is ignored.
func (s *Session) HandleHangup(from Channel) {
	s.mu.Lock()
	if s.active == nil || s.active.channel != from {
		s.mu.Unlock()
		return
	}
	s.endActiveLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// HandleMediaUpdate folds a widget's media notification into the
// session flags. Absent fields stay untouched.
func (s *Session) HandleMediaUpdate(update MediaUpdate) {
	s.mu.Lock()
	changed := false
	if update.AudioEnabled != nil && s.audioEnabled != *update.AudioEnabled {
		s.audioEnabled = *update.AudioEnabled
		changed = true
	}
	if update.VideoEnabled != nil && s.videoEnabled != *update.VideoEnabled {
		s.videoEnabled = *update.VideoEnabled
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)
}

// HandleAlwaysOnScreen arbitrates a set_always_on_screen request
// between the two frames: only the channel hosting the active call
// may pin itself on screen. The other frame's request fails with a
// StaleBindingError so its widget knows it lost the election.
func (s *Session) HandleAlwaysOnScreen(from Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callActive && s.active != nil && s.active.channel == from {
		return nil
	}
	return &StaleBindingError{Reason: "frame is not hosting the active call"}
}

// ToggleAudio flips the audio flag optimistically, pushes the
// combined mute state to the active widget, and rolls the flag back
// if the push fails.
func (s *Session) ToggleAudio(ctx context.Context) error {
	return s.toggleMedia(ctx, true, false)
}

// ToggleVideo flips the video flag optimistically, pushes the
// combined mute state to the active widget, and rolls the flag back
// if the push fails.
func (s *Session) ToggleVideo(ctx context.Context) error {
	return s.toggleMedia(ctx, false, true)
}

func (s *Session) toggleMedia(ctx context.Context, flipAudio, flipVideo bool) error {
	s.mu.Lock()
	active, err := s.activeBindingLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if flipAudio {
		s.audioEnabled = !s.audioEnabled
	}
	if flipVideo {
		s.videoEnabled = !s.videoEnabled
	}
	payload := map[string]any{
		"audio_enabled": s.audioEnabled,
		"video_enabled": s.videoEnabled,
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snapshot)

	if _, sendErr := active.channel.Send(ctx, widget.ActionDeviceMute, payload); sendErr != nil {
		s.mu.Lock()
		if flipAudio {
			s.audioEnabled = !s.audioEnabled
		}
		if flipVideo {
			s.videoEnabled = !s.videoEnabled
		}
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snapshot)
		return fmt.Errorf("call: device mute push failed: %w", sendErr)
	}
	return nil
}

// SendWidgetAction forwards an arbitrary action to the active widget,
// for host features that are not modelled as dedicated transitions.
func (s *Session) SendWidgetAction(ctx context.Context, action string, data any) (json.RawMessage, error) {
	s.mu.Lock()
	active, err := s.activeBindingLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return active.channel.Send(ctx, action, data)
}

// activeBindingLocked returns the active binding or a stale-binding
// error explaining why no send can proceed. The room check catches a
// binding that outlived a room switch.
func (s *Session) activeBindingLocked() (*binding, error) {
	if s.active == nil || !s.callActive {
		return nil, &StaleBindingError{Reason: "no active call"}
	}
	if s.active.roomID != s.activeRoomID {
		return nil, &StaleBindingError{Reason: "active channel bound to a different room"}
	}
	return s.active, nil
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:        s.stateLocked(),
		ActiveRoomID: s.activeRoomID,
		ViewedRoomID: s.viewedRoomID,
		ActiveFrame:  s.activeFrame,
		CallActive:   s.callActive,
		AudioEnabled: s.audioEnabled,
		VideoEnabled: s.videoEnabled,
		ChatOpen:     s.chatOpen,
	}
}

func (s *Session) notify(snapshot Snapshot) {
	s.mu.Lock()
	callbacks := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(snapshot)
	}
}
