// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/widget"
)

var (
	roomA = ref.MustParseRoomID("!alpha:example.org")
	roomB = ref.MustParseRoomID("!beta:example.org")
)

type sentAction struct {
	action string
	data   map[string]any
}

// fakeChannel records sends in a log shared across channels so tests
// can assert cross-channel ordering.
type fakeChannel struct {
	mu     sync.Mutex
	name   string
	log    *actionLog
	sent   []sentAction
	fail   bool
	onSend func(action string)
}

func (f *fakeChannel) Send(_ context.Context, action string, data any) (json.RawMessage, error) {
	f.mu.Lock()
	hook := f.onSend
	fail := f.fail
	record := sentAction{action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if err := json.Unmarshal(raw, &record.data); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.sent = append(f.sent, record)
	f.mu.Unlock()

	if f.log != nil {
		f.log.add(f.name + ":" + action)
	}
	if hook != nil {
		hook(action)
	}
	if fail {
		return nil, errors.New("channel send failed")
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeChannel) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, len(f.sent))
	for i, record := range f.sent {
		actions[i] = record.action
	}
	return actions
}

func (f *fakeChannel) lastData() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1].data
}

type actionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *actionLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *actionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// joinRoom attaches the channel as the viewed binding and joins its
// call, failing the test if the join does not succeed.
func joinRoom(t *testing.T, session *Session, channel Channel, frame Frame, roomID ref.RoomID) {
	t.Helper()
	session.AttachViewed(channel, frame, roomID)
	if err := session.HandleJoin(context.Background(), channel); err != nil {
		t.Fatalf("join failed: %v", err)
	}
}

func TestSessionJoinFromViewed(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}

	if session.State() != StateIdle {
		t.Errorf("fresh session state = %s, want idle", session.State())
	}

	joinRoom(t, session, primary, FramePrimary, roomA)

	if !session.IsCallActive() {
		t.Error("call not active after join")
	}
	if session.ActiveCallRoomID() != roomA {
		t.Errorf("active room = %s, want %s", session.ActiveCallRoomID(), roomA)
	}
	if session.ViewedRoomID() != roomA {
		t.Errorf("viewed room = %s, want %s", session.ViewedRoomID(), roomA)
	}
	if session.ActiveFrame() != FramePrimary {
		t.Errorf("active frame = %s, want primary", session.ActiveFrame())
	}
	if session.State() != StateActive {
		t.Errorf("state = %s, want active", session.State())
	}
	if !session.IsAudioEnabled() || session.IsVideoEnabled() {
		t.Error("media flags not at defaults after join")
	}

	// A repeat join from the active channel is acknowledged without
	// any state change or outbound traffic.
	if err := session.HandleJoin(context.Background(), primary); err != nil {
		t.Fatalf("repeat join failed: %v", err)
	}
	if len(primary.actions()) != 0 {
		t.Errorf("join produced sends: %v", primary.actions())
	}
}

func TestSessionJoinFromUnboundChannel(t *testing.T) {
	session := NewSession(SessionConfig{})
	stranger := &fakeChannel{name: "stranger"}

	err := session.HandleJoin(context.Background(), stranger)
	if !IsStaleBinding(err) {
		t.Fatalf("expected stale binding error, got %v", err)
	}
}

func TestSessionHandoffOrdering(t *testing.T) {
	session := NewSession(SessionConfig{})
	log := &actionLog{}
	backup := &fakeChannel{name: "backup", log: log}
	primary := &fakeChannel{name: "primary", log: log}

	joinRoom(t, session, primary, FramePrimary, roomA)

	// Dirty the media flags so the room switch provably resets them.
	video := true
	session.HandleMediaUpdate(MediaUpdate{VideoEnabled: &video})

	// While the outgoing hangup is in flight the old call must still
	// be the active one.
	primary.onSend = func(action string) {
		if action != widget.ActionHangup {
			return
		}
		if session.ActiveCallRoomID() != roomA {
			t.Errorf("promoted before hangup acknowledged: active room %s", session.ActiveCallRoomID())
		}
		if !session.IsCallActive() {
			t.Error("call inactive during handoff")
		}
	}

	session.AttachViewed(backup, FrameBackup, roomB)
	if err := session.HandleJoin(context.Background(), backup); err != nil {
		t.Fatalf("handoff join failed: %v", err)
	}

	entries := log.list()
	if len(entries) != 1 || entries[0] != "primary:"+widget.ActionHangup {
		t.Errorf("unexpected send log: %v", entries)
	}
	if session.ActiveCallRoomID() != roomB {
		t.Errorf("active room = %s, want %s", session.ActiveCallRoomID(), roomB)
	}
	if session.ActiveFrame() != FrameBackup {
		t.Errorf("active frame = %s, want backup", session.ActiveFrame())
	}
	if session.ViewedRoomID() != roomB {
		t.Errorf("viewed room = %s, want %s", session.ViewedRoomID(), roomB)
	}
	if !session.IsAudioEnabled() || session.IsVideoEnabled() {
		t.Error("media flags not reset by the room switch")
	}
}

func TestSessionHandoffHangupFailure(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	backup := &fakeChannel{name: "backup"}

	joinRoom(t, session, primary, FramePrimary, roomA)
	primary.mu.Lock()
	primary.fail = true
	primary.mu.Unlock()

	session.AttachViewed(backup, FrameBackup, roomB)
	err := session.HandleJoin(context.Background(), backup)
	if err == nil {
		t.Fatal("handoff succeeded despite unacknowledged hangup")
	}
	if IsStaleBinding(err) {
		t.Fatalf("send failure misreported as stale binding: %v", err)
	}

	// The old call survives an aborted handoff.
	if session.ActiveCallRoomID() != roomA || !session.IsCallActive() {
		t.Errorf("active call disturbed: room %s active %t",
			session.ActiveCallRoomID(), session.IsCallActive())
	}
}

func TestSessionJoinDuringHandoff(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	backup := &fakeChannel{name: "backup"}

	joinRoom(t, session, primary, FramePrimary, roomA)

	var nestedErr error
	primary.onSend = func(action string) {
		if action == widget.ActionHangup {
			nestedErr = session.HandleJoin(context.Background(), backup)
		}
	}

	session.AttachViewed(backup, FrameBackup, roomB)
	if err := session.HandleJoin(context.Background(), backup); err != nil {
		t.Fatalf("handoff join failed: %v", err)
	}
	if !IsStaleBinding(nestedErr) {
		t.Errorf("join during handoff returned %v, want stale binding", nestedErr)
	}
}

func TestSessionHangUp(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}

	joinRoom(t, session, primary, FramePrimary, roomA)
	video := true
	audio := false
	session.HandleMediaUpdate(MediaUpdate{AudioEnabled: &audio, VideoEnabled: &video})

	session.HangUp(context.Background())

	if actions := primary.actions(); len(actions) != 1 || actions[0] != widget.ActionHangup {
		t.Errorf("unexpected sends: %v", actions)
	}
	if session.IsCallActive() {
		t.Error("call still active after hangup")
	}
	if session.ViewedRoomID() != session.ActiveCallRoomID() {
		t.Errorf("viewed %s != active %s after hangup",
			session.ViewedRoomID(), session.ActiveCallRoomID())
	}
	if !session.IsAudioEnabled() || session.IsVideoEnabled() {
		t.Error("media flags not reset by hangup")
	}

	// Hangup with no active call is a no-op.
	session.HangUp(context.Background())
	if len(primary.actions()) != 1 {
		t.Errorf("idle hangup produced sends: %v", primary.actions())
	}
}

func TestSessionHangUpSendFailure(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}

	joinRoom(t, session, primary, FramePrimary, roomA)
	primary.mu.Lock()
	primary.fail = true
	primary.mu.Unlock()

	// The user asked to leave; a widget that cannot acknowledge the
	// hangup does not keep the call alive.
	session.HangUp(context.Background())
	if session.IsCallActive() {
		t.Error("failed hangup send left the call active")
	}
}

func TestSessionHandleHangupFromChannel(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	backup := &fakeChannel{name: "backup"}

	joinRoom(t, session, primary, FramePrimary, roomA)
	session.AttachViewed(backup, FrameBackup, roomB)

	// A hangup from the viewed channel means the user backed out of
	// the lobby; the active call is unaffected.
	session.HandleHangup(backup)
	if !session.IsCallActive() {
		t.Error("viewed channel hangup ended the active call")
	}

	session.HandleHangup(primary)
	if session.IsCallActive() {
		t.Error("active channel hangup ignored")
	}
	// Nothing is echoed back to the widget that hung up.
	if len(primary.actions()) != 0 {
		t.Errorf("unexpected sends: %v", primary.actions())
	}
}

func TestSessionToggleRollback(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}

	joinRoom(t, session, primary, FramePrimary, roomA)

	// Successful toggle: flag flips and the combined state is pushed.
	if err := session.ToggleVideo(context.Background()); err != nil {
		t.Fatalf("ToggleVideo failed: %v", err)
	}
	if !session.IsVideoEnabled() {
		t.Error("video flag not flipped")
	}
	data := primary.lastData()
	if data["audio_enabled"] != true || data["video_enabled"] != true {
		t.Errorf("unexpected mute payload: %v", data)
	}

	// Failed push: the optimistic flip is rolled back.
	primary.mu.Lock()
	primary.fail = true
	primary.mu.Unlock()
	if err := session.ToggleAudio(context.Background()); err == nil {
		t.Fatal("ToggleAudio succeeded despite send failure")
	}
	if !session.IsAudioEnabled() {
		t.Error("audio flag not rolled back after send failure")
	}
	if !session.IsVideoEnabled() {
		t.Error("video flag disturbed by audio rollback")
	}
}

func TestSessionToggleWithoutActiveCall(t *testing.T) {
	session := NewSession(SessionConfig{})
	if err := session.ToggleAudio(context.Background()); !IsStaleBinding(err) {
		t.Errorf("ToggleAudio returned %v, want stale binding", err)
	}
	if err := session.ToggleVideo(context.Background()); !IsStaleBinding(err) {
		t.Errorf("ToggleVideo returned %v, want stale binding", err)
	}
}

func TestSessionAlwaysOnScreenArbitration(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	backup := &fakeChannel{name: "backup"}

	joinRoom(t, session, primary, FramePrimary, roomA)
	session.AttachViewed(backup, FrameBackup, roomB)

	if err := session.HandleAlwaysOnScreen(primary); err != nil {
		t.Errorf("active frame request rejected: %v", err)
	}
	if err := session.HandleAlwaysOnScreen(backup); !IsStaleBinding(err) {
		t.Errorf("inactive frame request returned %v, want stale binding", err)
	}

	// After the handoff the roles swap.
	if err := session.HandleJoin(context.Background(), backup); err != nil {
		t.Fatalf("handoff join failed: %v", err)
	}
	if err := session.HandleAlwaysOnScreen(backup); err != nil {
		t.Errorf("new active frame request rejected: %v", err)
	}
	if err := session.HandleAlwaysOnScreen(primary); !IsStaleBinding(err) {
		t.Errorf("old active frame request returned %v, want stale binding", err)
	}
}

func TestSessionMediaUpdatePartialFields(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	joinRoom(t, session, primary, FramePrimary, roomA)

	video := true
	session.HandleMediaUpdate(MediaUpdate{VideoEnabled: &video})
	if !session.IsAudioEnabled() {
		t.Error("absent audio field changed the audio flag")
	}
	if !session.IsVideoEnabled() {
		t.Error("video flag not applied")
	}

	audio := false
	session.HandleMediaUpdate(MediaUpdate{AudioEnabled: &audio})
	if session.IsAudioEnabled() {
		t.Error("audio flag not applied")
	}
	if !session.IsVideoEnabled() {
		t.Error("absent video field changed the video flag")
	}
}

func TestSessionSetViewedRoomKeepsCall(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	joinRoom(t, session, primary, FramePrimary, roomA)

	video := true
	session.HandleMediaUpdate(MediaUpdate{VideoEnabled: &video})

	// Navigating away is the picture-in-picture case: the call and
	// its media flags are untouched.
	session.SetViewedRoom(roomB)
	if session.ViewedRoomID() != roomB {
		t.Errorf("viewed room = %s, want %s", session.ViewedRoomID(), roomB)
	}
	if session.ActiveCallRoomID() != roomA || !session.IsCallActive() {
		t.Error("navigation disturbed the active call")
	}
	if !session.IsVideoEnabled() {
		t.Error("navigation reset the media flags")
	}
}

func TestSessionDetach(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}
	backup := &fakeChannel{name: "backup"}

	joinRoom(t, session, primary, FramePrimary, roomA)
	session.AttachViewed(backup, FrameBackup, roomB)

	// Detaching the viewed channel only clears that slot.
	session.Detach(backup)
	if !session.IsCallActive() {
		t.Error("viewed detach ended the call")
	}
	if err := session.HandleJoin(context.Background(), backup); !IsStaleBinding(err) {
		t.Errorf("join after detach returned %v, want stale binding", err)
	}

	// Detaching the active channel ends the call without a send.
	session.Detach(primary)
	if session.IsCallActive() {
		t.Error("active detach left the call active")
	}
	if len(primary.actions()) != 0 {
		t.Errorf("detach produced sends: %v", primary.actions())
	}
	if session.ViewedRoomID() != session.ActiveCallRoomID() {
		t.Error("viewed room not snapped back after active detach")
	}
}

func TestSessionSendWidgetAction(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}

	if _, err := session.SendWidgetAction(context.Background(), widget.ActionTileLayout, nil); !IsStaleBinding(err) {
		t.Errorf("idle send returned %v, want stale binding", err)
	}

	joinRoom(t, session, primary, FramePrimary, roomA)
	if _, err := session.SendWidgetAction(context.Background(), widget.ActionTileLayout, map[string]any{"layout": "spotlight"}); err != nil {
		t.Fatalf("SendWidgetAction failed: %v", err)
	}
	if actions := primary.actions(); len(actions) != 1 || actions[0] != widget.ActionTileLayout {
		t.Errorf("unexpected sends: %v", actions)
	}
}

func TestSessionSubscribe(t *testing.T) {
	session := NewSession(SessionConfig{})
	primary := &fakeChannel{name: "primary"}

	var mu sync.Mutex
	var snapshots []Snapshot
	unsubscribe := session.Subscribe(func(snapshot Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, snapshot)
	})

	joinRoom(t, session, primary, FramePrimary, roomA)
	session.SetChatOpen(true)

	mu.Lock()
	count := len(snapshots)
	last := snapshots[count-1]
	mu.Unlock()
	if count == 0 {
		t.Fatal("no snapshots delivered")
	}
	if !last.ChatOpen || !last.CallActive || last.ActiveRoomID != roomA {
		t.Errorf("unexpected final snapshot: %+v", last)
	}

	unsubscribe()
	session.SetChatOpen(false)
	mu.Lock()
	after := len(snapshots)
	mu.Unlock()
	if after != count {
		t.Error("snapshot delivered after unsubscribe")
	}
}
