// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/callbridge/call"
)

// snapshotMsg carries a call-session state change into the dashboard.
type snapshotMsg call.Snapshot

// actionResultMsg reports the outcome of a keyboard-triggered session
// mutation (toggle, hangup).
type actionResultMsg struct {
	action string
	err    error
}

// actionTimeout bounds widget round-trips triggered from the keyboard.
const actionTimeout = 15 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("246")).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
)

// dashboardModel renders the call-session state and maps keys onto the
// host surface. Session mutations run as commands so a slow widget
// round-trip never blocks the render loop.
type dashboardModel struct {
	session  *call.Session
	snapshot call.Snapshot
	status   string
	width    int
}

func newDashboardModel(session *call.Session) dashboardModel {
	return dashboardModel{
		session: session,
		snapshot: call.Snapshot{
			AudioEnabled: session.IsAudioEnabled(),
			VideoEnabled: session.IsVideoEnabled(),
		},
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return nil
}

func (m dashboardModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.width = message.Width
		return m, nil

	case snapshotMsg:
		m.snapshot = call.Snapshot(message)
		return m, nil

	case actionResultMsg:
		if message.err != nil {
			m.status = fmt.Sprintf("%s: %v", message.action, message.err)
		} else {
			m.status = ""
		}
		return m, nil

	case tea.KeyMsg:
		switch message.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			return m, m.sessionCmd("toggle audio", m.session.ToggleAudio)
		case "v":
			return m, m.sessionCmd("toggle video", m.session.ToggleVideo)
		case "h":
			return m, m.sessionCmd("hang up", func(ctx context.Context) error {
				m.session.HangUp(ctx)
				return nil
			})
		case "c":
			m.session.SetChatOpen(!m.session.IsChatOpen())
			return m, nil
		}
	}
	return m, nil
}

func (m dashboardModel) sessionCmd(name string, mutate func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionResultMsg{action: name, err: mutate(ctx)}
	}
}

func (m dashboardModel) View() string {
	snapshot := m.snapshot

	state := valueStyle.Render(snapshot.State.String())
	if snapshot.CallActive {
		state = activeStyle.Render(snapshot.State.String())
	}

	rows := []string{
		row("State", state),
		row("Active room", roomLabel(snapshot.ActiveRoomID.String())),
		row("Viewed room", roomLabel(snapshot.ViewedRoomID.String())),
		row("Active frame", valueStyle.Render(snapshot.ActiveFrame.String())),
		row("Audio", onOff(snapshot.AudioEnabled)),
		row("Video", onOff(snapshot.VideoEnabled)),
		row("Chat", onOff(snapshot.ChatOpen)),
	}

	body := lipgloss.JoinVertical(lipgloss.Left, rows...)
	panel := panelStyle.Render(body)

	sections := []string{
		titleStyle.Render("callbridge"),
		panel,
	}
	if m.status != "" {
		sections = append(sections, errorStyle.Render(m.status))
	}
	sections = append(sections,
		helpStyle.Render("a audio · v video · c chat · h hang up · q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func roomLabel(roomID string) string {
	if roomID == "" {
		return mutedStyle.Render("(none)")
	}
	return valueStyle.Render(roomID)
}

func onOff(enabled bool) string {
	if enabled {
		return activeStyle.Render("on")
	}
	return mutedStyle.Render("off")
}
