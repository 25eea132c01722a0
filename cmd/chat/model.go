// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jobdeck/chat/client"
	"github.com/jobdeck/chat/wire"
)

// FocusRegion identifies which pane has keyboard focus.
type FocusRegion int

const (
	// FocusRooms means navigation keys move the room list cursor.
	FocusRooms FocusRegion = iota
	// FocusInput means keystrokes go to the message input.
	FocusInput
)

// typingThrottle is the minimum interval between typing signals sent
// while the user keeps typing. Must be below the server-side typing
// TTL or the indicator flickers on the other end.
const typingThrottle = 2 * time.Second

// Client event messages, forwarded from the client's handlers into the
// bubbletea loop.
type (
	statusMsg struct {
		status client.Status
		err    error
	}
	roomListMsg    struct{ rooms []wire.Room }
	roomUpdatedMsg struct{ roomID string }
	typingMsg      struct {
		roomID string
		names  []string
	}
	unreadMsg      struct{ total int }
	serverErrorMsg struct{ message string }
)

var (
	sidebarStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderRight(true).
			PaddingRight(1)
	selectedRoomStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	unreadBadgeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	senderStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	pendingStyle      = lipgloss.NewStyle().Faint(true)
	failedStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	typingStyle       = lipgloss.NewStyle().Faint(true).Italic(true)
	statusStyle       = lipgloss.NewStyle().Faint(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// model is the TUI state: a room sidebar, the active room's message
// viewport, and the input line. All chat state lives in the client;
// the model holds only what is currently on screen.
type model struct {
	chat   *client.Client
	events chan tea.Msg

	width  int
	height int
	ready  bool

	focus    FocusRegion
	rooms    []wire.Room
	cursor   int
	active   string
	status   client.Status
	notice   string
	typing   []string
	unread   int
	username string

	viewport viewport.Model
	input    textinput.Model

	lastTypingSent time.Time
}

func newModel(chat *client.Client, events chan tea.Msg) *model {
	input := textinput.New()
	input.Placeholder = "Type a message"
	input.CharLimit = wire.MaxContentLength
	return &model{
		chat:   chat,
		events: events,
		input:  input,
	}
}

// waitForEvent delivers the next client event to Update. Re-issued
// after every event so the channel drains continuously.
func (m *model) waitForEvent() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func (m *model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case statusMsg:
		m.status = msg.status
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else if msg.status == client.StatusConnected {
			m.notice = ""
		}
		return m, m.waitForEvent()

	case roomListMsg:
		m.rooms = msg.rooms
		if m.cursor >= len(m.rooms) {
			m.cursor = max(len(m.rooms)-1, 0)
		}
		return m, m.waitForEvent()

	case roomUpdatedMsg:
		m.rooms = m.chat.Rooms()
		if msg.roomID == m.active {
			m.renderMessages()
		}
		return m, m.waitForEvent()

	case typingMsg:
		if msg.roomID == m.active {
			m.typing = msg.names
		}
		return m, m.waitForEvent()

	case unreadMsg:
		m.unread = msg.total
		return m, m.waitForEvent()

	case serverErrorMsg:
		m.notice = msg.message
		return m, m.waitForEvent()
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == FocusRooms {
			m.setFocus(FocusInput)
		} else {
			m.setFocus(FocusRooms)
		}
		return m, nil
	}

	if m.focus == FocusRooms {
		return m.handleRoomsKey(msg)
	}
	return m.handleInputKey(msg)
}

func (m *model) handleRoomsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.rooms)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.rooms) {
			m.openRoom(m.rooms[m.cursor].ID)
		}
	case "r":
		m.chat.RequestRoomList()
	}
	return m, nil
}

func (m *model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.setFocus(FocusRooms)
		return m, nil
	case "enter":
		content := strings.TrimSpace(m.input.Value())
		if content == "" || m.active == "" {
			return m, nil
		}
		m.chat.Send(m.active, content)
		m.chat.StopTyping(m.active)
		m.lastTypingSent = time.Time{}
		m.input.Reset()
		return m, nil
	case "pgup":
		if m.active != "" {
			m.chat.LoadOlder(m.active)
		}
		return m, nil
	}

	var cmd tea.Cmd
	before := m.input.Value()
	m.input, cmd = m.input.Update(msg)
	if m.active != "" && m.input.Value() != before {
		m.signalTyping()
	}
	return m, cmd
}

// signalTyping throttles typing notifications to one per interval. The
// tracker on the receiving side refreshes its expiry on each one, so a
// steady typist shows as continuously typing.
func (m *model) signalTyping() {
	now := time.Now()
	if now.Sub(m.lastTypingSent) < typingThrottle {
		return
	}
	m.lastTypingSent = now
	m.chat.Typing(m.active)
}

func (m *model) setFocus(focus FocusRegion) {
	m.focus = focus
	if focus == FocusInput {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *model) openRoom(roomID string) {
	if m.active != "" && m.active != roomID {
		m.chat.StopTyping(m.active)
	}
	m.active = roomID
	m.typing = nil
	m.chat.OpenRoom(roomID)
	m.renderMessages()
	m.setFocus(FocusInput)
}

func (m *model) layout() {
	// Sidebar takes a quarter of the width; message pane the rest,
	// minus the status, typing, and input rows.
	paneWidth := m.width - m.sidebarWidth() - 3
	paneHeight := m.height - 4
	if !m.ready {
		m.viewport = viewport.New(paneWidth, paneHeight)
	} else {
		m.viewport.Width = paneWidth
		m.viewport.Height = paneHeight
	}
	m.input.Width = paneWidth
	m.renderMessages()
}

func (m *model) sidebarWidth() int {
	return max(m.width/4, 20)
}

// renderMessages rebuilds the viewport content from the client's
// loaded window for the active room.
func (m *model) renderMessages() {
	if m.active == "" {
		m.viewport.SetContent("")
		return
	}
	atBottom := m.viewport.AtBottom()

	var b strings.Builder
	for _, message := range m.chat.Messages(m.active) {
		b.WriteString(m.renderMessage(message))
		b.WriteByte('\n')
	}
	m.viewport.SetContent(b.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) renderMessage(message wire.Message) string {
	stamp := message.CreatedAt.Local().Format("15:04")
	line := fmt.Sprintf("%s %s %s", statusStyle.Render(stamp), senderStyle.Render(message.SenderName), message.Content)
	switch message.Status {
	case wire.StatusPending:
		return pendingStyle.Render(line + " …")
	case wire.StatusFailed:
		return failedStyle.Render(line + " ✗ failed")
	default:
		return line
	}
}

func (m *model) View() string {
	if !m.ready {
		return "connecting…"
	}

	sidebar := m.renderSidebar()
	pane := lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		m.renderTypingLine(),
		m.input.View(),
		m.renderStatusLine(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebarStyle.Render(sidebar), pane)
}

func (m *model) renderSidebar() string {
	width := m.sidebarWidth()
	var b strings.Builder
	for i, room := range m.rooms {
		label := roomLabel(room)
		// Live count from the client, not the room-list snapshot: it
		// moves with every pushed message and mark-read.
		if unread := m.chat.Unread(room.ID); unread > 0 {
			label += " " + unreadBadgeStyle.Render(fmt.Sprintf("(%d)", unread))
		}
		line := lipgloss.NewStyle().Width(width).Render(label)
		if i == m.cursor && m.focus == FocusRooms {
			line = selectedRoomStyle.Render(line)
		} else if room.ID == m.active {
			line = lipgloss.NewStyle().Bold(true).Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(m.rooms) == 0 {
		b.WriteString(statusStyle.Render("no rooms"))
	}
	return lipgloss.NewStyle().Width(width).Height(m.height - 1).Render(b.String())
}

func roomLabel(room wire.Room) string {
	if room.Kind == wire.RoomKindDirect {
		return "@ " + strings.Join(room.Participants, ", ")
	}
	return "# " + room.ID
}

func (m *model) renderTypingLine() string {
	if len(m.typing) == 0 {
		return ""
	}
	if len(m.typing) == 1 {
		return typingStyle.Render(m.typing[0] + " is typing…")
	}
	return typingStyle.Render(strings.Join(m.typing, ", ") + " are typing…")
}

func (m *model) renderStatusLine() string {
	parts := []string{m.status.String()}
	if m.unread > 0 {
		parts = append(parts, fmt.Sprintf("%d unread", m.unread))
	}
	line := statusStyle.Render(strings.Join(parts, " · "))
	if m.notice != "" {
		line += "  " + errorStyle.Render(m.notice)
	}
	return line
}
