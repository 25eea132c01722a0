// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/lib/testutil"
	"github.com/jobdeck/chat/wire"
)

const testTimeout = 5 * time.Second

// chatServer is a minimal in-process chat backend: it accepts the
// websocket, announces a fixed identity, funnels decoded commands to
// the test, and serves the REST endpoints from configurable hooks.
type chatServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	conns    chan *serverConn
	commands chan wire.Command

	history  func(roomID string, before int64) *wire.HistoryPage
	restSend func(roomID string, content string) (wire.Message, int)
}

type serverConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *serverConn) push(frame any) {
	c.t.Helper()
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		c.t.Fatalf("encoding frame: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("pushing frame: %v", err)
	}
}

func (c *serverConn) close() {
	c.ws.Close()
}

func newChatServer(t *testing.T) *chatServer {
	s := &chatServer{
		t:        t,
		conns:    make(chan *serverConn, 4),
		commands: make(chan wire.Command, 64),
		history: func(string, int64) *wire.HistoryPage {
			return &wire.HistoryPage{}
		},
		restSend: func(string, string) (wire.Message, int) {
			return wire.Message{}, http.StatusServiceUnavailable
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/rooms/{room}/messages", s.handleHistory)
	mux.HandleFunc("POST /api/rooms/{room}/messages", s.handleSend)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *chatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{t: s.t, ws: ws}
	conn.push(&wire.ConnectionEstablishedFrame{UserID: "user-1", Username: "alice"})
	s.conns <- conn
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			command, err := wire.DecodeCommand(data)
			if err != nil {
				continue
			}
			s.commands <- command
		}
	}()
}

func (s *chatServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	page := s.history(r.PathValue("room"), before)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (s *chatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	message, status := s.restSend(r.PathValue("room"), request.Content)
	w.Header().Set("Content-Type", "application/json")
	if status >= 400 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(&wire.APIError{Code: wire.ErrCodeInternal, Message: "send failed"})
		return
	}
	json.NewEncoder(w).Encode(message)
}

// expectCommand receives the next command and asserts its type.
func (s *chatServer) expectCommand(want wire.CommandType) wire.Command {
	s.t.Helper()
	command := testutil.RequireReceive(s.t, s.commands, testTimeout, "waiting for %s command", want)
	if command.Type != want {
		s.t.Fatalf("got %s command, want %s", command.Type, want)
	}
	return command
}

type clientEvents struct {
	ready       chan string
	roomLists   chan []wire.Room
	roomUpdates chan string
	typing      chan []string
	unread      chan int
	statuses    chan Status
}

func newTestClient(t *testing.T, server *chatServer, clk clock.Clock) (*Client, *clientEvents) {
	t.Helper()
	events := &clientEvents{
		ready:       make(chan string, 4),
		roomLists:   make(chan []wire.Room, 4),
		roomUpdates: make(chan string, 64),
		typing:      make(chan []string, 16),
		unread:      make(chan int, 16),
		statuses:    make(chan Status, 16),
	}
	c, err := New(Config{
		ServerURL: server.server.URL,
		Token:     func() string { return "test-token" },
		Clock:     clk,
		Handlers: Handlers{
			OnReady:    func(userID, _ string) { events.ready <- userID },
			OnRoomList: func(rooms []wire.Room) { events.roomLists <- rooms },
			OnRoomUpdated: func(roomID string) {
				select {
				case events.roomUpdates <- roomID:
				default:
				}
			},
			OnTyping:        func(_ string, names []string) { events.typing <- names },
			OnUnreadChanged: func(total int) { events.unread <- total },
			OnStatus:        func(status Status, _ error) { events.statuses <- status },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, events
}

// waitForStatus drains status events until the wanted one arrives.
func waitForStatus(t *testing.T, events *clientEvents, want Status) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case status := <-events.statuses:
			if status == want {
				return
			}
		case <-deadline:
			t.Fatalf("never observed status %s", want)
		}
	}
}

// waitForMessages polls until the room's messages satisfy the
// condition, pumping room-update events as the signal.
func waitForMessages(t *testing.T, c *Client, events *clientEvents, roomID string, ok func([]wire.Message) bool) []wire.Message {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		messages := c.Messages(roomID)
		if ok(messages) {
			return messages
		}
		select {
		case <-events.roomUpdates:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("messages never reached expected state; last: %+v", messages)
		}
	}
}

func TestConnectAnnouncesIdentityAndRequestsRooms(t *testing.T) {
	server := newChatServer(t)
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")

	if userID := testutil.RequireReceive(t, events.ready, testTimeout); userID != "user-1" {
		t.Fatalf("OnReady userID = %q, want user-1", userID)
	}
	server.expectCommand(wire.CmdGetRoomList)

	conn.push(&wire.RoomListFrame{Rooms: []wire.Room{
		{ID: "room-1", Kind: wire.RoomKindJob, UnreadCount: 2},
		{ID: "room-2", Kind: wire.RoomKindDirect, UnreadCount: 0},
	}})
	rooms := testutil.RequireReceive(t, events.roomLists, testTimeout)
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if total := testutil.RequireReceive(t, events.unread, testTimeout); total != 2 {
		t.Fatalf("unread total = %d, want 2", total)
	}
	if got := c.Unread("room-1"); got != 2 {
		t.Fatalf("Unread(room-1) = %d, want 2", got)
	}
}

func TestSubscriptionsReplayedOnConnect(t *testing.T) {
	server := newChatServer(t)
	c, _ := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	// Subscribed while offline: announced as soon as the connection
	// establishes, before anything else.
	c.Subscribe("room-1")

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")

	subscribe := server.expectCommand(wire.CmdSubscribeRoom)
	if subscribe.RoomID != "room-1" {
		t.Fatalf("subscribed to %q, want room-1", subscribe.RoomID)
	}
	server.expectCommand(wire.CmdGetRoomList)
}

func TestSendConfirmedByEcho(t *testing.T) {
	server := newChatServer(t)
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")
	server.expectCommand(wire.CmdGetRoomList)

	tempID := c.Send("room-1", "hello")

	messages := c.Messages("room-1")
	if len(messages) != 1 || messages[0].Status != wire.StatusPending || messages[0].TempID != tempID {
		t.Fatalf("optimistic entry = %+v", messages)
	}

	sent := server.expectCommand(wire.CmdSendMessage)
	if sent.Content != "hello" || sent.TempID != tempID {
		t.Fatalf("send command = %+v", sent)
	}

	conn.push(&wire.NewMessageFrame{
		RoomID: "room-1",
		TempID: tempID,
		Message: wire.Message{
			ID: 7, RoomID: "room-1", SenderID: "user-1", SenderName: "alice",
			Content: "hello", CreatedAt: time.Unix(1001, 0),
		},
	})

	messages = waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusSent
	})
	if messages[0].ID != 7 || messages[0].TempID != "" {
		t.Fatalf("confirmed entry = %+v", messages[0])
	}
	if total := c.UnreadTotal(); total != 0 {
		t.Fatalf("own message raised unread total to %d", total)
	}
}

func TestSendFallsBackToRESTWhileDisconnected(t *testing.T) {
	server := newChatServer(t)
	server.restSend = func(roomID, content string) (wire.Message, int) {
		return wire.Message{
			ID: 42, RoomID: roomID, SenderID: "user-1", Content: content,
			CreatedAt: time.Unix(1002, 0),
		}, http.StatusOK
	}
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	// Never connected: the send must still go through, via REST.
	c.Send("room-1", "offline hello")

	messages := waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusSent
	})
	if messages[0].ID != 42 || messages[0].Content != "offline hello" {
		t.Fatalf("confirmed entry = %+v", messages[0])
	}
}

func TestRESTSendFailureMarksMessageFailed(t *testing.T) {
	server := newChatServer(t)
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	tempID := c.Send("room-1", "doomed")

	waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusFailed
	})

	// Retry with the backend healthy again.
	server.restSend = func(roomID, content string) (wire.Message, int) {
		return wire.Message{ID: 43, RoomID: roomID, SenderID: "user-1", Content: content}, http.StatusOK
	}
	newTempID, err := c.RetrySend("room-1", tempID)
	if err != nil {
		t.Fatalf("RetrySend: %v", err)
	}
	if newTempID == tempID {
		t.Fatal("RetrySend reused the temporary id")
	}

	messages := waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusSent
	})
	if messages[0].ID != 43 {
		t.Fatalf("retried entry = %+v", messages[0])
	}

	if _, err := c.RetrySend("room-1", "no-such-id"); err != ErrUnknownMessage {
		t.Fatalf("RetrySend(bogus) = %v, want ErrUnknownMessage", err)
	}
}

func TestIncomingMessageRaisesUnreadAndClearsTyping(t *testing.T) {
	server := newChatServer(t)
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")
	testutil.RequireReceive(t, events.ready, testTimeout)

	conn.push(&wire.TypingFrame{RoomID: "room-1", UserID: "user-2", Username: "bea", IsTyping: true})
	if names := testutil.RequireReceive(t, events.typing, testTimeout); !reflect.DeepEqual(names, []string{"bea"}) {
		t.Fatalf("typing = %v, want [bea]", names)
	}

	conn.push(&wire.NewMessageFrame{
		RoomID:  "room-1",
		Message: wire.Message{ID: 5, RoomID: "room-1", SenderID: "user-2", SenderName: "bea", Content: "hi"},
	})

	if total := testutil.RequireReceive(t, events.unread, testTimeout); total != 1 {
		t.Fatalf("unread total = %d, want 1", total)
	}
	// The sender's message retires their typing indicator.
	if names := testutil.RequireReceive(t, events.typing, testTimeout); names != nil {
		t.Fatalf("typing after message = %v, want none", names)
	}
}

func TestReconnectRefetchesHistory(t *testing.T) {
	server := newChatServer(t)
	server.history = func(roomID string, before int64) *wire.HistoryPage {
		return historyPage(roomID, false, 30, 20)
	}
	clk := clock.Fake(time.Unix(1000, 0))
	c, events := newTestClient(t, server, clk)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")
	testutil.RequireReceive(t, events.ready, testTimeout)
	waitForStatus(t, events, StatusConnected)

	c.OpenRoom("room-1")
	waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool { return len(m) == 2 })

	// Message 40 lands server-side while the client is away. A window
	// stitched together from the pre-outage load plus post-outage
	// pushes would skip it forever, so the reconnect must refetch.
	server.history = func(roomID string, before int64) *wire.HistoryPage {
		return historyPage(roomID, false, 40, 30, 20)
	}
	conn.close()

	waitForStatus(t, events, StatusConnecting)
	clk.WaitForTimers(1)
	clk.Advance(reconnectBaseDelay)

	conn2 := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for reconnection")
	testutil.RequireReceive(t, events.ready, testTimeout)
	waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool { return len(m) == 3 })

	conn2.push(&wire.NewMessageFrame{
		RoomID:  "room-1",
		Message: wire.Message{ID: 50, RoomID: "room-1", SenderID: "user-2", Content: "after"},
	})

	messages := waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool { return len(m) == 4 })
	assertIDs(t, messages, 20, 30, 40, 50)
}

func TestUnconfirmedSendFailsOnDisconnect(t *testing.T) {
	server := newChatServer(t)
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")
	testutil.RequireReceive(t, events.ready, testTimeout)
	server.expectCommand(wire.CmdGetRoomList)

	tempID := c.Send("room-1", "lost echo")
	server.expectCommand(wire.CmdSendMessage)

	// The socket dies before the confirmation echo arrives. The entry
	// cannot stay pending forever; it becomes failed and retryable.
	conn.close()

	messages := waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusFailed
	})
	if messages[0].TempID != tempID {
		t.Fatalf("failed entry = %+v, want temp id %s", messages[0], tempID)
	}

	server.restSend = func(roomID, content string) (wire.Message, int) {
		return wire.Message{ID: 9, RoomID: roomID, SenderID: "user-1", Content: content}, http.StatusOK
	}
	if _, err := c.RetrySend("room-1", tempID); err != nil {
		t.Fatalf("RetrySend: %v", err)
	}
	messages = waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusSent
	})
	if messages[0].ID != 9 {
		t.Fatalf("retried entry = %+v", messages[0])
	}
}

func TestRESTSendInFlightSurvivesStatusChange(t *testing.T) {
	server := newChatServer(t)
	release := make(chan struct{})
	server.restSend = func(roomID, content string) (wire.Message, int) {
		<-release
		return wire.Message{ID: 8, RoomID: roomID, SenderID: "user-1", Content: content}, http.StatusOK
	}
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	// Never connected: the send takes the REST path and blocks there.
	c.Send("room-1", "patient")

	// Connecting resets the message windows, but a REST delivery still
	// in flight keeps its pending entry: its response resolves it.
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, events.ready, testTimeout)

	if messages := c.Messages("room-1"); len(messages) != 1 || messages[0].Status != wire.StatusPending {
		t.Fatalf("entry during REST send = %+v, want pending", messages)
	}

	close(release)
	messages := waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool {
		return len(m) == 1 && m[0].Status == wire.StatusSent
	})
	if messages[0].ID != 8 {
		t.Fatalf("confirmed entry = %+v", messages[0])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server := newChatServer(t)
	c, _ := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")

	// Twice here, a third time from the test cleanup.
	c.Close()
	c.Close()
}

func TestHistoryLoadMergesWithLivePush(t *testing.T) {
	server := newChatServer(t)
	server.history = func(roomID string, before int64) *wire.HistoryPage {
		if before == 0 {
			return historyPage(roomID, true, 30, 20)
		}
		return historyPage(roomID, false, 10)
	}
	c, events := newTestClient(t, server, clock.Fake(time.Unix(1000, 0)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")
	testutil.RequireReceive(t, events.ready, testTimeout)

	c.LoadInitial("room-1")
	waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool { return len(m) == 2 })

	conn.push(&wire.NewMessageFrame{
		RoomID:  "room-1",
		Message: wire.Message{ID: 40, RoomID: "room-1", SenderID: "user-2", Content: "new"},
	})
	waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool { return len(m) == 3 })

	c.LoadOlder("room-1")
	messages := waitForMessages(t, c, events, "room-1", func(m []wire.Message) bool { return len(m) == 4 })
	assertIDs(t, messages, 10, 20, 30, 40)
	if c.HasMoreHistory("room-1") {
		t.Fatal("HasMoreHistory true after exhausting history")
	}
}
