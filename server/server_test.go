// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/wire"
)

var testIdentities = StaticTokens{
	"token-alice": {UserID: "alice", Username: "Alice"},
	"token-bob":   {UserID: "bob", Username: "Bob"},
	"token-carol": {UserID: "carol", Username: "Carol"},
}

type testBackend struct {
	store  *Store
	server *Server
	http   *httptest.Server
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	store, err := OpenStore(StoreConfig{
		Path:   filepath.Join(t.TempDir(), "chat.db"),
		Clock:  clock.Real(),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, err := NewServer(Config{
		Store:  store,
		Auth:   testIdentities,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	return &testBackend{store: store, server: srv, http: httpServer}
}

// wsClient is a raw protocol-level websocket client for exercising the
// server without the client package.
type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (b *testBackend) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &wsClient{t: t, ws: ws}
	// Every connection opens with connection_established.
	frame := c.readFrame()
	established, ok := frame.(*wire.ConnectionEstablishedFrame)
	if !ok {
		t.Fatalf("first frame = %T, want connection_established", frame)
	}
	if established.UserID == "" {
		t.Fatal("connection_established missing user id")
	}
	return c
}

func (c *wsClient) send(command wire.Command) {
	c.t.Helper()
	data, err := command.Encode()
	if err != nil {
		c.t.Fatalf("encoding command: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("writing command: %v", err)
	}
}

func (c *wsClient) readFrame() any {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		c.t.Fatalf("decoding frame: %v", err)
	}
	return frame
}

func (c *wsClient) subscribe(roomID string) {
	c.t.Helper()
	c.send(wire.Command{Type: wire.CmdSubscribeRoom, RoomID: roomID})
	subscribed, ok := c.readFrame().(*wire.SubscribedFrame)
	if !ok || subscribed.RoomID != roomID {
		c.t.Fatalf("subscribe answer = %+v", subscribed)
	}
}

func TestMessageFanOutWithTempIDEcho(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	alice := backend.dial(t, "token-alice")
	bob := backend.dial(t, "token-bob")
	alice.subscribe("job-1")
	bob.subscribe("job-1")

	alice.send(wire.Command{
		Type:    wire.CmdSendMessage,
		RoomID:  "job-1",
		Content: "hello",
		TempID:  "tmp-123",
	})

	// The sender's copy carries the temporary id.
	echo, ok := alice.readFrame().(*wire.NewMessageFrame)
	if !ok {
		t.Fatalf("alice got %T, want new_message", echo)
	}
	if echo.TempID != "tmp-123" || echo.Message.ID == 0 || echo.Message.SenderID != "alice" {
		t.Fatalf("echo = %+v", echo)
	}

	// Everyone else's copy does not.
	received, ok := bob.readFrame().(*wire.NewMessageFrame)
	if !ok {
		t.Fatalf("bob got %T, want new_message", received)
	}
	if received.TempID != "" || received.Message.ID != echo.Message.ID || received.Message.Content != "hello" {
		t.Fatalf("broadcast = %+v", received)
	}
}

func TestSubscribeRequiresMembership(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	carol := backend.dial(t, "token-carol")
	carol.send(wire.Command{Type: wire.CmdSubscribeRoom, RoomID: "job-1"})

	if _, ok := carol.readFrame().(*wire.ErrorFrame); !ok {
		t.Fatal("non-participant subscribe did not produce an error frame")
	}
}

func TestTypingRelay(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := backend.store.InsertMessage(ctx, "job-1", "bob", "Bob", "hi", 0); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	alice := backend.dial(t, "token-alice")
	bob := backend.dial(t, "token-bob")
	alice.subscribe("job-1")
	bob.subscribe("job-1")

	alice.send(wire.Command{Type: wire.CmdTyping, RoomID: "job-1"})
	typing, ok := bob.readFrame().(*wire.TypingFrame)
	if !ok || !typing.IsTyping || typing.UserID != "alice" || typing.Username != "Alice" {
		t.Fatalf("typing frame = %+v", typing)
	}

	alice.send(wire.Command{Type: wire.CmdStopTyping, RoomID: "job-1"})
	stopped, ok := bob.readFrame().(*wire.TypingFrame)
	if !ok || stopped.IsTyping {
		t.Fatalf("stop typing frame = %+v", stopped)
	}

	// The typist is excluded from the relay. Fan-out preserves hub
	// order, so if either typing frame had been echoed to alice it
	// would arrive ahead of the mark_read fan-out.
	alice.send(wire.Command{Type: wire.CmdMarkRead, RoomID: "job-1"})
	frame := alice.readFrame()
	if _, ok := frame.(*wire.MessageReadFrame); !ok {
		t.Fatalf("alice got %T, want message_read (typing must not echo)", frame)
	}
}

func TestMarkReadFansOutToRoom(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	message, err := backend.store.InsertMessage(ctx, "job-1", "bob", "Bob", "unread", 0)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	alice := backend.dial(t, "token-alice")
	bob := backend.dial(t, "token-bob")
	alice.subscribe("job-1")
	bob.subscribe("job-1")

	alice.send(wire.Command{Type: wire.CmdMarkRead, RoomID: "job-1", MessageIDs: []int64{message.ID}})

	read, ok := bob.readFrame().(*wire.MessageReadFrame)
	if !ok || read.UserID != "alice" || read.RoomID != "job-1" {
		t.Fatalf("message_read frame = %+v", read)
	}
}

func TestRoomListCommand(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := backend.store.InsertMessage(ctx, "job-1", "bob", "Bob", "ping", 0); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	alice := backend.dial(t, "token-alice")
	alice.send(wire.Command{Type: wire.CmdGetRoomList})

	list, ok := alice.readFrame().(*wire.RoomListFrame)
	if !ok || len(list.Rooms) != 1 {
		t.Fatalf("room list = %+v", list)
	}
	room := list.Rooms[0]
	if room.ID != "job-1" || room.UnreadCount != 1 || room.LastMessage == nil {
		t.Fatalf("room = %+v", room)
	}
}

func TestRESTSendBroadcastsToSubscribers(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	bob := backend.dial(t, "token-bob")
	bob.subscribe("job-1")

	body, _ := json.Marshal(map[string]any{"content": "via rest"})
	request, _ := http.NewRequest(http.MethodPost, backend.http.URL+"/api/rooms/job-1/messages", bytes.NewReader(body))
	request.Header.Set("Authorization", "Bearer token-alice")
	request.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("REST send: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("REST send status = %d", response.StatusCode)
	}
	var stored wire.Message
	if err := json.NewDecoder(response.Body).Decode(&stored); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if stored.ID == 0 || stored.SenderID != "alice" {
		t.Fatalf("stored message = %+v", stored)
	}

	pushed, ok := bob.readFrame().(*wire.NewMessageFrame)
	if !ok || pushed.Message.ID != stored.ID || pushed.TempID != "" {
		t.Fatalf("pushed frame = %+v", pushed)
	}
}

func TestRESTHistoryRequiresAuth(t *testing.T) {
	backend := newTestBackend(t)

	response, err := http.Get(backend.http.URL + "/api/rooms/job-1/messages")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", response.StatusCode)
	}
	var apiErr wire.APIError
	if err := json.NewDecoder(response.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if apiErr.Code != wire.ErrCodeUnauthorized {
		t.Fatalf("error code = %q", apiErr.Code)
	}
}

func TestRESTHistoryForbiddenForNonParticipant(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	request, _ := http.NewRequest(http.MethodGet, backend.http.URL+"/api/rooms/job-1/messages", nil)
	request.Header.Set("Authorization", "Bearer token-carol")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", response.StatusCode)
	}
}

func TestOversizedSendRejected(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	if err := backend.store.CreateRoom(ctx, "job-1", wire.RoomKindJob, []string{"alice"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	alice := backend.dial(t, "token-alice")
	alice.send(wire.Command{
		Type:    wire.CmdSendMessage,
		RoomID:  "job-1",
		Content: strings.Repeat("x", wire.MaxContentLength+1),
	})
	if _, ok := alice.readFrame().(*wire.ErrorFrame); !ok {
		t.Fatal("oversized send did not produce an error frame")
	}
}
