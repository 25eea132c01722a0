// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/wire"
)

// Handlers are the host application's callbacks. All handlers run on
// the client event loop: they must return promptly and must not call
// back into the client synchronously (post further work instead, or
// signal the host's own goroutine). A nil handler is skipped.
type Handlers struct {
	// OnStatus fires on every connection state transition. err is
	// non-nil only for StatusError.
	OnStatus func(status Status, err error)

	// OnReady fires once per connection, after the server has
	// confirmed the authenticated identity and the client has
	// resubscribed its rooms.
	OnReady func(userID, username string)

	// OnRoomList fires when a room-list snapshot arrives.
	OnRoomList func(rooms []wire.Room)

	// OnRoomUpdated fires when a room's visible state changed: its
	// message window, its last-message summary, or its subscription.
	OnRoomUpdated func(roomID string)

	// OnTyping fires when the set of users typing in a room changed.
	OnTyping func(roomID string, usernames []string)

	// OnUnreadChanged fires when any unread count changed, with the
	// new total across all rooms.
	OnUnreadChanged func(total int)

	// OnMessageRead fires when another session reports reading
	// messages in a room.
	OnMessageRead func(roomID, userID string)

	// OnServerError fires for error frames. These report command
	// failures and never affect connection state.
	OnServerError func(message string)
}

// Config configures a Client.
type Config struct {
	// ServerURL is the base URL of the chat server, e.g.
	// "https://chat.example.com". The websocket endpoint and REST
	// paths are derived from it.
	ServerURL string

	// Token supplies the bearer token for both transports. Required.
	Token TokenProvider

	Handlers Handlers

	// PageSize is the history page size. Zero means
	// wire.DefaultPageSize.
	PageSize int

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
}

// Client is a chat client: one multiplexed connection, a REST fallback,
// and per-room state (message windows, unread counts, typing).
//
// Internally every piece of state belongs to a single event loop
// goroutine. Public methods post onto the loop and, for queries, wait
// for the answer; they are safe to call from any goroutine except a
// Handlers callback (which already runs on the loop and would deadlock
// waiting for it).
type Client struct {
	logger   *slog.Logger
	clock    clock.Clock
	handlers Handlers

	conn   *conn
	rest   *restClient
	store  *MessageStore
	rooms  *RoomRegistry
	unread *UnreadCounter
	typing *TypingTracker

	// Loop-owned state below. No mutex: only loop code touches it.
	userID     string
	username   string
	roomInfo   map[string]wire.Room
	activeRoom string

	// pending holds replayable commands issued while the transport was
	// down, flushed in order after the next connection establishes.
	pending []wire.Command

	// restInFlight holds the temporary ids of sends currently on the
	// REST fallback path. Their pending entries must not be failed by a
	// status change; the REST response resolves them.
	restInFlight map[string]struct{}

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New constructs a Client and starts its event loop. Close releases it.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("client: ServerURL is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("client: Token is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		logger:       logger,
		clock:        clk,
		handlers:     cfg.Handlers,
		store:        NewMessageStore(cfg.PageSize),
		rooms:        NewRoomRegistry(),
		unread:       NewUnreadCounter(),
		roomInfo:     make(map[string]wire.Room),
		restInFlight: make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	c.rest = &restClient{
		baseURL:    cfg.ServerURL,
		httpClient: httpClient,
		token:      cfg.Token,
		logger:     logger,
	}
	c.conn = &conn{
		serverURL: cfg.ServerURL,
		token:     cfg.Token,
		clock:     clk,
		logger:    logger,
		post:      c.post,
		onFrame:   c.handleFrame,
		onStatus:  c.handleStatus,
	}
	c.typing = newTypingTracker(clk, c.post, func(roomID string) {
		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(roomID, c.typing.Active(roomID))
		}
	})

	go c.loop()
	return c, nil
}

// Close disconnects and stops the event loop. The client cannot be
// reused after Close; further calls are no-ops.
func (c *Client) Close() {
	disconnected := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Enqueue directly: post refuses work once closed is set, and the
	// disconnect must still run on the loop.
	c.closed = true
	c.queue = append(c.queue, func() {
		defer close(disconnected)
		c.conn.Disconnect()
	})
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-disconnected
	close(c.done)
}

// post enqueues fn on the event loop. Safe from any goroutine,
// including loop code itself.
func (c *Client) post(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run posts fn and waits for it to finish. Must not be called from loop
// code.
func (c *Client) run(fn func()) {
	ran := make(chan struct{})
	c.post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-c.done:
	}
}

func (c *Client) loop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			fn := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			fn()
		}
	}
}

// Connect opens the connection. Returns ErrNoToken if the token
// provider yields nothing; dial errors surface asynchronously through
// OnStatus.
func (c *Client) Connect() error {
	var err error
	c.run(func() { err = c.conn.Connect() })
	return err
}

// Disconnect closes the connection deliberately. No reconnection is
// attempted until Connect is called again.
func (c *Client) Disconnect() {
	c.run(func() { c.conn.Disconnect() })
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	var status Status
	c.run(func() { status = c.conn.status })
	return status
}

// Subscribe adds a room to the subscription set. The subscription is
// durable across reconnects: the client re-announces every subscribed
// room after each connection establishes, so calling Subscribe while
// offline is valid and takes effect on reconnection.
func (c *Client) Subscribe(roomID string) {
	c.run(func() {
		c.rooms.Subscribe(roomID)
		c.trySend(wire.Command{Type: wire.CmdSubscribeRoom, RoomID: roomID})
	})
}

// Unsubscribe removes a room from the subscription set.
func (c *Client) Unsubscribe(roomID string) {
	c.run(func() {
		c.rooms.Unsubscribe(roomID)
		c.trySend(wire.Command{Type: wire.CmdUnsubscribeRoom, RoomID: roomID})
	})
}

// Send sends a message, appearing immediately in the room's window as
// a pending entry under the returned temporary id. Confirmation
// arrives through the connection echo or, when the socket is down,
// through the REST fallback; either path resolves the entry to sent or
// failed and fires OnRoomUpdated.
func (c *Client) Send(roomID, content string) string {
	return c.SendReply(roomID, content, 0)
}

// SendReply is Send with a reply-to message id.
func (c *Client) SendReply(roomID, content string, replyTo int64) string {
	tempID := uuid.NewString()
	c.run(func() { c.sendMessage(roomID, tempID, content, replyTo) })
	return tempID
}

func (c *Client) sendMessage(roomID, tempID, content string, replyTo int64) {
	if utf8.RuneCountInString(content) > wire.MaxContentLength {
		c.logger.Warn("refusing oversized message", "room_id", roomID, "length", utf8.RuneCountInString(content))
		c.store.AppendPending(wire.Message{
			TempID:     tempID,
			RoomID:     roomID,
			SenderID:   c.userID,
			SenderName: c.username,
			Content:    content,
			ReplyTo:    replyTo,
			CreatedAt:  c.clock.Now(),
			Status:     wire.StatusFailed,
		})
		c.roomChanged(roomID)
		return
	}

	c.store.AppendPending(wire.Message{
		TempID:     tempID,
		RoomID:     roomID,
		SenderID:   c.userID,
		SenderName: c.username,
		Content:    content,
		ReplyTo:    replyTo,
		CreatedAt:  c.clock.Now(),
		Status:     wire.StatusPending,
	})
	c.roomChanged(roomID)

	command := wire.Command{
		Type:    wire.CmdSendMessage,
		RoomID:  roomID,
		Content: content,
		TempID:  tempID,
		ReplyTo: replyTo,
	}
	if err := c.conn.send(command); err != nil {
		// Sends are never queued for replay: the REST path delivers
		// them now, so the user is not left staring at a pending
		// message for the length of a reconnect backoff.
		c.logger.Debug("falling back to REST send", "room_id", roomID, "error", err)
		c.restInFlight[tempID] = struct{}{}
		go c.restSend(roomID, tempID, content, replyTo)
	}
}

func (c *Client) restSend(roomID, tempID, content string, replyTo int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	message, err := c.rest.SendMessage(ctx, roomID, content, replyTo)
	c.post(func() {
		delete(c.restInFlight, tempID)
		if err != nil {
			c.logger.Warn("send failed", "room_id", roomID, "temp_id", tempID, "error", err)
			c.store.FailPending(roomID, tempID)
			c.roomChanged(roomID)
			return
		}
		if c.store.ConfirmPending(roomID, tempID, *message) {
			c.updateLastMessage(*message)
			c.roomChanged(roomID)
		}
	})
}

// RetrySend resubmits a failed message under a fresh temporary id and
// returns it. ErrUnknownMessage means no failed entry matched.
func (c *Client) RetrySend(roomID, tempID string) (string, error) {
	newTempID := uuid.NewString()
	var err error
	c.run(func() {
		removed, ok := c.store.RemoveFailed(roomID, tempID)
		if !ok {
			err = ErrUnknownMessage
			return
		}
		c.sendMessage(roomID, newTempID, removed.Content, removed.ReplyTo)
	})
	if err != nil {
		return "", err
	}
	return newTempID, nil
}

// LoadInitial fetches the newest history page for a room. A no-op if
// the room is already loaded or a load is in flight; the result fires
// OnRoomUpdated.
func (c *Client) LoadInitial(roomID string) {
	c.run(func() {
		generation, ok := c.store.BeginInitialLoad(roomID)
		if !ok {
			return
		}
		go c.fetchHistory(roomID, 0, generation)
	})
}

// LoadOlder fetches the page below the oldest loaded message. A no-op
// if the room has no more history or a load is already in flight.
func (c *Client) LoadOlder(roomID string) {
	c.run(func() {
		before, generation, ok := c.store.BeginLoadOlder(roomID)
		if !ok {
			return
		}
		go c.fetchHistory(roomID, before, generation)
	})
}

func (c *Client) fetchHistory(roomID string, before int64, generation int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	page, err := c.rest.History(ctx, roomID, before, 0, c.store.PageSize())
	c.post(func() {
		if err != nil {
			c.logger.Warn("history fetch failed", "room_id", roomID, "error", err)
			c.store.AbortLoad(roomID, generation)
			return
		}
		if c.store.FinishLoad(roomID, generation, page) {
			c.roomChanged(roomID)
		}
	})
}

// MarkRead clears the room's unread count and reports the read
// position to the server.
func (c *Client) MarkRead(roomID string) {
	c.run(func() { c.markRead(roomID) })
}

func (c *Client) markRead(roomID string) {
	if c.unread.MarkRead(roomID) {
		c.unreadChanged()
	}
	_, newestID, _, loaded := c.store.Window(roomID)
	command := wire.Command{Type: wire.CmdMarkRead, RoomID: roomID}
	if loaded && newestID > 0 {
		command.MessageIDs = []int64{newestID}
	}
	c.trySend(command)
}

// Typing reports that the local user is typing in a room. Dropped
// silently while disconnected.
func (c *Client) Typing(roomID string) {
	c.run(func() { c.trySend(wire.Command{Type: wire.CmdTyping, RoomID: roomID}) })
}

// StopTyping reports that the local user stopped typing.
func (c *Client) StopTyping(roomID string) {
	c.run(func() { c.trySend(wire.Command{Type: wire.CmdStopTyping, RoomID: roomID}) })
}

// RequestRoomList asks the server for a fresh room snapshot, answered
// through OnRoomList.
func (c *Client) RequestRoomList() {
	c.run(func() { c.trySend(wire.Command{Type: wire.CmdGetRoomList}) })
}

// CreateDirectRoom gets or creates the direct room with another user,
// subscribes to it, and returns it.
func (c *Client) CreateDirectRoom(ctx context.Context, otherUserID string) (wire.Room, error) {
	response, err := c.rest.DirectRoom(ctx, otherUserID)
	if err != nil {
		return wire.Room{}, err
	}
	c.run(func() {
		c.roomInfo[response.Room.ID] = response.Room
		c.rooms.Subscribe(response.Room.ID)
		c.trySend(wire.Command{Type: wire.CmdSubscribeRoom, RoomID: response.Room.ID})
	})
	return response.Room, nil
}

// OpenRoom is the convenience path for entering a room: subscribe,
// start the initial history load, mark it read, and make it the active
// room so arriving messages do not raise its unread count.
func (c *Client) OpenRoom(roomID string) {
	c.run(func() {
		c.activeRoom = roomID
		c.rooms.Subscribe(roomID)
		c.trySend(wire.Command{Type: wire.CmdSubscribeRoom, RoomID: roomID})
		if generation, ok := c.store.BeginInitialLoad(roomID); ok {
			go c.fetchHistory(roomID, 0, generation)
		}
		c.markRead(roomID)
	})
}

// CloseRoom clears the active room. Messages for it raise its unread
// count again.
func (c *Client) CloseRoom() {
	c.run(func() { c.activeRoom = "" })
}

// Messages returns the room's loaded messages in chronological order.
func (c *Client) Messages(roomID string) []wire.Message {
	var out []wire.Message
	c.run(func() { out = c.store.Messages(roomID) })
	return out
}

// HasMoreHistory reports whether older messages exist below the loaded
// window.
func (c *Client) HasMoreHistory(roomID string) bool {
	var hasMore bool
	c.run(func() { hasMore = c.store.HasMore(roomID) })
	return hasMore
}

// Rooms returns the known rooms, most recently active first.
func (c *Client) Rooms() []wire.Room {
	var out []wire.Room
	c.run(func() {
		out = make([]wire.Room, 0, len(c.roomInfo))
		for _, room := range c.roomInfo {
			out = append(out, room)
		}
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i].LastMessage, out[j].LastMessage
			switch {
			case a != nil && b != nil && !a.SentAt.Equal(b.SentAt):
				return a.SentAt.After(b.SentAt)
			case (a != nil) != (b != nil):
				return a != nil
			default:
				return out[i].ID < out[j].ID
			}
		})
	})
	return out
}

// Unread returns a room's unread count.
func (c *Client) Unread(roomID string) int {
	var n int
	c.run(func() { n = c.unread.Room(roomID) })
	return n
}

// UnreadTotal returns the unread count summed across all rooms.
func (c *Client) UnreadTotal() int {
	var n int
	c.run(func() { n = c.unread.Total() })
	return n
}

// TypingUsers returns the names of users currently typing in a room.
func (c *Client) TypingUsers(roomID string) []string {
	var names []string
	c.run(func() { names = c.typing.Active(roomID) })
	return names
}

// trySend writes a command now if the transport is up. Replayable
// commands issued while it is down are queued for the next connection;
// the rest are dropped.
func (c *Client) trySend(command wire.Command) {
	err := c.conn.send(command)
	if err == nil {
		return
	}
	if !command.Replayable() {
		c.logger.Debug("dropping command while disconnected", "command", command.Type)
		return
	}
	if command.Type == wire.CmdSubscribeRoom || command.Type == wire.CmdUnsubscribeRoom {
		// Subscriptions are reconciled from the registry on every
		// reconnect; queueing these would just replay them twice.
		return
	}
	c.logger.Debug("queueing command until reconnected", "command", command.Type)
	c.pending = append(c.pending, command)
}

func (c *Client) handleStatus(status Status, err error) {
	if status != StatusConnected {
		// Messages can land server-side while the transport is down, so
		// neither the loaded windows nor any in-flight history response
		// can be trusted to be gap-free with the next live push. Drop
		// both; windows are refetched after reconnecting. Sends cut off
		// before their confirmation arrived become failed.
		for _, roomID := range c.store.ConnectionLost(c.restInFlight) {
			c.roomChanged(roomID)
		}
	}
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(status, err)
	}
}

func (c *Client) handleFrame(frame any) {
	switch f := frame.(type) {
	case *wire.ConnectionEstablishedFrame:
		c.handleConnectionEstablished(f)
	case *wire.RoomListFrame:
		c.handleRoomList(f)
	case *wire.SubscribedFrame:
		c.roomChanged(f.RoomID)
	case *wire.UnsubscribedFrame:
		c.roomChanged(f.RoomID)
	case *wire.NewMessageFrame:
		c.handleNewMessage(f)
	case *wire.TypingFrame:
		c.handleTyping(f)
	case *wire.MessageReadFrame:
		c.handleMessageRead(f)
	case *wire.ErrorFrame:
		c.logger.Warn("server reported error", "message", f.Message)
		if c.handlers.OnServerError != nil {
			c.handlers.OnServerError(f.Message)
		}
	default:
		c.logger.Debug("dropping unhandled frame", "frame", fmt.Sprintf("%T", frame))
	}
}

func (c *Client) handleConnectionEstablished(f *wire.ConnectionEstablishedFrame) {
	c.userID = f.UserID
	c.username = f.Username

	for _, roomID := range c.rooms.Active() {
		if err := c.conn.send(wire.Command{Type: wire.CmdSubscribeRoom, RoomID: roomID}); err != nil {
			c.logger.Warn("resubscribe failed", "room_id", roomID, "error", err)
			break
		}
	}

	pending := c.pending
	c.pending = nil
	for _, command := range pending {
		if err := c.conn.send(command); err != nil {
			c.logger.Warn("replaying queued command failed", "command", command.Type, "error", err)
			c.pending = append(c.pending, command)
		}
	}

	c.trySend(wire.Command{Type: wire.CmdGetRoomList})

	// The active room's window was dropped when the connection was
	// lost; fetch a fresh one now that pushes are flowing again.
	if c.activeRoom != "" {
		if generation, ok := c.store.BeginInitialLoad(c.activeRoom); ok {
			go c.fetchHistory(c.activeRoom, 0, generation)
		}
	}

	if c.handlers.OnReady != nil {
		c.handlers.OnReady(f.UserID, f.Username)
	}
}

func (c *Client) handleRoomList(f *wire.RoomListFrame) {
	for _, room := range f.Rooms {
		c.roomInfo[room.ID] = room
		c.unread.Seed(room.ID, room.UnreadCount)
	}
	c.unreadChanged()
	if c.handlers.OnRoomList != nil {
		c.handlers.OnRoomList(f.Rooms)
	}
}

func (c *Client) handleNewMessage(f *wire.NewMessageFrame) {
	outcome := c.store.ApplyPush(f)

	// A message from a user ends any typing indicator they had up.
	c.typing.Clear(f.RoomID, f.Message.SenderID)

	c.updateLastMessage(f.Message)

	ownMessage := outcome == PushConfirmed || f.Message.SenderID == c.userID
	if !ownMessage && outcome != PushDuplicate {
		if f.RoomID == c.activeRoom {
			// Reading the room live: tell the server immediately so
			// other sessions' counts stay right.
			c.markRead(f.RoomID)
		} else {
			c.unread.Increment(f.RoomID)
			c.unreadChanged()
		}
	}
	c.roomChanged(f.RoomID)
}

func (c *Client) handleTyping(f *wire.TypingFrame) {
	if f.UserID == c.userID {
		return
	}
	if f.IsTyping {
		c.typing.Set(f.RoomID, f.UserID, f.Username)
	} else {
		c.typing.Clear(f.RoomID, f.UserID)
	}
}

func (c *Client) handleMessageRead(f *wire.MessageReadFrame) {
	if f.UserID == c.userID {
		// Another session of this user read the room; mirror it.
		if c.unread.MarkRead(f.RoomID) {
			c.unreadChanged()
		}
	}
	if c.handlers.OnMessageRead != nil {
		c.handlers.OnMessageRead(f.RoomID, f.UserID)
	}
}

// updateLastMessage refreshes the room-list summary from a confirmed
// message.
func (c *Client) updateLastMessage(message wire.Message) {
	room, ok := c.roomInfo[message.RoomID]
	if !ok {
		return
	}
	room.LastMessage = &wire.LastMessage{
		Content:    message.Content,
		SenderID:   message.SenderID,
		SenderName: message.SenderName,
		SentAt:     message.CreatedAt,
	}
	c.roomInfo[message.RoomID] = room
}

func (c *Client) roomChanged(roomID string) {
	if c.handlers.OnRoomUpdated != nil {
		c.handlers.OnRoomUpdated(roomID)
	}
}

func (c *Client) unreadChanged() {
	if c.handlers.OnUnreadChanged != nil {
		c.handlers.OnUnreadChanged(c.unread.Total())
	}
}
