// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/jobdeck/chat/wire"
)

const (
	// sessionOutboundSize is the per-session outbound buffer. A
	// session that falls this far behind fan-out is evicted by the
	// hub.
	sessionOutboundSize = 256

	// sessionReadDeadline bounds the gap between reads. Clients ping
	// every 30 seconds; missing two full intervals plus slack means
	// the connection is gone.
	sessionReadDeadline = 65 * time.Second

	sessionWriteDeadline = 10 * time.Second

	// maxCommandSize bounds inbound command payloads. The largest
	// legitimate command is a send_message at the content limit.
	maxCommandSize = 64 << 10
)

// session is one websocket connection for one authenticated user. The
// read pump (run) decodes commands and executes them against the store
// and hub; the write pump drains the outbound channel. A user may hold
// several sessions at once — one per device or tab.
type session struct {
	userID   string
	username string

	server   *Server
	logger   *slog.Logger
	ws       *websocket.Conn
	outbound chan []byte
}

func newSession(server *Server, ws *websocket.Conn, identity Identity) *session {
	return &session{
		userID:   identity.UserID,
		username: identity.Username,
		server:   server,
		logger:   server.logger.With("user_id", identity.UserID),
		ws:       ws,
		outbound: make(chan []byte, sessionOutboundSize),
	}
}

// run attaches the session to the hub, announces the identity, and
// pumps commands until the connection drops. It blocks; the caller
// runs it on the connection's handler goroutine.
func (s *session) run() {
	s.server.hub.attach(s)
	go s.writePump()

	s.sendFrame(&wire.ConnectionEstablishedFrame{
		UserID:   s.userID,
		Username: s.username,
	})

	s.readPump()
	s.server.hub.detach(s)
}

func (s *session) readPump() {
	s.ws.SetReadLimit(maxCommandSize)
	resetDeadline := func() { s.ws.SetReadDeadline(time.Now().Add(sessionReadDeadline)) }
	resetDeadline()
	s.ws.SetPingHandler(func(appData string) error {
		resetDeadline()
		return s.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(sessionWriteDeadline))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read ended", "error", err)
			}
			return
		}
		resetDeadline()

		command, err := wire.DecodeCommand(data)
		if err != nil {
			s.sendError("malformed command")
			continue
		}
		s.handleCommand(command)
	}
}

// writePump drains outbound until the hub closes it, then closes the
// socket, which ends the read pump.
func (s *session) writePump() {
	defer s.ws.Close()
	for data := range s.outbound {
		s.ws.SetWriteDeadline(time.Now().Add(sessionWriteDeadline))
		if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Orderly close: the hub detached this session.
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(sessionWriteDeadline))
}

// sendFrame delivers a frame to this session only. Like hub fan-out,
// delivery is non-blocking: a full buffer drops the session.
func (s *session) sendFrame(frame any) {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		s.logger.Error("encoding frame", "error", err)
		return
	}
	select {
	case s.outbound <- data:
	default:
		s.logger.Warn("outbound buffer full, dropping session")
		s.server.hub.detach(s)
	}
}

func (s *session) sendError(message string) {
	s.sendFrame(&wire.ErrorFrame{Message: message})
}

func (s *session) handleCommand(command wire.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch command.Type {
	case wire.CmdSubscribeRoom:
		s.handleSubscribe(ctx, command.RoomID)
	case wire.CmdUnsubscribeRoom:
		s.server.hub.partRoom(s, command.RoomID)
		s.sendFrame(&wire.UnsubscribedFrame{RoomID: command.RoomID})
	case wire.CmdSendMessage:
		s.handleSend(ctx, command)
	case wire.CmdTyping:
		s.handleTyping(ctx, command.RoomID, true)
	case wire.CmdStopTyping:
		s.handleTyping(ctx, command.RoomID, false)
	case wire.CmdMarkRead:
		s.handleMarkRead(ctx, command)
	case wire.CmdGetRoomList:
		s.handleRoomList(ctx)
	default:
		// Unknown commands are answered, not fatal: an older server
		// must not kill newer clients.
		s.sendError("unknown command type " + string(command.Type))
	}
}

func (s *session) requireMembership(ctx context.Context, roomID string) bool {
	member, err := s.server.store.IsParticipant(ctx, roomID, s.userID)
	if err != nil {
		s.logger.Error("membership check failed", "room_id", roomID, "error", err)
		s.sendError("internal error")
		return false
	}
	if !member {
		s.sendError("not a participant of room " + roomID)
		return false
	}
	return true
}

func (s *session) handleSubscribe(ctx context.Context, roomID string) {
	if !s.requireMembership(ctx, roomID) {
		return
	}
	s.server.hub.joinRoom(s, roomID)
	s.sendFrame(&wire.SubscribedFrame{RoomID: roomID})
}

func (s *session) handleSend(ctx context.Context, command wire.Command) {
	if command.Content == "" {
		s.sendError("empty message")
		return
	}
	if utf8.RuneCountInString(command.Content) > wire.MaxContentLength {
		s.sendError("message too large")
		return
	}
	if !s.requireMembership(ctx, command.RoomID) {
		return
	}

	message, err := s.server.store.InsertMessage(ctx, command.RoomID, s.userID, s.username, command.Content, command.ReplyTo)
	if err != nil {
		s.logger.Error("message insert failed", "room_id", command.RoomID, "error", err)
		s.sendError("internal error")
		return
	}
	s.server.broadcastMessage(message, s, command.TempID)
}

func (s *session) handleTyping(ctx context.Context, roomID string, isTyping bool) {
	if roomID == "" {
		return
	}
	if !s.requireMembership(ctx, roomID) {
		return
	}
	// Relayed to the other subscribers only; the typist already knows.
	s.server.hub.pushFrame(roomID, &wire.TypingFrame{
		RoomID:   roomID,
		UserID:   s.userID,
		Username: s.username,
		IsTyping: isTyping,
	}, s)
}

func (s *session) handleMarkRead(ctx context.Context, command wire.Command) {
	if !s.requireMembership(ctx, command.RoomID) {
		return
	}
	var upTo int64
	for _, id := range command.MessageIDs {
		if id > upTo {
			upTo = id
		}
	}
	position, err := s.server.store.MarkRead(ctx, command.RoomID, s.userID, upTo)
	if err != nil {
		s.logger.Error("mark read failed", "room_id", command.RoomID, "error", err)
		s.sendError("internal error")
		return
	}
	// Fans out to the reader's own sessions too: another device of the
	// same user mirrors the read to clear its unread badge.
	s.server.hub.pushFrame(command.RoomID, &wire.MessageReadFrame{
		RoomID:     command.RoomID,
		UserID:     s.userID,
		MessageIDs: []int64{position},
	}, nil)
}

func (s *session) handleRoomList(ctx context.Context) {
	rooms, err := s.server.store.RoomsForUser(ctx, s.userID)
	if err != nil {
		s.logger.Error("room list failed", "error", err)
		s.sendError("internal error")
		return
	}
	s.sendFrame(&wire.RoomListFrame{Rooms: rooms})
}
