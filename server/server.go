// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the chat backend: a websocket endpoint
// carrying the frame protocol, the REST endpoints for history and
// offline sends, and SQLite persistence for rooms, messages, and read
// positions.
package server

import (
	"fmt"
	"log/slog"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/wire"
)

// Identity is an authenticated user.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator resolves a bearer token to an identity. The chat
// server does not issue tokens; the surrounding platform does.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// StaticTokens is a fixed token table, used by the daemon's config
// file and by tests.
type StaticTokens map[string]Identity

func (t StaticTokens) Authenticate(token string) (Identity, error) {
	identity, ok := t[token]
	if !ok {
		return Identity{}, fmt.Errorf("server: unknown token")
	}
	return identity, nil
}

// Config holds the parameters for creating a Server.
type Config struct {
	// Store is the opened message store. Required. The server does
	// not close it.
	Store *Store

	// Auth resolves bearer tokens. Required.
	Auth Authenticator

	// Clock is used for socket deadlines and timestamps surfaced in
	// logs. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Server ties the store, the hub, and the HTTP surface together.
// Create it with NewServer, expose Handler on an http.Server, and call
// Close on shutdown.
type Server struct {
	store  *Store
	hub    *Hub
	auth   Authenticator
	clock  clock.Clock
	logger *slog.Logger
}

// NewServer creates the server and starts its hub.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: Store is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: Auth is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:  cfg.Store,
		hub:    NewHub(logger),
		auth:   cfg.Auth,
		clock:  clk,
		logger: logger,
	}
	go s.hub.Run()
	return s, nil
}

// Close stops the hub, disconnecting every session. The store is left
// open for the caller to close.
func (s *Server) Close() {
	s.hub.Stop()
}

// broadcastMessage fans a stored message out to the room's
// subscribers. When the message came over a websocket session, that
// session's copy carries the client's temporary id so the sender can
// confirm its optimistic entry; every other copy omits it.
func (s *Server) broadcastMessage(message wire.Message, origin *session, tempID string) {
	frame := &wire.NewMessageFrame{RoomID: message.RoomID, Message: message}
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		s.logger.Error("encoding message frame", "error", err)
		return
	}
	if origin == nil || tempID == "" {
		s.hub.Broadcast(message.RoomID, data)
		return
	}
	echo := &wire.NewMessageFrame{RoomID: message.RoomID, Message: message, TempID: tempID}
	echoData, err := wire.EncodeFrame(echo)
	if err != nil {
		s.logger.Error("encoding echo frame", "error", err)
		return
	}
	s.hub.BroadcastWithEcho(message.RoomID, data, origin, echoData)
}
