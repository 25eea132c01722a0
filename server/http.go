// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/jobdeck/chat/lib/netutil"
	"github.com/jobdeck/chat/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler returns the server's HTTP surface: the websocket endpoint
// and the REST API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /api/rooms/{room}/messages", s.withAuth(s.handleHistory))
	mux.HandleFunc("POST /api/rooms/{room}/messages", s.withAuth(s.handleSend))
	mux.HandleFunc("POST /api/rooms/direct", s.withAuth(s.handleDirectRoom))
	return mux
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&wire.APIError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// withAuth resolves the bearer token before the handler runs.
func (s *Server) withAuth(handler func(w http.ResponseWriter, r *http.Request, identity Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, wire.ErrCodeUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.auth.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, wire.ErrCodeUnauthorized, "invalid token")
			return
		}
		handler(w, r, identity)
	}
}

// handleWebsocket authenticates via the token query parameter —
// browser websocket clients cannot set headers — and hands the
// connection to a session.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, wire.ErrCodeUnauthorized, "missing token")
		return
	}
	identity, err := s.auth.Authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, wire.ErrCodeUnauthorized, "invalid token")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	newSession(s, ws, identity).run()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, identity Identity) {
	roomID := r.PathValue("room")
	member, err := s.store.IsParticipant(r.Context(), roomID, identity.UserID)
	if err != nil {
		s.logger.Error("membership check failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, wire.ErrCodeInternal, "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, wire.ErrCodeForbidden, "not a participant")
		return
	}

	query := r.URL.Query()
	before, _ := strconv.ParseInt(query.Get("before"), 10, 64)
	after, _ := strconv.ParseInt(query.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))

	page, err := s.store.History(r.Context(), roomID, before, after, limit)
	if err != nil {
		s.logger.Error("history query failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, wire.ErrCodeInternal, "internal error")
		return
	}
	writeJSON(w, page)
}

// handleSend is the REST send path, used by clients whose websocket is
// down. The stored message is broadcast to subscribed sessions exactly
// like a websocket send, minus the temporary-id echo — REST callers
// get the confirmed message in the response body instead.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, identity Identity) {
	roomID := r.PathValue("room")

	var request struct {
		Content string `json:"content"`
		ReplyTo int64  `json:"reply_to"`
	}
	if err := netutil.DecodeJSON(r.Body, &request); err != nil {
		writeError(w, http.StatusBadRequest, wire.ErrCodeBadRequest, "malformed request body")
		return
	}
	if request.Content == "" {
		writeError(w, http.StatusBadRequest, wire.ErrCodeBadRequest, "empty message")
		return
	}
	if utf8.RuneCountInString(request.Content) > wire.MaxContentLength {
		writeError(w, http.StatusRequestEntityTooLarge, wire.ErrCodeTooLarge, "message too large")
		return
	}

	member, err := s.store.IsParticipant(r.Context(), roomID, identity.UserID)
	if err != nil {
		s.logger.Error("membership check failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, wire.ErrCodeInternal, "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, wire.ErrCodeForbidden, "not a participant")
		return
	}

	message, err := s.store.InsertMessage(r.Context(), roomID, identity.UserID, identity.Username, request.Content, request.ReplyTo)
	if err != nil {
		s.logger.Error("message insert failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, wire.ErrCodeInternal, "internal error")
		return
	}
	s.broadcastMessage(message, nil, "")
	writeJSON(w, message)
}

func (s *Server) handleDirectRoom(w http.ResponseWriter, r *http.Request, identity Identity) {
	var request struct {
		OtherUserID string `json:"other_user_id"`
	}
	if err := netutil.DecodeJSON(r.Body, &request); err != nil {
		writeError(w, http.StatusBadRequest, wire.ErrCodeBadRequest, "malformed request body")
		return
	}
	if request.OtherUserID == "" {
		writeError(w, http.StatusBadRequest, wire.ErrCodeBadRequest, "other_user_id is required")
		return
	}
	if request.OtherUserID == identity.UserID {
		writeError(w, http.StatusBadRequest, wire.ErrCodeBadRequest, "cannot open a direct room with yourself")
		return
	}

	room, created, err := s.store.GetOrCreateDirectRoom(r.Context(), identity.UserID, request.OtherUserID)
	if err != nil {
		s.logger.Error("direct room failed", "error", err)
		writeError(w, http.StatusInternalServerError, wire.ErrCodeInternal, "internal error")
		return
	}
	writeJSON(w, &wire.DirectRoomResponse{Room: room, Created: created})
}
