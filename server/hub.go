// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"

	"github.com/jobdeck/chat/wire"
)

// Hub routes frames between sessions. It owns the session set and the
// per-room subscription index, and it is the only goroutine that
// touches either: sessions talk to it through channels, never by
// sharing state.
//
// Delivery to a session is non-blocking. A session whose outbound
// buffer is full is evicted rather than allowed to stall the hub — a
// consumer that cannot keep up with fan-out is indistinguishable from
// a dead connection, and the client reconnects and resynchronizes
// through the room list and history anyway.
type Hub struct {
	logger *slog.Logger

	register    chan *session
	unregister  chan *session
	subscribe   chan subscription
	unsubscribe chan subscription
	broadcasts  chan broadcast
	stop        chan struct{}
	stopped     chan struct{}

	sessions map[*session]struct{}
	rooms    map[string]map[*session]struct{}
}

type subscription struct {
	sess   *session
	roomID string
}

// broadcast is one frame fanned out to a room's subscribers. origin,
// when set, receives originData instead of data — the send_message
// echo carries the sender's temporary id on that copy only. A nil
// originData with a non-nil origin skips origin entirely: typing
// signals are never echoed to the typist.
type broadcast struct {
	roomID     string
	data       []byte
	origin     *session
	originData []byte
}

// NewHub creates a hub. Run must be started before sessions attach.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		register:    make(chan *session),
		unregister:  make(chan *session),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		broadcasts:  make(chan broadcast, 64),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		sessions:    make(map[*session]struct{}),
		rooms:       make(map[string]map[*session]struct{}),
	}
}

// Run processes hub events until Stop. Call it on its own goroutine.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.stop:
			for sess := range h.sessions {
				h.drop(sess)
			}
			return
		case sess := <-h.register:
			h.sessions[sess] = struct{}{}
			h.logger.Info("session attached", "user_id", sess.userID, "sessions", len(h.sessions))
		case sess := <-h.unregister:
			h.drop(sess)
		case sub := <-h.subscribe:
			room := h.rooms[sub.roomID]
			if room == nil {
				room = make(map[*session]struct{})
				h.rooms[sub.roomID] = room
			}
			room[sub.sess] = struct{}{}
		case sub := <-h.unsubscribe:
			h.leaveRoom(sub.sess, sub.roomID)
		case b := <-h.broadcasts:
			h.fanOut(b)
		}
	}
}

// Stop shuts the hub down, closing every attached session's outbound
// channel. Blocks until the run loop has exited.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.stopped
}

// Broadcast fans data out to the room's subscribers.
func (h *Hub) Broadcast(roomID string, data []byte) {
	post(h, h.broadcasts, broadcast{roomID: roomID, data: data})
}

// BroadcastWithEcho fans data out to the room's subscribers, except
// that origin receives originData.
func (h *Hub) BroadcastWithEcho(roomID string, data []byte, origin *session, originData []byte) {
	post(h, h.broadcasts, broadcast{roomID: roomID, data: data, origin: origin, originData: originData})
}

// BroadcastExcept fans data out to every subscriber but origin.
func (h *Hub) BroadcastExcept(roomID string, data []byte, origin *session) {
	post(h, h.broadcasts, broadcast{roomID: roomID, data: data, origin: origin})
}

// attach registers a session; detach removes it. Both are safe to call
// during shutdown: once the run loop has exited they are no-ops.
func (h *Hub) attach(sess *session) { post(h, h.register, sess) }
func (h *Hub) detach(sess *session) { post(h, h.unregister, sess) }

func (h *Hub) joinRoom(sess *session, roomID string) {
	post(h, h.subscribe, subscription{sess: sess, roomID: roomID})
}

func (h *Hub) partRoom(sess *session, roomID string) {
	post(h, h.unsubscribe, subscription{sess: sess, roomID: roomID})
}

// post sends v unless the hub has stopped, so session goroutines never
// block on a dead run loop.
func post[T any](h *Hub, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.stopped:
	}
}

func (h *Hub) fanOut(b broadcast) {
	for sess := range h.rooms[b.roomID] {
		data := b.data
		if sess == b.origin {
			if b.originData == nil {
				continue
			}
			data = b.originData
		}
		select {
		case sess.outbound <- data:
		default:
			h.logger.Warn("evicting slow session", "user_id", sess.userID)
			h.drop(sess)
		}
	}
}

// drop detaches a session: removes it from every room and closes its
// outbound channel, which ends its write pump.
func (h *Hub) drop(sess *session) {
	if _, ok := h.sessions[sess]; !ok {
		return
	}
	delete(h.sessions, sess)
	for roomID := range h.rooms {
		h.leaveRoom(sess, roomID)
	}
	close(sess.outbound)
	h.logger.Info("session detached", "user_id", sess.userID, "sessions", len(h.sessions))
}

func (h *Hub) leaveRoom(sess *session, roomID string) {
	room := h.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, sess)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// pushFrame encodes a frame and fans it out to the room. A non-nil
// exclude is left out of the fan-out.
func (h *Hub) pushFrame(roomID string, frame any, exclude *session) {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		h.logger.Error("encoding broadcast frame", "error", err)
		return
	}
	if exclude != nil {
		h.BroadcastExcept(roomID, data, exclude)
		return
	}
	h.Broadcast(roomID, data)
}
