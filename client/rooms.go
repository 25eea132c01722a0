// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import "sort"

// RoomRegistry is the set of rooms this client is subscribed to. It is
// pure bookkeeping: protocol commands are issued by the Client, and the
// registry only answers "which rooms do I resubscribe after a
// reconnect". Mutated exclusively from the event loop, so it carries
// no lock.
type RoomRegistry struct {
	active map[string]struct{}
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{active: make(map[string]struct{})}
}

// Subscribe adds roomID to the set. Returns false if it was already
// present; callers treat repeats as no-ops.
func (r *RoomRegistry) Subscribe(roomID string) bool {
	if _, ok := r.active[roomID]; ok {
		return false
	}
	r.active[roomID] = struct{}{}
	return true
}

// Unsubscribe removes roomID from the set. Returns false if it was not
// present.
func (r *RoomRegistry) Unsubscribe(roomID string) bool {
	if _, ok := r.active[roomID]; !ok {
		return false
	}
	delete(r.active, roomID)
	return true
}

// Contains reports whether roomID is in the set.
func (r *RoomRegistry) Contains(roomID string) bool {
	_, ok := r.active[roomID]
	return ok
}

// Active returns the subscribed room ids, sorted for deterministic
// resubscription order.
func (r *RoomRegistry) Active() []string {
	rooms := make([]string, 0, len(r.active))
	for roomID := range r.active {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Len returns the number of subscribed rooms.
func (r *RoomRegistry) Len() int {
	return len(r.active)
}
