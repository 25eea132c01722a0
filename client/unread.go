// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

// UnreadCounter tracks per-room unread message counts and the
// aggregate total. The total is recomputed from the per-room map on
// every change rather than maintained independently, so the two can
// never drift apart. Mutated only from the event loop.
type UnreadCounter struct {
	counts map[string]int
	total  int
}

// NewUnreadCounter returns a counter with all counts at zero.
func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{counts: make(map[string]int)}
}

// Seed replaces a room's count with the server's snapshot value, as
// delivered in a room_list frame.
func (u *UnreadCounter) Seed(roomID string, count int) {
	if count <= 0 {
		delete(u.counts, roomID)
	} else {
		u.counts[roomID] = count
	}
	u.recompute()
}

// Increment adds one unread message to a room.
func (u *UnreadCounter) Increment(roomID string) {
	u.counts[roomID]++
	u.recompute()
}

// MarkRead resets a room's count to zero. Idempotent: returns false if
// the count was already zero.
func (u *UnreadCounter) MarkRead(roomID string) bool {
	if u.counts[roomID] == 0 {
		return false
	}
	delete(u.counts, roomID)
	u.recompute()
	return true
}

// Room returns one room's unread count.
func (u *UnreadCounter) Room(roomID string) int {
	return u.counts[roomID]
}

// Total returns the aggregate unread count across all rooms.
func (u *UnreadCounter) Total() int {
	return u.total
}

func (u *UnreadCounter) recompute() {
	total := 0
	for _, count := range u.counts {
		total += count
	}
	u.total = total
}
