// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sort"
	"time"

	"github.com/jobdeck/chat/lib/clock"
)

// TypingTTL is how long a typing indicator stays visible without a
// refreshing event. Typing is a liveness hint, not a delivery
// guarantee: the peer's stop signal may never arrive (page navigation,
// dropped connection), so local expiry is the authoritative correction.
const TypingTTL = 3 * time.Second

// TypingTracker holds ephemeral per-room typing state. Entries expire
// TypingTTL after their last refresh; an entry past its deadline is
// logically absent even before its timer has garbage-collected it.
// Mutated only from the event loop — expiry callbacks are re-posted
// onto the loop by the injected post function.
type TypingTracker struct {
	clock    clock.Clock
	post     func(func())
	onChange func(roomID string)
	rooms    map[string]map[string]*typingEntry
}

type typingEntry struct {
	name     string
	deadline time.Time
	timer    *clock.Timer
}

func newTypingTracker(clk clock.Clock, post func(func()), onChange func(roomID string)) *TypingTracker {
	return &TypingTracker{
		clock:    clk,
		post:     post,
		onChange: onChange,
		rooms:    make(map[string]map[string]*typingEntry),
	}
}

// Set inserts or refreshes the typing entry for (roomID, userID).
// Every call resets the expiry deadline.
func (t *TypingTracker) Set(roomID, userID, name string) {
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]*typingEntry)
		t.rooms[roomID] = room
	}

	deadline := t.clock.Now().Add(TypingTTL)
	if existing, ok := room[userID]; ok {
		existing.timer.Stop()
		existing.name = name
		existing.deadline = deadline
		existing.timer = t.expiryTimer(roomID, userID, deadline)
		return
	}

	room[userID] = &typingEntry{
		name:     name,
		deadline: deadline,
		timer:    t.expiryTimer(roomID, userID, deadline),
	}
	t.notify(roomID)
}

// Clear removes the entry immediately and cancels its timer. Used for
// explicit stop-typing events and when a message from the user arrives
// (sending implies no longer typing).
func (t *TypingTracker) Clear(roomID, userID string) {
	room := t.rooms[roomID]
	entry, ok := room[userID]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	t.notify(roomID)
}

// Active returns the display names of users currently typing in a
// room, sorted. Entries past their deadline are excluded even if their
// timer has not fired yet.
func (t *TypingTracker) Active(roomID string) []string {
	now := t.clock.Now()
	var names []string
	for _, entry := range t.rooms[roomID] {
		if entry.deadline.After(now) {
			names = append(names, entry.name)
		}
	}
	sort.Strings(names)
	return names
}

func (t *TypingTracker) expiryTimer(roomID, userID string, deadline time.Time) *clock.Timer {
	return t.clock.AfterFunc(TypingTTL, func() {
		t.post(func() { t.expire(roomID, userID, deadline) })
	})
}

// expire removes an entry whose deadline has passed. The deadline
// comparison drops stale fires: if the entry was refreshed after this
// timer was scheduled, its deadline differs and the entry stays.
func (t *TypingTracker) expire(roomID, userID string, deadline time.Time) {
	room := t.rooms[roomID]
	entry, ok := room[userID]
	if !ok || !entry.deadline.Equal(deadline) {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	t.notify(roomID)
}

func (t *TypingTracker) notify(roomID string) {
	if t.onChange != nil {
		t.onChange(roomID)
	}
}
