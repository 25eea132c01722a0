// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/jobdeck/chat/wire"
)

// MessageStore merges the two message-arrival paths — cursor-paginated
// history and live push — into one consistent per-room view. Each
// room's window is an ascending, gap-free, duplicate-free list of
// server-confirmed messages, with optimistic pending/failed entries at
// the chronological tail.
//
// Pagination is single-flight per room: a second load while one is in
// flight is refused, which is what prevents overlapping requests from
// inserting the same prefix twice. Results are additionally guarded by
// a per-room generation number so that responses arriving after a
// disconnect (or any other invalidation) are dropped silently.
//
// MessageStore is mutated only from the event loop and carries no lock.
type MessageStore struct {
	pageSize int
	rooms    map[string]*roomWindow
}

// roomWindow is one room's loaded message range plus send-in-progress
// entries.
type roomWindow struct {
	// messages is ascending by server id. Pending and failed entries
	// (no server id yet) sit after every confirmed message.
	messages []wire.Message

	// ids indexes the server ids present in messages, for O(1) dedup.
	ids map[int64]struct{}

	oldestID int64
	newestID int64
	hasMore  bool

	// loaded is set once the initial page has been applied. Live
	// pushes for an unloaded room are not buffered — the initial load
	// will fetch them — so the window never starts from a gap.
	loaded bool

	inFlight   bool
	generation int
}

// PushOutcome classifies what ApplyPush did with a live message.
type PushOutcome int

const (
	// PushAppended: a new message was appended at the tail.
	PushAppended PushOutcome = iota
	// PushConfirmed: the frame's temporary id matched a pending entry,
	// which was confirmed in place.
	PushConfirmed
	// PushDuplicate: the server id was already present; nothing changed.
	PushDuplicate
	// PushUnloaded: the room has no loaded window; the message was not
	// stored (history load will pick it up) though callers may still
	// update room metadata and unread counts.
	PushUnloaded
)

// NewMessageStore returns a store requesting pageSize messages per
// history page. Non-positive pageSize uses wire.DefaultPageSize.
func NewMessageStore(pageSize int) *MessageStore {
	if pageSize <= 0 {
		pageSize = wire.DefaultPageSize
	}
	return &MessageStore{
		pageSize: pageSize,
		rooms:    make(map[string]*roomWindow),
	}
}

// PageSize returns the configured history page size.
func (s *MessageStore) PageSize() int { return s.pageSize }

func (s *MessageStore) window(roomID string) *roomWindow {
	w := s.rooms[roomID]
	if w == nil {
		w = &roomWindow{ids: make(map[int64]struct{})}
		s.rooms[roomID] = w
	}
	return w
}

// Loaded reports whether the room's initial page has been applied.
func (s *MessageStore) Loaded(roomID string) bool {
	w := s.rooms[roomID]
	return w != nil && w.loaded
}

// HasMore reports whether older history exists below the loaded window.
func (s *MessageStore) HasMore(roomID string) bool {
	w := s.rooms[roomID]
	return w != nil && w.hasMore
}

// Window returns the loaded id range for a room.
func (s *MessageStore) Window(roomID string) (oldestID, newestID int64, hasMore, loaded bool) {
	w := s.rooms[roomID]
	if w == nil {
		return 0, 0, false, false
	}
	return w.oldestID, w.newestID, w.hasMore, w.loaded
}

// Messages returns a copy of the room's message list in chronological
// order, pending/failed entries last.
func (s *MessageStore) Messages(roomID string) []wire.Message {
	w := s.rooms[roomID]
	if w == nil {
		return nil
	}
	out := make([]wire.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// BeginInitialLoad marks the room's first page fetch as in flight and
// returns the generation the response must present. ok is false if the
// room is already loaded or a load is in flight.
func (s *MessageStore) BeginInitialLoad(roomID string) (generation int, ok bool) {
	w := s.window(roomID)
	if w.loaded || w.inFlight {
		return 0, false
	}
	w.inFlight = true
	return w.generation, true
}

// BeginLoadOlder marks a pagination fetch as in flight, returning the
// `before` cursor and required generation. ok is false if the room is
// not loaded, has no more history, or already has a load in flight —
// the single-flight rule.
func (s *MessageStore) BeginLoadOlder(roomID string) (before int64, generation int, ok bool) {
	w := s.rooms[roomID]
	if w == nil || !w.loaded || !w.hasMore || w.inFlight {
		return 0, 0, false
	}
	w.inFlight = true
	return w.oldestID, w.generation, true
}

// AbortLoad clears the in-flight flag after a failed fetch, so the
// caller can retry. A stale generation is ignored.
func (s *MessageStore) AbortLoad(roomID string, generation int) {
	w := s.rooms[roomID]
	if w == nil || w.generation != generation {
		return
	}
	w.inFlight = false
}

// FinishLoad applies a history page started by BeginInitialLoad or
// BeginLoadOlder. The page's messages arrive in descending id order
// and are reversed before merging; an older page is prepended to the
// existing window in one step, keeping the loaded range contiguous.
// Returns false — with no state change — if the generation is stale.
func (s *MessageStore) FinishLoad(roomID string, generation int, page *wire.HistoryPage) bool {
	w := s.rooms[roomID]
	if w == nil || w.generation != generation || !w.inFlight {
		return false
	}
	w.inFlight = false

	ascending := make([]wire.Message, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if _, dup := w.ids[m.ID]; dup {
			continue
		}
		m.Status = wire.StatusSent
		ascending = append(ascending, m)
	}

	if !w.loaded {
		// Initial page: pending entries may already exist from sends
		// issued before the load finished; they stay at the tail.
		w.messages = append(ascending, w.messages...)
		w.loaded = true
	} else {
		w.messages = append(ascending, w.messages...)
	}
	for _, m := range ascending {
		w.ids[m.ID] = struct{}{}
	}

	if page.OldestID > 0 && (w.oldestID == 0 || page.OldestID < w.oldestID) {
		w.oldestID = page.OldestID
	}
	if page.NewestID > w.newestID {
		w.newestID = page.NewestID
	}
	w.hasMore = page.HasMore
	return true
}

// ConnectionLost resets the store after a transport loss. Every room's
// generation is bumped so in-flight responses are dropped on arrival,
// and every confirmed window is unloaded: messages may have been
// persisted server-side while the client was away, so the loaded range
// can no longer be trusted to be contiguous with the next live push.
// The next load fetches a fresh window.
//
// Pending and failed entries survive the reset. A pending entry whose
// confirmation was cut off with the socket becomes failed, leaving the
// caller an explicit retry; restInFlight lists the temporary ids whose
// REST delivery is still running, and those stay pending. Returns the
// rooms whose visible messages changed.
func (s *MessageStore) ConnectionLost(restInFlight map[string]struct{}) []string {
	var changed []string
	for roomID, w := range s.rooms {
		w.generation++
		w.inFlight = false

		kept := make([]wire.Message, 0, len(w.messages))
		visibleChange := false
		for _, m := range w.messages {
			if m.TempID == "" {
				// Confirmed entries are dropped with the window.
				visibleChange = true
				continue
			}
			if m.Status == wire.StatusPending {
				if _, resting := restInFlight[m.TempID]; !resting {
					m.Status = wire.StatusFailed
					visibleChange = true
				}
			}
			kept = append(kept, m)
		}

		w.messages = kept
		w.ids = make(map[int64]struct{})
		w.oldestID, w.newestID = 0, 0
		w.hasMore = false
		w.loaded = false
		if len(kept) == 0 {
			delete(s.rooms, roomID)
		}
		if visibleChange {
			changed = append(changed, roomID)
		}
	}
	return changed
}

// AppendPending inserts an optimistic entry at the tail. The message
// must carry a temporary id and StatusPending.
func (s *MessageStore) AppendPending(message wire.Message) {
	w := s.window(message.RoomID)
	w.messages = append(w.messages, message)
}

// ConfirmPending replaces the pending entry with the given temporary
// id by the server-confirmed message, preserving its list position.
// Returns false if no pending entry matches.
func (s *MessageStore) ConfirmPending(roomID, tempID string, confirmed wire.Message) bool {
	w := s.rooms[roomID]
	if w == nil {
		return false
	}
	for i := range w.messages {
		if w.messages[i].TempID != tempID || w.messages[i].Status != wire.StatusPending {
			continue
		}
		confirmed.TempID = ""
		confirmed.Status = wire.StatusSent
		w.messages[i] = confirmed
		w.ids[confirmed.ID] = struct{}{}
		if confirmed.ID > w.newestID {
			w.newestID = confirmed.ID
		}
		if w.oldestID == 0 {
			w.oldestID = confirmed.ID
		}
		return true
	}
	return false
}

// FailPending marks the pending entry with the given temporary id as
// failed. No automatic retry follows; the entry stays visible until
// the caller retries or removes it.
func (s *MessageStore) FailPending(roomID, tempID string) bool {
	w := s.rooms[roomID]
	if w == nil {
		return false
	}
	for i := range w.messages {
		if w.messages[i].TempID == tempID && w.messages[i].Status == wire.StatusPending {
			w.messages[i].Status = wire.StatusFailed
			return true
		}
	}
	return false
}

// RemoveFailed removes a failed entry, returning its content so the
// caller can resubmit it under a fresh temporary id.
func (s *MessageStore) RemoveFailed(roomID, tempID string) (wire.Message, bool) {
	w := s.rooms[roomID]
	if w == nil {
		return wire.Message{}, false
	}
	for i := range w.messages {
		if w.messages[i].TempID == tempID && w.messages[i].Status == wire.StatusFailed {
			removed := w.messages[i]
			w.messages = append(w.messages[:i], w.messages[i+1:]...)
			return removed, true
		}
	}
	return wire.Message{}, false
}

// ApplyPush merges a live-pushed message. If the frame carries a
// temporary id matching a pending entry, the push is a confirmation;
// if its server id is already present, it is a duplicate (a message
// can legitimately arrive via both push and a later history fetch);
// otherwise it appends at the chronological tail. Appends are accepted
// even when the pushed id is not adjacent to newestID — live pushes
// are causally later than anything loaded, so contiguity between the
// window top and a push is assumed, not enforced.
func (s *MessageStore) ApplyPush(frame *wire.NewMessageFrame) PushOutcome {
	w := s.rooms[frame.RoomID]
	if w == nil || !w.loaded {
		// Confirmation for a pending send still applies even before
		// the initial load: the pending entry lives in the window.
		if w != nil && frame.TempID != "" && s.ConfirmPending(frame.RoomID, frame.TempID, frame.Message) {
			return PushConfirmed
		}
		return PushUnloaded
	}

	if frame.TempID != "" && s.ConfirmPending(frame.RoomID, frame.TempID, frame.Message) {
		return PushConfirmed
	}
	if _, dup := w.ids[frame.Message.ID]; dup {
		return PushDuplicate
	}

	message := frame.Message
	message.Status = wire.StatusSent
	w.messages = append(w.messages, message)
	w.ids[message.ID] = struct{}{}
	if message.ID > w.newestID {
		w.newestID = message.ID
	}
	if w.oldestID == 0 {
		w.oldestID = message.ID
	}
	return PushAppended
}
