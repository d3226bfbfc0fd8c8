// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package reconciler

import (
	"github.com/element-hq/roomsync/eventstore"
	"github.com/element-hq/roomsync/receipts"
	"github.com/element-hq/roomsync/sticky"
	"github.com/element-hq/roomsync/threads"
	"github.com/element-hq/roomsync/timeline"
	"github.com/element-hq/roomsync/types"
)

// Room bundles the per-room structures the reconciler feeds: the event
// arena, the main timeline, thread registry, receipt tracker and sticky
// store. It implements receipts.RoomView so the tracker can resolve
// ordering, scope and tail queries against live room data.
type Room struct {
	ID string

	store    *eventstore.Store
	main     *timeline.Timeline
	threads  *threads.Registry
	receipts *receipts.Tracker
	sticky   *sticky.Store

	// state is current room state: type -> state key -> event.
	// Last-writer-wins by arrival; state resolution is the server's job.
	state map[string]map[string]*types.Event

	pending []*pendingSend
}

func newRoom(roomID string, maxChainDepth int, onSticky func(sticky.Update)) *Room {
	r := &Room{
		ID:    roomID,
		store: eventstore.NewStore(roomID),
		main:  timeline.New("room:" + roomID),
		state: make(map[string]map[string]*types.Event),
	}
	r.threads = threads.NewRegistry(roomID, r.store, maxChainDepth)
	r.receipts = receipts.NewTracker(roomID, r)
	r.sticky = sticky.NewStore(roomID, onSticky)
	return r
}

// GetEvent implements receipts.RoomView.
func (r *Room) GetEvent(eventID string) (*types.Event, bool) {
	return r.store.Get(eventID)
}

// CompareOrder implements receipts.RoomView. Two events compare within
// the main timeline if both are retained there; failing that, within a
// thread sub-timeline if they share a thread. Anything else is unknown.
func (r *Room) CompareOrder(a, b string) types.Ordering {
	if ord := r.main.CompareOrder(a, b); ord != types.OrderUnknown {
		return ord
	}
	rootA, okA := r.threads.ThreadOfEvent(a)
	rootB, okB := r.threads.ThreadOfEvent(b)
	if okA && okB && rootA == rootB {
		if th, ok := r.threads.Thread(rootA); ok {
			return th.Timeline.CompareOrder(a, b)
		}
	}
	return types.OrderUnknown
}

// ThreadScope implements receipts.RoomView.
func (r *Room) ThreadScope(eventID string) string {
	return r.threads.ThreadScope(eventID)
}

// LatestEventInScope implements receipts.RoomView.
func (r *Room) LatestEventInScope(scope string) string {
	if scope == threads.MainTimeline {
		return r.main.Latest()
	}
	if th, ok := r.threads.Thread(scope); ok {
		return th.LastReplyID()
	}
	return ""
}

// Timeline exposes the room's main timeline.
func (r *Room) Timeline() *timeline.Timeline { return r.main }

// Threads exposes the room's thread registry.
func (r *Room) Threads() *threads.Registry { return r.threads }

// Receipts exposes the room's receipt tracker.
func (r *Room) Receipts() *receipts.Tracker { return r.receipts }

// Sticky exposes the room's sticky-event store.
func (r *Room) Sticky() *sticky.Store { return r.sticky }

// CurrentState returns the current state event for (type, state key).
func (r *Room) CurrentState(eventType, stateKey string) (*types.Event, bool) {
	byKey, ok := r.state[eventType]
	if !ok {
		return nil, false
	}
	ev, ok := byKey[stateKey]
	return ev, ok
}

// PendingEvents lists the local-echo events still awaiting confirmation,
// oldest first.
func (r *Room) PendingEvents() []*types.Event {
	out := make([]*types.Event, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.event)
	}
	return out
}

func (r *Room) applyState(ev *types.Event) {
	byKey, ok := r.state[ev.Type]
	if !ok {
		byKey = make(map[string]*types.Event)
		r.state[ev.Type] = byKey
	}
	byKey[*ev.StateKey] = ev
}

func (r *Room) removePending(localID string) *pendingSend {
	for i, p := range r.pending {
		if p.event.ID == localID || p.event.LocalID == localID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (r *Room) findPendingByTxn(txnID string) *pendingSend {
	for _, p := range r.pending {
		if p.txnID == txnID {
			return p
		}
	}
	return nil
}
