// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package receipts maintains multi-user read-receipt state per room and
// thread scope. Receipts come in two kinds: real (server-confirmed) and
// synthetic (locally inferred, e.g. from sending a message). The stored
// receipt for a (scope, user, kind) never moves earlier; a synthetic
// receipt survives only while strictly later than the real one for the
// same scope, enforced at write time.
package receipts

import (
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomsync/types"
)

var (
	danglingBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "receipts",
		Name:      "dangling_buffered_total",
		Help:      "Receipts buffered because their target event was unknown",
	})
	danglingPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "receipts",
		Name:      "dangling_promoted_total",
		Help:      "Dangling receipts promoted after their target event arrived",
	})
	staleRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "receipts",
		Name:      "stale_rejected_total",
		Help:      "Receipts rejected for being ordered before the stored receipt",
	})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(danglingBuffered, danglingPromoted, staleRejected)
	})
}

// RoomView is the slice of room knowledge the tracker needs: event lookup,
// timeline ordering, thread-scope resolution and the newest event per
// scope (for the self-authored-tail heuristic).
type RoomView interface {
	GetEvent(eventID string) (*types.Event, bool)
	CompareOrder(a, b string) types.Ordering
	ThreadScope(eventID string) string
	LatestEventInScope(scope string) string
}

// BatchEntry is one receipt tuple from a delta batch. An empty ThreadID
// marks an unthreaded receipt, which applies room-wide; any other value
// (including the main-timeline scope) is a threaded receipt.
type BatchEntry struct {
	EventID  string
	UserID   string
	TS       spec.Timestamp
	ThreadID string
}

// Receipt is a stored read marker.
type Receipt struct {
	EventID   string
	TS        spec.Timestamp
	Synthetic bool
}

type pair struct {
	real      *Receipt
	synthetic *Receipt
}

type scopeKey struct {
	scope string // "" for unthreaded
	user  string
}

type dangling struct {
	entry     BatchEntry
	synthetic bool
}

// Tracker holds receipt state for one room. Not safe for concurrent use;
// the reconciler is its only caller, on the single reconciliation loop.
type Tracker struct {
	roomID   string
	room     RoomView
	receipts map[scopeKey]*pair
	// danglingByEvent buffers receipts whose target event has not been
	// observed yet, keyed by that event ID.
	danglingByEvent map[string][]dangling
}

// NewTracker creates a receipt tracker for the room.
func NewTracker(roomID string, room RoomView) *Tracker {
	return &Tracker{
		roomID:          roomID,
		room:            room,
		receipts:        make(map[scopeKey]*pair),
		danglingByEvent: make(map[string][]dangling),
	}
}

// Add processes a batch of receipt tuples. Tuples referencing unknown
// events are buffered as dangling until OnEventArrived sees the event.
func (t *Tracker) Add(batch []BatchEntry, synthetic bool) {
	for _, entry := range batch {
		if entry.EventID == "" || entry.UserID == "" {
			logrus.WithField("room_id", t.roomID).Warn("Skipping malformed receipt tuple")
			continue
		}
		if _, known := t.room.GetEvent(entry.EventID); !known {
			t.danglingByEvent[entry.EventID] = append(t.danglingByEvent[entry.EventID], dangling{
				entry:     entry,
				synthetic: synthetic,
			})
			danglingBuffered.Inc()
			continue
		}
		t.store(entry, synthetic)
	}
}

// OnEventArrived promotes any dangling receipts waiting on the event,
// applying exactly the precedence rules of direct arrival.
func (t *Tracker) OnEventArrived(eventID string) {
	pending, ok := t.danglingByEvent[eventID]
	if !ok {
		return
	}
	delete(t.danglingByEvent, eventID)
	for _, d := range pending {
		t.store(d.entry, d.synthetic)
		danglingPromoted.Inc()
	}
	logrus.WithFields(logrus.Fields{
		"room_id":  t.roomID,
		"event_id": eventID,
		"promoted": len(pending),
	}).Debug("Promoted dangling receipts")
}

// DanglingCount reports how many receipts wait on the given event.
func (t *Tracker) DanglingCount(eventID string) int {
	return len(t.danglingByEvent[eventID])
}

func (t *Tracker) store(entry BatchEntry, synthetic bool) {
	key := scopeKey{scope: entry.ThreadID, user: entry.UserID}
	p, ok := t.receipts[key]
	if !ok {
		p = &pair{}
		t.receipts[key] = p
	}

	incoming := &Receipt{EventID: entry.EventID, TS: entry.TS, Synthetic: synthetic}
	slot := &p.real
	if synthetic {
		slot = &p.synthetic
	}

	// Same-kind precedence: never move the stored receipt earlier. When
	// the order of the two targets is unknown (either event not retained,
	// or split across a gap) the newer arrival wins. That is a documented
	// best-effort tie-break: tokens are opaque and carry no global order.
	if existing := *slot; existing != nil {
		switch t.room.CompareOrder(entry.EventID, existing.EventID) {
		case types.OrderBefore, types.OrderSame:
			staleRejected.Inc()
			return
		}
	}
	*slot = incoming

	// Cross-kind invariant, enforced here rather than at read time: a
	// synthetic receipt exists only while strictly later than the real one.
	if !synthetic {
		if p.synthetic != nil && t.room.CompareOrder(p.synthetic.EventID, p.real.EventID) != types.OrderAfter {
			p.synthetic = nil
		}
		return
	}
	if p.real != nil && t.room.CompareOrder(p.synthetic.EventID, p.real.EventID) != types.OrderAfter {
		p.synthetic = nil
	}
}

// Effective returns the receipt that currently answers read queries for
// the (scope, user): the synthetic one if present (by the write-time
// invariant it is strictly later than the real one), else the real one.
func (t *Tracker) Effective(scope, user string) *Receipt {
	p, ok := t.receipts[scopeKey{scope: scope, user: user}]
	if !ok {
		return nil
	}
	if p.synthetic != nil {
		return p.synthetic
	}
	return p.real
}

// HasUserReadEvent resolves whether the user has read the event.
//
// Resolution order: the unthreaded receipt wins room-wide if its target is
// at or after the event; then the threaded receipt for the event's scope;
// finally, if the newest message in that scope was authored by the user
// themselves, the event counts as read (best-effort heuristic for the
// self-authored tail). An event we cannot locate at all answers "not
// read", logged as a data-consistency anomaly.
func (t *Tracker) HasUserReadEvent(userID, eventID string) bool {
	if _, ok := t.room.GetEvent(eventID); !ok {
		logrus.WithFields(logrus.Fields{
			"room_id":  t.roomID,
			"event_id": eventID,
			"user_id":  userID,
		}).Warn("Read query for event not known locally")
		return false
	}

	if t.receiptCovers(t.Effective("", userID), eventID) {
		return true
	}

	scope := t.room.ThreadScope(eventID)
	if t.receiptCovers(t.Effective(scope, userID), eventID) {
		return true
	}

	if tailID := t.room.LatestEventInScope(scope); tailID != "" {
		if tail, ok := t.room.GetEvent(tailID); ok && tail.Sender == userID {
			return true
		}
	}
	return false
}

func (t *Tracker) receiptCovers(r *Receipt, eventID string) bool {
	if r == nil {
		return false
	}
	switch t.room.CompareOrder(r.EventID, eventID) {
	case types.OrderSame, types.OrderAfter:
		return true
	}
	return false
}
