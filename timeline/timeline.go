// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package timeline holds the ordered event sequence for a room or thread
// and answers ordering queries over it. Ordering is only meaningful inside
// one contiguous segment; a gap in the sync stream starts a new segment
// (or resets entirely), after which events on opposite sides of the gap
// compare as unknown.
package timeline

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomsync/types"
)

type position struct {
	segment int
	seq     int64
}

// Timeline is an append/prepend-capable ordered sequence of event IDs
// with a pagination token at each end. A nil token means that direction
// has been exhausted.
type Timeline struct {
	name string

	// order holds event IDs of the live (most recent) segment, oldest
	// first. Older retained segments keep their positions in byID but the
	// ID list is only kept for the live segment.
	order []string
	byID  map[string]position

	liveSegment int
	nextSeq     int64
	prevSeq     int64

	startToken *string
	endToken   *string
}

// New creates an empty timeline. The name only feeds diagnostics.
func New(name string) *Timeline {
	return &Timeline{
		name: name,
		byID: make(map[string]position),
	}
}

// SetStartToken replaces the backwards pagination token. Pass nil to mark
// the backwards direction exhausted.
func (t *Timeline) SetStartToken(token *string) { t.startToken = token }

// SetEndToken replaces the forwards pagination token.
func (t *Timeline) SetEndToken(token *string) { t.endToken = token }

// StartToken returns the backwards pagination token, nil when exhausted.
func (t *Timeline) StartToken() *string { return t.startToken }

// EndToken returns the forwards pagination token, nil when exhausted.
func (t *Timeline) EndToken() *string { return t.endToken }

// Append adds an event at the newest end. Duplicate IDs are ignored: once
// an event has a position the server-implied order may not be rewritten.
func (t *Timeline) Append(eventID string) bool {
	if _, ok := t.byID[eventID]; ok {
		return false
	}
	t.byID[eventID] = position{segment: t.liveSegment, seq: t.nextSeq}
	t.nextSeq++
	t.order = append(t.order, eventID)
	return true
}

// Prepend adds an event at the oldest end (backwards pagination).
func (t *Timeline) Prepend(eventID string) bool {
	if _, ok := t.byID[eventID]; ok {
		return false
	}
	t.prevSeq--
	t.byID[eventID] = position{segment: t.liveSegment, seq: t.prevSeq}
	t.order = append([]string{eventID}, t.order...)
	return true
}

// Contains reports whether the event has a retained position.
func (t *Timeline) Contains(eventID string) bool {
	_, ok := t.byID[eventID]
	return ok
}

// Events returns the live segment's IDs, oldest first.
func (t *Timeline) Events() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Latest returns the newest event ID of the live segment, "" when empty.
func (t *Timeline) Latest() string {
	if len(t.order) == 0 {
		return ""
	}
	return t.order[len(t.order)-1]
}

// Len returns the live segment length.
func (t *Timeline) Len() int { return len(t.order) }

// Reset drops every retained position. Used when a gappy sync arrives and
// the reset policy allows discarding the room's timeline; prior ordering
// comparisons for dropped events become unknown, which is exactly what
// callers of CompareOrder must already tolerate.
func (t *Timeline) Reset(newStartToken *string) {
	logrus.WithFields(logrus.Fields{
		"timeline": t.name,
		"dropped":  len(t.byID),
	}).Debug("Resetting timeline after gap")
	t.order = nil
	t.byID = make(map[string]position)
	t.liveSegment++
	t.nextSeq = 0
	t.prevSeq = 0
	t.startToken = newStartToken
}

// BeginSegment starts a new live segment without discarding the old one.
// Used for the degraded gap policy: events before the gap stay retained
// and self-comparable, but compare as unknown against anything after it.
func (t *Timeline) BeginSegment(newStartToken *string) {
	if len(t.order) == 0 {
		t.startToken = newStartToken
		return
	}
	t.liveSegment++
	t.order = nil
	t.nextSeq = 0
	t.prevSeq = 0
	t.startToken = newStartToken
}

// CompareOrder reports where a sits relative to b. Both events must be
// retained in the same segment for a definite answer; otherwise the
// result is OrderUnknown. No side effects.
func (t *Timeline) CompareOrder(a, b string) types.Ordering {
	pa, okA := t.byID[a]
	pb, okB := t.byID[b]
	if !okA || !okB {
		return types.OrderUnknown
	}
	if a == b {
		return types.OrderSame
	}
	if pa.segment != pb.segment {
		return types.OrderUnknown
	}
	if pa.seq < pb.seq {
		return types.OrderBefore
	}
	return types.OrderAfter
}
