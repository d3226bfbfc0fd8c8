// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package threads tracks thread membership and aggregates relation events
// (edits, reactions) onto their targets. Thread membership is transitive:
// an event may relate to another relation rather than to the root, so
// resolving an event's thread scope walks the relation chain with a depth
// cap to survive malformed or cyclic data.
package threads

import (
	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomsync/timeline"
	"github.com/element-hq/roomsync/types"
)

// MainTimeline is the thread scope of events that belong to no thread.
// It matches the wire value used by threaded read receipts.
const MainTimeline = "main"

// DefaultMaxChainDepth bounds relation-chain traversal. Chains deeper than
// this are treated as main-timeline with a diagnostic; well-formed data
// rarely exceeds two hops (reaction -> edit -> threaded message).
const DefaultMaxChainDepth = 10

// EventSource resolves event IDs to their owned records.
type EventSource interface {
	Get(eventID string) (*types.Event, bool)
}

// Thread is one sub-conversation rooted at RootID.
type Thread struct {
	RootID   string
	Timeline *timeline.Timeline
}

// LastReplyID returns the newest registered reply, "" for a thread whose
// replies have not been observed yet.
func (t *Thread) LastReplyID() string {
	return t.Timeline.Latest()
}

// Aggregation is the relation bundle attached to one target event.
type Aggregation struct {
	// Reactions maps annotation key -> sender -> reaction event ID. One
	// reaction per (key, sender); duplicates are ignored.
	Reactions map[string]map[string]string
	// LatestEditID is the m.replace child that currently wins (newest
	// origin timestamp, later arrival breaks ties).
	LatestEditID string

	edits map[string]spec.Timestamp
}

// Registry tracks threads and aggregations for a single room.
type Registry struct {
	roomID        string
	events        EventSource
	maxChainDepth int

	threads      map[string]*Thread
	eventThread  map[string]string
	aggregations map[string]*Aggregation

	// unknown buffers relation children whose target has not been seen,
	// keyed by the missing target ID. The reconciler drains it via
	// ResolveTarget once the target arrives (directly or by context fetch).
	unknown map[string][]string
}

// NewRegistry creates a registry for the room. maxChainDepth <= 0 selects
// DefaultMaxChainDepth.
func NewRegistry(roomID string, events EventSource, maxChainDepth int) *Registry {
	if maxChainDepth <= 0 {
		maxChainDepth = DefaultMaxChainDepth
	}
	return &Registry{
		roomID:        roomID,
		events:        events,
		maxChainDepth: maxChainDepth,
		threads:       make(map[string]*Thread),
		eventThread:   make(map[string]string),
		aggregations:  make(map[string]*Aggregation),
		unknown:       make(map[string][]string),
	}
}

// Thread returns the thread rooted at rootID if one has been observed.
func (r *Registry) Thread(rootID string) (*Thread, bool) {
	th, ok := r.threads[rootID]
	return th, ok
}

// ThreadOfEvent returns the thread root a registered reply belongs to.
func (r *Registry) ThreadOfEvent(eventID string) (string, bool) {
	rootID, ok := r.eventThread[eventID]
	return rootID, ok
}

// IsThreadRoot reports whether the event has been seen to root a thread.
func (r *Registry) IsThreadRoot(eventID string) bool {
	_, ok := r.threads[eventID]
	return ok
}

// Aggregation returns the relation bundle for a target event, if any.
func (r *Registry) Aggregation(targetID string) (*Aggregation, bool) {
	agg, ok := r.aggregations[targetID]
	return agg, ok
}

// ProcessEvent registers an event that names a thread root, creating the
// thread on first sight. Non-thread relations are left for
// AggregateChildEvent. dir is the direction the event was received in:
// backwards pages arrive newest-first, so their replies are prepended to
// keep the sub-timeline in server-implied order. Returns the thread the
// event joined, or nil.
func (r *Registry) ProcessEvent(ev *types.Event, dir types.Direction) *Thread {
	rootID := ev.ThreadRootID()
	if rootID == "" {
		return nil
	}
	th, ok := r.threads[rootID]
	if !ok {
		th = &Thread{
			RootID:   rootID,
			Timeline: timeline.New("thread:" + rootID),
		}
		r.threads[rootID] = th
	}
	if dir == types.Forwards {
		th.Timeline.Append(ev.ID)
	} else {
		th.Timeline.Prepend(ev.ID)
	}
	r.eventThread[ev.ID] = rootID
	return th
}

// AggregateChildEvent attaches a non-thread relation (reaction, edit) to
// its target's aggregation. If the target is not locally known the child
// is buffered and the missing target ID returned with buffered=true so the
// caller can schedule a context fetch.
func (r *Registry) AggregateChildEvent(ev *types.Event) (missingTarget string, buffered bool) {
	rel := ev.Relation
	if rel == nil || rel.RelType == types.RelThread {
		return "", false
	}
	if _, ok := r.events.Get(rel.EventID); !ok {
		r.unknown[rel.EventID] = append(r.unknown[rel.EventID], ev.ID)
		return rel.EventID, true
	}
	r.attach(ev, rel)
	return "", false
}

func (r *Registry) attach(ev *types.Event, rel *types.RelationRef) {
	agg, ok := r.aggregations[rel.EventID]
	if !ok {
		agg = &Aggregation{
			Reactions: make(map[string]map[string]string),
			edits:     make(map[string]spec.Timestamp),
		}
		r.aggregations[rel.EventID] = agg
	}
	switch rel.RelType {
	case types.RelAnnotation:
		bySender, ok := agg.Reactions[rel.Key]
		if !ok {
			bySender = make(map[string]string)
			agg.Reactions[rel.Key] = bySender
		}
		if _, dup := bySender[ev.Sender]; !dup {
			bySender[ev.Sender] = ev.ID
		}
	case types.RelReplace:
		agg.edits[ev.ID] = ev.OriginServerTS
		// Later arrival wins ties: >= rather than >.
		if agg.LatestEditID == "" || ev.OriginServerTS >= agg.edits[agg.LatestEditID] {
			agg.LatestEditID = ev.ID
		}
	default:
		// References and unknown rel types carry no aggregation semantics.
	}
}

// ResolveTarget drains the unknown-relation buffer for a target that has
// just become known, attaching every pending child.
func (r *Registry) ResolveTarget(targetID string) int {
	pending := r.unknown[targetID]
	if len(pending) == 0 {
		return 0
	}
	delete(r.unknown, targetID)
	resolved := 0
	for _, childID := range pending {
		child, ok := r.events.Get(childID)
		if !ok || child.Relation == nil {
			continue
		}
		r.attach(child, child.Relation)
		resolved++
	}
	return resolved
}

// PendingTargets lists the event IDs relations are waiting on.
func (r *Registry) PendingTargets() []string {
	out := make([]string, 0, len(r.unknown))
	for id := range r.unknown {
		out = append(out, id)
	}
	return out
}

// RemoveChild undoes a child event's aggregation contribution, used when
// the child is redacted. Edits recompute the winner from the remainder.
func (r *Registry) RemoveChild(ev *types.Event) {
	rel := ev.Relation
	if rel == nil {
		return
	}
	agg, ok := r.aggregations[rel.EventID]
	if !ok {
		return
	}
	switch rel.RelType {
	case types.RelAnnotation:
		if bySender, ok := agg.Reactions[rel.Key]; ok {
			if bySender[ev.Sender] == ev.ID {
				delete(bySender, ev.Sender)
			}
			if len(bySender) == 0 {
				delete(agg.Reactions, rel.Key)
			}
		}
	case types.RelReplace:
		delete(agg.edits, ev.ID)
		if agg.LatestEditID == ev.ID {
			agg.LatestEditID = ""
			var bestTS spec.Timestamp
			for id, ts := range agg.edits {
				if agg.LatestEditID == "" || ts > bestTS || (ts == bestTS && id < agg.LatestEditID) {
					agg.LatestEditID = id
					bestTS = ts
				}
			}
		}
	}
}

// ThreadScope resolves which thread an event belongs to, walking the
// relation chain transitively. The result is the thread root ID, or
// MainTimeline when the event is unthreaded, the chain cannot be resolved
// locally, or traversal hits the depth cap or a cycle.
func (r *Registry) ThreadScope(eventID string) string {
	// A thread root's own scope is its thread: receipts on the root count
	// against the thread it anchors only if explicitly threaded, so the
	// root itself stays on the main timeline.
	visited := map[string]struct{}{}
	currentID := eventID
	for depth := 0; depth < r.maxChainDepth; depth++ {
		if _, seen := visited[currentID]; seen {
			logrus.WithFields(logrus.Fields{
				"room_id":  r.roomID,
				"event_id": eventID,
			}).Warn("Cyclic relation chain while resolving thread scope")
			sentry.CaptureException(errCyclicRelationChain{eventID: eventID})
			return MainTimeline
		}
		visited[currentID] = struct{}{}

		ev, ok := r.events.Get(currentID)
		if !ok {
			// Chain leaves our local knowledge. Conservative answer.
			return MainTimeline
		}
		if ev.Relation == nil {
			return MainTimeline
		}
		if ev.Relation.RelType == types.RelThread {
			return ev.Relation.EventID
		}
		currentID = ev.Relation.EventID
	}
	logrus.WithFields(logrus.Fields{
		"room_id":  r.roomID,
		"event_id": eventID,
		"depth":    r.maxChainDepth,
	}).Warn("Relation chain exceeded traversal cap while resolving thread scope")
	return MainTimeline
}

type errCyclicRelationChain struct {
	eventID string
}

func (e errCyclicRelationChain) Error() string {
	return "cyclic relation chain at " + e.eventID
}
