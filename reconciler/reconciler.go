// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package reconciler implements the top-level merge loop: it consumes
// delta batches from sync and pagination, applies state, partitions
// timeline events into main timeline, threads and pending relations,
// feeds receipts and sticky events, and resolves unknown targets through
// on-demand context fetches.
//
// Apply is driven by the client sync loop and batches are processed
// strictly in call order. A single coarse mutex stands in for the
// single-threaded execution model: no two mutating operations ever
// interleave, which is what the merge invariants rely on.
package reconciler

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/roomsync/api"
	"github.com/element-hq/roomsync/internal/caching"
	"github.com/element-hq/roomsync/receipts"
	"github.com/element-hq/roomsync/setup/config"
	"github.com/element-hq/roomsync/sticky"
	"github.com/element-hq/roomsync/types"
)

var (
	malformedSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "reconciler",
		Name:      "malformed_skipped_total",
		Help:      "Delta items skipped for missing required fields",
	})
	contextFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "reconciler",
		Name:      "context_fetches_total",
		Help:      "Context fetches issued to resolve unknown targets",
	})
	timelineResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "reconciler",
		Name:      "timeline_gaps_total",
		Help:      "Gappy syncs handled, by policy outcome",
	}, []string{"outcome"})
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(malformedSkipped, contextFetches, timelineResets)
	})
}

// GapPolicy decides whether a room's timeline may be dropped and rebuilt
// when the server signals a gap. Returning false retains the timeline as
// a degraded, ordering-uncertain segment instead.
type GapPolicy func(roomID string) bool

// Boundary is the set of HTTP collaborators the reconciler calls into.
type Boundary struct {
	Context   api.ContextFetcher
	Paginator api.Paginator
	Relations api.RelationFetcher
	Sender    api.EventSender
}

// Reconciler owns all room state and is the only mutator of it.
type Reconciler struct {
	mu  sync.Mutex
	cfg *config.Sync

	boundary Boundary
	caches   *caching.Caches
	canReset GapPolicy

	// onSticky, if set, receives sticky head changes per room. This is the
	// narrow notification channel replacing any global event bus.
	onSticky func(roomID string, update sticky.Update)

	rooms map[string]*Room

	cooldowns *gocache.Cache
	inflight  singleflight.Group
}

// New creates a reconciler. cfg must have had Defaults applied. canReset
// may be nil, in which case gaps always reset the affected timeline.
func New(cfg *config.Sync, boundary Boundary, canReset GapPolicy, onSticky func(string, sticky.Update)) (*Reconciler, error) {
	caches, err := caching.NewCaches(cfg.CacheMaxEntries)
	if err != nil {
		return nil, err
	}
	if canReset == nil {
		canReset = func(string) bool { return true }
	}
	return &Reconciler{
		cfg:       cfg,
		boundary:  boundary,
		caches:    caches,
		canReset:  canReset,
		onSticky:  onSticky,
		rooms:     make(map[string]*Room),
		cooldowns: gocache.New(cfg.PaginationCooloff, cfg.PaginationCooloff),
	}, nil
}

// Room returns the room if the reconciler has seen it.
func (rc *Reconciler) Room(roomID string) (*Room, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	room, ok := rc.rooms[roomID]
	return room, ok
}

func (rc *Reconciler) roomLocked(roomID string) *Room {
	room, ok := rc.rooms[roomID]
	if !ok {
		var onSticky func(sticky.Update)
		if rc.onSticky != nil {
			onSticky = func(u sticky.Update) { rc.onSticky(roomID, u) }
		}
		room = newRoom(roomID, rc.cfg.MaxRelationChainDepth, onSticky)
		rc.rooms[roomID] = room
	}
	return room
}

// Apply merges one sync response. A malformed item is logged and skipped;
// nothing in a batch is fatal to the batch, let alone the process.
func (rc *Reconciler) Apply(ctx context.Context, resp *api.SyncResponse) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i := range resp.Rooms {
		rc.applyRoomDelta(ctx, &resp.Rooms[i])
	}
}

func (rc *Reconciler) applyRoomDelta(ctx context.Context, delta *api.RoomDelta) {
	if delta.RoomID == "" {
		malformedSkipped.Inc()
		logrus.Warn("Skipping room delta without room ID")
		return
	}
	room := rc.roomLocked(delta.RoomID)

	for _, ev := range delta.StateEvents {
		if err := ev.Validate(); err != nil || !ev.IsState() {
			malformedSkipped.Inc()
			logrus.WithField("room_id", delta.RoomID).Warn("Skipping malformed state event")
			continue
		}
		owned, _ := room.store.Add(ev)
		room.applyState(owned)
		rc.eventBecameKnown(room, owned)
	}

	if delta.Limited {
		var prev *string
		if delta.PrevBatch != "" {
			token := delta.PrevBatch
			prev = &token
		}
		if rc.canReset(delta.RoomID) {
			room.main.Reset(prev)
			timelineResets.WithLabelValues("reset").Inc()
		} else {
			room.main.BeginSegment(prev)
			timelineResets.WithLabelValues("degraded").Inc()
		}
	}

	for _, ev := range delta.TimelineEvents {
		rc.ingestTimelineEvent(ctx, room, ev, types.Forwards)
	}

	for _, ev := range delta.Ephemeral {
		rc.applyEphemeral(room, ev)
	}
}

// ingestTimelineEvent pushes one event through the full partition path:
// local-echo merge, redaction handling, thread registration, relation
// aggregation, sticky detection, receipt promotion and timeline placement.
func (rc *Reconciler) ingestTimelineEvent(ctx context.Context, room *Room, ev *types.Event, dir types.Direction) {
	if err := ev.Validate(); err != nil {
		malformedSkipped.Inc()
		logrus.WithFields(logrus.Fields{
			"room_id": room.ID,
			"type":    ev.Type,
		}).Warn("Skipping malformed timeline event")
		return
	}
	if ev.Relation == nil {
		ev.Relation = types.ParseRelation(ev.Content)
	}

	owned, isNew := room.store.Add(ev)
	if isNew {
		rc.mergeLocalEcho(room, owned)
	}

	if owned.Type == types.MRoomRedaction {
		rc.applyRedaction(room, owned)
	}

	// Partition: thread replies land in the thread's sub-timeline,
	// aggregation children (edits, reactions) attach to their target, and
	// everything else takes a main timeline position.
	switch {
	case owned.ThreadRootID() != "":
		room.threads.ProcessEvent(owned, dir)
	case owned.Relation != nil && owned.Relation.RelType != types.RelThread:
		if missing, buffered := room.threads.AggregateChildEvent(owned); buffered {
			rc.resolveUnknownTarget(ctx, room, missing)
		}
	default:
		if dir == types.Forwards {
			room.main.Append(owned.ID)
		} else {
			room.main.Prepend(owned.ID)
		}
	}

	if _, isSticky := types.ParseStickyContent(owned.Content); isSticky {
		if err := room.sticky.Add(owned); err != nil {
			// Temporal rejections are routine: a superseded or expired
			// sticky event simply does not change state.
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  room.ID,
				"event_id": owned.ID,
			}).Debug("Sticky event rejected")
		}
	}

	rc.eventBecameKnown(room, owned)
}

// eventBecameKnown runs the deferred-resolution hooks that fire whenever
// any event enters local knowledge: dangling receipt promotion and
// unknown-relation draining.
func (rc *Reconciler) eventBecameKnown(room *Room, ev *types.Event) {
	room.receipts.OnEventArrived(ev.ID)
	room.threads.ResolveTarget(ev.ID)
}

func (rc *Reconciler) applyRedaction(room *Room, redaction *types.Event) {
	targetID := redaction.RedactsEventID()
	if targetID == "" {
		malformedSkipped.Inc()
		logrus.WithField("room_id", room.ID).Warn("Redaction without target")
		return
	}
	target, known := room.store.Get(targetID)
	if known {
		// Unwind the target's own contributions before its relation
		// descriptor is pruned away.
		room.threads.RemoveChild(target)
		room.sticky.HandleRedaction(target)
	} else {
		room.sticky.HandleRedactionByID(targetID)
	}
	room.store.Redact(targetID)
}

func (rc *Reconciler) applyEphemeral(room *Room, ev *types.Event) {
	if ev.Type != types.MReceipt {
		return
	}
	content, ok := types.ParseContent(types.MReceipt, ev.Content).(types.ReceiptContent)
	if !ok {
		malformedSkipped.Inc()
		return
	}
	var batch []receipts.BatchEntry
	for eventID, byType := range content {
		for _, byUser := range byType {
			for userID, data := range byUser {
				batch = append(batch, receipts.BatchEntry{
					EventID:  eventID,
					UserID:   userID,
					TS:       data.TS,
					ThreadID: data.ThreadID,
				})
			}
		}
	}
	room.receipts.Add(batch, false)
}

// AddSyntheticReceipt records a locally inferred read marker (e.g. the
// user just sent a message) ahead of server confirmation.
func (rc *Reconciler) AddSyntheticReceipt(roomID string, entry receipts.BatchEntry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.roomLocked(roomID).receipts.Add([]receipts.BatchEntry{entry}, true)
}

// resolveUnknownTarget fetches context for a relation or receipt target
// that is not locally known, at most once per target per failure window.
// Fetched events enter the arena (not the timeline: their position is not
// known relative to retained segments) and drain the pending buffers.
func (rc *Reconciler) resolveUnknownTarget(ctx context.Context, room *Room, targetID string) {
	if rc.boundary.Context == nil {
		return
	}
	if rc.caches.ContextFetchAttempted(room.ID, targetID) ||
		rc.caches.ContextFetchFailedRecently(room.ID, targetID) {
		return
	}
	contextFetches.Inc()
	resp, err := rc.boundary.Context.Context(ctx, room.ID, targetID, rc.cfg.ContextFetchLimit)
	if err != nil {
		if api.IsNotFound(err) {
			// Definitive: stop asking.
			rc.caches.MarkContextFetchAttempted(room.ID, targetID)
			return
		}
		rc.caches.StoreContextFetchFailure(room.ID, targetID, rc.cfg.ContextFailureTTL)
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  room.ID,
			"event_id": targetID,
		}).Warn("Context fetch for unknown target failed")
		return
	}
	rc.caches.MarkContextFetchAttempted(room.ID, targetID)

	ingest := func(ev *types.Event) {
		if ev == nil || ev.Validate() != nil {
			return
		}
		if ev.Relation == nil {
			ev.Relation = types.ParseRelation(ev.Content)
		}
		owned, _ := room.store.Add(ev)
		rc.eventBecameKnown(room, owned)
	}
	ingest(resp.Event)
	for _, ev := range resp.EventsBefore {
		ingest(ev)
	}
	for _, ev := range resp.EventsAfter {
		ingest(ev)
	}

	if resp.Event == nil {
		err := errors.Errorf("context fetch for %s returned no event", targetID)
		logrus.WithField("room_id", room.ID).WithError(err).Warn("Context fetch anomaly")
		sentry.CaptureException(err)
	}
}

// transactionID extracts the local-echo transaction ID the server reflects
// in unsigned for events we sent ourselves.
func transactionID(ev *types.Event) string {
	return gjson.GetBytes(ev.Unsigned, "transaction_id").Str
}
