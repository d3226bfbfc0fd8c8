// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package reconciler

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomsync/api"
	"github.com/element-hq/roomsync/types"
)

var cooldownRejections = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "roomsync",
	Subsystem: "reconciler",
	Name:      "pagination_cooldown_rejections_total",
	Help:      "Pagination calls rejected inside a cool-down window",
})

var registerPaginationMetricsOnce sync.Once

func init() {
	registerPaginationMetricsOnce.Do(func() {
		prometheus.MustRegister(cooldownRejections)
	})
}

func paginationKey(roomID string, dir types.Direction) string {
	return roomID + "|" + dir.String()
}

// Paginate extends the room's main timeline in the given direction by one
// page. Concurrent calls for the same (room, direction) share the single
// in-flight request rather than issuing duplicates. A transport failure
// opens a cool-down window during which further calls return
// ErrPaginationCoolingDown without touching the network. Reaching the end
// of the timeline nulls that direction's token; subsequent calls return
// ErrPaginationExhausted.
func (rc *Reconciler) Paginate(ctx context.Context, roomID string, dir types.Direction) (int, error) {
	key := paginationKey(roomID, dir)
	if _, cooling := rc.cooldowns.Get(key); cooling {
		cooldownRejections.Inc()
		return 0, types.ErrPaginationCoolingDown
	}
	count, err, shared := rc.inflight.Do(key, func() (interface{}, error) {
		return rc.paginate(ctx, roomID, dir)
	})
	if shared {
		logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"direction": dir.String(),
		}).Debug("Pagination shared an in-flight request")
	}
	if err != nil {
		return 0, err
	}
	return count.(int), nil
}

func (rc *Reconciler) paginate(ctx context.Context, roomID string, dir types.Direction) (int, error) {
	rc.mu.Lock()
	room := rc.roomLocked(roomID)
	var token *string
	if dir == types.Backwards {
		token = room.main.StartToken()
	} else {
		token = room.main.EndToken()
	}
	rc.mu.Unlock()

	if token == nil {
		return 0, types.ErrPaginationExhausted
	}

	chunk, err := rc.boundary.Paginator.Messages(ctx, roomID, *token, dir, rc.cfg.PaginationLimit)
	if err != nil {
		if api.IsRetriable(err) {
			rc.cooldowns.Set(paginationKey(roomID, dir), struct{}{}, gocache.DefaultExpiration)
		}
		return 0, errors.Wrapf(err, "pagination failed for %s", roomID)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	// Backwards pages arrive newest-first, forwards pages oldest-first;
	// inserting in received order at the right end preserves both.
	for _, ev := range chunk.Events {
		rc.ingestTimelineEvent(ctx, room, ev, dir)
	}

	var next *string
	if chunk.NextToken != "" && len(chunk.Events) > 0 {
		t := chunk.NextToken
		next = &t
	}
	if dir == types.Backwards {
		room.main.SetStartToken(next)
	} else {
		room.main.SetEndToken(next)
	}
	if next == nil {
		logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"direction": dir.String(),
		}).Debug("Timeline exhausted in direction")
	}
	return len(chunk.Events), nil
}

// FetchThreadReplies backfills a thread's sub-timeline through the
// relations endpoint, registering every returned reply. Returns the
// number of replies ingested.
func (rc *Reconciler) FetchThreadReplies(ctx context.Context, roomID, rootID string) (int, error) {
	if rc.boundary.Relations == nil {
		return 0, nil
	}
	rc.mu.Lock()
	room := rc.roomLocked(roomID)
	var from string
	if th, ok := room.threads.Thread(rootID); ok {
		if start := th.Timeline.StartToken(); start != nil {
			from = *start
		}
	}
	rc.mu.Unlock()

	chunk, err := rc.boundary.Relations.Relations(ctx, roomID, rootID, types.RelThread, from, rc.cfg.PaginationLimit)
	if err != nil {
		return 0, errors.Wrapf(err, "relation fetch failed for thread %s", rootID)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	count := 0
	for _, ev := range chunk.Events {
		if ev.Validate() != nil {
			malformedSkipped.Inc()
			continue
		}
		if ev.Relation == nil {
			ev.Relation = types.ParseRelation(ev.Content)
		}
		owned, _ := room.store.Add(ev)
		// The relations endpoint pages from newest to oldest, so replies
		// are prepended like any backwards page.
		if th := room.threads.ProcessEvent(owned, types.Backwards); th == nil {
			// Not actually a reply to this thread; keep the record but do
			// not place it.
			continue
		}
		rc.eventBecameKnown(room, owned)
		count++
	}
	if th, ok := room.threads.Thread(rootID); ok {
		var next *string
		if chunk.NextToken != "" {
			t := chunk.NextToken
			next = &t
		}
		th.Timeline.SetStartToken(next)
	}
	return count, nil
}
