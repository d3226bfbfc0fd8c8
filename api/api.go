// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api declares the boundary contracts between the reconciliation
// core and the HTTP layer. The core only ever calls out for four things:
// the sync delta feed, context around an unknown event, timeline
// pagination, and relation children; plus sending events for local echo.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/element-hq/roomsync/types"
)

// RoomDelta is one room's slice of a sync response.
type RoomDelta struct {
	RoomID string

	// StateEvents are applied to current room state before the timeline.
	StateEvents []*types.Event

	// TimelineEvents in server order, oldest first.
	TimelineEvents []*types.Event

	// Ephemeral carries receipt (m.receipt) and similar non-persistent
	// events for the room.
	Ephemeral []*types.Event

	// Limited signals a gap: events were dropped from the feed and
	// timeline continuity is broken.
	Limited bool

	// PrevBatch is the token for paginating backwards from the start of
	// TimelineEvents, needed after a gap.
	PrevBatch string
}

// SyncResponse is one cycle of the long-poll delta feed.
type SyncResponse struct {
	NextBatch string
	Rooms     []RoomDelta
}

// SyncSource is the long-poll delta feed. Sync must be resumable from any
// previously returned NextBatch token; since is "" for an initial sync.
type SyncSource interface {
	Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error)
}

// ContextResponse is an event with its surroundings and state at that
// point in the timeline.
type ContextResponse struct {
	Event        *types.Event
	EventsBefore []*types.Event // closest first
	EventsAfter  []*types.Event // closest first
	State        []*types.Event
	Start        string
	End          string
}

// ContextFetcher fetches an event plus surrounding context. It must be
// idempotent and safe to call redundantly.
type ContextFetcher interface {
	Context(ctx context.Context, roomID, eventID string, limit int) (*ContextResponse, error)
}

// Chunk is a page of events from pagination or relation fetches. An empty
// NextToken indicates the end of the timeline in that direction.
type Chunk struct {
	Events    []*types.Event
	NextToken string
}

// Paginator fetches a page of timeline events for a room or thread.
type Paginator interface {
	Messages(ctx context.Context, roomID, from string, dir types.Direction, limit int) (*Chunk, error)
}

// RelationFetcher returns paginated child events of a relation target.
type RelationFetcher interface {
	Relations(ctx context.Context, roomID, eventID, relType, from string, limit int) (*Chunk, error)
}

// EventSender submits a locally originated event. txnID deduplicates
// retries server-side; the returned ID is the confirmed server event ID.
type EventSender interface {
	SendEvent(ctx context.Context, roomID, eventType, txnID string, content json.RawMessage) (string, error)
}

// Capabilities advertises the optional server features the engine can
// depend on. Missing required capabilities fail fast before any call.
type Capabilities struct {
	Threads          bool
	ThreadedReceipts bool
	StickyEvents     bool
}

// CapabilityProvider exposes the server's advertised capabilities.
type CapabilityProvider interface {
	Capabilities(ctx context.Context) (*Capabilities, error)
}
