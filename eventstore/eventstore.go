// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventstore owns the per-room arena of event records. There is
// exactly one *types.Event per event ID; timelines, threads, receipts and
// sticky chains all hold IDs and resolve them here, so mutable metadata
// (redaction, send status) can never diverge between structures.
package eventstore

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/roomsync/types"
)

// Store is the arena for a single room.
type Store struct {
	roomID string
	events map[string]*types.Event
	// renamed remembers local IDs that have been confirmed, enforcing the
	// at-most-one-rename invariant.
	renamed map[string]string
}

// NewStore creates an empty arena for the given room.
func NewStore(roomID string) *Store {
	return &Store{
		roomID:  roomID,
		events:  make(map[string]*types.Event),
		renamed: make(map[string]string),
	}
}

// Add inserts an event into the arena, or returns the already-owned record
// if the ID is known (duplicate delivery is expected from sync). The
// returned pointer is the canonical record for that ID from then on.
func (s *Store) Add(ev *types.Event) (*types.Event, bool) {
	if existing, ok := s.events[ev.ID]; ok {
		return existing, false
	}
	// A sync copy of an event we confirmed earlier arrives under the server
	// ID; the rename map collapses it onto the confirmed record.
	if serverID, ok := s.renamed[ev.ID]; ok {
		if existing, ok := s.events[serverID]; ok {
			return existing, false
		}
	}
	s.events[ev.ID] = ev
	return ev, true
}

// Get resolves an event ID to its owned record.
func (s *Store) Get(eventID string) (*types.Event, bool) {
	ev, ok := s.events[eventID]
	return ev, ok
}

// Len returns the number of records held.
func (s *Store) Len() int {
	return len(s.events)
}

// ConfirmLocalEcho renames a local placeholder to its server-assigned ID.
// An event is renamed at most once; a second confirmation for the same
// local ID is rejected. If the server copy already arrived via sync the
// pending record is discarded in its favour and the sync copy is returned.
func (s *Store) ConfirmLocalEcho(localID, serverID string) (*types.Event, error) {
	if _, done := s.renamed[localID]; done {
		return nil, types.ErrAlreadyConfirmed
	}
	ev, ok := s.events[localID]
	if !ok {
		return nil, types.ErrEventNotFound
	}
	delete(s.events, localID)
	s.renamed[localID] = serverID

	if synced, ok := s.events[serverID]; ok {
		// The real event won the race. Keep it; the local echo is dropped.
		synced.LocalID = localID
		synced.SendStatus = types.Sent
		return synced, nil
	}
	ev.LocalID = localID
	ev.ID = serverID
	ev.SendStatus = types.Sent
	s.events[serverID] = ev
	return ev, nil
}

// ConfirmedID maps a local placeholder to the server ID it was renamed to.
func (s *Store) ConfirmedID(localID string) (string, bool) {
	id, ok := s.renamed[localID]
	return id, ok
}

// keptContentKeys lists the content keys the redaction algorithm preserves
// per event type. Everything else is stripped.
var keptContentKeys = map[string][]string{
	types.MRoomMember: {"membership"},
	types.MRoomCreate: {"creator", "room_version"},
}

// Redact marks the target event redacted and prunes its content down to
// the keys the protocol protects for its type. Idempotent; redacting an
// unknown event is a no-op reported by the bool return so the caller can
// buffer the redaction if it wants.
func (s *Store) Redact(targetID string) bool {
	ev, ok := s.events[targetID]
	if !ok {
		return false
	}
	if ev.Redacted {
		return true
	}
	ev.Redacted = true
	ev.Content = pruneContent(ev.Type, ev.Content)
	ev.Relation = nil
	logrus.WithFields(logrus.Fields{
		"room_id":  s.roomID,
		"event_id": targetID,
	}).Debug("Redacted event content")
	return true
}

func pruneContent(eventType string, content json.RawMessage) json.RawMessage {
	pruned := json.RawMessage(`{}`)
	for _, key := range keptContentKeys[eventType] {
		value := gjson.GetBytes(content, key)
		if !value.Exists() {
			continue
		}
		out, err := sjson.SetRawBytes(pruned, key, []byte(value.Raw))
		if err != nil {
			continue
		}
		pruned = out
	}
	return pruned
}
