// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// LocalEchoPrefix marks event IDs that have been assigned locally for a
// send that the server has not yet confirmed. Confirmed server IDs always
// begin with "$", so the two namespaces cannot collide.
const LocalEchoPrefix = "~"

// DecryptionStatus describes whether an event's content has been through
// the decryption pipeline. The engine itself never decrypts; the status is
// recorded so that consumers can distinguish "plaintext" from "we tried and
// failed".
type DecryptionStatus int

const (
	// NotEncrypted means the event arrived as plaintext.
	NotEncrypted DecryptionStatus = iota
	// Decrypted means an encrypted event was successfully decrypted upstream.
	Decrypted
	// DecryptionFailed means the payload could not be decrypted. Content is
	// the raw ciphertext envelope.
	DecryptionFailed
)

// SendStatus tracks the local-echo lifecycle of an event we originated.
type SendStatus int

const (
	// Sent is the status of every event received from the server, and of a
	// local send once the server has acknowledged it.
	Sent SendStatus = iota
	// Sending means the event is in the pending queue or in flight.
	Sending
	// NotSent means the send failed. The event stays visible so the user
	// can retry or cancel it.
	NotSent
)

// RelationRef describes an event's m.relates_to descriptor.
type RelationRef struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
	// Key is only meaningful for annotations (the reaction emoji).
	Key string `json:"key,omitempty"`
}

// Relation types understood by the aggregation and threading machinery.
const (
	RelThread     = "m.thread"
	RelAnnotation = "m.annotation"
	RelReplace    = "m.replace"
	RelReference  = "m.reference"
)

// Well-known event types the engine gives special treatment.
const (
	MRoomMessage   = "m.room.message"
	MRoomMember    = "m.room.member"
	MRoomRedaction = "m.room.redaction"
	MRoomCreate    = "m.room.create"
	MReaction      = "m.reaction"
	MReceipt       = "m.receipt"
)

// Event is the single owned record for one room event. The event store
// hands out *Event pointers; every other structure (timelines, threads,
// receipt scopes, sticky chains) refers to events by ID only, so there is
// exactly one mutable copy per event.
//
// The immutable part is the wire payload (ID once confirmed, room, sender,
// type, content, timestamp). The mutable part is reconciliation metadata:
// redaction, send status and the one-shot local-echo rename.
type Event struct {
	ID             string
	RoomID         string
	Sender         string
	Type           string
	StateKey       *string
	Content        json.RawMessage
	Unsigned       json.RawMessage
	OriginServerTS spec.Timestamp

	Relation *RelationRef

	Redacted   bool
	Decryption DecryptionStatus
	SendStatus SendStatus

	// LocalID holds the placeholder ID this event carried before the server
	// confirmed it, or "" if the event never was a local echo. An event is
	// renamed at most once.
	LocalID string
}

// IsLocalEcho reports whether the event still carries a locally assigned
// placeholder ID.
func (e *Event) IsLocalEcho() bool {
	return strings.HasPrefix(e.ID, LocalEchoPrefix)
}

// IsState reports whether the event is a state event. Presence of a state
// key is the deciding factor; an empty string state key is still state.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// ThreadRootID returns the thread root this event directly names, or ""
// if the event does not carry a thread relation. Transitive membership
// (relating to a relation) is resolved by the thread registry, not here.
func (e *Event) ThreadRootID() string {
	if e.Relation != nil && e.Relation.RelType == RelThread {
		return e.Relation.EventID
	}
	return ""
}

// RedactsEventID returns the target of an m.room.redaction, or "".
// Both content-based ("redacts" in content, room v11+) and top-level
// placements are accepted; content wins.
func (e *Event) RedactsEventID() string {
	if e.Type != MRoomRedaction {
		return ""
	}
	if id := gjson.GetBytes(e.Content, "redacts").Str; id != "" {
		return id
	}
	return gjson.GetBytes(e.Unsigned, "redacts").Str
}

// ParseRelation extracts the m.relates_to descriptor from raw content, or
// returns nil if no well-formed relation is present. A relation missing
// either rel_type or event_id is treated as absent rather than an error:
// the event is still a perfectly good timeline event.
func ParseRelation(content json.RawMessage) *RelationRef {
	rel := gjson.GetBytes(content, "m\\.relates_to")
	if !rel.Exists() {
		return nil
	}
	relType := rel.Get("rel_type").Str
	eventID := rel.Get("event_id").Str
	if relType == "" || eventID == "" {
		return nil
	}
	return &RelationRef{
		RelType: relType,
		EventID: eventID,
		Key:     rel.Get("key").Str,
	}
}

// Validate checks the fields every event must carry before it may enter
// reconciliation. Structural failures are skip-and-log, never fatal.
func (e *Event) Validate() error {
	switch {
	case e.ID == "":
		return ErrMalformedEvent
	case e.RoomID == "":
		return ErrMalformedEvent
	case e.Sender == "":
		return ErrMalformedEvent
	case e.Type == "":
		return ErrMalformedEvent
	}
	return nil
}
