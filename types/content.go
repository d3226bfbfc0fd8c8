// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// ParsedContent is the closed set of content shapes the engine interprets.
// Anything it does not recognise parses to OpaqueContent carrying the raw
// payload, so unknown event types flow through reconciliation untouched.
type ParsedContent interface {
	isParsedContent()
}

// MessageContent is the body of an m.room.message.
type MessageContent struct {
	MsgType       string
	Body          string
	FormattedBody string
}

// MemberContent is the body of an m.room.member state event.
type MemberContent struct {
	Membership  string
	DisplayName string
	AvatarURL   string
}

// ReactionContent is the body of an m.reaction annotation.
type ReactionContent struct {
	TargetEventID string
	Key           string
}

// RedactionContent names the event an m.room.redaction removes.
type RedactionContent struct {
	Redacts string
	Reason  string
}

// StickyContent is the sticky descriptor carried by any event type that
// opts into bounded validity. ExpiresTS is an absolute origin-server
// timestamp; Key selects the supersession chain ("" means unkeyed).
type StickyContent struct {
	ExpiresTS spec.Timestamp
	Key       string
}

// ReceiptContent is the nested receipt delta shape:
// event id -> receipt type -> user id -> data.
type ReceiptContent map[string]map[string]map[string]ReceiptData

// ReceiptData is the per-user payload inside a receipt event.
type ReceiptData struct {
	TS       spec.Timestamp `json:"ts"`
	ThreadID string         `json:"thread_id,omitempty"`
}

// OpaqueContent is the fallback for unrecognised event types.
type OpaqueContent struct {
	Raw json.RawMessage
}

func (MessageContent) isParsedContent()   {}
func (MemberContent) isParsedContent()    {}
func (ReactionContent) isParsedContent()  {}
func (RedactionContent) isParsedContent() {}
func (StickyContent) isParsedContent()    {}
func (ReceiptContent) isParsedContent()   {}
func (OpaqueContent) isParsedContent()    {}

// ParseContent dispatches raw content on the event type. It never fails:
// malformed known-type content degrades to the zero value of its variant
// so a single bad field doesn't discard the event.
func ParseContent(eventType string, content json.RawMessage) ParsedContent {
	switch eventType {
	case MRoomMessage:
		return MessageContent{
			MsgType:       gjson.GetBytes(content, "msgtype").Str,
			Body:          gjson.GetBytes(content, "body").Str,
			FormattedBody: gjson.GetBytes(content, "formatted_body").Str,
		}
	case MRoomMember:
		return MemberContent{
			Membership:  gjson.GetBytes(content, "membership").Str,
			DisplayName: gjson.GetBytes(content, "displayname").Str,
			AvatarURL:   gjson.GetBytes(content, "avatar_url").Str,
		}
	case MReaction:
		rel := ParseRelation(content)
		if rel == nil || rel.RelType != RelAnnotation {
			return OpaqueContent{Raw: content}
		}
		return ReactionContent{TargetEventID: rel.EventID, Key: rel.Key}
	case MRoomRedaction:
		return RedactionContent{
			Redacts: gjson.GetBytes(content, "redacts").Str,
			Reason:  gjson.GetBytes(content, "reason").Str,
		}
	case MReceipt:
		var rc ReceiptContent
		if err := json.Unmarshal(content, &rc); err != nil {
			return OpaqueContent{Raw: content}
		}
		return rc
	default:
		return OpaqueContent{Raw: content}
	}
}

// ParseStickyContent extracts the sticky descriptor from an event's
// content, independent of the event type. The second return is false when
// the event does not declare itself sticky.
func ParseStickyContent(content json.RawMessage) (StickyContent, bool) {
	block := gjson.GetBytes(content, "m\\.sticky")
	if !block.Exists() {
		return StickyContent{}, false
	}
	return StickyContent{
		ExpiresTS: spec.Timestamp(block.Get("expires_ts").Uint()),
		Key:       block.Get("key").Str,
	}, true
}
