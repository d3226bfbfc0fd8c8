// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelation(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected *RelationRef
	}{
		{
			name:     "no relation",
			content:  `{"body":"hello"}`,
			expected: nil,
		},
		{
			name:    "thread relation",
			content: `{"m.relates_to":{"rel_type":"m.thread","event_id":"$root"}}`,
			expected: &RelationRef{
				RelType: RelThread,
				EventID: "$root",
			},
		},
		{
			name:    "annotation with key",
			content: `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$target","key":"👍"}}`,
			expected: &RelationRef{
				RelType: RelAnnotation,
				EventID: "$target",
				Key:     "👍",
			},
		},
		{
			name:     "missing rel_type treated as absent",
			content:  `{"m.relates_to":{"event_id":"$target"}}`,
			expected: nil,
		},
		{
			name:     "missing event_id treated as absent",
			content:  `{"m.relates_to":{"rel_type":"m.replace"}}`,
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseRelation(json.RawMessage(tt.content)))
		})
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{ID: "$e", RoomID: "!r:test", Sender: "@a:test", Type: MRoomMessage}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing id", func(e *Event) { e.ID = "" }},
		{"missing room", func(e *Event) { e.RoomID = "" }},
		{"missing sender", func(e *Event) { e.Sender = "" }},
		{"missing type", func(e *Event) { e.Type = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			assert.ErrorIs(t, ev.Validate(), ErrMalformedEvent)
		})
	}
}

func TestIsLocalEcho(t *testing.T) {
	local := Event{ID: "~!r:test:txn1"}
	confirmed := Event{ID: "$abc"}
	assert.True(t, local.IsLocalEcho())
	assert.False(t, confirmed.IsLocalEcho())
}

func TestRedactsEventID(t *testing.T) {
	t.Run("content placement wins", func(t *testing.T) {
		ev := Event{
			Type:     MRoomRedaction,
			Content:  json.RawMessage(`{"redacts":"$from_content"}`),
			Unsigned: json.RawMessage(`{"redacts":"$from_unsigned"}`),
		}
		assert.Equal(t, "$from_content", ev.RedactsEventID())
	})
	t.Run("not a redaction", func(t *testing.T) {
		ev := Event{Type: MRoomMessage, Content: json.RawMessage(`{"redacts":"$x"}`)}
		assert.Equal(t, "", ev.RedactsEventID())
	})
}

func TestIsState(t *testing.T) {
	emptyKey := ""
	assert.True(t, (&Event{StateKey: &emptyKey}).IsState())
	assert.False(t, (&Event{}).IsState())
}
