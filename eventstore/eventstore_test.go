// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roomsync/types"
)

func newEvent(id, evType string, content string) *types.Event {
	return &types.Event{
		ID:      id,
		RoomID:  "!room:test",
		Sender:  "@alice:test",
		Type:    evType,
		Content: json.RawMessage(content),
	}
}

func TestAddDeduplicates(t *testing.T) {
	store := NewStore("!room:test")

	first, isNew := store.Add(newEvent("$e1", types.MRoomMessage, `{"body":"one"}`))
	assert.True(t, isNew)

	second, isNew := store.Add(newEvent("$e1", types.MRoomMessage, `{"body":"duplicate"}`))
	assert.False(t, isNew)
	assert.Same(t, first, second, "duplicate delivery must return the owned record")
	assert.Equal(t, 1, store.Len())
}

func TestConfirmLocalEcho(t *testing.T) {
	t.Run("renames once", func(t *testing.T) {
		store := NewStore("!room:test")
		local := newEvent("~!room:test:txn1", types.MRoomMessage, `{"body":"hi"}`)
		local.SendStatus = types.Sending
		store.Add(local)

		confirmed, err := store.ConfirmLocalEcho("~!room:test:txn1", "$server1")
		require.NoError(t, err)
		assert.Equal(t, "$server1", confirmed.ID)
		assert.Equal(t, "~!room:test:txn1", confirmed.LocalID)
		assert.Equal(t, types.Sent, confirmed.SendStatus)

		_, ok := store.Get("~!room:test:txn1")
		assert.False(t, ok, "placeholder ID must no longer resolve")
		got, ok := store.Get("$server1")
		require.True(t, ok)
		assert.Same(t, confirmed, got)
	})

	t.Run("second rename rejected", func(t *testing.T) {
		store := NewStore("!room:test")
		store.Add(newEvent("~!room:test:txn1", types.MRoomMessage, `{}`))
		_, err := store.ConfirmLocalEcho("~!room:test:txn1", "$server1")
		require.NoError(t, err)

		_, err = store.ConfirmLocalEcho("~!room:test:txn1", "$server2")
		assert.ErrorIs(t, err, types.ErrAlreadyConfirmed)
	})

	t.Run("sync copy wins the race", func(t *testing.T) {
		store := NewStore("!room:test")
		store.Add(newEvent("~!room:test:txn1", types.MRoomMessage, `{"body":"local"}`))
		synced, _ := store.Add(newEvent("$server1", types.MRoomMessage, `{"body":"from sync"}`))

		confirmed, err := store.ConfirmLocalEcho("~!room:test:txn1", "$server1")
		require.NoError(t, err)
		assert.Same(t, synced, confirmed, "the sync copy is kept, not the local echo")
		assert.Equal(t, types.Sent, confirmed.SendStatus)
	})

	t.Run("late sync duplicate collapses onto confirmed record", func(t *testing.T) {
		store := NewStore("!room:test")
		store.Add(newEvent("~!room:test:txn1", types.MRoomMessage, `{"body":"local"}`))
		confirmed, err := store.ConfirmLocalEcho("~!room:test:txn1", "$server1")
		require.NoError(t, err)

		dup, isNew := store.Add(newEvent("$server1", types.MRoomMessage, `{"body":"sync dup"}`))
		assert.False(t, isNew)
		assert.Same(t, confirmed, dup)
	})

	t.Run("unknown local id", func(t *testing.T) {
		store := NewStore("!room:test")
		_, err := store.ConfirmLocalEcho("~!room:test:missing", "$x")
		assert.ErrorIs(t, err, types.ErrEventNotFound)
	})
}

func TestRedact(t *testing.T) {
	t.Run("prunes message content entirely", func(t *testing.T) {
		store := NewStore("!room:test")
		store.Add(newEvent("$e1", types.MRoomMessage, `{"body":"secret","msgtype":"m.text"}`))

		require.True(t, store.Redact("$e1"))

		ev, _ := store.Get("$e1")
		assert.True(t, ev.Redacted)
		assert.JSONEq(t, `{}`, string(ev.Content))
		assert.Nil(t, ev.Relation)
	})

	t.Run("keeps membership for member events", func(t *testing.T) {
		store := NewStore("!room:test")
		store.Add(newEvent("$m1", types.MRoomMember, `{"membership":"join","displayname":"Alice"}`))

		require.True(t, store.Redact("$m1"))

		ev, _ := store.Get("$m1")
		assert.JSONEq(t, `{"membership":"join"}`, string(ev.Content))
	})

	t.Run("idempotent", func(t *testing.T) {
		store := NewStore("!room:test")
		store.Add(newEvent("$e1", types.MRoomMessage, `{"body":"x"}`))
		require.True(t, store.Redact("$e1"))
		assert.True(t, store.Redact("$e1"))
	})

	t.Run("unknown target reports false", func(t *testing.T) {
		store := NewStore("!room:test")
		assert.False(t, store.Redact("$missing"))
	})
}
