// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roomsync/types"
)

func TestAppendPrependOrdering(t *testing.T) {
	tl := New("test")
	tl.Append("$b")
	tl.Append("$c")
	tl.Prepend("$a")

	if diff := cmp.Diff([]string{"$a", "$b", "$c"}, tl.Events()); diff != "" {
		t.Fatalf("unexpected event order (-want +got):\n%s", diff)
	}
	assert.Equal(t, "$c", tl.Latest())

	assert.Equal(t, types.OrderBefore, tl.CompareOrder("$a", "$b"))
	assert.Equal(t, types.OrderBefore, tl.CompareOrder("$a", "$c"))
	assert.Equal(t, types.OrderAfter, tl.CompareOrder("$c", "$a"))
	assert.Equal(t, types.OrderSame, tl.CompareOrder("$b", "$b"))
}

func TestCompareOrderUnknownForAbsent(t *testing.T) {
	tl := New("test")
	tl.Append("$a")
	assert.Equal(t, types.OrderUnknown, tl.CompareOrder("$a", "$missing"))
	assert.Equal(t, types.OrderUnknown, tl.CompareOrder("$missing", "$a"))
}

func TestDuplicateInsertIgnored(t *testing.T) {
	tl := New("test")
	require.True(t, tl.Append("$a"))
	require.True(t, tl.Append("$b"))
	// A duplicate may not rewrite the server-implied order.
	assert.False(t, tl.Prepend("$b"))
	assert.Equal(t, types.OrderBefore, tl.CompareOrder("$a", "$b"))
}

func TestReset(t *testing.T) {
	tl := New("test")
	tl.Append("$a")
	tl.Append("$b")
	token := "t1"
	tl.Reset(&token)

	assert.Equal(t, 0, tl.Len())
	assert.False(t, tl.Contains("$a"))
	assert.Equal(t, types.OrderUnknown, tl.CompareOrder("$a", "$b"))
	require.NotNil(t, tl.StartToken())
	assert.Equal(t, "t1", *tl.StartToken())
}

func TestBeginSegmentRetainsOldOrdering(t *testing.T) {
	tl := New("test")
	tl.Append("$a")
	tl.Append("$b")
	token := "t1"
	tl.BeginSegment(&token)
	tl.Append("$c")
	tl.Append("$d")

	// Within-segment comparisons still answer on both sides of the gap.
	assert.Equal(t, types.OrderBefore, tl.CompareOrder("$a", "$b"))
	assert.Equal(t, types.OrderBefore, tl.CompareOrder("$c", "$d"))
	// Across the gap the relative order is not known.
	assert.Equal(t, types.OrderUnknown, tl.CompareOrder("$a", "$c"))
	assert.Equal(t, types.OrderUnknown, tl.CompareOrder("$d", "$b"))
}

func TestBeginSegmentOnEmptyTimelineOnlyMovesToken(t *testing.T) {
	tl := New("test")
	token := "t1"
	tl.BeginSegment(&token)
	tl.Append("$a")
	tl.Append("$b")
	assert.Equal(t, types.OrderBefore, tl.CompareOrder("$a", "$b"))
}

func TestTokenNulling(t *testing.T) {
	tl := New("test")
	token := "t"
	tl.SetStartToken(&token)
	require.NotNil(t, tl.StartToken())
	tl.SetStartToken(nil)
	assert.Nil(t, tl.StartToken(), "nulled token marks the direction exhausted")
}
