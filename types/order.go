// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// Ordering is the answer to "where does event A sit relative to event B
// in a room's retained timeline". Tokens are opaque, so ordering can only
// be derived from observed timeline position; when either event is not
// retained, or the two sit on opposite sides of a gap, the answer is
// OrderUnknown and callers must treat that conservatively (never as a
// default ordering).
type Ordering int

const (
	OrderUnknown Ordering = iota
	OrderBefore
	OrderSame
	OrderAfter
)

func (o Ordering) String() string {
	switch o {
	case OrderBefore:
		return "before"
	case OrderSame:
		return "same"
	case OrderAfter:
		return "after"
	default:
		return "unknown"
	}
}

// Direction selects which end of a timeline a pagination request extends.
type Direction int

const (
	// Backwards requests older events; results prepend to the timeline.
	Backwards Direction = iota
	// Forwards requests newer events; results append to the timeline.
	Forwards
)

func (d Direction) String() string {
	if d == Forwards {
		return "f"
	}
	return "b"
}
