// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the temporal and structural rejection paths. A
// temporal rejection means the incoming update is older than what we
// already hold: the update is dropped and existing state stays untouched.
var (
	// ErrMalformedEvent marks an event missing a required field. The item
	// is skipped; the batch continues.
	ErrMalformedEvent = errors.New("event is missing a required field")

	// ErrStaleReceipt means the incoming receipt is ordered before the
	// stored receipt for the same scope, user and kind.
	ErrStaleReceipt = errors.New("receipt is older than the stored receipt")

	// ErrStickyExpired means the sticky event's expiry had already passed
	// on arrival.
	ErrStickyExpired = errors.New("sticky event has already expired")

	// ErrStickyStale means the sticky event ranks below the current chain
	// head and cannot supersede it.
	ErrStickyStale = errors.New("sticky event is older than the current head")

	// ErrStickyInvalid marks a sticky event failing field validation.
	ErrStickyInvalid = errors.New("sticky event failed validation")

	// ErrPaginationCoolingDown is returned when scrollback for a room is
	// retried inside the cool-down window after a transport failure.
	ErrPaginationCoolingDown = errors.New("pagination is cooling down after a failure")

	// ErrPaginationExhausted means the timeline end in the requested
	// direction has been reached and the token nulled.
	ErrPaginationExhausted = errors.New("no further events in this direction")

	// ErrEventNotFound is returned when an event ID cannot be resolved in
	// the local store.
	ErrEventNotFound = errors.New("event not known locally")

	// ErrAlreadyConfirmed means a local echo was asked to rename a second
	// time. Events transition through at most one identifier rename.
	ErrAlreadyConfirmed = errors.New("local echo already confirmed")
)

// UnsupportedCapabilityError is the protocol-capability failure: the
// server does not advertise a feature the engine requires. It is raised
// before any call that would depend on the capability.
type UnsupportedCapabilityError struct {
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("server does not support required capability %q", e.Capability)
}
