// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomsync/types"
)

// ErrSendCancelled is returned by SendPending when the send was cancelled
// while in flight; the server result is discarded rather than applied.
var ErrSendCancelled = errors.New("send was cancelled while in flight")

// ErrSendInFlight is returned when SendPending is called for an event
// whose network call is already running.
var ErrSendInFlight = errors.New("send already in flight")

type pendingSend struct {
	event     *types.Event
	txnID     string
	inFlight  bool
	cancelled bool
}

// QueueSend creates a local-echo event and places it in the room's
// pending list with status Sending. Nothing touches the network until
// SendPending; before that, CancelPending removes it outright.
func (rc *Reconciler) QueueSend(roomID, sender, eventType string, content json.RawMessage) *types.Event {
	txnID := uuid.NewString()
	ev := &types.Event{
		ID:             types.LocalEchoPrefix + roomID + ":" + txnID,
		RoomID:         roomID,
		Sender:         sender,
		Type:           eventType,
		Content:        content,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		Relation:       types.ParseRelation(content),
		SendStatus:     types.Sending,
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	room := rc.roomLocked(roomID)
	room.store.Add(ev)
	room.pending = append(room.pending, &pendingSend{event: ev, txnID: txnID})
	return ev
}

// SendPending performs the network send for a queued event and promotes
// the local echo on success: the arena record is renamed to the server ID
// (merging with a sync copy if one raced ahead) and the event takes its
// main timeline position. On failure the event is marked NotSent and
// stays pending for retry or cancellation; calling SendPending again
// retries it.
func (rc *Reconciler) SendPending(ctx context.Context, roomID, localID string) (*types.Event, error) {
	rc.mu.Lock()
	room := rc.roomLocked(roomID)
	var p *pendingSend
	for _, candidate := range room.pending {
		if candidate.event.ID == localID {
			p = candidate
			break
		}
	}
	if p == nil {
		rc.mu.Unlock()
		return nil, types.ErrEventNotFound
	}
	if p.inFlight {
		rc.mu.Unlock()
		return nil, ErrSendInFlight
	}
	p.inFlight = true
	p.cancelled = false
	p.event.SendStatus = types.Sending
	ev := p.event
	txnID := p.txnID
	rc.mu.Unlock()

	serverID, sendErr := rc.boundary.Sender.SendEvent(ctx, roomID, ev.Type, txnID, ev.Content)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	p.inFlight = false

	if p.cancelled {
		// Cooperative cancellation: the call completed but the caller no
		// longer wants the result. Drop the pending entry and discard.
		room.removePending(localID)
		logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"local_id": localID,
		}).Debug("Discarding result of cancelled send")
		return nil, ErrSendCancelled
	}
	if sendErr != nil {
		ev.SendStatus = types.NotSent
		return nil, pkgerrors.Wrapf(sendErr, "failed to send event in %s", roomID)
	}

	room.removePending(localID)
	confirmed, err := room.store.ConfirmLocalEcho(localID, serverID)
	if err != nil {
		return nil, err
	}
	if !room.main.Contains(confirmed.ID) {
		room.main.Append(confirmed.ID)
	}
	rc.eventBecameKnown(room, confirmed)
	return confirmed, nil
}

// CancelPending removes a queued send. A send already in flight is
// cancelled cooperatively: it stays pending until the network call
// returns, at which point the result is discarded.
func (rc *Reconciler) CancelPending(roomID, localID string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	room, ok := rc.rooms[roomID]
	if !ok {
		return types.ErrEventNotFound
	}
	for _, p := range room.pending {
		if p.event.ID != localID {
			continue
		}
		if p.inFlight {
			p.cancelled = true
			return nil
		}
		room.removePending(localID)
		return nil
	}
	return types.ErrEventNotFound
}

// mergeLocalEcho reconciles a sync-delivered event against the pending
// list: if the server reflected our transaction ID, the pending local
// echo is collapsed onto the arrived event so it never shows twice.
func (rc *Reconciler) mergeLocalEcho(room *Room, arrived *types.Event) {
	txnID := transactionID(arrived)
	if txnID == "" {
		return
	}
	p := room.findPendingByTxn(txnID)
	if p == nil || p.inFlight {
		// An in-flight send resolves through SendPending; the rename map
		// in the store handles the duplicate either way.
		return
	}
	localID := p.event.ID
	room.removePending(localID)
	if _, err := room.store.ConfirmLocalEcho(localID, arrived.ID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  room.ID,
			"local_id": localID,
		}).Debug("Local echo already reconciled")
	}
	arrived.SendStatus = types.Sent
}
