// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client drives the sync loop: it long-polls the delta feed and
// hands each response to the reconciler, one at a time, in arrival order.
// The loop is resumable: the since token of the last applied batch is the
// only state needed to continue after a disconnect.
package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/roomsync/api"
	"github.com/element-hq/roomsync/reconciler"
	"github.com/element-hq/roomsync/setup/config"
	"github.com/element-hq/roomsync/types"
)

// syncFailurePause is how long the loop waits after a failed sync before
// polling again. Proper retry/backoff policy belongs to the transport
// layer; this only stops a dead server from being hammered in a busy loop.
const syncFailurePause = time.Second

// RequiredCapabilities names the server features the engine depends on.
// They are checked once, before the first sync call, and a missing one
// fails fast with a typed error.
type RequiredCapabilities struct {
	Threads          bool
	ThreadedReceipts bool
	StickyEvents     bool
}

// Client owns the sync loop for one account.
type Client struct {
	cfg        *config.Sync
	source     api.SyncSource
	caps       api.CapabilityProvider
	required   RequiredCapabilities
	reconciler *reconciler.Reconciler

	since          atomic.String
	batchesApplied atomic.Int64
}

// New creates a client resuming from the given since token ("" for an
// initial sync).
func New(cfg *config.Sync, source api.SyncSource, caps api.CapabilityProvider, required RequiredCapabilities, rec *reconciler.Reconciler, since string) *Client {
	c := &Client{
		cfg:        cfg,
		source:     source,
		caps:       caps,
		required:   required,
		reconciler: rec,
	}
	c.since.Store(since)
	return c
}

// Since returns the token to resume from after the last applied batch.
// Callers persist this across restarts.
func (c *Client) Since() string {
	return c.since.Load()
}

// BatchesApplied returns how many sync responses have been reconciled.
func (c *Client) BatchesApplied() int64 {
	return c.batchesApplied.Load()
}

// Reconciler exposes the reconciler for queries and sends.
func (c *Client) Reconciler() *reconciler.Reconciler {
	return c.reconciler
}

// checkCapabilities fails fast if the server lacks a required feature.
func (c *Client) checkCapabilities(ctx context.Context) error {
	if c.caps == nil {
		return nil
	}
	caps, err := c.caps.Capabilities(ctx)
	if err != nil {
		return err
	}
	switch {
	case c.required.Threads && !caps.Threads:
		return &types.UnsupportedCapabilityError{Capability: "threads"}
	case c.required.ThreadedReceipts && !caps.ThreadedReceipts:
		return &types.UnsupportedCapabilityError{Capability: "threaded read receipts"}
	case c.required.StickyEvents && !caps.StickyEvents:
		return &types.UnsupportedCapabilityError{Capability: "sticky events"}
	}
	return nil
}

// Run long-polls the delta feed until ctx is cancelled. Each response is
// applied before the next poll starts, so no two reconciliations ever
// interleave. Transport failures are logged and the loop continues from
// the same token.
func (c *Client) Run(ctx context.Context) error {
	if err := c.checkCapabilities(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := c.source.Sync(ctx, c.since.Load(), c.cfg.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logrus.WithError(err).Warn("Sync request failed; continuing from same token")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(syncFailurePause):
			}
			continue
		}
		c.reconciler.Apply(ctx, resp)
		c.since.Store(resp.NextBatch)
		c.batchesApplied.Inc()
	}
}
