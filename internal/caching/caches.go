// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching provides the in-memory caches backing the context-fetch
// fallback: which targets we already tried to fetch, and which recently
// failed (held with a TTL so they become eligible again).
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

const (
	attemptPrefix = "ctx_attempt\x1f"
	failurePrefix = "ctx_failure\x1f"
)

// Caches wraps the shared ristretto cache behind typed accessors.
type Caches struct {
	cache *ristretto.Cache
}

// NewCaches creates the cache with a bounded cost budget. maxCost is in
// entries (every entry costs 1).
func NewCaches(maxCost int64) (*Caches, error) {
	if maxCost <= 0 {
		maxCost = 1 << 16
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ristretto cache")
	}
	return &Caches{cache: cache}, nil
}

func key(prefix, roomID, eventID string) string {
	return prefix + roomID + "\x1f" + eventID
}

// MarkContextFetchAttempted records that a context fetch was issued for
// the target, so redundant fetches for the same missing event are elided.
func (c *Caches) MarkContextFetchAttempted(roomID, eventID string) {
	c.cache.Set(key(attemptPrefix, roomID, eventID), struct{}{}, 1)
}

// ContextFetchAttempted reports whether a fetch was already issued.
func (c *Caches) ContextFetchAttempted(roomID, eventID string) bool {
	_, ok := c.cache.Get(key(attemptPrefix, roomID, eventID))
	return ok
}

// ClearContextFetchAttempt makes the target fetchable again, used when a
// fetch failed transiently and its failure marker has lapsed.
func (c *Caches) ClearContextFetchAttempt(roomID, eventID string) {
	c.cache.Del(key(attemptPrefix, roomID, eventID))
}

// StoreContextFetchFailure marks the target as recently failed for the
// given window; while present the engine will not re-fetch it.
func (c *Caches) StoreContextFetchFailure(roomID, eventID string, ttl time.Duration) {
	c.cache.SetWithTTL(key(failurePrefix, roomID, eventID), struct{}{}, 1, ttl)
}

// ContextFetchFailedRecently reports whether the target is inside its
// failure window.
func (c *Caches) ContextFetchFailedRecently(roomID, eventID string) bool {
	_, ok := c.cache.Get(key(failurePrefix, roomID, eventID))
	return ok
}

// Wait flushes pending cache writes. Only needed by tests: ristretto
// applies Set asynchronously.
func (c *Caches) Wait() {
	c.cache.Wait()
}
