// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sticky maintains short-lived events with bounded validity.
// Events carrying a sticky key form a per-(type, sender, key) chain
// ordered by descending expiry; the head is the current value and
// redacting it rolls back to the next live member. Unkeyed sticky events
// have no chain: expiry or redaction simply removes them.
//
// Expiry is driven by one timer per store, always armed for the soonest
// known expiry, never polled.
package sticky

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomsync/internal/util"
	"github.com/element-hq/roomsync/types"
)

var stickyEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "roomsync",
	Subsystem: "sticky",
	Name:      "evicted_total",
	Help:      "Sticky events removed, by reason",
}, []string{"reason"})

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(stickyEvicted)
	})
}

// UpdateKind classifies a sticky notification.
type UpdateKind int

const (
	// Added fires when a chain gains its first head, or an unkeyed sticky
	// event appears.
	Added UpdateKind = iota
	// Updated fires when a chain's head changes; Previous carries the old
	// head.
	Updated
	// Removed fires when a head or unkeyed event is evicted with no
	// replacement.
	Removed
)

// Update is delivered to the store's observer. Mid-chain changes are not
// observable: only head changes and removals produce updates.
type Update struct {
	Kind     UpdateKind
	Current  *types.Event
	Previous *types.Event
}

type chainKey struct {
	eventType string
	sender    string
	key       string
}

type member struct {
	event  *types.Event
	expiry time.Time
}

// ranksAbove reports whether a should sit before b in a chain: later
// expiry first, ties broken by ascending event ID. The tie-break is
// deterministic but arbitrary; nothing in the protocol mandates it.
func (a member) ranksAbove(b member) bool {
	if !a.expiry.Equal(b.expiry) {
		return a.expiry.After(b.expiry)
	}
	return a.event.ID < b.event.ID
}

type chain struct {
	members []member // head first
}

// Store holds the sticky events of one room.
type Store struct {
	mu      sync.Mutex
	roomID  string
	chains  map[chainKey]*chain
	unkeyed map[string]member

	onUpdate func(Update)
	now      func() time.Time
	timer    *time.Timer
	timerAt  time.Time
	closed   bool
}

// NewStore creates a sticky store. onUpdate may be nil; it is invoked
// outside the store's lock, on whichever goroutine caused the change (the
// expiry timer's goroutine for sweeps).
func NewStore(roomID string, onUpdate func(Update)) *Store {
	return newStore(roomID, onUpdate, time.Now)
}

func newStore(roomID string, onUpdate func(Update), now func() time.Time) *Store {
	return &Store{
		roomID:   roomID,
		chains:   make(map[chainKey]*chain),
		unkeyed:  make(map[string]member),
		onUpdate: onUpdate,
		now:      now,
	}
}

// Close stops the expiry timer. The store remains queryable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Add validates and inserts a sticky event. Rejections leave all state
// untouched: ErrStickyInvalid for missing/malformed required fields,
// ErrStickyExpired when the expiry has already passed, ErrStickyStale for
// a duplicate or for losing the identical-expiry tie-break against the
// current head.
func (s *Store) Add(ev *types.Event) error {
	content, ok := types.ParseStickyContent(ev.Content)
	if !ok || content.ExpiresTS == 0 {
		return types.ErrStickyInvalid
	}
	if !util.ValidUserID(ev.Sender) {
		return types.ErrStickyInvalid
	}
	expiry := content.ExpiresTS.Time()
	newMember := member{event: ev, expiry: expiry}

	var updates []Update
	s.mu.Lock()
	now := s.now()
	if !expiry.After(now) {
		s.mu.Unlock()
		return types.ErrStickyExpired
	}

	if content.Key == "" {
		if _, dup := s.unkeyed[ev.ID]; dup {
			s.mu.Unlock()
			return types.ErrStickyStale
		}
		s.unkeyed[ev.ID] = newMember
		updates = append(updates, Update{Kind: Added, Current: ev})
		s.rescheduleLocked()
		s.mu.Unlock()
		s.emit(updates)
		return nil
	}

	key := chainKey{eventType: ev.Type, sender: ev.Sender, key: content.Key}
	c, exists := s.chains[key]
	if !exists {
		c = &chain{}
		s.chains[key] = c
	}
	for _, m := range c.members {
		if m.event.ID == ev.ID {
			s.mu.Unlock()
			return types.ErrStickyStale
		}
	}
	if len(c.members) > 0 {
		head := c.members[0]
		if head.expiry.Equal(expiry) && !newMember.ranksAbove(head) {
			// Identical expiry: the earlier event ID stays head and the
			// loser is dropped outright rather than kept as a stale twin.
			s.mu.Unlock()
			return types.ErrStickyStale
		}
	}

	// Insert sorted by rank. Only a head change is observable.
	idx := len(c.members)
	for i, m := range c.members {
		if newMember.ranksAbove(m) {
			idx = i
			break
		}
	}
	c.members = append(c.members, member{})
	copy(c.members[idx+1:], c.members[idx:])
	c.members[idx] = newMember

	if idx == 0 {
		if len(c.members) == 1 {
			updates = append(updates, Update{Kind: Added, Current: ev})
		} else {
			updates = append(updates, Update{Kind: Updated, Current: ev, Previous: c.members[1].event})
		}
	}
	s.rescheduleLocked()
	s.mu.Unlock()
	s.emit(updates)
	return nil
}

// GetKeyedStickyEvent returns the current head for (sender, type, key),
// or nil when no live chain exists.
func (s *Store) GetKeyedStickyEvent(sender, eventType, key string) *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainKey{eventType: eventType, sender: sender, key: key}]
	if !ok || len(c.members) == 0 {
		return nil
	}
	head := c.members[0]
	if !head.expiry.After(s.now()) {
		return nil
	}
	return head.event
}

// GetStickyEvents returns every live sticky value: each chain's head plus
// all unkeyed events, expired entries excluded.
func (s *Store) GetStickyEvents() []*types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*types.Event
	for _, c := range s.chains {
		if len(c.members) == 0 {
			continue
		}
		if head := c.members[0]; head.expiry.After(now) {
			out = append(out, head.event)
		}
	}
	for _, m := range s.unkeyed {
		if m.expiry.After(now) {
			out = append(out, m.event)
		}
	}
	return out
}

// HandleRedaction removes the redacted event from sticky state. The full
// event gives the fast path (the chain key derives from its content);
// HandleRedactionByID scans every chain instead. If the redacted member
// was a chain head, the next unredacted, unexpired member is promoted and
// an Updated fires with the redacted head as Previous; an emptied chain
// is deleted with a Removed.
func (s *Store) HandleRedaction(ev *types.Event) {
	content, ok := types.ParseStickyContent(ev.Content)
	if !ok || content.Key == "" {
		// Unkeyed or content unavailable: fall back to the scan.
		s.HandleRedactionByID(ev.ID)
		return
	}
	key := chainKey{eventType: ev.Type, sender: ev.Sender, key: content.Key}
	s.mu.Lock()
	c, ok := s.chains[key]
	if !ok {
		s.mu.Unlock()
		s.HandleRedactionByID(ev.ID)
		return
	}
	updates := s.removeFromChainLocked(key, c, ev.ID)
	s.rescheduleLocked()
	s.mu.Unlock()
	s.emit(updates)
}

// HandleRedactionByID is the slow path for redactions where only the
// event ID is known: every chain and the unkeyed set are scanned.
func (s *Store) HandleRedactionByID(eventID string) {
	var updates []Update
	s.mu.Lock()
	if m, ok := s.unkeyed[eventID]; ok {
		delete(s.unkeyed, eventID)
		stickyEvicted.WithLabelValues("redacted").Inc()
		updates = append(updates, Update{Kind: Removed, Current: m.event})
	} else {
	scan:
		for key, c := range s.chains {
			for _, m := range c.members {
				if m.event.ID == eventID {
					updates = s.removeFromChainLocked(key, c, eventID)
					break scan
				}
			}
		}
	}
	s.rescheduleLocked()
	s.mu.Unlock()
	s.emit(updates)
}

// removeFromChainLocked removes the member and handles head promotion.
func (s *Store) removeFromChainLocked(key chainKey, c *chain, eventID string) []Update {
	idx := -1
	for i, m := range c.members {
		if m.event.ID == eventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	wasHead := idx == 0
	removed := c.members[idx]
	c.members = append(c.members[:idx], c.members[idx+1:]...)
	stickyEvicted.WithLabelValues("redacted").Inc()

	if !wasHead {
		// Mid-chain removal is not observable.
		return nil
	}

	// Promote the next member that is neither redacted nor expired,
	// discarding dead ones on the way.
	now := s.now()
	for len(c.members) > 0 {
		next := c.members[0]
		if !next.event.Redacted && next.expiry.After(now) {
			return []Update{{Kind: Updated, Current: next.event, Previous: removed.event}}
		}
		c.members = c.members[1:]
		stickyEvicted.WithLabelValues("dead").Inc()
	}
	delete(s.chains, key)
	return []Update{{Kind: Removed, Current: removed.event}}
}

// Sweep evicts everything expired at the current clock and re-arms the
// timer. The timer calls this; tests may call it directly after advancing
// an injected clock.
func (s *Store) Sweep() {
	var updates []Update
	s.mu.Lock()
	now := s.now()

	for key, c := range s.chains {
		headEvicted := false
		var evictedHead member
		for len(c.members) > 0 && !c.members[0].expiry.After(now) {
			if !headEvicted {
				headEvicted = true
				evictedHead = c.members[0]
			}
			c.members = c.members[1:]
			stickyEvicted.WithLabelValues("expired").Inc()
		}
		// Expired tail members fall out silently: only the head is
		// observable.
		kept := c.members[:0]
		for _, m := range c.members {
			if m.expiry.After(now) {
				kept = append(kept, m)
			} else {
				stickyEvicted.WithLabelValues("expired").Inc()
			}
		}
		c.members = kept
		if headEvicted {
			updates = append(updates, Update{Kind: Removed, Current: evictedHead.event})
		}
		if len(c.members) == 0 {
			delete(s.chains, key)
		}
	}
	for id, m := range s.unkeyed {
		if !m.expiry.After(now) {
			delete(s.unkeyed, id)
			stickyEvicted.WithLabelValues("expired").Inc()
			updates = append(updates, Update{Kind: Removed, Current: m.event})
		}
	}
	s.rescheduleLocked()
	s.mu.Unlock()

	if len(updates) > 0 {
		logrus.WithFields(logrus.Fields{
			"room_id": s.roomID,
			"evicted": len(updates),
		}).Debug("Sticky expiry sweep evicted events")
	}
	s.emit(updates)
}

// rescheduleLocked re-arms the single expiry timer for the minimum expiry
// across all chains and the unkeyed set, or stops it when nothing is live.
func (s *Store) rescheduleLocked() {
	if s.closed {
		return
	}
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, c := range s.chains {
		for _, m := range c.members {
			consider(m.expiry)
		}
	}
	for _, m := range s.unkeyed {
		consider(m.expiry)
	}

	if next.IsZero() {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerAt = time.Time{}
		return
	}
	if s.timer != nil && s.timerAt.Equal(next) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerAt = next
	d := next.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, s.Sweep)
}

func (s *Store) emit(updates []Update) {
	if s.onUpdate == nil {
		return
	}
	for _, u := range updates {
		s.onUpdate(u)
	}
}
