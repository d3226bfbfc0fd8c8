// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v2"
)

// Sync holds the tunables of the reconciliation engine. Zero values are
// filled in by Defaults; Verify rejects configurations the engine cannot
// honour.
type Sync struct {
	// SyncTimeout is the long-poll timeout passed to the sync feed.
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// PaginationLimit is the page size for scrollback requests.
	PaginationLimit int `yaml:"pagination_limit"`

	// PaginationCooloff is how long a room's scrollback direction stays
	// blocked after a transport failure, to avoid tight retry loops.
	PaginationCooloff time.Duration `yaml:"pagination_cooloff"`

	// ContextFetchLimit is the surrounding-event count for context
	// fetches resolving unknown relation or receipt targets.
	ContextFetchLimit int `yaml:"context_fetch_limit"`

	// ContextFailureTTL is how long a failed context fetch blocks
	// re-fetching the same target.
	ContextFailureTTL time.Duration `yaml:"context_failure_ttl"`

	// MaxRelationChainDepth caps relation-chain traversal when resolving
	// thread scope, guarding against malformed or cyclic data.
	MaxRelationChainDepth int `yaml:"max_relation_chain_depth"`

	// CacheMaxEntries bounds the context-fetch marker cache.
	CacheMaxEntries int64 `yaml:"cache_max_entries"`
}

// Defaults fills in unset fields.
func (c *Sync) Defaults() {
	if c.SyncTimeout == 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.PaginationLimit == 0 {
		c.PaginationLimit = 50
	}
	if c.PaginationCooloff == 0 {
		c.PaginationCooloff = 10 * time.Second
	}
	if c.ContextFetchLimit == 0 {
		c.ContextFetchLimit = 20
	}
	if c.ContextFailureTTL == 0 {
		c.ContextFailureTTL = time.Minute
	}
	if c.MaxRelationChainDepth == 0 {
		c.MaxRelationChainDepth = 10
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = 1 << 16
	}
}

// Verify appends a message to configErrs for every invalid field.
func (c *Sync) Verify(configErrs *ConfigErrors) {
	checkPositiveDuration(configErrs, "sync.sync_timeout", c.SyncTimeout)
	checkPositive(configErrs, "sync.pagination_limit", int64(c.PaginationLimit))
	checkPositiveDuration(configErrs, "sync.pagination_cooloff", c.PaginationCooloff)
	checkPositive(configErrs, "sync.context_fetch_limit", int64(c.ContextFetchLimit))
	checkPositiveDuration(configErrs, "sync.context_failure_ttl", c.ContextFailureTTL)
	checkPositive(configErrs, "sync.max_relation_chain_depth", int64(c.MaxRelationChainDepth))
}

// Load parses a yaml document into a Sync config, applying defaults and
// verification.
func Load(data []byte) (*Sync, error) {
	var c Sync
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.Defaults()
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

// ConfigErrors collects human-readable config problems.
type ConfigErrors []string

// Add appends a problem description.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

func checkPositiveDuration(configErrs *ConfigErrors, key string, value time.Duration) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid duration for config key %q: %s", key, value))
	}
}
