// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestValidUserID(t *testing.T) {
	tests := []struct {
		userID string
		want   bool
	}{
		{"@alice:example.org", true},
		{"@alice:example.org:8448", true},
		{"alice:example.org", false},
		{"@alice", false},
		{"@:example.org", false},
		{"@alice:", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidUserID(tt.userID))
		})
	}
}

func TestLocalpartAndDomain(t *testing.T) {
	assert.Equal(t, "alice", Localpart("@alice:example.org"))
	assert.Equal(t, spec.ServerName("example.org"), Domain("@alice:Example.ORG"))
	assert.Equal(t, "", Localpart("not-an-id"))
	assert.Equal(t, spec.ServerName(""), Domain("not-an-id"))
}

func TestNormalizeServerName(t *testing.T) {
	assert.Equal(t, spec.ServerName("example.org"), NormalizeServerName(" Example.Org "))
}
