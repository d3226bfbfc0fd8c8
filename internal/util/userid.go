// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ValidUserID reports whether the string looks like a Matrix user ID
// (@localpart:servername). Full grammar enforcement is the server's job;
// this only rejects strings that cannot possibly identify a sender.
func ValidUserID(userID string) bool {
	if !strings.HasPrefix(userID, "@") {
		return false
	}
	localpart, domain, found := strings.Cut(userID[1:], ":")
	return found && localpart != "" && domain != ""
}

// Localpart returns the localpart of a user ID, or "" if the ID is not
// well-formed.
func Localpart(userID string) string {
	if !ValidUserID(userID) {
		return ""
	}
	localpart, _, _ := strings.Cut(userID[1:], ":")
	return localpart
}

// Domain returns the server-name portion of a user ID, normalized for
// comparison. Domain names are case-insensitive per RFC 1035, so the
// canonical lowercase form is safe to compare and store.
func Domain(userID string) spec.ServerName {
	if !ValidUserID(userID) {
		return ""
	}
	_, domain, _ := strings.Cut(userID[1:], ":")
	return NormalizeServerName(spec.ServerName(domain))
}

// NormalizeServerName trims whitespace and lowercases a server name so
// that comparisons and lookups remain case-insensitive.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}
