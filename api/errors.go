// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"errors"
	"net/http"

	"github.com/matrix-org/gomatrix"
)

// Transport errors from the HTTP layer arrive as gomatrix errors. The
// helpers below classify them so the core can decide between cool-down
// (retriable), permanent rejection, and not-found fallbacks without
// string matching.

// AsHTTPError unwraps a gomatrix HTTP error from an error chain.
func AsHTTPError(err error) (gomatrix.HTTPError, bool) {
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return gomatrix.HTTPError{}, false
}

// RespError unwraps the Matrix error body, if the server sent one.
// gomatrix carries the decoded body inside HTTPError.WrappedError.
func RespError(err error) (gomatrix.RespError, bool) {
	var respErr gomatrix.RespError
	if errors.As(err, &respErr) {
		return respErr, true
	}
	if httpErr, ok := AsHTTPError(err); ok && httpErr.WrappedError != nil {
		if errors.As(httpErr.WrappedError, &respErr) {
			return respErr, true
		}
	}
	return gomatrix.RespError{}, false
}

// IsRetriable reports whether the failure is transient: server errors,
// rate limiting, or transport failures without an HTTP response at all.
// Retriable failures put the operation into a cool-down window.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	httpErr, ok := AsHTTPError(err)
	if !ok {
		// No HTTP response: connection refused, timeout, etc.
		return true
	}
	if httpErr.Code == http.StatusTooManyRequests {
		return true
	}
	return httpErr.Code >= 500
}

// IsNotFound reports whether the server definitively does not know the
// requested resource (event, room).
func IsNotFound(err error) bool {
	if respErr, ok := RespError(err); ok && respErr.ErrCode == "M_NOT_FOUND" {
		return true
	}
	httpErr, ok := AsHTTPError(err)
	return ok && httpErr.Code == http.StatusNotFound
}
