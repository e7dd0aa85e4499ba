// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/matrix-org/gomatrix"
)

// Kind is a stable class of bridge failure, independent of how the
// underlying transport reported it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindForbidden covers M_FORBIDDEN and plain HTTP 403.
	KindForbidden
	// KindNotFound covers M_NOT_FOUND and plain HTTP 404.
	KindNotFound
	// KindUserInUse is returned by /register when the localpart is taken.
	KindUserInUse
	// KindExclusive is returned by /register when the localpart is inside
	// another application service's exclusive namespace.
	KindExclusive
	// KindRateLimited covers M_LIMIT_EXCEEDED and HTTP 429.
	KindRateLimited
	// KindBadValue means malformed external input: tokens, rules, JSON.
	KindBadValue
	// KindUpstreamTimeout means the client-level timeout fired.
	KindUpstreamTimeout
	// KindDead means a queued operation exceeded its TTL before running.
	KindDead
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "NotFound"
	case KindUserInUse:
		return "UserInUse"
	case KindExclusive:
		return "Exclusive"
	case KindRateLimited:
		return "RateLimited"
	case KindBadValue:
		return "BadValue"
	case KindUpstreamTimeout:
		return "UpstreamTimeout"
	case KindDead:
		return "Dead"
	case KindInternal:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Error is the canonical bridge error. HTTPStatus and Errcode are zero
// valued when the failure never reached the homeserver.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Errcode    string
	Message    string
	cause      error
}

func (e *Error) Error() string {
	if e.Errcode != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Errcode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with no transport detail attached.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a fresh Error of the given kind.
func WrapError(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// kindForErrcode maps Matrix errcodes onto kinds. HTTP status wins for
// 403/404 even when the errcode is missing, matching how homeservers in
// the wild actually respond.
func kindForErrcode(errcode string, status int) Kind {
	switch errcode {
	case "M_FORBIDDEN":
		return KindForbidden
	case "M_NOT_FOUND":
		return KindNotFound
	case "M_USER_IN_USE":
		return KindUserInUse
	case "M_EXCLUSIVE":
		return KindExclusive
	case "M_LIMIT_EXCEEDED":
		return KindRateLimited
	}
	switch status {
	case 403:
		return KindForbidden
	case 404:
		return KindNotFound
	case 429:
		return KindRateLimited
	}
	if status >= 500 {
		return KindInternal
	}
	return KindUnknown
}

// Classify turns an arbitrary error into the canonical taxonomy. Errors
// from the HTTP client layer arrive as gomatrix.HTTPError wrapping a
// gomatrix.RespError; anything else is inspected for timeouts.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr
	}
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		errcode := ""
		var respErr gomatrix.RespError
		if errors.As(httpErr.WrappedError, &respErr) {
			errcode = respErr.ErrCode
		}
		return &Error{
			Kind:       kindForErrcode(errcode, httpErr.Code),
			HTTPStatus: httpErr.Code,
			Errcode:    errcode,
			Message:    httpErr.Message,
			cause:      err,
		}
	}
	var respErr gomatrix.RespError
	if errors.As(err, &respErr) {
		return &Error{
			Kind:    kindForErrcode(respErr.ErrCode, 0),
			Errcode: respErr.ErrCode,
			Message: respErr.Err,
			cause:   err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindUpstreamTimeout, Message: err.Error(), cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUpstreamTimeout, Message: err.Error(), cause: err}
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), cause: err}
}

func isKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

func IsForbidden(err error) bool       { return isKind(err, KindForbidden) }
func IsNotFound(err error) bool        { return isKind(err, KindNotFound) }
func IsRateLimited(err error) bool     { return isKind(err, KindRateLimited) }
func IsUpstreamTimeout(err error) bool { return isKind(err, KindUpstreamTimeout) }

// IsRegisterConflict reports whether a /register failure means the user
// already exists, which callers treat as success.
func IsRegisterConflict(err error) bool {
	k := Classify(err).Kind
	return k == KindUserInUse || k == KindExclusive
}

// Bridge-error reason codes signalled back into Matrix via the unstable
// de.nasnotfound.bridge_error event.
const (
	ReasonEventNotHandled     = "m.event_not_handled"
	ReasonEventTooOld         = "m.event_too_old"
	ReasonForeignNetworkError = "m.foreign_network_error"
	ReasonEventUnknown        = "m.event_unknown"
	ReasonInternalError       = "m.internal_error"
)

// BridgeErrorReason picks the bridge-error reason code for a handler
// failure.
func BridgeErrorReason(err error) string {
	switch Classify(err).Kind {
	case KindUpstreamTimeout:
		return ReasonForeignNetworkError
	case KindBadValue:
		return ReasonEventUnknown
	case KindInternal:
		return ReasonInternalError
	default:
		return ReasonEventNotHandled
	}
}
