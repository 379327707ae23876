package domain

import "errors"

var (
	// ErrDataUnavailable means a bulk read failed; state stays last-known-good.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrSendFailed means external delivery failed and nothing was committed.
	ErrSendFailed = errors.New("send failed")

	// ErrStaleResult marks an async completion whose context has changed.
	// Its result is discarded without touching state.
	ErrStaleResult = errors.New("stale result")

	// ErrSubscriptionLost means the change feed transport disconnected.
	ErrSubscriptionLost = errors.New("subscription lost")

	ErrEmptyBody           = errors.New("message body is empty")
	ErrSendInFlight        = errors.New("a send is already in flight for this conversation")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrSessionClosed       = errors.New("session closed")
)
