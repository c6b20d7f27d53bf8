package domain

import "errors"

// Error taxonomy for the call core. Per-peer failures (ErrPeerUnreachable)
// are isolated and never tear down the session; only ErrChannelLost or
// total participant loss does.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrNotFound         = errors.New("call not found")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadyInCall    = errors.New("already in a call")
	ErrTimeout          = errors.New("connecting timed out")
	ErrUnauthorized     = errors.New("unauthorized state mutation")
	ErrChannelLost      = errors.New("signaling channel lost")
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrBacklog          = errors.New("outbound signaling backlog full")
)
