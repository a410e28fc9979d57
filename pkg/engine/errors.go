package engine

import "errors"

// Error categories surfaced to callers. Operation errors wrap one of these so
// callers can branch with errors.Is. ErrUnderflow is the only category that
// indicates an engine bug rather than a bad request; it must never occur given
// correct preconditions.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadSignature = errors.New("bad signature")
	ErrStaleQuote   = errors.New("stale quote")
	ErrFutureQuote  = errors.New("quote timestamp in the future")
	ErrReplay       = errors.New("replay rejected")
	ErrState        = errors.New("invalid state")
	ErrUnderflow    = errors.New("accounting underflow")
)

// ErrNotOpen marks close/liquidate attempts on a terminal position.
var ErrNotOpen = errors.New("position not open")
