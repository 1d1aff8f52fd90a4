package icc

import (
	"errors"

	"icc/layout"
)

var (
	// ErrConfiguration: the shared region cannot hold the configured rings,
	// or the init inputs are inconsistent. Returned before any state changes.
	ErrConfiguration = layout.ErrConfiguration

	// ErrInvalidArgument: out-of-range core id, oversized payload, illegal
	// block address or bad registration target. Nothing is mutated.
	ErrInvalidArgument = errors.New("icc: invalid argument")

	// ErrResourceExhausted: a destination ring is full, or no block is free.
	// The caller retries or backs off.
	ErrResourceExhausted = errors.New("icc: resource exhausted")

	// ErrProtocolViolation: unexpected signal number, self-sourced signal or
	// malformed descriptor seen in interrupt context. Logged and dropped,
	// never returned.
	ErrProtocolViolation = errors.New("icc: protocol violation")

	// ErrNotInitialized: the engine has been closed.
	ErrNotInitialized = errors.New("icc: not initialized")
)
