// Copyright 2024-2026 Aiku AI

package connector

import "errors"

// Platform adapters wrap their errors with one of these so the relay core
// can classify failures with errors.Is.
var (
	ErrTransientTimeout = errors.New("transient network timeout")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrUnsupportedKind  = errors.New("unsupported message kind")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrNotBridged       = errors.New("conversation is not bridged")
)
