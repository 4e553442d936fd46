// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds how long a send is retried after transient timeouts.
type RetryPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// MaxElapsed caps the total time spent retrying. Zero means retry until
	// the context is done.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// backoff returns the delay to use after prev, without jitter.
func (p RetryPolicy) backoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return p.InitialDelay
	}
	next := prev * 2
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// withJitter adds up to 50% random jitter to d.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d/2)+1))
}

// sendFunc delivers one message and returns the destination-native id.
type sendFunc[T any] func(ctx context.Context, msg *OutboundMessage) (T, error)

// sendWithRetry delivers msg through send. Transient timeouts are retried
// with exponential backoff. A payload-too-large rejection is answered with
// one attempt at sending FallbackText instead, which is retried on timeouts
// like any other send. Every other error is returned as is.
func sendWithRetry[T any](ctx context.Context, policy RetryPolicy, msg *OutboundMessage, send sendFunc[T]) (T, error) {
	res, err := retryTimeouts(ctx, policy, msg, send)
	if !errors.Is(err, ErrPayloadTooLarge) {
		return res, err
	}
	zerolog.Ctx(ctx).Warn().Err(err).
		Stringer("kind", msg.Kind).
		Msg("Destination rejected message as too large, sending placeholder")
	res, err = retryTimeouts(ctx, policy, msg.Fallback(), send)
	if err != nil {
		return res, fmt.Errorf("placeholder send failed: %w", err)
	}
	return res, nil
}

func retryTimeouts[T any](ctx context.Context, policy RetryPolicy, msg *OutboundMessage, send sendFunc[T]) (T, error) {
	var zero T
	log := zerolog.Ctx(ctx)
	start := time.Now()
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		res, err := send(ctx, msg)
		if err == nil {
			return res, nil
		} else if !errors.Is(err, ErrTransientTimeout) {
			return zero, err
		}
		delay = policy.backoff(delay)
		if policy.MaxElapsed > 0 && time.Since(start)+delay > policy.MaxElapsed {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		wait := withJitter(delay)
		log.Debug().Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Send timed out, retrying")
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %w", ErrRetriesExhausted, ctx.Err())
		case <-time.After(wait):
		}
	}
}
