// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"go.mau.fi/util/exsync"
	"golang.org/x/time/rate"
)

// Bot API flood limits.
const (
	globalRate      = 30
	privateChatRate = 1
	groupChatPerMin = 20
)

// throttle keeps outgoing Telegram requests under the Bot API flood limits:
// a global rate for the whole bot plus one limiter per chat.
type throttle struct {
	global *rate.Limiter
	chats  *exsync.Map[int64, *rate.Limiter]
}

func newThrottle() *throttle {
	return &throttle{
		global: rate.NewLimiter(globalRate, globalRate),
		chats:  exsync.NewMap[int64, *rate.Limiter](),
	}
}

// chatLimiter returns a fresh limiter for chatID. Groups and channels are
// limited per minute, private chats per second.
func chatLimiter(chatID int64) *rate.Limiter {
	if isGroupChat(chatID) {
		return rate.NewLimiter(rate.Every(time.Minute/groupChatPerMin), groupChatPerMin)
	}
	return rate.NewLimiter(privateChatRate, privateChatRate)
}

// Wait blocks until a message to chatID may be sent or ctx is done.
func (t *throttle) Wait(ctx context.Context, chatID int64) error {
	limiter := t.chats.GetOrSetFactory(chatID, func() *rate.Limiter {
		return chatLimiter(chatID)
	})
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	return t.global.Wait(ctx)
}
