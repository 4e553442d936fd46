// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/id"
)

// localpart returns the localpart of a Matrix user ID, or the full ID if it
// cannot be parsed.
func localpart(userID id.UserID) string {
	lp, _, err := userID.Parse()
	if err != nil || lp == "" {
		return string(userID)
	}
	return lp
}

// isGroupChat reports whether a Telegram chat ID belongs to a group,
// supergroup or channel. Those IDs are negative; private chats are positive.
func isGroupChat(chatID int64) bool {
	return chatID < 0
}
