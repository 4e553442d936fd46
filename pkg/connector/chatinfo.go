// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// senderName returns the name a Telegram message is attributed to on Matrix.
// Posts made on behalf of a chat use the chat title; user messages go
// through the displayname template, falling back to the username and then
// the numeric user ID.
func (c *Connector) senderName(msg *tgbotapi.Message) string {
	if msg.SenderChat != nil && msg.SenderChat.Title != "" {
		return msg.SenderChat.Title
	}
	if msg.From == nil {
		if msg.Chat != nil && msg.Chat.Title != "" {
			return msg.Chat.Title
		}
		return "unknown"
	}
	name := strings.TrimSpace(c.Config.FormatDisplayname(DisplaynameParams{
		ID:        msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
	}))
	if name == "" {
		name = msg.From.UserName
	}
	if name == "" {
		name = strconv.FormatInt(msg.From.ID, 10)
	}
	return name
}

// isServiceMessage reports whether msg is a chat event rather than
// something a user wrote.
func isServiceMessage(msg *tgbotapi.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" ||
		len(msg.NewChatPhoto) > 0 ||
		msg.DeleteChatPhoto ||
		msg.GroupChatCreated ||
		msg.SuperGroupChatCreated ||
		msg.ChannelChatCreated ||
		msg.MigrateToChatID != 0 ||
		msg.MigrateFromChatID != 0 ||
		msg.PinnedMessage != nil
}
