// Copyright 2024-2026 Aiku AI

package connector

import (
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-tgrelay/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-tgrelay/pkg/connector/telegramfmt"
)

// telegramfmtParse converts Telegram text and entities to Matrix HTML message content.
func telegramfmtParse(text string, entities []tgbotapi.MessageEntity) *telegramfmt.ParsedMessage {
	return telegramfmt.Parse(text, entities)
}

// matrixfmtParse converts Matrix message content to Telegram text and HTML.
func matrixfmtParse(content *event.MessageEventContent) matrixfmt.Parsed {
	return matrixfmt.Parse(content)
}

// prefixText prepends "<sender>: " to a relayed text body. When formatted
// HTML is present the prefix is escaped and prepended to it as well.
func prefixText(sender string, parsed matrixfmt.Parsed) (text, htmlText string) {
	text = sender + ": " + parsed.Text
	if parsed.HTML != "" {
		htmlText = html.EscapeString(sender) + ": " + parsed.HTML
	}
	return text, htmlText
}

// matrixCaption builds the caption of media relayed to Telegram. The
// "(from: name)" form differs from telegramCaption and must stay that way:
// captions already relayed into existing chats use it.
func matrixCaption(sender, caption string) string {
	if caption == "" {
		return "(from: " + sender + ")"
	}
	return "(from: " + sender + ")\n" + caption
}

// telegramCaption builds the body of media relayed to Matrix.
func telegramCaption(sender, caption string) string {
	return "(from " + sender + "\n" + caption + ")"
}
