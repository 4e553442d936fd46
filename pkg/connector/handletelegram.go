// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-tgrelay/pkg/connector/correspondence"
)

// HandleTelegramUpdate relays a message or channel post from Telegram to the
// bridged Matrix room. Other update types are ignored.
func (c *Connector) HandleTelegramUpdate(ctx context.Context, update *tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		c.log.Trace().Int("update_id", update.UpdateID).Msg("Ignoring non-message update")
		return
	}
	log := c.log.With().
		Str("action", "telegram_to_matrix").
		Int64("chat_id", msg.Chat.ID).
		Int("message_id", msg.MessageID).
		Logger()
	ctx = log.WithContext(ctx)

	err := c.relayTelegramMessage(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotBridged):
		log.Trace().Msg("Ignoring message from unbridged chat")
	case errors.Is(err, ErrUnsupportedKind):
		log.Warn().Err(err).Msg("Not relaying unsupported message")
	default:
		log.Error().Err(err).Msg("Failed to relay message to Matrix")
	}
}

func (c *Connector) relayTelegramMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From != nil && msg.From.ID == c.telegramBotID {
		return nil
	}
	bridge, ok := c.registry.FindByChat(msg.Chat.ID)
	if !ok {
		return ErrNotBridged
	}
	if isServiceMessage(msg) {
		zerolog.Ctx(ctx).Trace().Msg("Ignoring service message")
		return nil
	}
	kind, att, err := classifyTelegram(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Config.Relay.Timeout)
	defer cancel()
	log := zerolog.Ctx(ctx)

	sender := c.senderName(msg)
	out := &OutboundMessage{
		Kind:    kind,
		ReplyTo: c.matrixReplyTarget(ctx, bridge.MatrixRoom, msg.ReplyToMessage),
	}
	var media *matrixMedia
	if kind == KindText {
		out.Text, out.HTML = telegramText(sender, msg.Text, msg.Entities)
	} else {
		media, err = transferToMatrix(ctx, c.telegram, c.matrix, kind, att)
		if errors.Is(err, ErrPayloadTooLarge) {
			log.Warn().Err(err).Msg("Homeserver rejected media as too large, sending placeholder")
			out = out.Fallback()
		} else if err != nil {
			return err
		} else {
			out.Text, out.HTML = telegramMediaCaption(sender, msg.Caption, msg.CaptionEntities)
		}
	}

	eventID, err := sendWithRetry(ctx, c.Config.Retry, out, func(ctx context.Context, out *OutboundMessage) (id.EventID, error) {
		return c.matrix.SendMessage(ctx, bridge.MatrixRoom, buildMatrixContent(out, media))
	})
	if err != nil {
		return fmt.Errorf("failed to send %s to matrix: %w", kind, err)
	}
	log.Debug().
		Stringer("room_id", bridge.MatrixRoom).
		Stringer("event_id", eventID).
		Stringer("kind", kind).
		Msg("Relayed message to Matrix")

	rec := correspondence.NewRecord(eventID, msg.Chat.ID, msg.MessageID)
	if err = c.store.Append(ctx, bridge.MatrixRoom, rec); err != nil {
		log.Err(err).Msg("Failed to record message correspondence")
	}
	return nil
}

// telegramText renders a Telegram text message as "<sender>: <text>".
func telegramText(sender, text string, entities []tgbotapi.MessageEntity) (body, formatted string) {
	parsed := telegramfmtParse(text, entities)
	body = sender + ": " + parsed.Body
	if parsed.Format == event.FormatHTML {
		formatted = html.EscapeString(sender) + ": " + parsed.FormattedBody
	}
	return body, formatted
}

// telegramMediaCaption renders the body of relayed media, keeping any
// caption formatting.
func telegramMediaCaption(sender, caption string, entities []tgbotapi.MessageEntity) (body, formatted string) {
	body = telegramCaption(sender, caption)
	parsed := telegramfmtParse(caption, entities)
	if parsed.Format == event.FormatHTML {
		formatted = "(from " + html.EscapeString(sender) + "<br/>" + parsed.FormattedBody + ")"
	}
	return body, formatted
}

// buildMatrixContent converts out into Matrix event content. media is the
// uploaded attachment and is ignored for text, including placeholders.
func buildMatrixContent(out *OutboundMessage, media *matrixMedia) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    out.Text,
	}
	if out.Kind != KindText && media != nil {
		content.MsgType = media.MsgType
		content.URL = media.URI
		content.FileName = media.FileName
		content.Info = &event.FileInfo{
			MimeType: media.MimeType,
			Size:     media.Size,
		}
	}
	if out.HTML != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = out.HTML
	}
	if out.ReplyTo != nil {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: out.ReplyTo.MatrixEvent},
		}
	}
	return content
}

// matrixReplyTarget looks up the Matrix event a Telegram reply points to.
func (c *Connector) matrixReplyTarget(ctx context.Context, room id.RoomID, reply *tgbotapi.Message) *correspondence.Record {
	if reply == nil || reply.Chat == nil {
		return nil
	}
	log := zerolog.Ctx(ctx).With().Int("reply_to", reply.MessageID).Logger()
	rec, ok, err := c.store.ByMessage(ctx, room, reply.Chat.ID, reply.MessageID)
	if err != nil {
		log.Err(err).Msg("Failed to look up reply target")
		return nil
	} else if !ok {
		log.Debug().Msg("Reply target is not bridged, sending without reply")
		return nil
	}
	return &rec
}
