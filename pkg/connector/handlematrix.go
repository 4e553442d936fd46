// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-tgrelay/pkg/connector/correspondence"
)

// HandleMatrixEvent relays a room message or sticker from Matrix to the
// bridged Telegram chat. Failures are logged; nothing is retried later.
func (c *Connector) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	log := c.log.With().
		Str("action", "matrix_to_telegram").
		Stringer("room_id", evt.RoomID).
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)

	err := c.relayMatrixEvent(ctx, evt)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotBridged):
		log.Trace().Msg("Ignoring event from unbridged room")
	case errors.Is(err, ErrUnsupportedKind):
		log.Warn().Err(err).Msg("Not relaying unsupported message")
	default:
		log.Error().Err(err).Msg("Failed to relay message to Telegram")
	}
}

func (c *Connector) relayMatrixEvent(ctx context.Context, evt *event.Event) error {
	// Never relay our own messages back.
	if evt.Sender == c.matrixUserID {
		return nil
	}
	bridge, ok := c.registry.FindByRoom(evt.RoomID)
	if !ok {
		return ErrNotBridged
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return fmt.Errorf("%w: event has no message content", ErrUnsupportedKind)
	}
	kind, err := classifyMatrix(evt.Type, content)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Config.Relay.Timeout)
	defer cancel()
	log := zerolog.Ctx(ctx)

	sender := localpart(evt.Sender)
	msg := &OutboundMessage{
		Kind:    kind,
		ReplyTo: c.telegramReplyTarget(ctx, evt.RoomID, bridge.TelegramChat, content),
	}
	if kind == KindText {
		msg.Text, msg.HTML = prefixText(sender, matrixfmtParse(content))
		msg.LinkPreview = true
	} else {
		media, err := transferToTelegram(ctx, c.matrix, content)
		if err != nil {
			return err
		}
		msg.Media = media
		msg.Kind = telegramKindFor(kind, media.MimeType)
		msg.Text = matrixCaption(sender, content.Body)
	}

	msgID, err := sendWithRetry(ctx, c.Config.Retry, msg, func(ctx context.Context, msg *OutboundMessage) (int, error) {
		return c.telegram.Send(ctx, bridge.TelegramChat, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to send %s to telegram: %w", msg.Kind, err)
	}
	log.Debug().
		Int64("chat_id", bridge.TelegramChat).
		Int("message_id", msgID).
		Stringer("kind", msg.Kind).
		Msg("Relayed message to Telegram")

	rec := correspondence.NewRecord(evt.ID, bridge.TelegramChat, msgID)
	if err = c.store.Append(ctx, evt.RoomID, rec); err != nil {
		log.Err(err).Msg("Failed to record message correspondence")
	}
	return nil
}

// classifyMatrix maps a Matrix event onto the message kind sent to Telegram.
func classifyMatrix(evtType event.Type, content *event.MessageEventContent) (MessageKind, error) {
	if evtType == event.EventSticker {
		return KindSticker, nil
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return KindText, nil
	case event.MsgImage:
		return KindPhoto, nil
	case event.MsgVideo:
		return KindVideo, nil
	case event.MsgFile, event.MsgAudio:
		return KindDocument, nil
	default:
		return 0, fmt.Errorf("%w: msgtype %q", ErrUnsupportedKind, content.MsgType)
	}
}

// telegramKindFor downgrades stickers Telegram cannot take as stickers to
// the photo, video or document they really are.
func telegramKindFor(kind MessageKind, mimeType string) MessageKind {
	if kind != KindSticker {
		return kind
	}
	switch {
	case mimeType == mimeWebP, mimeType == mimeWebM:
		return KindSticker
	case strings.HasPrefix(mimeType, "image/"):
		return KindPhoto
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// telegramReplyTarget looks up the Telegram message the Matrix event replies
// to. Misses and store failures both mean the message is sent without a reply.
func (c *Connector) telegramReplyTarget(ctx context.Context, room id.RoomID, chatID int64, content *event.MessageEventContent) *correspondence.Record {
	if content.RelatesTo == nil {
		return nil
	}
	replyTo := content.RelatesTo.GetReplyTo()
	if replyTo == "" {
		return nil
	}
	log := zerolog.Ctx(ctx).With().Stringer("reply_to", replyTo).Logger()
	rec, ok, err := c.store.ByEvent(ctx, room, replyTo)
	if err != nil {
		log.Err(err).Msg("Failed to look up reply target")
		return nil
	} else if !ok || rec.TelegramChat != chatID {
		log.Debug().Msg("Reply target is not bridged, sending without reply")
		return nil
	}
	return &rec
}
