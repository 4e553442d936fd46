// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.mau.fi/util/exmime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	mimeJPEG  = "image/jpeg"
	mimeWebP  = "image/webp"
	mimeMP4   = "video/mp4"
	mimeWebM  = "video/webm"
	mimeOctet = "application/octet-stream"
)

// telegramAttachment is the file carried by a Telegram message.
type telegramAttachment struct {
	FileID   string
	FileName string
	// MimeType is the type implied by the message kind. Stickers and
	// documents are refined once the bytes are known.
	MimeType string
}

// matrixMedia is a Telegram attachment after it was re-uploaded to Matrix.
type matrixMedia struct {
	URI      id.ContentURIString
	MsgType  event.MessageType
	MimeType string
	FileName string
	Size     int
}

// classifyTelegram determines the kind of msg and its attachment, if any.
// Animations are checked before documents because Telegram fills both.
func classifyTelegram(msg *tgbotapi.Message) (MessageKind, *telegramAttachment, error) {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return KindPhoto, &telegramAttachment{FileID: largest.FileID, MimeType: mimeJPEG}, nil
	case msg.Animation != nil:
		return KindVideo, &telegramAttachment{
			FileID:   msg.Animation.FileID,
			FileName: msg.Animation.FileName,
			MimeType: mimeMP4,
		}, nil
	case msg.Sticker != nil:
		return KindSticker, &telegramAttachment{FileID: msg.Sticker.FileID, MimeType: mimeWebP}, nil
	case msg.Video != nil:
		return KindVideo, &telegramAttachment{
			FileID:   msg.Video.FileID,
			FileName: msg.Video.FileName,
			MimeType: mimeMP4,
		}, nil
	case msg.Document != nil:
		return KindDocument, &telegramAttachment{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: mimeOctet,
		}, nil
	case msg.Text != "":
		return KindText, nil, nil
	default:
		return 0, nil, ErrUnsupportedKind
	}
}

// transferToMatrix downloads att from Telegram and uploads it to the Matrix
// content repository. Any failure is reported as ErrMediaUnavailable.
func transferToMatrix(ctx context.Context, tg telegramAPI, mx matrixAPI, kind MessageKind, att *telegramAttachment) (*matrixMedia, error) {
	if att == nil || att.FileID == "" {
		return nil, fmt.Errorf("%w: message has no file", ErrMediaUnavailable)
	}
	data, filePath, err := tg.DownloadFile(ctx, att.FileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	mimeType, msgType := telegramMediaType(kind, att.MimeType, filePath, data)
	fileName := att.FileName
	if fileName == "" {
		fileName = defaultFileName(filePath, mimeType)
	}
	uri, err := mx.UploadMedia(ctx, data, mimeType, fileName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	return &matrixMedia{
		URI:      uri,
		MsgType:  msgType,
		MimeType: mimeType,
		FileName: fileName,
		Size:     len(data),
	}, nil
}

// telegramMediaType picks the MIME type and Matrix msgtype for downloaded
// Telegram content. Video stickers become videos, other stickers images.
func telegramMediaType(kind MessageKind, declared, filePath string, data []byte) (string, event.MessageType) {
	switch kind {
	case KindPhoto:
		return declared, event.MsgImage
	case KindVideo:
		return declared, event.MsgVideo
	case KindSticker:
		if strings.HasSuffix(filePath, ".webm") || mimetype.Detect(data).Is(mimeWebM) {
			return mimeWebM, event.MsgVideo
		}
		return declared, event.MsgImage
	default:
		detected := mimetype.Detect(data)
		if detected.Is(mimeOctet) {
			return declared, event.MsgFile
		}
		return detected.String(), event.MsgFile
	}
}

func defaultFileName(filePath, mimeType string) string {
	if base := path.Base(filePath); filePath != "" && base != "." && base != "/" {
		return base
	}
	return "file" + exmime.ExtensionFromMimetype(mimeType)
}

// transferToTelegram downloads the Matrix media of content so it can be
// attached to a Telegram message.
func transferToTelegram(ctx context.Context, mx matrixAPI, content *event.MessageEventContent) (*Media, error) {
	if content.File != nil {
		return nil, fmt.Errorf("%w: encrypted media is not supported", ErrMediaUnavailable)
	} else if content.URL == "" {
		return nil, fmt.Errorf("%w: event has no content URI", ErrMediaUnavailable)
	}
	data, err := mx.DownloadMedia(ctx, content.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	fileName := content.GetFileName()
	if fileName == "" {
		fileName = "file" + exmime.ExtensionFromMimetype(mimeType)
	}
	return &Media{Data: data, FileName: fileName, MimeType: mimeType}, nil
}
