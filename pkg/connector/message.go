// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/aiku/mautrix-tgrelay/pkg/connector/correspondence"
)

// MessageKind is the platform-neutral kind both relays translate into.
type MessageKind int

const (
	KindText MessageKind = iota
	KindPhoto
	KindVideo
	KindDocument
	KindSticker
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	case KindSticker:
		return "sticker"
	default:
		return "unknown"
	}
}

// FallbackText replaces content the destination refused as too large.
const FallbackText = "this message cannot be displayed"

// Media is a downloaded attachment ready for the destination platform.
type Media struct {
	Data     []byte
	FileName string
	MimeType string
}

// OutboundMessage is built by a relay for one incoming event and consumed
// by the destination adapter.
type OutboundMessage struct {
	Kind MessageKind
	// Text is the message body for KindText and the caption otherwise.
	Text string
	// HTML is an optional formatted rendition of Text in the destination's
	// markup dialect.
	HTML  string
	Media *Media
	// ReplyTo is the stored correspondence of the message being replied
	// to. Each adapter reads the side it needs.
	ReplyTo     *correspondence.Record
	LinkPreview bool
}

// Fallback returns the placeholder sent in place of an oversized message.
// The reply target is kept.
func (msg *OutboundMessage) Fallback() *OutboundMessage {
	return &OutboundMessage{
		Kind:    KindText,
		Text:    FallbackText,
		ReplyTo: msg.ReplyTo,
	}
}
