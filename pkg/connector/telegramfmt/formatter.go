// Copyright 2024-2026 Aiku AI

// Package telegramfmt converts Telegram message text and entities to Matrix HTML.
package telegramfmt

import (
	"html"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting a Telegram message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// span is one entity resolved to UTF-16 bounds and its HTML tags.
type span struct {
	start, end  int
	open, close string
	pre         bool
}

// Parse converts Telegram text and its entities to Matrix event content.
// Entity offsets and lengths are in UTF-16 code units.
func Parse(text string, entities []tgbotapi.MessageEntity) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	units := utf16.Encode([]rune(text))
	spans := make([]span, 0, len(entities))
	for _, entity := range entities {
		start := clamp(entity.Offset, 0, len(units))
		end := clamp(entity.Offset+entity.Length, start, len(units))
		if end == start {
			continue
		}
		sp, ok := entitySpan(entity)
		if !ok {
			continue
		}
		sp.start, sp.end = start, end
		spans = append(spans, sp)
	}
	if len(spans) == 0 {
		return &ParsedMessage{Body: text}
	}

	// Outer entities first when two start at the same offset.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var sb strings.Builder
	var stack []span
	pos, preDepth := 0, 0
	writeText := func(to int) {
		if to <= pos {
			return
		}
		chunk := html.EscapeString(string(utf16.Decode(units[pos:to])))
		if preDepth == 0 {
			chunk = strings.ReplaceAll(chunk, "\n", "<br/>")
		}
		sb.WriteString(chunk)
		pos = to
	}
	pop := func() {
		top := stack[len(stack)-1]
		writeText(top.end)
		sb.WriteString(top.close)
		if top.pre {
			preDepth--
		}
		stack = stack[:len(stack)-1]
	}

	for _, sp := range spans {
		for len(stack) > 0 && stack[len(stack)-1].end <= sp.start {
			pop()
		}
		// Overlapping entities are clipped to their parent.
		if len(stack) > 0 && sp.end > stack[len(stack)-1].end {
			sp.end = stack[len(stack)-1].end
		}
		writeText(sp.start)
		sb.WriteString(sp.open)
		if sp.pre {
			preDepth++
		}
		stack = append(stack, sp)
	}
	for len(stack) > 0 {
		pop()
	}
	writeText(len(units))

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: sb.String(),
	}
}

func entitySpan(entity tgbotapi.MessageEntity) (span, bool) {
	switch entity.Type {
	case "bold":
		return span{open: "<strong>", close: "</strong>"}, true
	case "italic":
		return span{open: "<em>", close: "</em>"}, true
	case "underline":
		return span{open: "<u>", close: "</u>"}, true
	case "strikethrough":
		return span{open: "<del>", close: "</del>"}, true
	case "spoiler":
		return span{open: "<span data-mx-spoiler>", close: "</span>"}, true
	case "code":
		return span{open: "<code>", close: "</code>"}, true
	case "pre":
		open := "<pre><code>"
		if entity.Language != "" {
			open = `<pre><code class="language-` + html.EscapeString(entity.Language) + `">`
		}
		return span{open: open, close: "</code></pre>", pre: true}, true
	case "blockquote":
		return span{open: "<blockquote>", close: "</blockquote>"}, true
	case "text_link":
		if !isSafeLink(entity.URL) {
			return span{}, false
		}
		return span{open: `<a href="` + html.EscapeString(entity.URL) + `">`, close: "</a>"}, true
	case "text_mention":
		if entity.User == nil {
			return span{}, false
		}
		href := "https://t.me/" + entity.User.UserName
		if entity.User.UserName == "" {
			href = "tg://user?id=" + strconv.FormatInt(entity.User.ID, 10)
		}
		return span{open: `<a href="` + html.EscapeString(href) + `">`, close: "</a>"}, true
	default:
		// Mentions, hashtags, commands, URLs and e-mail addresses stay plain;
		// Matrix clients linkify them on their own.
		return span{}, false
	}
}

func isSafeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tg://")
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
