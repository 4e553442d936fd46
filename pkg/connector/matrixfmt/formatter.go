// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix message content to Telegram text and
// Telegram's HTML subset.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Parsed is Matrix content rendered for Telegram.
type Parsed struct {
	// Text is the plain body with any reply fallback removed.
	Text string
	// HTML uses only tags Telegram accepts with parse_mode=HTML. It is empty
	// when the source carried no formatting.
	HTML string
}

var (
	mxReplyRe    = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	preRe        = regexp.MustCompile(`(?s)<pre>\s*<code(?:\s+class="language-([^"]+)")?[^>]*>(.*?)</code>\s*</pre>`)
	headingRe    = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul[^>]*>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol(?:\s+start="(\d+)")?[^>]*>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li[^>]*>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p(?:\s[^>]*)?>(.*?)</p>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	tagRe        = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9-]*)((?:\s[^>]*)?)/?>`)
	linkRe       = regexp.MustCompile(`(?s)<a\s[^>]*?href="([^"]*)"[^>]*>(.*?)</a>`)
	spoilerRe    = regexp.MustCompile(`(?s)<span[^>]*data-mx-spoiler[^>]*>(.*?)</span>`)
	namedRefRe   = regexp.MustCompile(`&([a-zA-Z][a-zA-Z0-9]*);`)
	extraBlankRe = regexp.MustCompile(`\n{3,}`)
)

// telegramTags maps Matrix HTML tag names onto the tags Telegram supports.
var telegramTags = map[string]string{
	"b":          "b",
	"strong":     "b",
	"i":          "i",
	"em":         "i",
	"u":          "u",
	"ins":        "u",
	"s":          "s",
	"del":        "s",
	"strike":     "s",
	"code":       "code",
	"pre":        "pre",
	"blockquote": "blockquote",
	"tg-spoiler": "tg-spoiler",
}

// Parse converts Matrix message content for Telegram.
func Parse(content *event.MessageEventContent) Parsed {
	if content == nil {
		return Parsed{}
	}
	isReply := content.RelatesTo != nil && content.RelatesTo.GetReplyTo() != ""
	text := content.Body
	if isReply {
		text = StripReplyFallback(text)
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return Parsed{Text: text}
	}
	return Parsed{Text: text, HTML: ToTelegramHTML(content.FormattedBody)}
}

// StripReplyFallback removes the quoted "> " lines and the blank line that
// older clients prepend to replies.
func StripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// ToTelegramHTML rewrites Matrix HTML into Telegram's HTML subset.
func ToTelegramHTML(formatted string) string {
	text := mxReplyRe.ReplaceAllString(formatted, "")

	// Code blocks first so their content is not touched by list handling.
	var blocks []string
	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := preRe.FindStringSubmatch(match)
		block := "<pre>" + parts[2] + "</pre>"
		if parts[1] != "" {
			block = `<pre><code class="language-` + parts[1] + `">` + parts[2] + "</code></pre>"
		}
		blocks = append(blocks, block)
		return "\x00PRE" + strconv.Itoa(len(blocks)-1) + "\x00"
	})

	text = headingRe.ReplaceAllString(text, "<b>$1</b>\n")

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		result := make([]string, 0, len(items))
		for _, item := range items {
			result = append(result, "• "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := olRe.FindStringSubmatch(match)
		start := 1
		if parts[1] != "" {
			start, _ = strconv.Atoi(parts[1])
		}
		items := liRe.FindAllStringSubmatch(parts[2], -1)
		result := make([]string, 0, len(items))
		for i, item := range items {
			result = append(result, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = spoilerRe.ReplaceAllString(text, "<tg-spoiler>$1</tg-spoiler>")

	// Links with a scheme Telegram should not open become their text.
	var links []string
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if !isSafeLink(html.UnescapeString(parts[1])) {
			return parts[2]
		}
		links = append(links, parts[1])
		return "\x00A" + strconv.Itoa(len(links)-1) + "\x00" + parts[2] + "\x00/A\x00"
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")

	text = tagRe.ReplaceAllStringFunc(text, rewriteTag)

	for i, href := range links {
		text = strings.Replace(text, "\x00A"+strconv.Itoa(i)+"\x00", `<a href="`+href+`">`, 1)
	}
	text = strings.ReplaceAll(text, "\x00/A\x00", "</a>")
	for i, block := range blocks {
		text = strings.Replace(text, "\x00PRE"+strconv.Itoa(i)+"\x00", block, 1)
	}

	text = namedRefRe.ReplaceAllStringFunc(text, normalizeEntity)
	text = extraBlankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// rewriteTag maps one opening or closing tag to its Telegram equivalent,
// or drops it.
func rewriteTag(tag string) string {
	parts := tagRe.FindStringSubmatch(tag)
	mapped, ok := telegramTags[strings.ToLower(parts[1])]
	if !ok {
		return ""
	} else if strings.HasPrefix(tag, "</") {
		return "</" + mapped + ">"
	}
	return "<" + mapped + ">"
}

func isSafeLink(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tg://")
}

// normalizeEntity keeps the four named entities Telegram understands and
// turns every other named entity into a numeric reference.
func normalizeEntity(ref string) string {
	switch ref {
	case "&lt;", "&gt;", "&amp;", "&quot;":
		return ref
	}
	decoded := html.UnescapeString(ref)
	if decoded == ref {
		return "&amp;" + ref[1:]
	}
	var sb strings.Builder
	for _, r := range decoded {
		sb.WriteString("&#" + strconv.Itoa(int(r)) + ";")
	}
	return sb.String()
}
