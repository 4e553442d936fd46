// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
)

// telegramAPI is the part of the Telegram client the relays depend on.
type telegramAPI interface {
	// Send delivers msg to chatID and returns the new message ID.
	Send(ctx context.Context, chatID int64, msg *OutboundMessage) (int, error)
	// DownloadFile resolves fileID and returns its bytes and server-side path.
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// maxDownloadSize is the largest file the Bot API lets bots download.
const maxDownloadSize = 20 * 1024 * 1024

// TelegramClient sends messages through the Bot API.
type TelegramClient struct {
	bot          *tgbotapi.BotAPI
	httpClient   *http.Client
	fileEndpoint string
	throttle     *throttle
	log          zerolog.Logger
}

var _ telegramAPI = (*TelegramClient)(nil)

// NewTelegramClient connects to the Bot API and verifies the token with getMe.
func NewTelegramClient(cfg TelegramConfig, log zerolog.Logger) (*TelegramClient, error) {
	httpClient := exhttp.SensibleClientSettings.
		WithGlobalTimeout(2 * time.Minute).
		WithResponseHeaderTimeout(time.Minute).
		Compile()
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, &apiClient{client: httpClient})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	tc := &TelegramClient{
		bot:          bot,
		httpClient:   httpClient,
		fileEndpoint: cfg.FileEndpoint,
		throttle:     newThrottle(),
		log:          log.With().Str("component", "telegram_client").Logger(),
	}
	tc.log.Info().
		Int64("bot_id", bot.Self.ID).
		Str("username", bot.Self.UserName).
		Msg("Authenticated")
	return tc, nil
}

// BotID returns the user ID of the bot account.
func (t *TelegramClient) BotID() int64 {
	return t.bot.Self.ID
}

// Send delivers msg to chatID, waiting for the flood limits first.
func (t *TelegramClient) Send(ctx context.Context, chatID int64, msg *OutboundMessage) (int, error) {
	if err := t.throttle.Wait(ctx, chatID); err != nil {
		return 0, err
	}
	sent, err := t.bot.Send(buildChattable(chatID, msg))
	if err != nil && msg.HTML != "" && isMarkupError(err) {
		t.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Telegram rejected HTML, resending as plain text")
		plain := *msg
		plain.HTML = ""
		sent, err = t.bot.Send(buildChattable(chatID, &plain))
	}
	if err != nil {
		return 0, t.classifyError(ctx, err)
	}
	return sent.MessageID, nil
}

// DownloadFile resolves fileID with getFile and downloads it from the file endpoint.
func (t *TelegramClient) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("getFile failed: %w", t.classifyError(ctx, err))
	} else if file.FilePath == "" {
		return nil, "", fmt.Errorf("getFile returned no path for %s", fileID)
	}
	link := fmt.Sprintf(t.fileEndpoint, t.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build download request: %w", redactURLError(err))
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", redactURLError(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read download: %w", err)
	} else if len(data) > maxDownloadSize {
		return nil, "", fmt.Errorf("file %s exceeds %d bytes", fileID, maxDownloadSize)
	}
	return data, file.FilePath, nil
}

// SetWebhook registers link as the bot's webhook.
func (t *TelegramClient) SetWebhook(link string) error {
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if _, err = t.bot.Request(wh); err != nil {
		return fmt.Errorf("setWebhook failed: %w", err)
	}
	return nil
}

// HandleUpdate decodes a webhook request body.
func (t *TelegramClient) HandleUpdate(r *http.Request) (*tgbotapi.Update, error) {
	return t.bot.HandleUpdate(r)
}

// buildChattable converts msg into the Bot API request for its kind.
func buildChattable(chatID int64, msg *OutboundMessage) tgbotapi.Chattable {
	replyTo := 0
	if msg.ReplyTo != nil {
		replyTo = msg.ReplyTo.TelegramMessage
	}
	base := tgbotapi.BaseChat{
		ChatID:                   chatID,
		ReplyToMessageID:         replyTo,
		AllowSendingWithoutReply: true,
	}
	if msg.Kind == KindText || msg.Media == nil {
		cfg := tgbotapi.MessageConfig{
			BaseChat:              base,
			Text:                  msg.Text,
			DisableWebPagePreview: !msg.LinkPreview,
		}
		if msg.HTML != "" {
			cfg.Text = msg.HTML
			cfg.ParseMode = tgbotapi.ModeHTML
		}
		return cfg
	}

	file := tgbotapi.BaseFile{
		BaseChat: base,
		File:     tgbotapi.FileBytes{Name: msg.Media.FileName, Bytes: msg.Media.Data},
	}
	switch msg.Kind {
	case KindPhoto:
		return tgbotapi.PhotoConfig{BaseFile: file, Caption: msg.Text}
	case KindVideo:
		return tgbotapi.VideoConfig{BaseFile: file, Caption: msg.Text}
	case KindSticker:
		return tgbotapi.StickerConfig{BaseFile: file}
	default:
		return tgbotapi.DocumentConfig{BaseFile: file, Caption: msg.Text}
	}
}

// classifyError maps Bot API failures onto the relay's sentinels. Flood
// control replies wait out retry_after before reporting a transient error.
func (t *TelegramClient) classifyError(ctx context.Context, err error) error {
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrTransientTimeout) {
		return err
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusRequestEntityTooLarge, isTooLargeDescription(apiErr.Message):
			return fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
		// Upload replies carry no error code, only retry_after.
		case apiErr.Code == http.StatusTooManyRequests, apiErr.RetryAfter > 0:
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			t.log.Warn().Dur("retry_after", wait).Msg("Hit Telegram flood control")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			return fmt.Errorf("%w: %w", ErrTransientTimeout, err)
		case apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", ErrTransientTimeout, err)
		}
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTransientTimeout, err)
	}
	return err
}

func isTooLargeDescription(desc string) bool {
	desc = strings.ToLower(desc)
	return strings.Contains(desc, "too big") ||
		strings.Contains(desc, "too large") ||
		strings.Contains(desc, "too long")
}

func isMarkupError(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "can't parse entities")
}

// apiClient wraps the Bot API HTTP client. Replies the library cannot decode
// (proxy errors without a JSON body) are turned into sentinel errors here, and
// URLs are stripped from transport errors because they contain the bot token.
type apiClient struct {
	client *http.Client
}

func (c *apiClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		err = redactURLError(err)
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrTransientTimeout, err)
		}
		return nil, err
	}
	if isJSON(resp.Header.Get("Content-Type")) {
		return resp, nil
	}
	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrPayloadTooLarge, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= http.StatusInternalServerError:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrTransientTimeout, resp.StatusCode)
	}
	return resp, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

// redactURLError drops the request URL from a *url.Error.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s telegram api: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
