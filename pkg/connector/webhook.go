// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
)

// updateDecoder parses a webhook request into a Telegram update.
// *tgbotapi.BotAPI and *TelegramClient both satisfy it.
type updateDecoder interface {
	HandleUpdate(r *http.Request) (*tgbotapi.Update, error)
}

// maxUpdateSize bounds webhook request bodies.
const maxUpdateSize = 1 << 20

// webhookLink is the URL advertised to Telegram: the configured base URL
// with the bot token appended.
func webhookLink(baseURL, token string) string {
	return baseURL + token
}

// webhookPath returns the request path the listener serves for link.
func webhookPath(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

// webhookHandler accepts Telegram updates on path. Each update is relayed in
// its own goroutine so Telegram gets its answer without waiting for the relay.
func (c *Connector) webhookHandler(path string, decoder updateDecoder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpdateSize)
		update, err := decoder.HandleUpdate(r)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Failed to decode webhook update")
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.HandleTelegramUpdate(c.bgCtx, update)
		}()
		exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
	})
	// The path carries the bot token, so only the method and outcome are logged.
	return exhttp.ApplyMiddleware(mux,
		hlog.NewHandler(c.log.With().Str("component", "webhook").Logger()),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Int("status_code", status).
				Int("response_length", size).
				Dur("duration", duration).
				Msg("Webhook request")
		}),
	)
}

// newWebhookServer builds the listener for Telegram updates, using the same
// timeouts as the rest of the relay's HTTP servers.
func newWebhookServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
