// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-tgrelay/pkg/connector/correspondence"
)

// Connector wires the Matrix and Telegram clients to the relays and owns
// their lifecycle.
type Connector struct {
	Config *Config

	registry *Registry
	store    correspondence.Store
	matrix   matrixAPI
	telegram telegramAPI

	matrixUserID  id.UserID
	telegramBotID int64

	mxClient *MatrixClient
	tgClient *TelegramClient
	webhook  *http.Server

	bgCtx context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	log   zerolog.Logger
}

// NewConnector validates the bridge list. Nothing is contacted until Start.
func NewConnector(cfg *Config, log zerolog.Logger) (*Connector, error) {
	registry, err := NewRegistry(cfg.Bridges)
	if err != nil {
		return nil, fmt.Errorf("invalid bridges: %w", err)
	}
	return &Connector{
		Config:       cfg,
		registry:     registry,
		matrixUserID: cfg.Matrix.UserID,
		log:          log,
	}, nil
}

// Start opens the correspondence store, connects both clients, registers
// the webhook and starts listening for updates.
func (c *Connector) Start(ctx context.Context) error {
	c.bgCtx, c.stop = context.WithCancel(c.log.WithContext(context.WithoutCancel(ctx)))

	var err error
	c.store, err = correspondence.Open(ctx, c.Config.Store.Type, c.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open correspondence store: %w", err)
	}

	c.mxClient, err = NewMatrixClient(c.Config.Matrix, c.log)
	if err != nil {
		return err
	}
	c.mxClient.OnMessage(func(_ context.Context, evt *event.Event) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.HandleMatrixEvent(c.bgCtx, evt)
		}()
	})
	c.matrix = c.mxClient

	c.tgClient, err = NewTelegramClient(c.Config.Telegram, c.log)
	if err != nil {
		return err
	}
	c.telegram = c.tgClient
	c.telegramBotID = c.tgClient.BotID()

	if err = c.mxClient.Connect(ctx); err != nil {
		return err
	}
	// Handlers read matrixUserID, so it is set before any event arrives.
	c.matrixUserID = c.mxClient.UserID()
	c.mxClient.StartSync(ctx)

	if err = c.startWebhook(); err != nil {
		return err
	}
	c.log.Info().Int("bridges", c.registry.Len()).Msg("Relay started")
	return nil
}

func (c *Connector) startWebhook() error {
	link := webhookLink(c.Config.Telegram.WebhookURL, c.Config.Telegram.Token)
	path, err := webhookPath(link)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", c.Config.Telegram.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for webhook: %w", err)
	}
	c.webhook = newWebhookServer(c.Config.Telegram.ListenAddress, c.webhookHandler(path, c.tgClient))
	go func() {
		c.log.Info().Str("addr", c.Config.Telegram.ListenAddress).Msg("Starting webhook listener")
		if err := c.webhook.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("Webhook listener error")
		}
	}()
	if err = c.tgClient.SetWebhook(link); err != nil {
		return err
	}
	return nil
}

// Stop stops accepting events, waits for in-flight relays until ctx is done
// and closes the store.
func (c *Connector) Stop(ctx context.Context) error {
	if c.mxClient != nil {
		c.mxClient.Disconnect()
	}
	var errs []error
	if c.webhook != nil {
		if err := c.webhook.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down webhook listener: %w", err))
		}
	}

	cancel := c.stop
	if cancel == nil {
		cancel = func() {}
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn().Msg("Cancelling in-flight relays")
		cancel()
		<-done
	}
	cancel()

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
