// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// matrixAPI is the part of the Matrix client the relays depend on. Tests
// inject a fake instead of talking to a homeserver.
type matrixAPI interface {
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
}

// MatrixClient is the relay's Matrix connection. It long-polls /sync and
// hands every new room message or sticker to the registered handler.
type MatrixClient struct {
	cfg    MatrixConfig
	client *mautrix.Client
	log    zerolog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ matrixAPI = (*MatrixClient)(nil)

// NewMatrixClient creates a client for the configured account. It does not
// contact the homeserver until Connect is called.
func NewMatrixClient(cfg MatrixConfig, log zerolog.Logger) (*MatrixClient, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = log.With().Str("component", "mautrix").Logger()
	return &MatrixClient{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "matrix_client").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// UserID returns the account the relay is logged in as.
func (m *MatrixClient) UserID() id.UserID {
	return m.client.UserID
}

// OnMessage registers handler for m.room.message and m.sticker events.
// Events from the initial sync are skipped.
func (m *MatrixClient) OnMessage(handler func(ctx context.Context, evt *event.Event)) {
	syncer := m.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, handler)
	syncer.OnEventType(event.EventSticker, handler)
}

// Connect logs in if needed and verifies the session. The account reported
// by the homeserver replaces the configured user ID.
func (m *MatrixClient) Connect(ctx context.Context) error {
	if m.client.AccessToken == "" {
		if err := m.passwordLogin(ctx); err != nil {
			return err
		}
	}
	resp, err := m.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify matrix session: %w", err)
	}
	if resp.UserID != m.client.UserID {
		m.log.Warn().
			Stringer("configured", m.client.UserID).
			Stringer("actual", resp.UserID).
			Msg("Access token belongs to a different user than configured")
		m.client.UserID = resp.UserID
	}
	m.log.Info().
		Stringer("user_id", resp.UserID).
		Stringer("device_id", resp.DeviceID).
		Msg("Authenticated")
	return nil
}

// StartSync runs the sync loop in the background until Disconnect.
func (m *MatrixClient) StartSync(ctx context.Context) {
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	go m.syncLoop(syncCtx)
}

func (m *MatrixClient) syncLoop(ctx context.Context) {
	defer close(m.done)
	for {
		err := m.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			m.log.Info().Msg("Sync loop stopped")
			return
		}
		m.log.Error().Err(err).Msg("Sync failed, restarting in 5 seconds")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Disconnect stops the sync loop and waits for it to exit.
func (m *MatrixClient) Disconnect() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}

// SendMessage sends content to roomID as an m.room.message event.
func (m *MatrixClient) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", classifyMatrixError(err)
	}
	return resp.EventID, nil
}

// UploadMedia stores data in the content repository and returns its mxc URI.
func (m *MatrixClient) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	resp, err := m.client.UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return "", classifyMatrixError(err)
	}
	return resp.ContentURI.CUString(), nil
}

// DownloadMedia fetches the content behind an mxc URI.
func (m *MatrixClient) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content URI %q: %w", uri, err)
	}
	data, err := m.client.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, classifyMatrixError(err)
	}
	return data, nil
}

// classifyMatrixError maps homeserver errors onto the relay's sentinels.
func classifyMatrixError(err error) error {
	if errors.Is(err, mautrix.MTooLarge) {
		return fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		switch httpErr.Response.StatusCode {
		case http.StatusRequestEntityTooLarge:
			return fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %w", ErrTransientTimeout, err)
		}
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTransientTimeout, err)
	}
	return err
}

// isTimeout reports whether err is a network-level timeout. Cancellation of
// the caller's own context is not a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
