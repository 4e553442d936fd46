// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// deviceDisplayName is shown in the account's session list.
const deviceDisplayName = "mautrix-tgrelay"

// passwordLogin logs in with the configured password. The device ID of the
// session is kept in DeviceIDFile so restarts reuse the same device instead
// of piling up new ones.
func (m *MatrixClient) passwordLogin(ctx context.Context) error {
	deviceID, err := readDeviceID(m.cfg.DeviceIDFile)
	if err != nil {
		return err
	}
	resp, err := m.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: localpart(m.cfg.UserID),
		},
		Password:                 m.cfg.Password,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: deviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login failed: %w", err)
	}
	m.log.Info().
		Stringer("user_id", resp.UserID).
		Stringer("device_id", resp.DeviceID).
		Bool("reused_device", deviceID != "").
		Msg("Logged in with password")
	if resp.DeviceID != deviceID {
		if err = writeDeviceID(m.cfg.DeviceIDFile, resp.DeviceID); err != nil {
			m.log.Warn().Err(err).Msg("Failed to save device ID")
		}
	}
	return nil
}

// readDeviceID returns the saved device ID, or "" if none was saved yet.
func readDeviceID(path string) (id.DeviceID, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to read device ID file: %w", err)
	}
	return id.DeviceID(strings.TrimSpace(string(data))), nil
}

func writeDeviceID(path string, deviceID id.DeviceID) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(deviceID+"\n"), 0o600)
}
