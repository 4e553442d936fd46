// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector relays messages between Matrix rooms and Telegram chats.
//
// Each configured bridge pairs one Matrix room with one Telegram chat. The
// relay logs in to Matrix as a regular account and long-polls /sync, and it
// receives Telegram updates through a bot webhook. Every relayed message is
// re-sent by the relay's own identity with the original sender's name in
// front of it.
//
// # Core Types
//
// [Connector] owns both clients, the webhook listener and the
// correspondence store, and runs one goroutine per incoming message.
//
// [MatrixClient] wraps the mautrix client: sync loop, sending, and the
// content repository.
//
// [TelegramClient] wraps the Bot API client with flood-limit throttling and
// error classification.
//
// # Reply Threading
//
// After a message is delivered, the pair of its Matrix event ID and its
// Telegram (chat, message) ID is appended to the room's correspondence
// history. Replies on either side are resolved against that history; a miss
// sends the message without a reply.
//
// # Echo Prevention
//
// Messages sent by the relay's own Matrix account or by the bot itself are
// never relayed back.
//
// # Sub-packages
//
//   - correspondence stores the message ID pairs per room.
//   - matrixfmt converts Matrix content to Telegram text and HTML.
//   - telegramfmt converts Telegram entities to Matrix HTML.
package connector
