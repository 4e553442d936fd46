// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Bridge pairs one Matrix room with one Telegram chat.
type Bridge struct {
	MatrixRoom   id.RoomID `yaml:"matrix_room"`
	TelegramChat int64     `yaml:"telegram_chat"`
}

// Registry is the immutable set of configured bridges, indexed by both sides.
type Registry struct {
	byRoom map[id.RoomID]Bridge
	byChat map[int64]Bridge
}

// NewRegistry validates bridges and indexes them.
func NewRegistry(bridges []Bridge) (*Registry, error) {
	r := &Registry{
		byRoom: make(map[id.RoomID]Bridge, len(bridges)),
		byChat: make(map[int64]Bridge, len(bridges)),
	}
	for i, b := range bridges {
		if b.MatrixRoom == "" {
			return nil, fmt.Errorf("bridge %d: matrix_room is empty", i)
		}
		if b.TelegramChat == 0 {
			return nil, fmt.Errorf("bridge %d: telegram_chat is zero", i)
		}
		if _, dup := r.byRoom[b.MatrixRoom]; dup {
			return nil, fmt.Errorf("bridge %d: room %s is bridged twice", i, b.MatrixRoom)
		}
		if _, dup := r.byChat[b.TelegramChat]; dup {
			return nil, fmt.Errorf("bridge %d: chat %d is bridged twice", i, b.TelegramChat)
		}
		r.byRoom[b.MatrixRoom] = b
		r.byChat[b.TelegramChat] = b
	}
	return r, nil
}

// FindByRoom returns the bridge whose Matrix side is roomID.
func (r *Registry) FindByRoom(roomID id.RoomID) (Bridge, bool) {
	b, ok := r.byRoom[roomID]
	return b, ok
}

// FindByChat returns the bridge whose Telegram side is chatID.
func (r *Registry) FindByChat(chatID int64) (Bridge, bool) {
	b, ok := r.byChat[chatID]
	return b, ok
}

// Len returns the number of bridges.
func (r *Registry) Len() int {
	return len(r.byRoom)
}
