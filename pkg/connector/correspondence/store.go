// Copyright 2024-2026 Aiku AI

// Package correspondence persists which Matrix event and which Telegram
// message carry the same relayed content.
//
// Records are grouped per bridged Matrix room and capped at [MaxRecords];
// the oldest record is evicted first. Two backends are provided: a
// MessagePack file per room ([FileStore]) and a single SQLite database
// ([SQLStore]). Both serialize read-modify-write per room.
package correspondence

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"
)

// MaxRecords is the number of records kept per room.
const MaxRecords = 1000

// Record links a Matrix event to a Telegram (chat, message) pair.
type Record struct {
	_msgpack struct{} `msgpack:",as_array"`

	MatrixEvent     id.EventID
	TelegramChat    int64
	TelegramMessage int
}

// NewRecord builds a Record.
func NewRecord(evt id.EventID, chatID int64, msgID int) Record {
	return Record{MatrixEvent: evt, TelegramChat: chatID, TelegramMessage: msgID}
}

// Store is implemented by every correspondence backend.
type Store interface {
	// Append adds rec to the room's history, evicting the oldest records
	// past MaxRecords.
	Append(ctx context.Context, room id.RoomID, rec Record) error
	// ByEvent returns the first record for the given Matrix event.
	ByEvent(ctx context.Context, room id.RoomID, evt id.EventID) (Record, bool, error)
	// ByMessage returns the first record for the given Telegram message.
	ByMessage(ctx context.Context, room id.RoomID, chatID int64, msgID int) (Record, bool, error)
	// Records returns the room's history, oldest first.
	Records(ctx context.Context, room id.RoomID) ([]Record, error)
	Close() error
}

// Open returns the backend named by backend ("file" or "sqlite") rooted at
// path. For the file backend path is a directory, for SQLite a database file.
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		fs, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite", "sqlite3":
		ss, err := NewSQLStore(ctx, path)
		if err != nil {
			return nil, err
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", backend)
	}
}

// roomLocks hands out one mutex per room so an A->B and a B->A relay for
// the same bridge cannot interleave their read-modify-write cycles.
type roomLocks struct {
	locks *exsync.Map[id.RoomID, *sync.Mutex]
}

func newRoomLocks() roomLocks {
	return roomLocks{locks: exsync.NewMap[id.RoomID, *sync.Mutex]()}
}

func (rl roomLocks) lock(room id.RoomID) func() {
	mu := rl.locks.GetOrSetFactory(room, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// truncate keeps the newest MaxRecords entries in their original order.
func truncate(records []Record) []Record {
	if len(records) <= MaxRecords {
		return records
	}
	return records[len(records)-MaxRecords:]
}

func findByEvent(records []Record, evt id.EventID) (Record, bool) {
	for _, rec := range records {
		if rec.MatrixEvent == evt {
			return rec, true
		}
	}
	return Record{}, false
}

func findByMessage(records []Record, chatID int64, msgID int) (Record, bool) {
	for _, rec := range records {
		if rec.TelegramChat == chatID && rec.TelegramMessage == msgID {
			return rec, true
		}
	}
	return Record{}, false
}
