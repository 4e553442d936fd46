// Copyright 2024-2026 Aiku AI

package correspondence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"maunium.net/go/mautrix/id"
)

// FileStore keeps one MessagePack file per room under Dir.
type FileStore struct {
	Dir string

	locks roomLocks
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{Dir: dir, locks: newRoomLocks()}, nil
}

// fileNameEscaper keeps room IDs readable in file names and only escapes
// characters that would leave the store directory.
var fileNameEscaper = strings.NewReplacer(
	"%", "%25",
	"/", "%2F",
	"\\", "%5C",
	"\x00", "%00",
)

// Path returns the file holding the records of room.
func (s *FileStore) Path(room id.RoomID) string {
	return filepath.Join(s.Dir, fileNameEscaper.Replace(string(room))+".mpk")
}

// load reads the room file. A missing file and an undecodable file both
// yield an empty history.
func (s *FileStore) load(ctx context.Context, room id.RoomID) ([]Record, error) {
	data, err := os.ReadFile(s.Path(room))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	var records []Record
	if err = msgpack.Unmarshal(data, &records); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("room_id", room.String()).
			Msg("Store file is corrupt, starting with empty history")
		return nil, nil
	}
	return records, nil
}

func (s *FileStore) save(room id.RoomID, records []Record) error {
	data, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	target := s.Path(room)
	tmp, err := os.CreateTemp(s.Dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func (s *FileStore) Append(ctx context.Context, room id.RoomID, rec Record) error {
	unlock := s.locks.lock(room)
	defer unlock()
	records, err := s.load(ctx, room)
	if err != nil {
		return err
	}
	return s.save(room, truncate(append(records, rec)))
}

func (s *FileStore) ByEvent(ctx context.Context, room id.RoomID, evt id.EventID) (Record, bool, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	records, err := s.load(ctx, room)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := findByEvent(records, evt)
	return rec, ok, nil
}

func (s *FileStore) ByMessage(ctx context.Context, room id.RoomID, chatID int64, msgID int) (Record, bool, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	records, err := s.load(ctx, room)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := findByMessage(records, chatID, msgID)
	return rec, ok, nil
}

// Records returns the full history of room, oldest first.
func (s *FileStore) Records(ctx context.Context, room id.RoomID) ([]Record, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	return s.load(ctx, room)
}

func (s *FileStore) Close() error {
	return nil
}
