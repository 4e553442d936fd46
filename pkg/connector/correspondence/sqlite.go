// Copyright 2024-2026 Aiku AI

package correspondence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// SQLStore keeps every room's history in one SQLite database.
type SQLStore struct {
	db    *dbutil.Database
	locks roomLocks
}

var _ Store = (*SQLStore)(nil)

const (
	createTableQuery = `
		CREATE TABLE IF NOT EXISTS correspondence (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id          TEXT    NOT NULL,
			matrix_event     TEXT    NOT NULL,
			telegram_chat    BIGINT  NOT NULL,
			telegram_message BIGINT  NOT NULL
		)`
	createEventIndexQuery   = `CREATE INDEX IF NOT EXISTS correspondence_event_idx ON correspondence (room_id, matrix_event)`
	createMessageIndexQuery = `CREATE INDEX IF NOT EXISTS correspondence_message_idx ON correspondence (room_id, telegram_chat, telegram_message)`

	insertRecordQuery = `
		INSERT INTO correspondence (room_id, matrix_event, telegram_chat, telegram_message)
		VALUES ($1, $2, $3, $4)`
	evictRecordsQuery = `
		DELETE FROM correspondence
		WHERE room_id = $1 AND seq NOT IN (
			SELECT seq FROM correspondence WHERE room_id = $1 ORDER BY seq DESC LIMIT $2
		)`
	getByEventQuery = `
		SELECT matrix_event, telegram_chat, telegram_message FROM correspondence
		WHERE room_id = $1 AND matrix_event = $2 ORDER BY seq ASC LIMIT 1`
	getByMessageQuery = `
		SELECT matrix_event, telegram_chat, telegram_message FROM correspondence
		WHERE room_id = $1 AND telegram_chat = $2 AND telegram_message = $3 ORDER BY seq ASC LIMIT 1`
	getAllQuery = `
		SELECT matrix_event, telegram_chat, telegram_message FROM correspondence
		WHERE room_id = $1 ORDER BY seq ASC`
)

// NewSQLStore opens (creating if needed) the SQLite database at path.
func NewSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := dbutil.NewWithDialect("file:"+path+"?_txlock=immediate&_busy_timeout=5000", "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLStore{db: db, locks: newRoomLocks()}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, query := range []string{createTableQuery, createEventIndexQuery, createMessageIndexQuery} {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, room id.RoomID, rec Record) error {
	unlock := s.locks.lock(room)
	defer unlock()
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, insertRecordQuery, room, rec.MatrixEvent, rec.TelegramChat, rec.TelegramMessage)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		if _, err = s.db.Exec(ctx, evictRecordsQuery, room, MaxRecords); err != nil {
			return fmt.Errorf("failed to evict old records: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) scanOne(row *sql.Row) (Record, bool, error) {
	var rec Record
	err := row.Scan(&rec.MatrixEvent, &rec.TelegramChat, &rec.TelegramMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	} else if err != nil {
		return Record{}, false, fmt.Errorf("failed to scan record: %w", err)
	}
	return rec, true, nil
}

func (s *SQLStore) ByEvent(ctx context.Context, room id.RoomID, evt id.EventID) (Record, bool, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	return s.scanOne(s.db.QueryRow(ctx, getByEventQuery, room, evt))
}

func (s *SQLStore) ByMessage(ctx context.Context, room id.RoomID, chatID int64, msgID int) (Record, bool, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	return s.scanOne(s.db.QueryRow(ctx, getByMessageQuery, room, chatID, msgID))
}

// Records returns the full history of room, oldest first.
func (s *SQLStore) Records(ctx context.Context, room id.RoomID) ([]Record, error) {
	unlock := s.locks.lock(room)
	defer unlock()
	rows, err := s.db.Query(ctx, getAllQuery, room)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err = rows.Scan(&rec.MatrixEvent, &rec.TelegramChat, &rec.TelegramMessage); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
