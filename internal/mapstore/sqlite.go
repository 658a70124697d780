package mapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteBackend stores map snapshots in a local SQLite database, one row per
// (account, calendar) pair. Same snapshot contract as the Postgres backend.
type SQLiteBackend struct {
	path     string
	account  string
	calendar string
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path, account, calendar string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(account) == "" || strings.TrimSpace(calendar) == "" {
		return nil, fmt.Errorf("%w: account and calendar are required", ErrInvalidInput)
	}
	return &SQLiteBackend{
		path:     path,
		account:  account,
		calendar: calendar,
		openDB:   sql.Open,
	}, nil
}

func (b *SQLiteBackend) Load() (*Table, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx,
		"SELECT snapshot FROM calmirror_mapping WHERE account = ? AND calendar = ?",
		b.account, b.calendar,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var table Table
	if err := json.Unmarshal([]byte(payload), &table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMapping, err)
	}
	table.normalize()
	return &table, nil
}

func (b *SQLiteBackend) Save(table *Table) error {
	if b == nil || table == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	table.normalize()
	payload, err := json.Marshal(table)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO calmirror_mapping (account, calendar, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (account, calendar)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
		b.account, b.calendar, string(payload))
	return err
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite3", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS calmirror_mapping (
				account TEXT NOT NULL,
				calendar TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (account, calendar)
			)`)
		if err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
