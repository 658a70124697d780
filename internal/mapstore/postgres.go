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

	_ "github.com/lib/pq"
)

const (
	postgresMappingTableName = "calmirror_mapping"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one map snapshot per (account, calendar) row.
type PostgresBackend struct {
	dsn       string
	tableName string
	account   string
	calendar  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn, account, calendar string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(account) == "" || strings.TrimSpace(calendar) == "" {
		return nil, fmt.Errorf("%w: account and calendar are required", ErrInvalidInput)
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresMappingTableName,
		account:   account,
		calendar:  calendar,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load() (*Table, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT snapshot FROM %s WHERE account = $1 AND calendar = $2",
		postgresQuoteIdentifier(b.tableName),
	)
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.account, b.calendar).Scan(&payload)
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

func (b *PostgresBackend) Save(table *Table) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (account, calendar, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account, calendar)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.account, b.calendar, string(payload))
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				account TEXT NOT NULL,
				calendar TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (account, calendar)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
