// Package sqlstore is a ledger.Store on database/sql. It runs on SQLite
// (modernc.org/sqlite, pure Go) and PostgreSQL (lib/pq).
//
// Positions are assigned inside a transaction that first locks the channel
// row (FOR UPDATE on Postgres; SQLite serializes writers on its single
// connection), and the (channel_address, position) primary key rejects any
// duplicate that slips past.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/auditrail/pkg/identity"
	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// Dialect selects placeholder style and locking clauses.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("sqlstore: unsupported driver %q", name)
	}
}

// Store implements ledger.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ ledger.Store = (*Store)(nil)

// New wraps an open database. Call Init before first use on a fresh
// database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open connects to dsn with the driver for name and creates the schema.
func Open(ctx context.Context, name, dsn string) (*Store, error) {
	dialect, err := ParseDialect(name)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect.DriverName(), err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	key_type TEXT NOT NULL,
	key_encoding TEXT NOT NULL,
	public_key TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS channels (
	address TEXT PRIMARY KEY,
	author TEXT NOT NULL,
	topics TEXT NOT NULL,
	visibility TEXT NOT NULL,
	preshared_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS entries (
	channel_address TEXT NOT NULL REFERENCES channels(address),
	position BIGINT NOT NULL,
	message TEXT NOT NULL,
	PRIMARY KEY (channel_address, position)
)`,
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) PutIdentity(ctx context.Context, ident identity.Identity) error {
	query := s.rebind(`INSERT INTO identities (id, username, key_type, key_encoding, public_key)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		ident.ID, ident.Username, ident.Key.Type, ident.Key.Encoding, ident.Key.Public)
	if err != nil {
		return err
	}
	return insertedOne(res, "identity "+ident.ID)
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	query := s.rebind(`SELECT id, username, key_type, key_encoding, public_key FROM identities WHERE id = ?`)
	var ident identity.Identity
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&ident.ID, &ident.Username, &ident.Key.Type, &ident.Key.Encoding, &ident.Key.Public)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, ledger.ErrNotFound
		}
		return identity.Identity{}, err
	}
	return ident, nil
}

func (s *Store) PutChannel(ctx context.Context, ch ledger.Channel) error {
	topics, err := json.Marshal(ch.Topics)
	if err != nil {
		return fmt.Errorf("sqlstore: encode topics: %w", err)
	}
	query := s.rebind(`INSERT INTO channels (address, author, topics, visibility, preshared_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		ch.Address, ch.Author, string(topics), string(ch.Visibility), ch.PresharedKey,
		ch.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return insertedOne(res, "channel "+ch.Address)
}

func (s *Store) GetChannel(ctx context.Context, address string) (ledger.Channel, error) {
	query := s.rebind(`SELECT address, author, topics, visibility, preshared_key, created_at FROM channels WHERE address = ?`)
	var (
		ch         ledger.Channel
		topics     string
		visibility string
		created    string
	)
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&ch.Address, &ch.Author, &topics, &visibility, &ch.PresharedKey, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Channel{}, ledger.ErrNotFound
		}
		return ledger.Channel{}, err
	}
	if err := json.Unmarshal([]byte(topics), &ch.Topics); err != nil {
		return ledger.Channel{}, fmt.Errorf("sqlstore: decode topics of %s: %w", address, err)
	}
	ch.Visibility = ledger.Visibility(visibility)
	if ch.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return ledger.Channel{}, fmt.Errorf("sqlstore: decode created_at of %s: %w", address, err)
	}
	return ch, nil
}

// Append inserts msg at MAX(position)+1 within one transaction.
func (s *Store) Append(ctx context.Context, address string, msg proof.Message) (ledger.Entry, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("sqlstore: encode message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := `SELECT address FROM channels WHERE address = ?`
	if s.dialect == Postgres {
		lock += ` FOR UPDATE`
	}
	var found string
	if err := tx.QueryRowContext(ctx, s.rebind(lock), address).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, ledger.ErrNotFound
		}
		return ledger.Entry{}, err
	}

	var next int64
	query := s.rebind(`SELECT COALESCE(MAX(position), 0) + 1 FROM entries WHERE channel_address = ?`)
	if err := tx.QueryRowContext(ctx, query, address).Scan(&next); err != nil {
		return ledger.Entry{}, err
	}

	insert := s.rebind(`INSERT INTO entries (channel_address, position, message) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, address, next, string(raw)); err != nil {
		return ledger.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{ChannelAddress: address, Position: uint64(next), Message: msg}, nil
}

func (s *Store) History(ctx context.Context, address string) ([]ledger.Entry, error) {
	if _, err := s.GetChannel(ctx, address); err != nil {
		return nil, err
	}
	query := s.rebind(`SELECT position, message FROM entries WHERE channel_address = ? ORDER BY position ASC`)
	rows, err := s.db.QueryContext(ctx, query, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			pos int64
			raw string
		)
		if err := rows.Scan(&pos, &raw); err != nil {
			return nil, err
		}
		var msg proof.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("sqlstore: decode entry %d of %s: %w", pos, address, err)
		}
		result = append(result, ledger.Entry{ChannelAddress: address, Position: uint64(pos), Message: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func insertedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ledger.ErrAlreadyExists)
	}
	return nil
}
