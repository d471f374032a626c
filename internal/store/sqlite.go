// Package store provides storage backends for AgentRelay.
//
// This file implements an SQLite-backed store for user records, agent conversation turns
// and inbound deduplication.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/AgentRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, phone string) (*models.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone = ?`, phone)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetUser not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "phone", phone)
		return nil, unavailable("get user", err)
	}
	return rec, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, phone, initialMessage string) (*models.UserRecord, bool, error) {
	rec := models.NewUserRecord(phone, initialMessage, s.now().UTC())
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, NULL, NULL, ?)`,
		rec.Phone, string(rec.State), string(rec.Agent), rec.LastMessage, *rec.LastActivityAt)
	if err != nil {
		slog.Error("SQLiteStore CreateUser failed", "error", err, "phone", phone)
		return nil, false, unavailable("create user", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, unavailable("create user rows affected", err)
	}
	if n > 0 {
		slog.Debug("SQLiteStore CreateUser succeeded", "phone", phone)
		return rec, true, nil
	}

	slog.Debug("SQLiteStore CreateUser found existing record", "phone", phone)
	existing, err := s.GetUser(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create user %s: insert ignored but no row found", phone)
	}
	return existing, false, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, phone string, update models.UserUpdate) (*models.UserRecord, error) {
	if update.IsEmpty() {
		rec, err := s.GetUser(ctx, phone)
		if err == nil && rec == nil {
			err = ErrNotFound
		}
		return rec, err
	}
	query, args := buildUpdate("users", phone, update, func(int) string { return "?" })
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateUser failed", "error", err, "phone", phone)
		return nil, unavailable("update user", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	rec, err := s.GetUser(ctx, phone)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	slog.Debug("SQLiteStore UpdateUser succeeded", "phone", phone, "fields", len(update.Fields()))
	return rec, nil
}

func (s *SQLiteStore) AppendTurns(ctx context.Context, turns ...models.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	defer tx.Rollback()
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_turns (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			t.ConversationID, t.Role, t.Content, t.CreatedAt); err != nil {
			slog.Error("SQLiteStore AppendTurns failed", "error", err, "conversationID", t.ConversationID)
			return fmt.Errorf("append turn to %s: %w", t.ConversationID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTurns(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, created_at FROM conversation_turns WHERE conversation_id = ? ORDER BY id`,
		conversationID)
	if err != nil {
		slog.Error("SQLiteStore GetTurns query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.ConversationID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return trimTurns(turns, limit), nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
