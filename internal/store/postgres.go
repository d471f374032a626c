// Package store provides storage backends for AgentRelay.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/AgentRelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, phone string) (*models.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetUser not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "phone", phone)
		return nil, unavailable("get user", err)
	}
	return rec, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, phone, initialMessage string) (*models.UserRecord, bool, error) {
	rec := models.NewUserRecord(phone, initialMessage, s.now().UTC())
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, NULL, NULL, $5) ON CONFLICT (phone) DO NOTHING`,
		rec.Phone, string(rec.State), string(rec.Agent), rec.LastMessage, *rec.LastActivityAt)
	if err != nil {
		slog.Error("PostgresStore CreateUser failed", "error", err, "phone", phone)
		return nil, false, unavailable("create user", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, unavailable("create user rows affected", err)
	}
	if n > 0 {
		slog.Debug("PostgresStore CreateUser succeeded", "phone", phone)
		return rec, true, nil
	}

	existing, err := s.GetUser(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create user %s: conflict but no row found", phone)
	}
	return existing, false, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, phone string, update models.UserUpdate) (*models.UserRecord, error) {
	if update.IsEmpty() {
		rec, err := s.GetUser(ctx, phone)
		if err == nil && rec == nil {
			err = ErrNotFound
		}
		return rec, err
	}
	query, args := buildUpdate("users", phone, update, func(n int) string { return fmt.Sprintf("$%d", n) })
	row := s.db.QueryRowContext(ctx, query+" RETURNING "+userColumns, args...)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore UpdateUser failed", "error", err, "phone", phone)
		return nil, unavailable("update user", err)
	}
	slog.Debug("PostgresStore UpdateUser succeeded", "phone", phone, "fields", len(update.Fields()))
	return rec, nil
}

func (s *PostgresStore) AppendTurns(ctx context.Context, turns ...models.ConversationTurn) error {
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
			`INSERT INTO conversation_turns (conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
			t.ConversationID, t.Role, t.Content, t.CreatedAt); err != nil {
			slog.Error("PostgresStore AppendTurns failed", "error", err, "conversationID", t.ConversationID)
			return fmt.Errorf("append turn to %s: %w", t.ConversationID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetTurns(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, created_at FROM conversation_turns WHERE conversation_id = $1 ORDER BY id`,
		conversationID)
	if err != nil {
		slog.Error("PostgresStore GetTurns query failed", "error", err, "conversationID", conversationID)
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
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
