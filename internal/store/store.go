// Package store provides storage backends for AgentRelay.
//
// The user-record gateway (UserStore) is implemented by an in-memory store, SQLite,
// PostgreSQL and a PostgREST-style HTTP store. The SQL and in-memory backends also
// keep agent conversation turns and inbound message deduplication records.
package store

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// Error variables for store operations
var (
	// ErrNotFound is returned when an update targets a phone key with no record.
	ErrNotFound = errors.New("user record not found")
	// ErrUnavailable wraps transport and driver failures of the backing store.
	ErrUnavailable = errors.New("user store unavailable")
)

// UserStore is the user-record gateway used by the conversation router.
type UserStore interface {
	// GetUser returns the record for phone, or nil with no error when it does not exist.
	GetUser(ctx context.Context, phone string) (*models.UserRecord, error)

	// CreateUser atomically inserts the initial record for phone if none exists.
	// It returns the stored record and whether this call created it.
	CreateUser(ctx context.Context, phone, initialMessage string) (*models.UserRecord, bool, error)

	// UpdateUser applies a partial update and returns the updated record.
	UpdateUser(ctx context.Context, phone string, update models.UserUpdate) (*models.UserRecord, error)

	// Close releases the backend resources.
	Close() error
}

// TurnStore keeps the message history of locally hosted agent conversations.
type TurnStore interface {
	// AppendTurns appends turns to a conversation in order.
	AppendTurns(ctx context.Context, turns ...models.ConversationTurn) error

	// GetTurns returns the turns of a conversation, oldest first. A positive limit keeps
	// the first turn (the system prompt) plus the most recent limit-1 turns.
	GetTurns(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error)
}

// Store is implemented by the backends that can hold all AgentRelay state.
type Store interface {
	UserStore
	TurnStore
	DedupRepo
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN        string        // SQLite path or PostgreSQL connection string
	RESTURL    string        // base URL of a PostgREST-compatible endpoint
	RESTKey    string        // API key sent as apikey and bearer token
	RESTTable  string        // table holding user records
	Timeout    time.Duration // per-request timeout of the REST store
	HTTPClient *http.Client
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithRESTEndpoint configures the PostgREST-compatible user store.
func WithRESTEndpoint(baseURL, apiKey string) Option {
	return func(o *Opts) {
		o.RESTURL = baseURL
		o.RESTKey = apiKey
	}
}

// WithRESTTable overrides the table name of the REST user store.
func WithRESTTable(table string) Option {
	return func(o *Opts) {
		o.RESTTable = table
	}
}

// WithTimeout bounds every request of the REST store.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithHTTPClient injects the HTTP client used by the REST store.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a mutex-protected in-memory Store, used in tests and when no DSN is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*models.UserRecord
	turns   map[string][]models.ConversationTurn
	inbound map[string]DedupRecord
	now     func() time.Time
}

// Compile-time check that InMemoryStore implements Store.
var (
	_ Store       = (*InMemoryStore)(nil)
	_ DedupPruner = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]*models.UserRecord),
		turns:   make(map[string][]models.ConversationTurn),
		inbound: make(map[string]DedupRecord),
		now:     time.Now,
	}
}

func (s *InMemoryStore) GetUser(ctx context.Context, phone string) (*models.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[phone]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) CreateUser(ctx context.Context, phone, initialMessage string) (*models.UserRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[phone]; ok {
		return existing.Clone(), false, nil
	}
	rec := models.NewUserRecord(phone, initialMessage, s.now().UTC())
	s.users[phone] = rec
	slog.Debug("InMemoryStore CreateUser succeeded", "phone", phone)
	return rec.Clone(), true, nil
}

func (s *InMemoryStore) UpdateUser(ctx context.Context, phone string, update models.UserUpdate) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[phone]
	if !ok {
		return nil, ErrNotFound
	}
	update.Apply(rec)
	return rec.Clone(), nil
}

func (s *InMemoryStore) AppendTurns(ctx context.Context, turns ...models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		s.turns[t.ConversationID] = append(s.turns[t.ConversationID], t)
	}
	return nil
}

func (s *InMemoryStore) GetTurns(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return trimTurns(append([]models.ConversationTurn(nil), s.turns[conversationID]...), limit), nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) PruneDedup(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// Users returns a snapshot of every stored record sorted by phone (for tests and diagnostics).
func (s *InMemoryStore) Users() []models.UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UserRecord, 0, len(s.users))
	for _, rec := range s.users {
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
