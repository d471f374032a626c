package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// runUserStoreSuite exercises the UserStore contract shared by every backend.
func runUserStoreSuite(t *testing.T, s UserStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("absent user", func(t *testing.T) {
		rec, err := s.GetUser(ctx, "620000000000")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("create then fetch", func(t *testing.T) {
		rec, created, err := s.CreateUser(ctx, "6281111", "hello")
		require.NoError(t, err)
		require.True(t, created)
		assert.Equal(t, "6281111", rec.Phone)
		assert.Equal(t, models.StateInitial, rec.State)
		assert.Equal(t, models.AgentNone, rec.Agent)
		assert.Equal(t, "hello", rec.LastMessage)
		assert.Nil(t, rec.CSConversationID)
		assert.Nil(t, rec.SalesConversationID)
		require.NotNil(t, rec.LastActivityAt)

		got, err := s.GetUser(ctx, "6281111")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "hello", got.LastMessage)
		assert.WithinDuration(t, *rec.LastActivityAt, *got.LastActivityAt, time.Second)
	})

	t.Run("second create returns existing", func(t *testing.T) {
		rec, created, err := s.CreateUser(ctx, "6281111", "other")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "hello", rec.LastMessage)
	})

	t.Run("partial updates", func(t *testing.T) {
		_, err := s.UpdateUser(ctx, "6281111", models.MessageUpdate("1"))
		require.NoError(t, err)

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		rec, err := s.UpdateUser(ctx, "6281111", models.AgentUpdate(models.AgentCustomerService, at))
		require.NoError(t, err)
		assert.Equal(t, models.StateSelecting, rec.State)
		assert.Equal(t, models.AgentCustomerService, rec.Agent)
		assert.Equal(t, "1", rec.LastMessage)
		require.NotNil(t, rec.LastActivityAt)
		assert.True(t, at.Equal(*rec.LastActivityAt))

		rec, err = s.UpdateUser(ctx, "6281111", models.ConversationUpdate(models.AgentCustomerService, "conv-cs"))
		require.NoError(t, err)
		assert.Equal(t, "conv-cs", rec.ConversationID(models.AgentCustomerService))
		assert.Empty(t, rec.ConversationID(models.AgentSales))
		assert.Equal(t, models.AgentCustomerService, rec.Agent, "unrelated fields survive")
	})

	t.Run("update missing user", func(t *testing.T) {
		_, err := s.UpdateUser(ctx, "629999", models.MessageUpdate("x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func runTurnStoreSuite(t *testing.T, s TurnStore) {
	t.Helper()
	ctx := context.Background()

	turns := []models.ConversationTurn{
		{ConversationID: "c1", Role: models.RoleSystem, Content: "sys", CreatedAt: 1},
		{ConversationID: "c1", Role: models.RoleUser, Content: "u1", CreatedAt: 2},
		{ConversationID: "c1", Role: models.RoleAssistant, Content: "a1", CreatedAt: 3},
		{ConversationID: "c1", Role: models.RoleUser, Content: "u2", CreatedAt: 4},
	}
	require.NoError(t, s.AppendTurns(ctx, turns...))
	require.NoError(t, s.AppendTurns(ctx, models.ConversationTurn{ConversationID: "c2", Role: models.RoleUser, Content: "x"}))

	all, err := s.GetTurns(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, turns, all)

	limited, err := s.GetTurns(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "sys", limited[0].Content)
	assert.Equal(t, "u2", limited[1].Content)

	none, err := s.GetTurns(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func runDedupSuite(t *testing.T, s DedupRepo) {
	t.Helper()

	dup, err := s.IsDuplicate("m1")
	require.NoError(t, err)
	assert.False(t, dup)

	inserted, err := s.RecordInbound("m1", "6281111")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordInbound("m1", "6281111")
	require.NoError(t, err)
	assert.False(t, inserted)

	dup, err = s.IsDuplicate("m1")
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, s.MarkProcessed("m1"))
	require.NoError(t, s.MarkProcessed("unknown"))

	if p, ok := s.(DedupPruner); ok {
		n, err := p.PruneDedup(time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = p.PruneDedup(time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		dup, err = s.IsDuplicate("m1")
		require.NoError(t, err)
		assert.False(t, dup)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	runUserStoreSuite(t, s)
	runTurnStoreSuite(t, s)
	runDedupSuite(t, s)

	users := s.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "6281111", users[0].Phone)
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	rec, _, err := s.CreateUser(context.Background(), "628", "hi")
	require.NoError(t, err)
	rec.LastMessage = "mutated"

	got, err := s.GetUser(context.Background(), "628")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.LastMessage)
}

func TestInMemoryStore_ConcurrentCreateSingleWinner(t *testing.T) {
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateUser(context.Background(), "628", "hi")
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "agentrelay.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Ping(context.Background()))
	runUserStoreSuite(t, s)
	runTurnStoreSuite(t, s)
	runDedupSuite(t, s)
}

func TestSQLiteStore_MissingDSN(t *testing.T) {
	_, err := NewSQLiteStore()
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { pgStore.Close() })

	for _, table := range []string{"users", "conversation_turns", "inbound_dedup"} {
		_, err := pgStore.db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	runUserStoreSuite(t, pgStore)
	runTurnStoreSuite(t, pgStore)
	runDedupSuite(t, pgStore)
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"postgresql://localhost/db", "postgres"},
		{"host=localhost user=u dbname=db", "postgres"},
		{"/var/lib/agentrelay/state.db", "sqlite"},
		{"file:state.db?_busy_timeout=5000", "sqlite"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectDSNType(tt.dsn), tt.dsn)
	}
}

func TestTrimTurns(t *testing.T) {
	turns := make([]models.ConversationTurn, 5)
	for i := range turns {
		turns[i].CreatedAt = int64(i)
	}
	assert.Len(t, trimTurns(turns, 0), 5)
	assert.Len(t, trimTurns(turns, 10), 5)

	one := trimTurns(turns, 1)
	require.Len(t, one, 1)
	assert.Equal(t, int64(0), one[0].CreatedAt)

	three := trimTurns(turns, 3)
	require.Len(t, three, 3)
	assert.Equal(t, []int64{0, 3, 4}, []int64{three[0].CreatedAt, three[1].CreatedAt, three[2].CreatedAt})
}

func TestBuildUpdate(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildUpdate("users", "628", models.AgentUpdate(models.AgentSales, at), func(n int) string {
		return fmt.Sprintf("$%d", n)
	})
	assert.Equal(t, "UPDATE users SET agent = $1, last_activity_timestamp = $2 WHERE phone = $3", query)
	assert.Equal(t, []interface{}{"Sales", at, "628"}, args)
}

func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
