package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/AgentRelay/internal/agent"
	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/store"
	"github.com/BTreeMap/AgentRelay/internal/util"
)

// fakeGateway records agent calls.
type fakeGateway struct {
	mu        sync.Mutex
	creates   []models.AgentType
	sends     []sentMessage
	createErr error
	sendErr   error
	reply     string
	nextID    int
}

type sentMessage struct {
	conversationID string
	text           string
}

func (g *fakeGateway) CreateConversation(ctx context.Context, agentType models.AgentType) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates = append(g.creates, agentType)
	if g.createErr != nil {
		return "", g.createErr
	}
	g.nextID++
	return "conv-" + string(rune('0'+g.nextID)), nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, sentMessage{conversationID, text})
	if g.sendErr != nil {
		return "", g.sendErr
	}
	return g.reply, nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type routerFixture struct {
	router  *Router
	store   *store.InMemoryStore
	gateway *fakeGateway
	clock   *fakeClock
	replies Replies
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	gw := &fakeGateway{reply: `{"reply":"Halo dari agen"}`}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r, err := NewRouter(st, gw, Config{InactivityThreshold: 30 * time.Minute, Now: clock.Now})
	require.NoError(t, err)
	return &routerFixture{router: r, store: st, gateway: gw, clock: clock, replies: DefaultReplies()}
}

func (f *routerFixture) send(t *testing.T, phone, message string) Result {
	t.Helper()
	res, err := f.router.HandleMessage(context.Background(), phone, message)
	require.NoError(t, err)
	return res
}

func (f *routerFixture) user(t *testing.T, phone string) *models.UserRecord {
	t.Helper()
	rec, err := f.store.GetUser(context.Background(), phone)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestRouter_FirstContact(t *testing.T) {
	f := newRouterFixture(t)

	res := f.send(t, "+62 812-345-678", "hello")
	assert.Equal(t, Result{Exists: false, Reply: f.replies.Welcome, Choice: ""}, res)

	rec := f.user(t, "62812345678")
	assert.Equal(t, models.StateInitial, rec.State)
	assert.Equal(t, models.AgentNone, rec.Agent)
	assert.Equal(t, "hello", rec.LastMessage)
	assert.Nil(t, rec.CSConversationID)
	assert.Nil(t, rec.SalesConversationID)
	require.NotNil(t, rec.LastActivityAt)
	assert.Empty(t, f.gateway.creates)
	assert.Empty(t, f.gateway.sends)
}

func TestRouter_MenuChoices(t *testing.T) {
	tests := []struct {
		message    string
		prior      string
		wantReply  func(Replies) string
		wantChoice string
		wantAgent  models.AgentType
	}{
		{"1", "", func(r Replies) string { return r.ConnectedCustomerService }, "Customer Service", models.AgentCustomerService},
		{" 1 ", "2", func(r Replies) string { return r.ConnectedCustomerService }, "Customer Service", models.AgentCustomerService},
		{"2", "", func(r Replies) string { return r.ConnectedSales }, "Sales", models.AgentSales},
		{"2", "1", func(r Replies) string { return r.ConnectedSales }, "Sales", models.AgentSales},
		{"3", "1", func(r Replies) string { return r.Disconnected }, "", models.AgentNone},
		{"3", "2", func(r Replies) string { return r.Disconnected }, "", models.AgentNone},
		{"3", "", func(r Replies) string { return r.Disconnected }, "", models.AgentNone},
	}
	for _, tt := range tests {
		t.Run(tt.prior+"->"+tt.message, func(t *testing.T) {
			f := newRouterFixture(t)
			f.send(t, "628111", "hi")
			if tt.prior != "" {
				f.send(t, "628111", tt.prior)
			}
			f.clock.Advance(time.Minute)

			res := f.send(t, "628111", tt.message)
			assert.True(t, res.Exists)
			assert.Equal(t, tt.wantReply(f.replies), res.Reply)
			assert.Equal(t, tt.wantChoice, res.Choice)

			rec := f.user(t, "628111")
			assert.Equal(t, models.StateSelecting, rec.State)
			assert.Equal(t, tt.wantAgent, rec.Agent)
			assert.Equal(t, tt.message, rec.LastMessage)
			require.NotNil(t, rec.LastActivityAt)
			assert.True(t, f.clock.Now().Equal(*rec.LastActivityAt), "menu choice refreshes activity")
			assert.Empty(t, f.gateway.creates, "menu choices never call the agent")
		})
	}
}

func TestRouter_UnboundTextPromptsMenu(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "628111", "hi")
	before := *f.user(t, "628111").LastActivityAt

	f.clock.Advance(time.Hour)
	res := f.send(t, "628111", "apa kabar?")
	assert.Equal(t, Result{Exists: true, Reply: f.replies.InvalidChoice, Choice: "INVALID"}, res)

	rec := f.user(t, "628111")
	assert.Equal(t, models.StateSelecting, rec.State)
	assert.Equal(t, "apa kabar?", rec.LastMessage)
	assert.True(t, before.Equal(*rec.LastActivityAt), "unbound text does not refresh activity")
	assert.Empty(t, f.gateway.sends)
}

func TestRouter_ConversationLifecycle(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "+62 812-345-678", "hello")
	res := f.send(t, "62812345678", "1")
	require.Equal(t, "Customer Service", res.Choice)

	// no handle yet: a conversation is created
	f.clock.Advance(time.Minute)
	res = f.send(t, "62812345678", "hi there")
	assert.Equal(t, Result{Exists: true, Reply: `{"reply":"Halo dari agen"}`, Choice: "Customer Service"}, res)
	require.Len(t, f.gateway.creates, 1)
	assert.Equal(t, models.AgentCustomerService, f.gateway.creates[0])
	rec := f.user(t, "62812345678")
	assert.Equal(t, "conv-1", rec.ConversationID(models.AgentCustomerService))
	assert.Nil(t, rec.SalesConversationID)
	assert.True(t, f.clock.Now().Equal(*rec.LastActivityAt))

	// within threshold: handle reused
	f.clock.Advance(10 * time.Minute)
	f.send(t, "62812345678", "hi again")
	assert.Len(t, f.gateway.creates, 1)
	require.Len(t, f.gateway.sends, 2)
	assert.Equal(t, sentMessage{"conv-1", "hi again"}, f.gateway.sends[1])

	// exactly at the threshold: still reused
	f.clock.Advance(30 * time.Minute)
	f.send(t, "62812345678", "boundary")
	assert.Len(t, f.gateway.creates, 1)

	// past the threshold: replaced
	f.clock.Advance(30*time.Minute + time.Second)
	f.send(t, "62812345678", "after a break")
	require.Len(t, f.gateway.creates, 2)
	assert.Equal(t, "conv-2", f.user(t, "62812345678").ConversationID(models.AgentCustomerService))
	assert.Equal(t, sentMessage{"conv-2", "after a break"}, f.gateway.sends[3])
}

func TestRouter_SlotsAreIndependent(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "628111", "hello")
	f.send(t, "628111", "1")
	f.send(t, "628111", "cs question")
	f.send(t, "628111", "2")
	f.send(t, "628111", "sales question")

	rec := f.user(t, "628111")
	assert.Equal(t, "conv-1", rec.ConversationID(models.AgentCustomerService))
	assert.Equal(t, "conv-2", rec.ConversationID(models.AgentSales))

	// back to CS within threshold reuses the CS handle
	f.send(t, "628111", "1")
	f.send(t, "628111", "cs again")
	assert.Len(t, f.gateway.creates, 2)
	assert.Equal(t, "conv-1", f.gateway.sends[len(f.gateway.sends)-1].conversationID)
}

func TestRouter_CreateConversationFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "628111", "hello")
	f.send(t, "628111", "2")
	before := *f.user(t, "628111").LastActivityAt

	f.gateway.createErr = &agent.ExternalError{Op: "create conversation", StatusCode: 500, Err: errors.New("boom")}
	f.clock.Advance(time.Minute)
	res := f.send(t, "628111", "harga?")
	assert.Equal(t, Result{Exists: true, Reply: f.replies.SystemError, Choice: "Sales"}, res)

	rec := f.user(t, "628111")
	assert.Nil(t, rec.SalesConversationID)
	assert.Equal(t, models.AgentSales, rec.Agent)
	assert.True(t, before.Equal(*rec.LastActivityAt), "timestamp untouched")
	assert.Empty(t, f.gateway.sends)
}

func TestRouter_SendFailureRepliesApology(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "628111", "hello")
	f.send(t, "628111", "1")

	f.gateway.sendErr = errors.New("timeout")
	f.clock.Advance(time.Minute)
	res := f.send(t, "628111", "halo")
	assert.Equal(t, Result{Exists: true, Reply: f.replies.AgentError, Choice: "Customer Service"}, res)

	rec := f.user(t, "628111")
	assert.Equal(t, "conv-1", rec.ConversationID(models.AgentCustomerService), "handle kept after failed send")
	assert.True(t, f.clock.Now().Equal(*rec.LastActivityAt), "attempted send refreshes activity")
}

func TestRouter_MissingPhone(t *testing.T) {
	f := newRouterFixture(t)
	for _, phone := range []string{"", " + - "} {
		_, err := f.router.HandleMessage(context.Background(), phone, "hi")
		assert.ErrorIs(t, err, util.ErrMissingPhone)
	}
	assert.Empty(t, f.store.Users())
}

// failingStore wraps an InMemoryStore and fails selected operations.
type failingStore struct {
	*store.InMemoryStore
	getErr    error
	createErr error
	updateErr func(models.UserUpdate) error
}

func (s *failingStore) GetUser(ctx context.Context, phone string) (*models.UserRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.InMemoryStore.GetUser(ctx, phone)
}

func (s *failingStore) CreateUser(ctx context.Context, phone, msg string) (*models.UserRecord, bool, error) {
	if s.createErr != nil {
		return nil, false, s.createErr
	}
	return s.InMemoryStore.CreateUser(ctx, phone, msg)
}

func (s *failingStore) UpdateUser(ctx context.Context, phone string, u models.UserUpdate) (*models.UserRecord, error) {
	if s.updateErr != nil {
		if err := s.updateErr(u); err != nil {
			return nil, err
		}
	}
	return s.InMemoryStore.UpdateUser(ctx, phone, u)
}

func newFailingFixture(t *testing.T, fs *failingStore) (*Router, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{reply: "ok"}
	r, err := NewRouter(fs, gw, Config{})
	require.NoError(t, err)
	return r, gw
}

func TestRouter_StoreFailures(t *testing.T) {
	replies := DefaultReplies()
	ctx := context.Background()

	t.Run("create fails", func(t *testing.T) {
		fs := &failingStore{InMemoryStore: store.NewInMemoryStore(), createErr: store.ErrUnavailable}
		r, _ := newFailingFixture(t, fs)
		res, err := r.HandleMessage(ctx, "628111", "hello")
		require.NoError(t, err)
		assert.Equal(t, Result{Exists: false, Reply: replies.SystemError, Choice: ""}, res)
	})

	t.Run("fetch fails on existing user", func(t *testing.T) {
		fs := &failingStore{InMemoryStore: store.NewInMemoryStore()}
		r, _ := newFailingFixture(t, fs)
		_, err := r.HandleMessage(ctx, "628111", "hello")
		require.NoError(t, err)

		// fetch failure is treated as absent; the atomic create returns the existing row
		fs.getErr = store.ErrUnavailable
		res, err := r.HandleMessage(ctx, "628111", "1")
		require.NoError(t, err)
		assert.Equal(t, Result{Exists: true, Reply: replies.ConnectedCustomerService, Choice: "Customer Service"}, res)
	})

	t.Run("agent write fails", func(t *testing.T) {
		fs := &failingStore{InMemoryStore: store.NewInMemoryStore()}
		r, _ := newFailingFixture(t, fs)
		_, err := r.HandleMessage(ctx, "628111", "hello")
		require.NoError(t, err)

		fs.updateErr = func(u models.UserUpdate) error {
			if u.Agent != nil {
				return store.ErrUnavailable
			}
			return nil
		}
		res, err := r.HandleMessage(ctx, "628111", "2")
		require.NoError(t, err)
		assert.Equal(t, Result{Exists: true, Reply: replies.SystemError, Choice: "Sales"}, res)
	})

	t.Run("message write fails", func(t *testing.T) {
		fs := &failingStore{InMemoryStore: store.NewInMemoryStore()}
		r, _ := newFailingFixture(t, fs)
		_, err := r.HandleMessage(ctx, "628111", "hello")
		require.NoError(t, err)

		fs.updateErr = func(u models.UserUpdate) error {
			if u.LastMessage != nil {
				return store.ErrUnavailable
			}
			return nil
		}
		res, err := r.HandleMessage(ctx, "628111", "1")
		require.NoError(t, err)
		assert.Equal(t, "Customer Service", res.Choice)
	})
}

func TestRouter_ConcurrentFirstMessages(t *testing.T) {
	f := newRouterFixture(t)
	const n = 20
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.HandleMessage(context.Background(), "+62 811", "hello")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	welcomes := 0
	for _, res := range results {
		if !res.Exists {
			welcomes++
		}
	}
	assert.Equal(t, 1, welcomes)
	assert.Len(t, f.store.Users(), 1)
	assert.Zero(t, f.router.locks.Len())
}

func TestRouter_ConcurrentBoundTextCreatesOneConversation(t *testing.T) {
	f := newRouterFixture(t)
	f.send(t, "628111", "hello")
	f.send(t, "628111", "1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.HandleMessage(context.Background(), "628111", "question")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, f.gateway.creates, 1)
	assert.Len(t, f.gateway.sends, 10)
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(nil, &fakeGateway{}, Config{})
	assert.Error(t, err)
	_, err = NewRouter(store.NewInMemoryStore(), nil, Config{})
	assert.Error(t, err)

	r, err := NewRouter(store.NewInMemoryStore(), &fakeGateway{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultInactivityThreshold, r.cfg.InactivityThreshold)
	assert.Equal(t, DefaultCallTimeout, r.cfg.CallTimeout)
}

func TestRouter_CustomReplies(t *testing.T) {
	r, err := NewRouter(store.NewInMemoryStore(), &fakeGateway{}, Config{Replies: Replies{Welcome: "Welcome!"}})
	require.NoError(t, err)

	res, err := r.HandleMessage(context.Background(), "628", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Welcome!", res.Reply)

	res, err = r.HandleMessage(context.Background(), "628", "x")
	require.NoError(t, err)
	assert.Equal(t, DefaultReplies().InvalidChoice, res.Reply)
}
