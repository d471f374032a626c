package store

// RESTStore speaks the PostgREST dialect (Supabase style): filtered GET,
// POST with ignore-duplicates and PATCH keyed by phone.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// REST store defaults
const (
	DefaultRESTTable   = "users"
	DefaultRESTTimeout = 10 * time.Second
	maxRESTErrorBody   = 512
)

// RESTStore implements UserStore against a PostgREST-compatible endpoint.
type RESTStore struct {
	baseURL string
	apiKey  string
	table   string
	client  *http.Client
	now     func() time.Time
}

// Compile-time check that RESTStore implements UserStore.
var (
	_ UserStore = (*RESTStore)(nil)
	_ Pinger    = (*RESTStore)(nil)
)

// restUser mirrors the JSON row shape; nullable columns are pointers.
type restUser struct {
	Phone               string  `json:"phone"`
	State               string  `json:"state"`
	Agent               *string `json:"agent"`
	LastMessage         *string `json:"last_message"`
	CSConversationID    *string `json:"cs_conversation_id"`
	SalesConversationID *string `json:"sales_conversation_id"`
	LastActivityAt      *string `json:"last_activity_timestamp"`
}

// timestampLayouts covers timestamptz and timestamp columns as rendered by PostgREST.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (u restUser) toRecord() (*models.UserRecord, error) {
	rec := &models.UserRecord{
		Phone:               u.Phone,
		CSConversationID:    u.CSConversationID,
		SalesConversationID: u.SalesConversationID,
	}
	var err error
	if rec.State, err = models.ParseConversationState(u.State); err != nil {
		return nil, err
	}
	if u.Agent != nil {
		if rec.Agent, err = models.ParseAgentType(*u.Agent); err != nil {
			return nil, err
		}
	}
	if u.LastMessage != nil {
		rec.LastMessage = *u.LastMessage
	}
	if u.LastActivityAt != nil && *u.LastActivityAt != "" {
		t, err := parseTimestamp(*u.LastActivityAt)
		if err != nil {
			return nil, err
		}
		rec.LastActivityAt = &t
	}
	return rec, nil
}

// NewRESTStore creates a REST user store. The base URL is the PostgREST root
// (e.g. https://xyz.supabase.co/rest/v1).
func NewRESTStore(opts ...Option) (*RESTStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRESTStore invoked", "url_set", cfg.RESTURL != "", "key_set", cfg.RESTKey != "", "table", cfg.RESTTable)
	if cfg.RESTURL == "" {
		return nil, fmt.Errorf("REST store URL not set")
	}
	if _, err := url.Parse(cfg.RESTURL); err != nil {
		return nil, fmt.Errorf("invalid REST store URL: %w", err)
	}
	if cfg.RESTTable == "" {
		cfg.RESTTable = DefaultRESTTable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRESTTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RESTStore{
		baseURL: strings.TrimRight(cfg.RESTURL, "/"),
		apiKey:  cfg.RESTKey,
		table:   cfg.RESTTable,
		client:  client,
		now:     time.Now,
	}, nil
}

// do performs one authenticated request and decodes the row array it returns.
func (s *RESTStore) do(ctx context.Context, method string, query url.Values, prefer string, body interface{}) ([]models.UserRecord, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", method, err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := s.baseURL + "/" + url.PathEscape(s.table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, unavailable(strings.ToLower(method)+" "+s.table, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > maxRESTErrorBody {
			snippet = snippet[:maxRESTErrorBody]
		}
		return nil, unavailable(strings.ToLower(method)+" "+s.table, fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var rows []restUser
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, unavailable("decode rows", err)
	}
	records := make([]models.UserRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("decode user %s: %w", row.Phone, err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

func phoneFilter(phone string) url.Values {
	return url.Values{"phone": []string{"eq." + phone}}
}

func (s *RESTStore) GetUser(ctx context.Context, phone string) (*models.UserRecord, error) {
	query := phoneFilter(phone)
	query.Set("select", "*")
	query.Set("limit", "1")
	rows, err := s.do(ctx, http.MethodGet, query, "", nil)
	if err != nil {
		slog.Error("RESTStore GetUser failed", "error", err, "phone", phone)
		return nil, err
	}
	if len(rows) == 0 {
		slog.Debug("RESTStore GetUser not found", "phone", phone)
		return nil, nil
	}
	return &rows[0], nil
}

func (s *RESTStore) CreateUser(ctx context.Context, phone, initialMessage string) (*models.UserRecord, bool, error) {
	rec := models.NewUserRecord(phone, initialMessage, s.now().UTC())
	body := map[string]interface{}{
		models.ColumnPhone:               rec.Phone,
		models.ColumnState:               string(rec.State),
		models.ColumnAgent:               string(rec.Agent),
		models.ColumnLastMessage:         rec.LastMessage,
		models.ColumnCSConversationID:    nil,
		models.ColumnSalesConversationID: nil,
		models.ColumnLastActivityAt:      rec.LastActivityAt.Format(time.RFC3339Nano),
	}
	query := url.Values{"on_conflict": []string{models.ColumnPhone}}
	rows, err := s.do(ctx, http.MethodPost, query, "resolution=ignore-duplicates,return=representation", body)
	if err != nil {
		slog.Error("RESTStore CreateUser failed", "error", err, "phone", phone)
		return nil, false, err
	}
	if len(rows) > 0 {
		slog.Debug("RESTStore CreateUser succeeded", "phone", phone)
		return &rows[0], true, nil
	}

	// Duplicate ignored: another request created the record first.
	existing, err := s.GetUser(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create user %s: insert ignored but no row found", phone)
	}
	return existing, false, nil
}

func (s *RESTStore) UpdateUser(ctx context.Context, phone string, update models.UserUpdate) (*models.UserRecord, error) {
	fields := update.Fields()
	if len(fields) == 0 {
		rec, err := s.GetUser(ctx, phone)
		if err == nil && rec == nil {
			err = ErrNotFound
		}
		return rec, err
	}
	body := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if t, ok := f.Value.(time.Time); ok {
			body[f.Column] = t.Format(time.RFC3339Nano)
			continue
		}
		body[f.Column] = f.Value
	}
	rows, err := s.do(ctx, http.MethodPatch, phoneFilter(phone), "return=representation", body)
	if err != nil {
		slog.Error("RESTStore UpdateUser failed", "error", err, "phone", phone)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	slog.Debug("RESTStore UpdateUser succeeded", "phone", phone, "fields", len(fields))
	return &rows[0], nil
}

// Ping checks that the table endpoint answers.
func (s *RESTStore) Ping(ctx context.Context) error {
	query := url.Values{"select": []string{models.ColumnPhone}, "limit": []string{"1"}}
	_, err := s.do(ctx, http.MethodGet, query, "", nil)
	return err
}

// Close releases idle HTTP connections.
func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
