package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("  Hello World \n")}
	client := &Client{chat: mock, model: DefaultModel}

	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", out)
	assert.Len(t, mock.params.Messages, 2)
	assert.Equal(t, openai.ChatModel(DefaultModel), mock.params.Model)
}

func TestGenerateWithHistory_BuildsMessages(t *testing.T) {
	mock := &mockChatService{resp: completion("ok")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxCompletionTokens: 64}

	history := []models.ConversationTurn{
		{Role: models.RoleSystem, Content: "stored prompt"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	_, err := client.GenerateWithHistory(context.Background(), "sys", history, "price?")
	require.NoError(t, err)

	// system prompt + user + assistant + new user; the stored system turn is skipped
	require.Len(t, mock.params.Messages, 4)
	assert.NotNil(t, mock.params.Messages[0].OfSystem)
	assert.NotNil(t, mock.params.Messages[1].OfUser)
	assert.NotNil(t, mock.params.Messages[2].OfAssistant)
	assert.NotNil(t, mock.params.Messages[3].OfUser)
	assert.Equal(t, openai.ChatModel("test-model"), mock.params.Model)
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service failure")
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewClient_WithOptions(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.9),
		WithMaxCompletionTokens(10), WithBaseURL("http://localhost:1234/v1"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", cli.model)
	assert.Equal(t, 0.9, cli.temperature)
	assert.Equal(t, int64(10), cli.maxCompletionTokens)
}
