package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/bookchat/pkg/logger"
)

type stubClient struct {
	resp *CompletionResponse
	err  error
	got  *CompletionRequest
}

func (c *stubClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	c.got = req
	return c.resp, c.err
}

func (c *stubClient) Name() string { return "stub" }

func TestGeneratorSendsPromptAsUserMessage(t *testing.T) {
	client := &stubClient{resp: &CompletionResponse{Content: "  an answer \n"}}
	g := NewGenerator(client, "m-1", 256, logger.NewNop())

	reply, err := g.Generate(context.Background(), "the prompt")
	require.NoError(t, err)
	assert.Equal(t, "an answer", reply)

	require.NotNil(t, client.got)
	assert.Equal(t, "m-1", client.got.Model)
	assert.Equal(t, 256, client.got.MaxTokens)
	assert.Equal(t, []ChatMessage{{Role: "user", Content: "the prompt"}}, client.got.Messages)
}

func TestGeneratorWrapsProviderError(t *testing.T) {
	boom := errors.New("boom")
	g := NewGenerator(&stubClient{err: boom}, "", 0, logger.NewNop())

	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, boom)
}

func TestGeneratorRejectsBlankReply(t *testing.T) {
	g := NewGenerator(&stubClient{resp: &CompletionResponse{Content: " \t"}}, "", 0, logger.NewNop())

	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(ProviderOpenAI, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = NewClient(ProviderAnthropic, "sk-ant-test")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())

	_, err = NewClient(ProviderOpenAI, "")
	assert.Error(t, err)

	_, err = NewClient(Provider("other"), "key")
	assert.Error(t, err)
}
