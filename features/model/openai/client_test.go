package openai_test

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/features/model/openai"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

type fakeChat struct {
	got        sdk.ChatCompletionNewParams
	completion *sdk.ChatCompletion
	err        error
}

func (f *fakeChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.got = body
	return f.completion, f.err
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	t.Parallel()
	fake := &fakeChat{completion: &sdk.ChatCompletion{
		Model: "gpt-test",
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: "warning"}},
		},
		Usage: sdk.CompletionUsage{PromptTokens: 42, CompletionTokens: 7},
	}}
	client, err := openai.New(openai.Options{Chat: fake, Model: "gpt-test", MaxTokens: 256})
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), judgment.CompletionRequest{
		System: "You judge equipment state.",
		Prompt: "temperature 82",
	})
	require.NoError(t, err)
	assert.Equal(t, "warning", out.Text)
	assert.Equal(t, "gpt-test", out.Model)
	assert.EqualValues(t, 42, out.InputTokens)
	assert.EqualValues(t, 7, out.OutputTokens)
	require.Len(t, fake.got.Messages, 2, "system prompt travels as its own message")
}

func TestCompleteEmptyChoicesIsLLMUnavailable(t *testing.T) {
	t.Parallel()
	fake := &fakeChat{completion: &sdk.ChatCompletion{Model: "gpt-test"}}
	client, err := openai.New(openai.Options{Chat: fake, Model: "gpt-test"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), judgment.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLLMUnavailable))
}

func TestCompleteTransportFailureIsLLMUnavailable(t *testing.T) {
	t.Parallel()
	fake := &fakeChat{err: errs.New(errs.KindInternal, "socket closed")}
	client, err := openai.New(openai.Options{Chat: fake, Model: "gpt-test"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), judgment.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLLMUnavailable))
}
