package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/features/model/anthropic"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

type fakeMessages struct {
	got sdk.MessageNewParams
	msg *sdk.Message
	err error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	return f.msg, f.err
}

func TestCompleteConcatenatesTextBlocks(t *testing.T) {
	t.Parallel()
	fake := &fakeMessages{msg: &sdk.Message{
		Model: "claude-test",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "crit"},
			{Type: "text", Text: "ical"},
		},
		Usage: sdk.Usage{InputTokens: 42, OutputTokens: 7},
	}}
	client, err := anthropic.New(fake, anthropic.Options{Model: "claude-test", MaxTokens: 256})
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), judgment.CompletionRequest{
		System: "You judge equipment state.",
		Prompt: "temperature 99",
	})
	require.NoError(t, err)
	assert.Equal(t, "critical", out.Text)
	assert.Equal(t, "claude-test", out.Model)
	assert.EqualValues(t, 42, out.InputTokens)
	assert.EqualValues(t, 7, out.OutputTokens)

	assert.EqualValues(t, 256, fake.got.MaxTokens)
	require.Len(t, fake.got.System, 1)
	assert.Equal(t, "You judge equipment state.", fake.got.System[0].Text)
}

func TestCompleteTransportFailureIsLLMUnavailable(t *testing.T) {
	t.Parallel()
	fake := &fakeMessages{err: errs.New(errs.KindInternal, "socket closed")}
	client, err := anthropic.New(fake, anthropic.Options{Model: "claude-test"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), judgment.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLLMUnavailable))
}

func TestNewRequiresModel(t *testing.T) {
	t.Parallel()
	_, err := anthropic.New(&fakeMessages{}, anthropic.Options{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidInput))
}
