package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vietddude/promptloop/internal/core/domain"
)

func TestRouter_ResolveUnknownModel(t *testing.T) {
	r := NewRouter()
	_, err := r.Resolve("gpt-x")
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestRouter_Fallback(t *testing.T) {
	r := NewRouter()
	r.Add(AnyModel, "echo", EchoTransport{Prefix: "> "})

	tr, err := r.Resolve("anything")
	require.NoError(t, err)

	resp, err := tr.Invoke(context.Background(), domain.Transcript{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "ping"},
	}, "anything")
	require.NoError(t, err)
	require.Equal(t, "> ping", resp)
}

func TestRouter_CircuitOpensAndFailsOver(t *testing.T) {
	ctrl := gomock.NewController(t)
	primary := NewMockTransport(ctrl)
	backup := NewMockTransport(ctrl)

	primary.EXPECT().
		Invoke(gomock.Any(), gomock.Any(), "m").
		Return("", errors.New("503")).
		Times(circuitThreshold)
	backup.EXPECT().
		Invoke(gomock.Any(), gomock.Any(), "m").
		Return("ok", nil)

	r := NewRouter()
	r.Add("m", "primary", primary)
	r.Add("m", "backup", backup)

	transcript := domain.Transcript{{Role: domain.RoleUser, Content: "q"}}
	for i := 0; i < circuitThreshold; i++ {
		tr, err := r.Resolve("m")
		require.NoError(t, err)
		_, err = tr.Invoke(context.Background(), transcript, "m")
		require.ErrorContains(t, err, "primary")
	}

	tr, err := r.Resolve("m")
	require.NoError(t, err)
	resp, err := tr.Invoke(context.Background(), transcript, "m")
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	stats := r.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "backup", stats[0].Name)
	require.Equal(t, 1, stats[0].SuccessCount)
	require.Equal(t, "primary", stats[1].Name)
	require.True(t, stats[1].CircuitOpen)
	require.Equal(t, circuitThreshold, stats[1].FailureCount)
}

func TestNewRouterFromConfig(t *testing.T) {
	_, err := NewRouterFromConfig([]ProviderConfig{{Name: "bad", Type: "carrier-pigeon"}})
	require.Error(t, err)

	_, err = NewRouterFromConfig([]ProviderConfig{{Name: "oa", Type: "openai"}})
	require.ErrorContains(t, err, "api_key")

	r, err := NewRouterFromConfig([]ProviderConfig{
		{Name: "oa", Type: "openai", Models: []string{"gpt-4o-mini"}, OpenAI: OpenAIConfig{APIKey: "sk-test"}},
		{Name: "echo", Type: "echo"},
	})
	require.NoError(t, err)

	tr, err := r.Resolve("local")
	require.NoError(t, err)
	resp, err := tr.Invoke(context.Background(), domain.Transcript{{Role: domain.RoleUser, Content: "hi"}}, "local")
	require.NoError(t, err)
	require.Equal(t, "hi", resp)
}

func TestToMessages(t *testing.T) {
	msgs := toMessages(domain.Transcript{
		{Role: domain.RoleSystem, Content: "s"},
		{Role: domain.RoleUser, Content: "u"},
		{Role: domain.RoleAssistant, Content: "a"},
	})
	require.Len(t, msgs, 3)
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "user", msgs[1].Role)
	require.Equal(t, "assistant", msgs[2].Role)
}
