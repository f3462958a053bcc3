// Package llm binds model identifiers to the transports that call a
// text-generation service.
//
// This package contains:
//   - Transport: a single call to a generation service
//   - Router: model-to-transport resolution with per-binding health tracking
//   - OpenAITransport: chat completions over the OpenAI API
//   - EchoTransport and TransportFunc: local transports for smoke runs and tests
package llm

//go:generate mockgen -source=transport.go -destination=mock_transport.go -package=llm

import (
	"context"
	"errors"
	"strings"

	"github.com/vietddude/promptloop/internal/core/domain"
)

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("provider returned no choices")

// Transport performs one call to a generation service. Implementations must
// be safe to call repeatedly and must not mutate the transcript.
type Transport interface {
	Invoke(ctx context.Context, transcript domain.Transcript, model string) (string, error)
}

// TransportFunc adapts a function to a Transport.
type TransportFunc func(ctx context.Context, transcript domain.Transcript, model string) (string, error)

func (f TransportFunc) Invoke(ctx context.Context, transcript domain.Transcript, model string) (string, error) {
	return f(ctx, transcript, model)
}

// EchoTransport answers with the latest user turn. Useful for wiring checks
// without a provider account.
type EchoTransport struct {
	Prefix string
}

func (e EchoTransport) Invoke(ctx context.Context, transcript domain.Transcript, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.Prefix + strings.TrimSpace(transcript.LastUser()), nil
}
