package llm

import (
	"fmt"
)

// ProviderConfig binds a provider to the models it serves.
type ProviderConfig struct {
	Name   string       `yaml:"name"`
	Type   string       `yaml:"type"`   // openai, echo
	Models []string     `yaml:"models"` // "*" = fallback for any model
	OpenAI OpenAIConfig `yaml:"openai"`
	Prefix string       `yaml:"prefix"` // echo only
}

// NewRouterFromConfig builds a router with one binding per provider and model.
func NewRouterFromConfig(providers []ProviderConfig) (*Router, error) {
	r := NewRouter()
	for _, p := range providers {
		t, err := newTransport(p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		models := p.Models
		if len(models) == 0 {
			models = []string{AnyModel}
		}
		for _, m := range models {
			r.Add(m, p.Name, t)
		}
	}
	return r, nil
}

func newTransport(p ProviderConfig) (Transport, error) {
	switch p.Type {
	case "openai":
		return NewOpenAITransport(p.OpenAI)
	case "echo":
		return EchoTransport{Prefix: p.Prefix}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}
