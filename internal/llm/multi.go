package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MultiClient routes requests to a provider based on the model name.
// Exact model mappings win over prefix mappings; anything unmatched goes
// to the fallback.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	prefixes []prefixRoute
	fallback Client
}

type prefixRoute struct {
	prefix   string
	provider string
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// AddPrefix maps every model whose name starts with prefix to a provider.
func (m *MultiClient) AddPrefix(prefix, providerName string) {
	m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, provider: providerName})
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(model, r.prefix) {
			if client, ok := m.clients[r.provider]; ok {
				return client
			}
		}
	}
	return m.fallback
}

// Chat sends a request to the provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	var errs []error
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback == nil && len(m.clients) == 0 {
		return errors.New("no providers configured")
	}
	return errors.Join(errs...)
}
