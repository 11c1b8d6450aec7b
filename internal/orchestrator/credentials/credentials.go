// Package credentials resolves the API keys and tokens forwarded to
// spawned agent children. Providers are consulted in registration order;
// the first provider holding a key wins.
package credentials

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// Credential is one resolved secret
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider supplies credentials from one backing store
type Provider interface {
	// Name identifies the provider in logs
	Name() string

	// GetCredential retrieves a credential by key
	GetCredential(ctx context.Context, key string) (*Credential, error)

	// ListAvailable returns the credential keys the provider can serve
	ListAvailable(ctx context.Context) ([]string, error)
}

// Manager aggregates credential providers
type Manager struct {
	providers []Provider
	logger    *logger.Logger
}

// NewManager creates a credentials manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger: log.WithFields(zap.String("component", "credentials")),
	}
}

// AddProvider registers a provider. Earlier providers take precedence.
func (m *Manager) AddProvider(p Provider) {
	m.providers = append(m.providers, p)
	m.logger.Debug("registered credential provider", zap.String("provider", p.Name()))
}

// Get resolves one credential across all providers
func (m *Manager) Get(ctx context.Context, key string) (*Credential, error) {
	for _, p := range m.providers {
		cred, err := p.GetCredential(ctx, key)
		if err == nil && cred != nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// AgentEnv collects every available credential as KEY=VALUE entries for
// a spawned agent's environment. Keys served by multiple providers keep
// the first provider's value.
func (m *Manager) AgentEnv(ctx context.Context) ([]string, error) {
	seen := make(map[string]string)
	order := make([]string, 0)

	for _, p := range m.providers {
		keys, err := p.ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("provider failed to list credentials",
				zap.String("provider", p.Name()),
				zap.Error(err))
			continue
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			cred, err := p.GetCredential(ctx, key)
			if err != nil || cred == nil {
				continue
			}
			seen[key] = cred.Value
			order = append(order, key)
		}
	}

	sort.Strings(order)
	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+seen[key])
	}

	m.logger.Info("resolved agent credentials", zap.Int("count", len(env)))
	return env, nil
}
