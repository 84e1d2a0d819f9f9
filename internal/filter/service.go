package filter

import (
	"context"
	"errors"

	"github.com/wudi/scgate/internal/byroute"
	"github.com/wudi/scgate/internal/retry"
	"github.com/wudi/scgate/internal/servicecontrol/client"
)

// Service bundles the policy backend collaborators of one managed service.
type Service struct {
	Name     string
	ConfigID string
	// CredentialKey selects the TokenCache entry used for backend calls.
	// Empty means calls carry no bearer token.
	CredentialKey string

	Client   client.Client
	Cache    *client.CheckCache
	Reporter *client.Reporter
	Retry    *retry.Policy
}

// Close drains the reporter and releases the backend connection.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.Reporter != nil {
		if err := s.Reporter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Client != nil {
		if err := s.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServiceStats is a snapshot of one service's runtime counters.
type ServiceStats struct {
	Retry    retry.MetricsSnapshot  `json:"retry"`
	Cache    map[string]interface{} `json:"cache,omitempty"`
	Reporter map[string]interface{} `json:"reporter,omitempty"`
}

// Services is the registry of managed services keyed by service name.
type Services struct {
	byroute.Manager[*Service]
}

// NewServices creates an empty registry.
func NewServices() *Services {
	return &Services{}
}

// AddService registers s under its name. A missing retry policy becomes a
// single attempt without retries.
func (m *Services) AddService(s *Service) {
	if s.Retry == nil {
		s.Retry = retry.NewPolicy(0, 0, 0, 0)
	}
	m.Add(s.Name, s)
}

// Lookup returns the service registered under name, or nil.
func (m *Services) Lookup(name string) *Service {
	s, _ := m.Get(name)
	return s
}

// Stats returns a snapshot for every service.
func (m *Services) Stats() map[string]ServiceStats {
	return byroute.CollectStats(&m.Manager, func(s *Service) ServiceStats {
		st := ServiceStats{Retry: s.Retry.Metrics.Snapshot()}
		if s.Cache != nil {
			st.Cache = s.Cache.Stats()
		}
		if s.Reporter != nil {
			st.Reporter = s.Reporter.Stats()
		}
		return st
	})
}

// CloseAll closes every service. Reporters drain until ctx ends.
func (m *Services) CloseAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Keys() {
		if s, ok := m.Get(name); ok {
			if err := s.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
