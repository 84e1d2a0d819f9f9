package gateway

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/scgate/internal/config"
	"github.com/wudi/scgate/internal/filter"
	"github.com/wudi/scgate/internal/logging"
)

// retireTimeout bounds how long replaced services may drain their reports.
const retireTimeout = 10 * time.Second

// ReloadResult contains the result of a config reload
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload applies newCfg. The new operation set and services are built
// first; on any error the running configuration is left untouched.
// Listener, backend, logging, tracing and metrics settings need a restart
// and are only reported as changes.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	st, err := g.build(newCfg)
	if err != nil {
		result.Error = err.Error()
		logging.Error("config reload rejected, keeping previous operations", zap.Error(err))
		return result
	}

	g.mu.Lock()
	result.Changes = diffConfig(g.config, newCfg)
	g.applyCredentials(st)

	keep := make(map[string]bool, len(st.services))
	var retired []*filter.Service
	for _, s := range st.services {
		keep[s.Name] = true
		if prev, ok := g.services.Get(s.Name); ok {
			retired = append(retired, prev)
		}
		g.services.AddService(s)
	}
	g.filter.SetMatcher(st.matcher)
	for _, name := range g.services.Keys() {
		if keep[name] {
			continue
		}
		if prev, ok := g.services.Delete(name); ok {
			retired = append(retired, prev)
		}
	}
	g.config = newCfg
	g.mu.Unlock()

	go retire(retired)

	result.Success = true
	logging.Info("config reloaded",
		zap.Int("bindings", st.matcher.Len()),
		zap.Strings("changes", result.Changes),
	)
	return result
}

// retire drains and closes services that a reload replaced.
func retire(services []*filter.Service) {
	if len(services) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	for _, s := range services {
		if err := s.Close(ctx); err != nil {
			logging.Warn("closing replaced service", zap.String("service", s.Name), zap.Error(err))
		}
	}
}

// diffConfig lists human-readable differences between two configurations.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldSvcs := make(map[string]config.ServiceConfig, len(oldCfg.Services))
	for _, s := range oldCfg.Services {
		oldSvcs[s.Name] = s
	}
	newSvcs := make(map[string]config.ServiceConfig, len(newCfg.Services))
	for _, s := range newCfg.Services {
		newSvcs[s.Name] = s
	}

	for name, s := range newSvcs {
		prev, ok := oldSvcs[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("service added: %s", name))
		case !reflect.DeepEqual(prev, s):
			changes = append(changes, fmt.Sprintf("service changed: %s", name))
		}
	}
	for name := range oldSvcs {
		if _, ok := newSvcs[name]; !ok {
			changes = append(changes, fmt.Sprintf("service removed: %s", name))
		}
	}

	restart := func(field string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, fmt.Sprintf("%s changed (restart required)", field))
		}
	}
	restart("listen", oldCfg.Listen, newCfg.Listen)
	restart("backend", oldCfg.Backend, newCfg.Backend)
	restart("upstream", oldCfg.Upstream, newCfg.Upstream)
	restart("unmatched_route", oldCfg.UnmatchedRoute, newCfg.UnmatchedRoute)
	restart("logging", oldCfg.Logging, newCfg.Logging)
	restart("tracing", oldCfg.Tracing, newCfg.Tracing)
	restart("metrics", oldCfg.Metrics, newCfg.Metrics)
	restart("admin", oldCfg.Admin, newCfg.Admin)

	sort.Strings(changes)
	return changes
}
