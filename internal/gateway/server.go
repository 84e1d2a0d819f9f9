package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/scgate/internal/config"
	"github.com/wudi/scgate/internal/logging"
)

const maxReloadHistory = 50

// Server runs the gateway listener, the optional admin listener and the
// config watcher.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	configPath  string
	loader      *config.Loader
	watcher     *config.Watcher
	startTime   time.Time

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a gateway server. configPath is the YAML file used for
// reloads; empty disables reloading.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		configPath: configPath,
		loader:     config.NewLoader(),
		startTime:  time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Listen,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// gracefully. SIGHUP reloads the configuration file.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, s.loader)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(cfg *config.Config) { s.record(s.gateway.Reload(cfg)) })
		if err := w.Start(); err != nil {
			w.Stop()
			return fmt.Errorf("config watcher: %w", err)
		}
		s.watcher = w
	}

	s.gateway.Prefetch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(s.httpServer, "gateway") })
	if s.adminServer != nil {
		g.Go(func() error { return serve(s.adminServer, "admin") })
	}
	g.Go(func() error {
		for {
			select {
			case <-hup:
				result := s.ReloadConfig()
				if !result.Success {
					logging.Error("config reload failed", zap.String("error", result.Error))
				}
			case <-gctx.Done():
				logging.Info("shutting down gracefully")
				return s.Shutdown(s.gateway.Config().Server.ShutdownTimeout)
			}
		}
	})
	return g.Wait()
}

func serve(srv *http.Server, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	logging.Info("listening", zap.String("server", name), zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Shutdown stops the listeners, then drains pending reports.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	var errs []error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway server: %w", err))
	}
	if err := s.gateway.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		logging.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	logging.Info("server shutdown complete")
	return nil
}

// ReloadConfig loads the config file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{Timestamp: time.Now(), Error: "no config path configured"}
	}
	cfg, err := s.loader.Load(s.configPath)
	if err != nil {
		result := ReloadResult{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)}
		s.record(result)
		return result
	}
	result := s.gateway.Reload(cfg)
	s.record(result)
	return result
}

func (s *Server) record(result ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/history", s.handleReloadHistory)
	mux.Handle("/metrics", s.gateway.Metrics().Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady reports ready once every service has a usable token.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var reasons []string
	for _, svc := range s.gateway.Config().Services {
		if _, err := s.gateway.tokens.Get(ctx, svc.Token.CredentialKey()); err != nil {
			reasons = append(reasons, fmt.Sprintf("service %s: %v", svc.Name, err))
		}
	}
	if len(reasons) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "reasons": reasons})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Stats())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	red, err := config.Redact(s.gateway.Config())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	data, err := yaml.Marshal(red)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}
