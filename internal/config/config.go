package config

import "time"

// Unmatched route policies
const (
	UnmatchedReject      = "reject"
	UnmatchedPassThrough = "pass_through"
)

// Token source types
const (
	TokenMetadata          = "metadata"
	TokenClientCredentials = "client_credentials"
	TokenServiceAccount    = "service_account"
	TokenStatic            = "static"
)

// Config represents the complete gateway configuration
type Config struct {
	Listen         string        `yaml:"listen"`          // e.g. ":8080"
	Backend        string        `yaml:"backend"`         // upstream that allowed requests are proxied to
	UnmatchedRoute string         `yaml:"unmatched_route"` // reject | pass_through
	Upstream       UpstreamConfig `yaml:"upstream"`
	Server         ServerConfig   `yaml:"server"`
	Logging        LoggingConfig `yaml:"logging"`
	Tracing        TracingConfig `yaml:"tracing"`
	Metrics        MetricsConfig `yaml:"metrics"`
	Admin          AdminConfig   `yaml:"admin"`
	// ServiceDefaults are the starting token, check and report settings of
	// every service. A key set in a service block replaces the default, even
	// when set to zero.
	ServiceDefaults ServiceDefaults `yaml:"service_defaults"`
	Services        []ServiceConfig `yaml:"services"`
}

// UpstreamConfig tunes the connection pool to the backend.
type UpstreamConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"` // 0 waits indefinitely
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	DisableHTTP2          bool          `yaml:"disable_http2"`
}

// ServerConfig holds HTTP server timeouts
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig controls the admin listener serving health, stats and the
// redacted configuration.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ServiceDefaults are shared settings for all services.
type ServiceDefaults struct {
	Token  TokenConfig  `yaml:"token"`
	Check  CheckConfig  `yaml:"check"`
	Report ReportConfig `yaml:"report"`
}

// ServiceConfig describes one managed service and its operations.
type ServiceConfig struct {
	Name              string `yaml:"name"`
	ConfigID          string `yaml:"config_id"`
	ProducerProjectID string `yaml:"producer_project_id"`
	// ServiceControlURI is the policy backend base URL: http(s):// or grpc://.
	ServiceControlURI string            `yaml:"service_control_uri"`
	Token             TokenConfig       `yaml:"token"`
	Check             CheckConfig       `yaml:"check"`
	Report            ReportConfig      `yaml:"report"`
	Operations        []OperationConfig `yaml:"operations"`
}

// TokenConfig selects how backend access tokens are obtained.
type TokenConfig struct {
	Type         string   `yaml:"type"` // metadata | client_credentials | service_account | static
	URL          string   `yaml:"url"`  // metadata server or token endpoint
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret" redact:"true"`
	Scopes       []string `yaml:"scopes"`
	KeyFile      string   `yaml:"key_file"`
	Audience     string   `yaml:"audience"`
	Token        string   `yaml:"token" redact:"true"`

	SafetyMargin      time.Duration `yaml:"safety_margin"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	MinRefreshBackoff time.Duration `yaml:"min_refresh_backoff"`
	MaxRefreshBackoff time.Duration `yaml:"max_refresh_backoff"`
}

// CheckConfig controls Check calls.
type CheckConfig struct {
	Timeout        time.Duration `yaml:"timeout"` // per attempt
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	CacheTTL       time.Duration `yaml:"cache_ttl"` // 0 disables the outcome cache
	CacheSize      int           `yaml:"cache_size"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around Check.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // 0 disables the breaker
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// ReportConfig controls background Report dispatch.
type ReportConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	RateLimit float64       `yaml:"rate_limit"` // reports per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// OperationConfig binds URL templates to one API operation.
type OperationConfig struct {
	Name                   string           `yaml:"name"`
	Method                 string           `yaml:"method"` // "*" binds every method
	Templates              []string         `yaml:"templates"`
	ConsumerProjectID      string           `yaml:"consumer_project_id"`
	APIKeyLocations        []APIKeyLocation `yaml:"api_key_locations"`
	MetricCosts            map[string]int64 `yaml:"metric_costs"`
	SkipServiceControl     bool             `yaml:"skip_service_control"`
	SkipReport             bool             `yaml:"skip_report"`
	AllowCORS              bool             `yaml:"allow_cors"`
	AllowUnregisteredCalls bool             `yaml:"allow_unregistered_calls"`
}

// APIKeyLocation names a header or a query parameter; exactly one is set.
type APIKeyLocation struct {
	Header string `yaml:"header"`
	Query  string `yaml:"query"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen:         ":8080",
		UnmatchedRoute: UnmatchedReject,
		Upstream: UpstreamConfig{
			DialTimeout:         10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 32,
		},
		Server: ServerConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "scgate",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Admin: AdminConfig{
			Listen: ":9901",
		},
		ServiceDefaults: ServiceDefaults{
			Token: TokenConfig{
				Type:              TokenMetadata,
				SafetyMargin:      60 * time.Second,
				FetchTimeout:      10 * time.Second,
				MinRefreshBackoff: time.Second,
				MaxRefreshBackoff: 60 * time.Second,
			},
			Check: CheckConfig{
				Timeout:        time.Second,
				MaxRetries:     3,
				InitialBackoff: 50 * time.Millisecond,
				MaxBackoff:     time.Second,
				CacheSize:      10000,
				Breaker: BreakerConfig{
					OpenTimeout: 30 * time.Second,
				},
			},
			Report: ReportConfig{
				Timeout:   5 * time.Second,
				QueueSize: 1000,
				Workers:   2,
			},
		},
	}
}

// service returns a service config seeded with the defaults. Slices are
// copied so services never share backing arrays.
func (d ServiceDefaults) service() ServiceConfig {
	svc := ServiceConfig{Token: d.Token, Check: d.Check, Report: d.Report}
	svc.Token.Scopes = append([]string(nil), d.Token.Scopes...)
	return svc
}

// CredentialKey identifies the token cache entry for a token config.
// Services sharing a credential share one cached token.
func (t TokenConfig) CredentialKey() string {
	switch t.Type {
	case TokenMetadata:
		return "metadata:" + t.URL + "|" + t.Audience
	case TokenClientCredentials:
		return "client_credentials:" + t.URL + "|" + t.ClientID
	case TokenServiceAccount:
		return "service_account:" + t.KeyFile + "|" + t.Audience
	case TokenStatic:
		return "static:" + t.Token
	default:
		return ""
	}
}
