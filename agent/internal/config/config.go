package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/logship/agent/internal/store"
	"github.com/obsidianstack/logship/agent/internal/syslog"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultGroup          = "."
	DefaultFlushInterval  = 10 * time.Second
	DefaultFlushThreshold = 100
	DefaultBackend        = "file"
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMessageSize    = ByteSize(syslog.DefaultMaxSize)
	DefaultSyslogPort     = 514
	DefaultSyslogTLSPort  = 6514
)

// Config is the top-level configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// Group is the store group records are written to when the caller does
	// not name one.
	Group string `yaml:"group"`

	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// FlushThreshold starts a flush once this many events are pending in a
	// group. Negative disables threshold flushes.
	FlushThreshold int `yaml:"flush_threshold"`

	// AppName is written to the APP-NAME field, e.g. "com.example.app/1.2.0".
	AppName string `yaml:"app_name"`

	// TokenEnv is the name of the environment variable that holds the
	// collector token.
	TokenEnv string `yaml:"token_env"`

	// Facility is an RFC 5424 facility name (user, local0 .. local7, ...).
	Facility string `yaml:"facility"`

	// InstallIDFile persists the install identifier across restarts.
	// Empty means a new identifier per process.
	InstallIDFile string `yaml:"install_id_file"`

	Store     StoreConfig     `yaml:"store"`
	Collector CollectorConfig `yaml:"collector"`

	// MetricsAddr is the listen address of the metrics endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Token returns the collector token resolved from the environment.
func (a AgentConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// StoreConfig selects and tunes the persistent event store.
type StoreConfig struct {
	// Backend is one of: file | badger.
	Backend string `yaml:"backend"`

	// Directory overrides the base directory. Empty means the user cache
	// directory.
	Directory string `yaml:"directory"`

	// Compression is one of: none | lz4 | zstd. File backend only.
	Compression string `yaml:"compression"`

	// MaxEventsPerGroup bounds each group. Zero means unbounded.
	MaxEventsPerGroup int `yaml:"max_events_per_group"`
}

// CollectorConfig describes the syslog collector endpoint.
type CollectorConfig struct {
	Host string `yaml:"host"`

	// Port defaults to 6514 with TLS and 514 without.
	Port int `yaml:"port"`

	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageSize bounds one formatted record, e.g. "8KiB".
	MaxMessageSize ByteSize `yaml:"max_message_size"`

	TLS TLSConfig `yaml:"tls"`
}

// Addr returns host:port.
func (c CollectorConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// TLSConfig holds the collector TLS options.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// ServerName overrides the name verified against the certificate.
	ServerName string `yaml:"server_name"`

	CAFile string `yaml:"ca_file"`

	// InsecureSkipVerify disables certificate verification.
	// Only use this against a collector on a trusted network.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Client identity: a PEM pair, or a PKCS#12 bundle.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	PKCS12File string `yaml:"pkcs12_file"`
	// PKCS12PasswordEnv is the name of the environment variable that holds
	// the bundle password.
	PKCS12PasswordEnv string `yaml:"pkcs12_password_env"`
}

// PKCS12Password returns the bundle password resolved from the environment.
func (t TLSConfig) PKCS12Password() string {
	if t.PKCS12PasswordEnv == "" {
		return ""
	}
	return os.Getenv(t.PKCS12PasswordEnv)
}

// ByteSize is a size in bytes that also accepts human-readable YAML values
// such as "8KiB" or "16 kB".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.Agent.Collector.Port == 0 {
		cfg.Agent.Collector.Port = DefaultSyslogPort
		if cfg.Agent.Collector.TLS.Enabled {
			cfg.Agent.Collector.Port = DefaultSyslogTLSPort
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Group:          DefaultGroup,
			FlushInterval:  DefaultFlushInterval,
			FlushThreshold: DefaultFlushThreshold,
			Store: StoreConfig{
				Backend: DefaultBackend,
			},
			Collector: CollectorConfig{
				WriteTimeout:   DefaultWriteTimeout,
				MaxMessageSize: DefaultMessageSize,
			},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.Group == "" {
		return fmt.Errorf("agent.group must not be empty")
	}
	if a.FlushInterval <= 0 {
		return fmt.Errorf("agent.flush_interval must be positive")
	}
	if a.FlushThreshold == 0 {
		return fmt.Errorf("agent.flush_threshold must be positive, or negative to disable")
	}
	if _, err := syslog.ParseFacility(a.Facility); err != nil {
		return fmt.Errorf("agent.facility: %w", err)
	}

	switch a.Store.Backend {
	case "file", "badger":
	default:
		return fmt.Errorf("agent.store.backend: unknown backend %q", a.Store.Backend)
	}
	if _, err := store.ParseCompression(a.Store.Compression); err != nil {
		return fmt.Errorf("agent.store.compression: %w", err)
	}
	if a.Store.MaxEventsPerGroup < 0 {
		return fmt.Errorf("agent.store.max_events_per_group must not be negative")
	}

	c := a.Collector
	if c.Host == "" {
		return fmt.Errorf("agent.collector.host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("agent.collector.port %d out of range", c.Port)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("agent.collector.write_timeout must be positive")
	}
	if c.MaxMessageSize < 480 {
		// RFC 5424 section 6.1 minimum.
		return fmt.Errorf("agent.collector.max_message_size %s is too small", c.MaxMessageSize)
	}
	t := c.TLS
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("agent.collector.tls: cert_file and key_file must be set together")
	}
	if t.CertFile != "" && t.PKCS12File != "" {
		return fmt.Errorf("agent.collector.tls: cert_file and pkcs12_file are mutually exclusive")
	}
	if !t.Enabled && (t.CAFile != "" || t.CertFile != "" || t.PKCS12File != "" || t.InsecureSkipVerify) {
		return fmt.Errorf("agent.collector.tls: options set but tls is not enabled")
	}
	return nil
}
