package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  group: app
  flush_interval: 5s
  flush_threshold: 50
  app_name: "com.example.app/1.2.0"
  token_env: TEST_LOGSHIP_TOKEN
  facility: local3
  store:
    backend: badger
    directory: /var/lib/logship
    compression: zstd
    max_events_per_group: 10000
  collector:
    host: logs.example.com
    port: 6514
    write_timeout: 3s
    max_message_size: 16KiB
    tls:
      enabled: true
      ca_file: /etc/logship/ca.pem
  metrics_addr: "127.0.0.1:9464"
`
	cfg := loadFromString(t, yaml)
	a := cfg.Agent

	if a.Group != "app" {
		t.Errorf("group: got %q", a.Group)
	}
	if a.FlushInterval != 5*time.Second {
		t.Errorf("flush_interval: got %v", a.FlushInterval)
	}
	if a.FlushThreshold != 50 {
		t.Errorf("flush_threshold: got %d", a.FlushThreshold)
	}
	if a.Store.Backend != "badger" || a.Store.Compression != "zstd" || a.Store.MaxEventsPerGroup != 10000 {
		t.Errorf("store: got %+v", a.Store)
	}
	if a.Collector.Addr() != "logs.example.com:6514" {
		t.Errorf("collector addr: got %q", a.Collector.Addr())
	}
	if a.Collector.WriteTimeout != 3*time.Second {
		t.Errorf("write_timeout: got %v", a.Collector.WriteTimeout)
	}
	if a.Collector.MaxMessageSize != 16*1024 {
		t.Errorf("max_message_size: got %d", a.Collector.MaxMessageSize)
	}
	if !a.Collector.TLS.Enabled || a.Collector.TLS.CAFile != "/etc/logship/ca.pem" {
		t.Errorf("tls: got %+v", a.Collector.TLS)
	}
	if a.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("metrics_addr: got %q", a.MetricsAddr)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
agent:
  collector:
    host: localhost
`
	cfg := loadFromString(t, yaml)
	a := cfg.Agent

	if a.Group != DefaultGroup {
		t.Errorf("default group: got %q, want %q", a.Group, DefaultGroup)
	}
	if a.FlushInterval != DefaultFlushInterval {
		t.Errorf("default flush_interval: got %v, want %v", a.FlushInterval, DefaultFlushInterval)
	}
	if a.FlushThreshold != DefaultFlushThreshold {
		t.Errorf("default flush_threshold: got %d, want %d", a.FlushThreshold, DefaultFlushThreshold)
	}
	if a.Store.Backend != DefaultBackend {
		t.Errorf("default backend: got %q", a.Store.Backend)
	}
	if a.Collector.Port != DefaultSyslogPort {
		t.Errorf("default port: got %d, want %d", a.Collector.Port, DefaultSyslogPort)
	}
	if a.Collector.MaxMessageSize != DefaultMessageSize {
		t.Errorf("default max_message_size: got %v", a.Collector.MaxMessageSize)
	}
}

func TestLoad_TLSDefaultPort(t *testing.T) {
	yaml := `
agent:
  collector:
    host: localhost
    tls:
      enabled: true
`
	cfg := loadFromString(t, yaml)
	if cfg.Agent.Collector.Port != DefaultSyslogTLSPort {
		t.Errorf("tls default port: got %d, want %d", cfg.Agent.Collector.Port, DefaultSyslogTLSPort)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing host", `
agent:
  group: app
`, "collector.host"},
		{"unknown backend", `
agent:
  store: {backend: sqlite}
  collector: {host: localhost}
`, "store.backend"},
		{"unknown compression", `
agent:
  store: {compression: brotli}
  collector: {host: localhost}
`, "compression"},
		{"unknown facility", `
agent:
  facility: printer
  collector: {host: localhost}
`, "facility"},
		{"zero threshold", `
agent:
  flush_threshold: 0
  collector: {host: localhost}
`, "flush_threshold"},
		{"port out of range", `
agent:
  collector: {host: localhost, port: 70000}
`, "port"},
		{"bad size", `
agent:
  collector: {host: localhost, max_message_size: lots}
`, "invalid size"},
		{"size too small", `
agent:
  collector: {host: localhost, max_message_size: 100B}
`, "too small"},
		{"cert without key", `
agent:
  collector:
    host: localhost
    tls: {enabled: true, cert_file: c.pem}
`, "together"},
		{"tls options while disabled", `
agent:
  collector:
    host: localhost
    tls: {insecure_skip_verify: true}
`, "not enabled"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadStringErr(t, tc.yaml)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_NegativeThresholdDisables(t *testing.T) {
	cfg := loadFromString(t, `
agent:
  flush_threshold: -1
  collector: {host: localhost}
`)
	if cfg.Agent.FlushThreshold != -1 {
		t.Errorf("flush_threshold: got %d", cfg.Agent.FlushThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAgentConfig_Token(t *testing.T) {
	t.Setenv("TEST_LOGSHIP_TOKEN", "supersecret")
	a := AgentConfig{TokenEnv: "TEST_LOGSHIP_TOKEN"}
	if got := a.Token(); got != "supersecret" {
		t.Errorf("Token(): got %q, want %q", got, "supersecret")
	}
}

func TestAgentConfig_Token_Empty(t *testing.T) {
	a := AgentConfig{}
	if got := a.Token(); got != "" {
		t.Errorf("Token() with no TokenEnv: got %q, want empty", got)
	}
}

func TestTLSConfig_PKCS12Password(t *testing.T) {
	t.Setenv("TEST_P12_PASSWORD", "hunter2")
	tc := TLSConfig{PKCS12PasswordEnv: "TEST_P12_PASSWORD"}
	if got := tc.PKCS12Password(); got != "hunter2" {
		t.Errorf("PKCS12Password(): got %q", got)
	}
}

func TestByteSize_Formats(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"8192", 8192},
		{"8KiB", 8192},
		{"8 kB", 8000},
		{"1MiB", 1 << 20},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			cfg := loadFromString(t, `
agent:
  collector:
    host: localhost
    max_message_size: "`+tc.in+`"
`)
			if got := cfg.Agent.Collector.MaxMessageSize; got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

// startWatch runs Watch on path with the config currently in the file and
// returns a channel of the configs passed to onChange.
func startWatch(t *testing.T, ctx context.Context, path string) (<-chan *Config, <-chan error) {
	t.Helper()
	current, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	changes := make(chan *Config, 100)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, current, func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()
	return changes, done
}

func flushConfig(interval string) []byte {
	return []byte("agent:\n  flush_interval: " + interval + "\n  collector: {host: localhost}\n")
}

func TestWatch_Reloads(t *testing.T) {
	tests := map[string]func(path string, content []byte) error{
		"in place": func(path string, content []byte) error {
			return os.WriteFile(path, content, 0o600)
		},
		"rename over": func(path string, content []byte) error {
			tmp := path + ".swp"
			if err := os.WriteFile(tmp, content, 0o600); err != nil {
				return err
			}
			return os.Rename(tmp, path)
		},
	}
	for name, save := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, flushConfig("10s"), 0o600); err != nil {
				t.Fatal(err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			changes, done := startWatch(t, ctx, path)

			// fsnotify registration is asynchronous; keep saving until observed.
			deadline := time.After(5 * time.Second)
			for {
				if err := save(path, flushConfig("3s")); err != nil {
					t.Fatal(err)
				}
				select {
				case c := <-changes:
					if c.Agent.FlushInterval != 3*time.Second {
						t.Fatalf("reloaded flush_interval = %v, want 3s", c.Agent.FlushInterval)
					}
					cancel()
					if err := <-done; err != nil {
						t.Errorf("Watch() error = %v", err)
					}
					return
				case <-time.After(100 * time.Millisecond):
				case <-deadline:
					t.Fatal("no reload observed")
				}
			}
		})
	}
}

func TestWatch_IgnoresUnchangedAndInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, flushConfig("10s"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Another file in the same directory must not trigger a reload.
	other := filepath.Join(filepath.Dir(path), "other.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	changes, done := startWatch(t, ctx, path)

	var writes atomic.Int32
	writer := make(chan struct{})
	go func() {
		defer close(writer)
		for i := 0; ctx.Err() == nil; i++ {
			switch i % 3 {
			case 0:
				_ = os.WriteFile(path, flushConfig("10s"), 0o600)
			case 1:
				_ = os.WriteFile(path, []byte("agent: [not, a, map"), 0o600)
			case 2:
				_ = os.WriteFile(other, flushConfig("1s"), 0o600)
			}
			writes.Add(1)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	if err := <-done; err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	<-writer
	if writes.Load() == 0 {
		t.Fatal("writer never ran")
	}
	select {
	case c := <-changes:
		t.Errorf("onChange called with flush_interval %v for unchanged or invalid content", c.Agent.FlushInterval)
	default:
	}
}

func TestRestartRequired(t *testing.T) {
	base := AgentConfig{
		Group:         "app",
		FlushInterval: 10 * time.Second,
		Facility:      "user",
		Store:         StoreConfig{Backend: "file"},
		Collector:     CollectorConfig{Host: "logs.example.com", Port: 514},
	}

	live := base
	live.FlushInterval = time.Second
	live.FlushThreshold = 5
	if got := restartRequired(base, live); len(got) != 0 {
		t.Errorf("flush-only change reported %v", got)
	}

	next := base
	next.Group = "other"
	next.Store.Compression = "zstd"
	next.Collector.TLS.Enabled = true
	next.MetricsAddr = ":9100"
	want := []string{"group", "store", "collector", "metrics_addr"}
	if got := restartRequired(base, next); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("restartRequired() = %v, want %v", got, want)
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
