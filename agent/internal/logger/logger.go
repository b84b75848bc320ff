package logger

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/obsidianstack/logship/agent/internal/event"
	"github.com/obsidianstack/logship/agent/internal/metrics"
	"github.com/obsidianstack/logship/agent/internal/output"
	"github.com/obsidianstack/logship/agent/internal/syslog"
)

// Version identifies this client in the default hostname field.
const Version = "0.1"

// Defaults applied when Options fields are zero.
const (
	DefaultGroup    = "."
	DefaultHostname = "logship;" + Version
)

// Structured data keys.
const (
	FieldToken   = "token"
	FieldDevice  = "device"
	FieldInstall = "install"
	FieldUser    = "uid"
)

// Options configures a Logger.
type Options struct {
	// Group is the store group records are emitted under.
	Group string

	// Token authenticates the client at the collector.
	Token string

	// AppName is written to the APP-NAME field, e.g. "com.example.app/1.2.0".
	AppName string

	// Hostname is written to the HOSTNAME field.
	Hostname string

	// Facility defaults to user. Applications never log as kern, so the
	// zero value is not honoured.
	Facility syslog.Facility

	// Identity defaults to a random per-process identifier.
	Identity IdentityProvider

	// Device defaults to HostDevice.
	Device DeviceInfo

	// Clock defaults to time.Now.
	Clock func() time.Time

	Format syslog.FormatOptions

	// Metrics counts emitted and dropped records. May be nil.
	Metrics *metrics.Registry
}

// Logger formats records and emits them to an Output. It is safe for
// concurrent use.
type Logger struct {
	out  output.Output
	opts Options

	mu  sync.RWMutex
	uid string
}

// New returns a Logger emitting to out.
func New(out output.Output, opts Options) *Logger {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Hostname == "" {
		opts.Hostname = DefaultHostname
	}
	if opts.Facility == syslog.FacilityKernel {
		opts.Facility = syslog.FacilityUser
	}
	if opts.Identity == nil {
		opts.Identity = NewRandomIdentity()
	}
	if opts.Device == nil {
		opts.Device = HostDevice{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Logger{out: out, opts: opts}
}

// SetUser attaches uid to subsequent records. An empty uid removes it.
func (l *Logger) SetUser(uid string) {
	l.mu.Lock()
	l.uid = uid
	l.mu.Unlock()
}

// Log formats msg at sev and emits it. It reports whether the record was
// handed to the output.
func (l *Logger) Log(sev syslog.Severity, msg string) bool {
	payload, err := l.format(sev, msg)
	if err != nil {
		slog.Warn("logger: record dropped", "severity", sev.String(), "err", err)
		l.opts.Metrics.Dropped(1)
		return false
	}
	l.out.Emit(event.New(l.opts.Group, payload))
	l.opts.Metrics.Emitted()
	return true
}

func (l *Logger) Emergency(msg string) bool { return l.Log(syslog.SeverityEmergency, msg) }
func (l *Logger) Alert(msg string) bool     { return l.Log(syslog.SeverityAlert, msg) }
func (l *Logger) Critical(msg string) bool  { return l.Log(syslog.SeverityCritical, msg) }
func (l *Logger) Error(msg string) bool     { return l.Log(syslog.SeverityError, msg) }
func (l *Logger) Warning(msg string) bool   { return l.Log(syslog.SeverityWarning, msg) }
func (l *Logger) Notice(msg string) bool    { return l.Log(syslog.SeverityNotice, msg) }
func (l *Logger) Info(msg string) bool      { return l.Log(syslog.SeverityInfo, msg) }
func (l *Logger) Debug(msg string) bool     { return l.Log(syslog.SeverityDebug, msg) }

func (l *Logger) format(sev syslog.Severity, msg string) ([]byte, error) {
	fields := map[string]string{
		FieldToken:   l.opts.Token,
		FieldDevice:  withoutSpaces(l.opts.Device.Model()),
		FieldInstall: l.opts.Identity.InstallID(),
	}
	l.mu.RLock()
	if l.uid != "" {
		fields[FieldUser] = l.uid
	}
	l.mu.RUnlock()

	return syslog.Format(syslog.Message{
		Severity:  sev,
		Facility:  l.opts.Facility,
		Timestamp: l.opts.Clock(),
		Hostname:  l.opts.Hostname,
		AppName:   l.opts.AppName,
		Fields:    fields,
		Body:      msg,
	}, l.opts.Format)
}

func withoutSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}
