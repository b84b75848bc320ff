package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/obsidianstack/logship/agent/internal/output"
)

// Defaults applied when Config fields are zero.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ErrBackoff is reported when a write is refused because the last dial
// failed and the retry window has not elapsed.
var ErrBackoff = errors.New("transport: waiting to redial")

// Config describes the collector endpoint.
type Config struct {
	Host         string
	Port         int
	TLS          TLSConfig
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DialFunc opens a raw connection. Abstracted so tests can count or fail
// dials.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Syslog writes chunks to a syslog collector. It is safe for concurrent
// use; writes are serialised so the connection has a single writer.
type Syslog struct {
	cfg    Config
	tlsCfg *tls.Config
	dial   DialFunc
	now    func() time.Time

	mu      sync.Mutex
	conn    net.Conn
	redial  redialWindow
	lastErr error
}

// New validates cfg and loads any TLS material.
func New(cfg Config) (*Syslog, error) {
	if cfg.Host == "" {
		return nil, errors.New("transport: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("transport: invalid port %d", cfg.Port)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	nd := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Syslog{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		dial:   nd.DialContext,
		now:    time.Now,
		redial: newRedialWindow(),
	}, nil
}

var _ output.Writer = (*Syslog)(nil)

// Write sends every event in c and reports the outcome through done.
func (s *Syslog) Write(ctx context.Context, c output.Chunk, done func(ok bool)) {
	err := s.send(ctx, c)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		if errors.Is(err, ErrBackoff) {
			slog.Debug("transport: chunk deferred", "group", c.Group, "err", err)
		} else {
			slog.Warn("transport: chunk failed", "group", c.Group, "events", c.Len(), "err", err)
		}
		done(false)
		return
	}
	done(true)
}

// LastError returns the most recent failure, or nil.
func (s *Syslog) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close drops the connection. A later Write reconnects.
func (s *Syslog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

func (s *Syslog) send(ctx context.Context, c output.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connLocked(ctx)
	if err != nil {
		return err
	}

	for i, e := range c.Events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transport: cancelled after %d of %d events: %w", i, c.Len(), err)
		}
		if err := conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout)); err != nil {
			s.dropLocked()
			return fmt.Errorf("transport: set deadline: %w", err)
		}
		if _, err := conn.Write(e.Payload); err != nil {
			s.dropLocked()
			return fmt.Errorf("transport: write event %d of %d: %w", i+1, c.Len(), err)
		}
	}
	s.lastErr = nil
	return nil
}

// connLocked returns the live connection, dialing if needed.
func (s *Syslog) connLocked(ctx context.Context) (net.Conn, error) {
	if s.conn != nil {
		if alive(s.conn) {
			return s.conn, nil
		}
		slog.Info("transport: collector closed connection", "addr", s.cfg.Addr())
		s.dropLocked()
	}

	if err := s.redial.check(s.now()); err != nil {
		return nil, err
	}

	conn, err := s.dialLocked(ctx)
	if err != nil {
		err = fmt.Errorf("transport: dial %s: %w", s.cfg.Addr(), err)
		wait := s.redial.failed(s.now(), err)
		slog.Error("transport: dial failed, will retry",
			"addr", s.cfg.Addr(), "err", err, "retry_in", wait)
		return nil, err
	}

	s.redial.succeeded()
	s.conn = conn
	slog.Info("transport: connected", "addr", s.cfg.Addr(), "tls", s.tlsCfg != nil)
	return conn, nil
}

func (s *Syslog) dialLocked(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	raw, err := s.dial(dialCtx, "tcp", s.cfg.Addr())
	if err != nil {
		return nil, err
	}
	if s.tlsCfg == nil {
		return raw, nil
	}

	if s.tlsCfg.InsecureSkipVerify {
		slog.Warn("transport: TLS certificate verification disabled", "addr", s.cfg.Addr())
	}
	conn := tls.Client(raw, s.tlsCfg.Clone())
	if err := conn.HandshakeContext(dialCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return conn, nil
}

func (s *Syslog) dropLocked() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// alive checks conn with a 1ms read. A timeout means the connection is
// still open and EOF or a reset means the peer went away. Syslog over TCP
// is one-way, so a byte that does arrive is read and discarded.
func alive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	n, err := conn.Read(buf[:])
	if n > 0 {
		slog.Debug("transport: discarded unexpected byte from collector", "byte", buf[0])
	}
	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if !errors.Is(err, io.EOF) {
		slog.Debug("transport: liveness check failed", "err", err)
	}
	return false
}
