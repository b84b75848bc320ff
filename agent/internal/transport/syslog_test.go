package transport

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obsidianstack/logship/agent/internal/event"
	"github.com/obsidianstack/logship/agent/internal/output"
)

// collector is an in-process TCP syslog receiver.
type collector struct {
	lis     net.Listener
	lines   chan string
	accepts atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func startCollector(t *testing.T, tlsCfg *tls.Config) *collector {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if tlsCfg != nil {
		lis = tls.NewListener(lis, tlsCfg)
	}
	c := &collector{lis: lis, lines: make(chan string, 100)}
	go c.serve()
	t.Cleanup(func() {
		lis.Close()
		c.dropAll()
	})
	return c
}

func (c *collector) serve() {
	for {
		conn, err := c.lis.Accept()
		if err != nil {
			return
		}
		c.accepts.Add(1)
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		go func() {
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				c.lines <- sc.Text()
			}
		}()
	}
}

// dropAll closes every accepted connection, as a restarting collector would.
func (c *collector) dropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
}

func (c *collector) port(t *testing.T) int {
	t.Helper()
	_, p, err := net.SplitHostPort(c.lis.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	n, _ := strconv.Atoi(p)
	return n
}

func (c *collector) expectLines(t *testing.T, want ...string) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-c.lines:
			if got != w {
				t.Errorf("line %d = %q, want %q", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for line %d (%q)", i, w)
		}
	}
}

func chunkOf(lines ...string) output.Chunk {
	c := output.Chunk{Group: "g"}
	for _, l := range lines {
		c.Events = append(c.Events, event.New("g", []byte(l+"\n")))
	}
	return c
}

func write(t *testing.T, s *Syslog, c output.Chunk) bool {
	t.Helper()
	result := make(chan bool, 2)
	s.Write(context.Background(), c, func(ok bool) { result <- ok })
	select {
	case ok := <-result:
		if len(result) != 0 {
			t.Fatal("done called more than once")
		}
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("done never called")
		return false
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Port: 514}); err == nil {
		t.Error("expected error for missing host")
	}
	if _, err := New(Config{Host: "localhost", Port: 70000}); err == nil {
		t.Error("expected error for bad port")
	}
	if _, err := New(Config{Host: "localhost", Port: 514, TLS: TLSConfig{Enabled: true, CAFile: "/does/not/exist"}}); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestSyslog_WritesChunkAndReusesConnection(t *testing.T) {
	col := startCollector(t, nil)
	s, err := New(Config{Host: "127.0.0.1", Port: col.port(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !write(t, s, chunkOf("one", "two", "three")) {
		t.Fatalf("first chunk failed: %v", s.LastError())
	}
	col.expectLines(t, "one", "two", "three")

	if !write(t, s, chunkOf("four")) {
		t.Fatalf("second chunk failed: %v", s.LastError())
	}
	col.expectLines(t, "four")

	if n := col.accepts.Load(); n != 1 {
		t.Errorf("collector accepted %d connections, want 1", n)
	}
}

func TestSyslog_ReconnectsAfterCollectorDropsConnection(t *testing.T) {
	col := startCollector(t, nil)
	s, err := New(Config{Host: "127.0.0.1", Port: col.port(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !write(t, s, chunkOf("before")) {
		t.Fatal(s.LastError())
	}
	col.expectLines(t, "before")

	col.dropAll()
	time.Sleep(50 * time.Millisecond)

	if !write(t, s, chunkOf("after")) {
		t.Fatalf("write after drop failed: %v", s.LastError())
	}
	col.expectLines(t, "after")
	if n := col.accepts.Load(); n != 2 {
		t.Errorf("accepts = %d, want 2", n)
	}
}

func TestSyslog_DialFailureBacksOff(t *testing.T) {
	s, err := New(Config{Host: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatal(err)
	}
	var dials atomic.Int32
	s.dial = func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if write(t, s, chunkOf("x")) {
		t.Fatal("write succeeded without a collector")
	}
	if write(t, s, chunkOf("x")) {
		t.Fatal("write succeeded during backoff")
	}
	if !errors.Is(s.LastError(), ErrBackoff) {
		t.Errorf("LastError = %v, want ErrBackoff", s.LastError())
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1 while backing off", n)
	}

	clock = clock.Add(redialMax * 2)
	write(t, s, chunkOf("x"))
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 after the window", n)
	}
}

func TestSyslog_WriteErrorFailsChunk(t *testing.T) {
	s, err := New(Config{Host: "127.0.0.1", Port: 1, WriteTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	client, server := net.Pipe()
	server.Close()
	s.dial = func(context.Context, string, string) (net.Conn, error) { return client, nil }

	if write(t, s, chunkOf("lost")) {
		t.Fatal("write to closed pipe reported success")
	}
}

func TestSyslog_StalledCollectorTimesOutAndRedials(t *testing.T) {
	s, err := New(Config{Host: "127.0.0.1", Port: 1, WriteTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	// The server ends are never read, so every Write blocks until its
	// deadline.
	var (
		mu      sync.Mutex
		servers []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range servers {
			c.Close()
		}
	})
	s.dial = func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		mu.Lock()
		servers = append(servers, server)
		mu.Unlock()
		return client, nil
	}

	start := time.Now()
	if write(t, s, chunkOf("stuck")) {
		t.Fatal("write to a stalled collector reported success")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("write took %v, want about the 50ms write timeout", elapsed)
	}
	if !errors.Is(s.LastError(), os.ErrDeadlineExceeded) {
		t.Errorf("LastError = %v, want a deadline error", s.LastError())
	}

	write(t, s, chunkOf("again"))
	mu.Lock()
	dials := len(servers)
	mu.Unlock()
	if dials != 2 {
		t.Errorf("dials = %d, want 2: the timed-out connection must be replaced", dials)
	}
}

func TestSyslog_CancelledContextFailsChunk(t *testing.T) {
	col := startCollector(t, nil)
	s, err := New(Config{Host: "127.0.0.1", Port: col.port(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := make(chan bool, 1)
	s.Write(ctx, chunkOf("a"), func(ok bool) { result <- ok })
	if <-result {
		t.Error("cancelled write reported success")
	}
}

// --- TLS ---

type pki struct {
	caFile, certFile, keyFile string
	serverCfg                 *tls.Config
	clientCAs                 *x509.CertPool
}

func newPKI(t *testing.T) pki {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	issue := func(name string, usage x509.ExtKeyUsage, serial int64) (tls.Certificate, []byte, []byte) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		if err != nil {
			t.Fatal(err)
		}
		keyDER, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatal(err)
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			t.Fatal(err)
		}
		return pair, certPEM, keyPEM
	}

	serverPair, _, _ := issue("collector", x509.ExtKeyUsageServerAuth, 2)
	_, clientCert, clientKey := issue("client", x509.ExtKeyUsageClientAuth, 3)

	p := pki{
		caFile:   filepath.Join(dir, "ca.pem"),
		certFile: filepath.Join(dir, "client.pem"),
		keyFile:  filepath.Join(dir, "client-key.pem"),
	}
	mustWrite := func(path string, data []byte) {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite(p.caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}))
	mustWrite(p.certFile, clientCert)
	mustWrite(p.keyFile, clientKey)

	p.clientCAs = x509.NewCertPool()
	p.clientCAs.AddCert(caCert)
	p.serverCfg = &tls.Config{Certificates: []tls.Certificate{serverPair}, MinVersion: tls.VersionTLS12}
	return p
}

func TestSyslog_TLS(t *testing.T) {
	p := newPKI(t)

	tests := []struct {
		name   string
		tls    TLSConfig
		mutual bool
		wantOK bool
	}{
		{"trusted ca", TLSConfig{Enabled: true, CAFile: p.caFile}, false, true},
		{"unknown ca rejected", TLSConfig{Enabled: true}, false, false},
		{"explicit insecure", TLSConfig{Enabled: true, InsecureSkipVerify: true}, false, true},
		{"mutual tls", TLSConfig{Enabled: true, CAFile: p.caFile, CertFile: p.certFile, KeyFile: p.keyFile}, true, true},
		{"mutual tls without client cert", TLSConfig{Enabled: true, CAFile: p.caFile}, true, false},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			serverCfg := p.serverCfg.Clone()
			if tc.mutual {
				serverCfg.ClientAuth = tls.RequireAndVerifyClientCert
				serverCfg.ClientCAs = p.clientCAs
			}
			col := startCollector(t, serverCfg)
			s, err := New(Config{Host: "127.0.0.1", Port: col.port(t), TLS: tc.tls})
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			line := fmt.Sprintf("secure-%d", i)
			ok := write(t, s, chunkOf(line))
			if ok && tc.mutual {
				// With TLS 1.3 the client learns about a rejected
				// certificate only on its next read; confirm delivery.
				select {
				case got := <-col.lines:
					if got != line {
						t.Errorf("got %q", got)
					}
				case <-time.After(time.Second):
					ok = false
				}
			} else if ok {
				col.expectLines(t, line)
			}
			if ok != tc.wantOK {
				t.Errorf("delivered = %v, want %v (last error: %v)", ok, tc.wantOK, s.LastError())
			}
		})
	}
}

func TestLoadClientIdentity(t *testing.T) {
	p := newPKI(t)

	if _, ok, err := loadClientIdentity(TLSConfig{}); ok || err != nil {
		t.Errorf("no identity configured: ok=%v err=%v", ok, err)
	}
	cert, ok, err := loadClientIdentity(TLSConfig{CertFile: p.certFile, KeyFile: p.keyFile})
	if err != nil || !ok || len(cert.Certificate) == 0 {
		t.Errorf("PEM identity: ok=%v err=%v", ok, err)
	}

	garbage := filepath.Join(t.TempDir(), "id.p12")
	if err := os.WriteFile(garbage, []byte("not a bundle"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadClientIdentity(TLSConfig{PKCS12File: garbage}); err == nil {
		t.Error("expected error for invalid pkcs12 bundle")
	}
	if _, _, err := loadClientIdentity(TLSConfig{PKCS12File: filepath.Join(t.TempDir(), "missing.p12")}); err == nil {
		t.Error("expected error for missing pkcs12 bundle")
	}
}

// --- redial window ---

func TestRedialWindow_DoublesUpToMaxAndResets(t *testing.T) {
	w := newRedialWindow()
	w.jitter = func() float64 { return 0.5 } // no jitter
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cause := errors.New("connection refused")

	if err := w.check(now); err != nil {
		t.Fatalf("fresh window closed: %v", err)
	}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, secs := range want {
		if got := w.failed(now, cause); got != secs*time.Second {
			t.Errorf("failure %d: wait = %v, want %v", i+1, got, secs*time.Second)
		}
	}

	err := w.check(now.Add(59 * time.Second))
	if !errors.Is(err, ErrBackoff) {
		t.Fatalf("check inside window = %v, want ErrBackoff", err)
	}
	if !strings.Contains(err.Error(), cause.Error()) {
		t.Errorf("check error %q does not name the dial failure", err)
	}
	if err := w.check(now.Add(redialMax)); err != nil {
		t.Errorf("window still closed at its end: %v", err)
	}

	w.succeeded()
	if err := w.check(now); err != nil {
		t.Errorf("window closed after success: %v", err)
	}
	if got := w.failed(now, cause); got != redialInitial {
		t.Errorf("wait after success = %v, want %v", got, redialInitial)
	}
}

func TestRedialWindow_JitterBounds(t *testing.T) {
	for _, j := range []float64{0, 0.999999} {
		w := newRedialWindow()
		w.jitter = func() float64 { return j }
		now := time.Now()
		first := w.failed(now, errors.New("refused"))
		if first < redialInitial*3/4 || first > redialInitial*5/4 {
			t.Errorf("jitter %v: first wait %v outside ±25%% of %v", j, first, redialInitial)
		}
		for i := 0; i < 20; i++ {
			if d := w.failed(now, errors.New("refused")); d > redialMax {
				t.Errorf("jitter %v: wait %v exceeds %v", j, d, redialMax)
			}
		}
	}
}
