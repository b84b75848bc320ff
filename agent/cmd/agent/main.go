package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/obsidianstack/logship/agent/internal/config"
	"github.com/obsidianstack/logship/agent/internal/logger"
	"github.com/obsidianstack/logship/agent/internal/metrics"
	"github.com/obsidianstack/logship/agent/internal/output"
	"github.com/obsidianstack/logship/agent/internal/store"
	"github.com/obsidianstack/logship/agent/internal/syslog"
	"github.com/obsidianstack/logship/agent/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	flags := pflag.NewFlagSet("logship-agent", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to config file")
	group := flags.StringP("group", "g", "", "group to log under (overrides agent.group)")
	severity := flags.StringP("severity", "s", "info", "severity of lines read from stdin")
	flush := flags.Bool("flush", false, "deliver everything stored after stdin closes, then exit")
	stats := flags.Bool("stats", false, "print the counters of a running agent and exit")
	logLevel := flags.String("log-level", "info", "agent log level: debug|info|warn|error")
	_ = flags.Parse(os.Args[1:])

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	// Agent diagnostics go to stderr; stdin carries the records to ship.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if *stats {
		os.Exit(printStats(cfg.Agent.MetricsAddr))
	}

	sev, err := syslog.ParseSeverity(*severity)
	if err != nil {
		slog.Error("invalid --severity", "err", err)
		os.Exit(2)
	}
	if err := run(cfg, *configPath, *group, sev, *flush); err != nil {
		slog.Error("logship-agent failed", "err", err)
		os.Exit(1)
	}
}

// run starts the pipeline. group overrides the configured default group
// when set; cfg itself is left as loaded so reloads compare file to file.
func run(cfg *config.Config, configPath, group string, sev syslog.Severity, drain bool) error {
	a := cfg.Agent
	if group != "" {
		a.Group = group
	}
	slog.Info("logship-agent starting",
		"collector", a.Collector.Addr(),
		"tls", a.Collector.TLS.Enabled,
		"backend", a.Store.Backend,
		"group", a.Group,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.New()

	backend, err := openStore(a.Store)
	if err != nil {
		return err
	}
	queue := store.NewQueue(backend, store.QueueOptions{OnError: reg.StoreError})
	defer queue.Close()

	writer, err := transport.New(transport.Config{
		Host:         a.Collector.Host,
		Port:         a.Collector.Port,
		WriteTimeout: a.Collector.WriteTimeout,
		TLS: transport.TLSConfig{
			Enabled:            a.Collector.TLS.Enabled,
			ServerName:         a.Collector.TLS.ServerName,
			CAFile:             a.Collector.TLS.CAFile,
			InsecureSkipVerify: a.Collector.TLS.InsecureSkipVerify,
			CertFile:           a.Collector.TLS.CertFile,
			KeyFile:            a.Collector.TLS.KeyFile,
			PKCS12File:         a.Collector.TLS.PKCS12File,
			PKCS12Password:     a.Collector.TLS.PKCS12Password(),
		},
	})
	if err != nil {
		return err
	}
	defer writer.Close()

	out := output.NewBuffered(queue, writer, output.Options{
		FlushInterval:  a.FlushInterval,
		FlushThreshold: a.FlushThreshold,
		OnFlush:        reg.ObserveFlush,
	})

	identity := logger.IdentityProvider(logger.NewRandomIdentity())
	if a.InstallIDFile != "" {
		id, err := logger.FileIdentity(a.InstallIDFile)
		if err != nil {
			return err
		}
		identity = id
	}
	facility, _ := syslog.ParseFacility(a.Facility) // validated by config.Load
	log := logger.New(out, logger.Options{
		Group:    a.Group,
		Token:    a.Token(),
		AppName:  a.AppName,
		Facility: facility,
		Identity: identity,
		Format:   syslog.FormatOptions{MaxSize: int(a.Collector.MaxMessageSize)},
		Metrics:  reg,
	})

	if a.MetricsAddr != "" {
		srv := &http.Server{Addr: a.MetricsAddr, Handler: reg.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "addr", a.MetricsAddr, "err", err)
			}
		}()
		defer srv.Close()
		slog.Info("metrics endpoint listening", "addr", a.MetricsAddr)
	}

	go func() {
		if err := config.Watch(ctx, configPath, cfg, func(updated *config.Config) {
			out.Reconfigure(updated.Agent.FlushInterval, updated.Agent.FlushThreshold)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	out.Start()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	stdinOpen := true
	for stdinOpen {
		select {
		case <-ctx.Done():
			stdinOpen = false
		case line, ok := <-lines:
			if !ok {
				stdinOpen = false
				break
			}
			log.Log(sev, line)
		}
	}

	if drain && ctx.Err() == nil {
		slog.Info("stdin closed, draining store")
		drainCtx, drainCancel := context.WithTimeout(ctx, shutdownTimeout)
		err := out.Drain(drainCtx)
		drainCancel()
		if err != nil {
			slog.Warn("drain incomplete, events stay stored for the next run", "err", err)
		}
	} else if ctx.Err() == nil {
		<-ctx.Done()
	}

	slog.Info("logship-agent shutting down")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if err := out.Close(closeCtx); err != nil {
		slog.Warn("in-flight flushes did not finish", "err", err)
	}
	return nil
}

func openStore(c config.StoreConfig) (store.Store, error) {
	var s store.Store
	switch c.Backend {
	case "badger":
		s = store.NewBadgerStore(store.BadgerOptions{
			Directory:         c.Directory,
			MaxEventsPerGroup: c.MaxEventsPerGroup,
		})
	default:
		comp, err := store.ParseCompression(c.Compression)
		if err != nil {
			return nil, err
		}
		s = store.NewFileStore(store.FileOptions{
			Directory:         c.Directory,
			Compression:       comp,
			MaxEventsPerGroup: c.MaxEventsPerGroup,
		})
	}
	if err := s.Prepare(); err != nil {
		return nil, err
	}
	return s, nil
}

// readLines forwards scanner lines until EOF, then closes out.
func readLines(f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		out <- sc.Text()
	}
	if err := sc.Err(); err != nil {
		slog.Error("reading stdin", "err", err)
	}
}

func printStats(addr string) int {
	if addr == "" {
		slog.Error("agent.metrics_addr is not configured")
		return 2
	}
	snap, err := metrics.Fetch(context.Background(), addr)
	if err != nil {
		slog.Error("fetch stats", "addr", addr, "err", err)
		return 1
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-60s %g\n", k, snap[k])
	}
	return 0
}
