package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/elm327-dash/internal/acquire"
	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/logger"
	"github.com/shaunagostinho/elm327-dash/internal/obd"
	"github.com/shaunagostinho/elm327-dash/internal/proxy"
	"github.com/shaunagostinho/elm327-dash/internal/publish"
	"github.com/shaunagostinho/elm327-dash/internal/server"
	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	simulate := flag.Bool("simulate", false, "Serve simulated telemetry instead of polling an adapter")
	listenAddr := flag.String("listen", "", "Override HTTP listen address (e.g. :8080)")
	flag.Parse()

	if err := run(*configPath, *simulate, *listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "elmdash: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, simulate bool, listenAddr string) error {
	log, err := logger.New(os.Getenv("LOG_FORMAT"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := server.LoadConfig(configPath, log.Named("config"))
	if err != nil {
		return err
	}
	if simulate {
		cfg.Poll.Simulate = true
	}
	if listenAddr != "" {
		if err := cfg.SetListen(listenAddr); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", cfg.Path(), err)
	}

	// The format may come from the file rather than the environment.
	if cfg.Logging.Format != os.Getenv("LOG_FORMAT") {
		if log, err = logger.New(cfg.Logging.Format); err != nil {
			return err
		}
	}
	if err := log.SetLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	log.Infof("elmdash starting (config %s)", cfg.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := snapshot.NewStore(snapshot.Snapshot{
		Adapter: cfg.AdapterIdentity(),
		Metrics: snapshot.AllAbsent(obd.IDs()),
	})

	sessionCfg := cfg.SessionConfig()
	sessionLog := log.Named("elm327")
	open := func(ctx context.Context) (acquire.Session, error) {
		s, err := elm327.Open(ctx, sessionCfg, sessionLog)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	loop := acquire.New(cfg.LoopConfig(), open, store, log.Named("acquire"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return server.New(cfg, store, log.Named("server")).Run(ctx) })
	if cfg.Proxy.Enabled {
		g.Go(func() error {
			return proxy.New(loop, log.Named("proxy")).ListenAndServe(ctx, cfg.Proxy.Listen)
		})
	}
	if cfg.MQTT.Enabled {
		g.Go(func() error {
			return publish.New(cfg.PublishConfig(), store, log.Named("mqtt")).Run(ctx)
		})
	}

	err = g.Wait()
	log.Info("elmdash stopped")
	return err
}
