// Command supervisor runs the live trading process: gateway session, strategy
// manager, REST/WebSocket surface, maintenance jobs, and the log shipper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kestrade/orbweaver/internal/api"
	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/broker/ibgw"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/config"
	"github.com/kestrade/orbweaver/internal/jobs"
	"github.com/kestrade/orbweaver/internal/logship"
	"github.com/kestrade/orbweaver/internal/manager"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/strategy"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.yaml (default $CONFIG_PATH, then config.yaml)")
	flag.Parse()

	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logFile, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Warnf("exchange timezone unavailable, using UTC: %v", err)
		loc = time.UTC
	}
	clk := clock.New(loc, logger)
	defer clk.CancelAll()

	store, err := storage.New(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	trades, err := tradedb.Open(cfg.Storage.TradeDB, logger)
	if err != nil {
		return err
	}
	defer trades.Close()

	b := bus.New(logger)
	var mirror *bus.Mirror
	if cfg.Bus.URL != "" {
		mirror, err = bus.NewMirror(cfg.Bus.URL, logger)
		if err != nil {
			return fmt.Errorf("redis mirror: %w", err)
		}
		b.AttachMirror(mirror)
	}

	var sink logship.Sink
	if cfg.Logging.SinkURL != "" {
		sink = logship.NewHTTPSink(cfg.Logging.SinkURL)
	}
	shipper := logship.New(sink, logger, logship.Options{})
	if shipper.Enabled() {
		logger.AddHook(shipper.Hook())
	}

	cache := bus.NewCache()
	adapter := ibgw.New(ibgw.Config{
		Host:          cfg.Broker.Host,
		Port:          cfg.Broker.Port,
		Stabilization: cfg.Stabilization(),
	}, cache, logger)
	client := broker.NewResilientClient(adapter, logger)

	mgr := manager.New(manager.Deps{
		Clock:  clk,
		Client: client,
		Cache:  cache,
		Store:  store,
		Trades: trades,
		Bus:    b,
		Search: optsearch.New(clk, client, cache, logger),
		Logger: logger,
	}, manager.Options{StartSettle: cfg.StartSettle()})

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	applyMacroCalendar(mgr, cfg.MacroEventDates, logger)

	srv := api.NewServer(api.Config{
		Addr:     cfg.API.Addr,
		User:     cfg.API.User,
		Password: cfg.API.Password,
		LogPath:  cfg.Logging.File,
	}, mgr, trades, b, logger)

	sched, err := jobs.New(trades, mgr, b, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	logger.Infof("supervisor starting: account %s, gateway %s:%d",
		cfg.Broker.AccountID, cfg.Broker.Host, cfg.Broker.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.Run(ctx) })
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		shipper.Run(ctx)
		return nil
	})
	if mirror != nil {
		g.Go(func() error {
			mirror.Run(ctx)
			return nil
		})
	}

	err = g.Wait()
	mgr.Shutdown()
	logger.Info("supervisor stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildLogger writes to stderr and the log file that /ws/logs replays.
func buildLogger(cfg *config.Config) (*logrus.Logger, *os.File, error) {
	if dir := filepath.Dir(cfg.Logging.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return logger, f, nil
}

// applyMacroCalendar merges the environment's macro-event dates into every
// 1DTE strategy's entry-block calendar.
func applyMacroCalendar(mgr *manager.Manager, dates []string, logger *logrus.Logger) {
	if len(dates) == 0 {
		return
	}
	for _, st := range mgr.GetAllStrategiesStatus() {
		if st.Config.Type != strategy.TypeSPX1DTE {
			continue
		}
		merged := mergeDates(st.Config.ParamStrings("macro_event_dates"), dates)
		if _, err := mgr.UpdateStrategyConfig(st.ID, map[string]any{"macro_event_dates": merged}); err != nil {
			logger.Warnf("macro calendar for %s: %v", st.ID, err)
		}
	}
}

func mergeDates(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	var out []string
	for _, d := range append(append([]string(nil), existing...), extra...) {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
