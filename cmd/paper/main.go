// Command paper runs the supervisor against the simulated broker: same
// manager, API, and jobs, but orders fill in-process and SPX market data is a
// synthetic random walk. No gateway required.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kestrade/orbweaver/internal/api"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/config"
	"github.com/kestrade/orbweaver/internal/jobs"
	"github.com/kestrade/orbweaver/internal/manager"
	"github.com/kestrade/orbweaver/internal/mock"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/tradedb"
	"github.com/kestrade/orbweaver/internal/util"
)

const (
	spxStart   = 5000.0
	tickEvery  = time.Second
	spxSpread  = 0.50
	commission = 0.65
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "paper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.yaml (default $CONFIG_PATH, then config.yaml)")
	flag.Parse()

	_ = godotenv.Load()

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
	cache := bus.NewCache()
	brk := mock.New(mock.Options{
		AccountID:             cfg.Broker.AccountID,
		CommissionPerContract: commission,
	}, clk, cache, logger)
	brk.AddInstrument(&models.Instrument{
		ID: "SPX", Class: models.AssetIndex, TickSize: 0.01, QtyStep: 1, Multiplier: 100,
	})

	mgr := manager.New(manager.Deps{
		Clock:  clk,
		Client: brk,
		Cache:  cache,
		Store:  store,
		Trades: trades,
		Bus:    b,
		Search: optsearch.New(clk, brk, cache, logger),
		Logger: logger,
	}, manager.Options{StartSettle: cfg.StartSettle()})

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

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

	logger.Infof("paper supervisor starting on %s (simulated fills, synthetic SPX)", cfg.API.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		feedSPX(ctx, brk, cache, clk)
		return nil
	})

	err = g.Wait()
	mgr.Shutdown()
	logger.Info("paper supervisor stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// quoteOptions marks every known option off the index: intrinsic value plus a
// flat time premium. Crude, but enough for searches and fills to work.
func quoteOptions(brk *mock.Broker, cache *bus.Cache, spx float64, now time.Time) {
	for _, in := range cache.Instruments() {
		if !in.IsOption() {
			continue
		}
		intrinsic := spx - in.Strike
		if in.Right == models.Put {
			intrinsic = in.Strike - spx
		}
		if intrinsic < 0 {
			intrinsic = 0
		}
		mid := util.RoundToTick(intrinsic+2.0, in.TickSize)
		brk.PushQuote(models.Quote{
			InstrumentID: in.ID,
			Bid:          mid - 0.05,
			Ask:          mid + 0.05,
			BidSize:      50,
			AskSize:      50,
			Ts:           now,
		})
	}
}

// feedSPX drives a random walk on the index: a quote every second and a
// 1-minute bar at each minute boundary.
func feedSPX(ctx context.Context, brk *mock.Broker, cache *bus.Cache, clk clock.Service) {
	price := spxStart
	bar := models.Bar{
		InstrumentID: "SPX", Interval: time.Minute,
		Open: price, High: price, Low: price, Close: price,
	}
	tick := time.NewTicker(tickEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			price += (rand.Float64() - 0.5) * 2.0
			now := clk.Now()
			brk.PushQuote(models.Quote{
				InstrumentID: "SPX",
				Bid:          price - spxSpread/2,
				Ask:          price + spxSpread/2,
				BidSize:      100,
				AskSize:      100,
				Ts:           now,
			})

			bar.Close = price
			if price > bar.High {
				bar.High = price
			}
			if price < bar.Low {
				bar.Low = price
			}
			bar.Volume += 1
			quoteOptions(brk, cache, price, now)
			if now.Second() == 0 {
				bar.Ts = now
				brk.PushBar(bar)
				bar = models.Bar{
					InstrumentID: "SPX", Interval: time.Minute,
					Open: price, High: price, Low: price, Close: price,
				}
			}
		}
	}
}

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
