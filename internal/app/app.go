package app

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-sentry/internal/alerting"
	"market-sentry/internal/config"
	"market-sentry/internal/detector"
	"market-sentry/internal/dispatcher"
	"market-sentry/internal/highcache"
	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
	"market-sentry/internal/pushconfig"
	"market-sentry/internal/ranking"
	"market-sentry/internal/service"
	"market-sentry/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newBinance() *market.Binance {
	return market.NewBinance(market.BinanceOptions{
		APIKey:         a.Config.Binance.APIKey,
		APISecret:      a.Config.Binance.APISecret,
		BaseURL:        a.Config.Binance.BaseURL,
		QuoteAsset:     a.Config.Binance.QuoteAsset,
		RequestTimeout: a.Config.Binance.RequestTimeout,
		SymbolCacheTTL: a.Config.Collector.SymbolRefreshInterval,
	}, a.Logger)
}

func (a *App) newDeliverer() alerting.Deliverer {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return alerting.NewTelegramDeliverer(cfg.BotToken, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogDeliverer(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service: collector, high cache,
// and dispatcher under one signal-scoped context.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; running without persistence")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var snapStore ledger.SnapshotStore
	var highStore highcache.HighStore
	var repo pushconfig.Repository = pushconfig.NewMemoryRepository()
	if store != nil {
		snapStore = store
		highStore = store
		repo = store
	}

	priceLedger := ledger.New(ledger.Options{
		Retention:  a.Config.Ledger.Retention,
		GCInterval: a.Config.Ledger.GCInterval,
	}, snapStore, a.Logger)
	oiLedger := ledger.New(ledger.Options{
		Retention:  a.Config.Ledger.Retention,
		GCInterval: a.Config.Ledger.GCInterval,
	}, nil, a.Logger)

	if store != nil {
		retained, err := store.ListAllSnapshots(ctx, market.GranularityPrice)
		if err != nil {
			return err
		}
		priceLedger.Seed(retained)
		a.Logger.Info().Int("snapshots", len(retained)).Msg("retained price history loaded")
	}

	cache := highcache.New(highcache.Options{
		CheckpointInterval: a.Config.Ledger.CheckpointInterval,
	}, highStore, a.Logger)
	if err := cache.Initialize(ctx, func(fn func(market.PriceSnapshot)) {
		priceLedger.Replay(market.GranularityPrice, fn)
	}); err != nil {
		return err
	}

	det := detector.New(cache, a.Logger)
	cfgStore := pushconfig.NewStore(repo)
	rankings := ranking.New(priceLedger, ranking.Options{Granularity: market.GranularityPrice}, a.Logger)

	disp := dispatcher.New(dispatcher.Options{
		TopN:             a.Config.Push.TopN,
		OITopN:           a.Config.Push.OITopN,
		Cooldown:         a.Config.Push.Cooldown,
		ScheduleInterval: a.Config.Push.ScheduleInterval,
		TriggerCadences: map[market.Timeframe]time.Duration{
			market.Timeframe1h:  a.Config.Push.Trigger1h,
			market.Timeframe4h:  a.Config.Push.Trigger4h,
			market.Timeframe24h: a.Config.Push.Trigger24h,
		},
		OICadences: map[market.Timeframe]time.Duration{
			market.Timeframe1h:  a.Config.Push.Trigger1h,
			market.Timeframe4h:  a.Config.Push.Trigger4h,
			market.Timeframe24h: a.Config.Push.Trigger24h,
		},
	}, rankings, oiLedger, cfgStore, a.newDeliverer(), a.Logger)

	binance := a.newBinance()
	collector := service.NewCollector(service.Options{
		PriceInterval:         a.Config.Collector.PriceInterval,
		OpenInterestInterval:  a.Config.Collector.OpenInterestInterval,
		SymbolRefreshInterval: a.Config.Collector.SymbolRefreshInterval,
		FetchConcurrency:      a.Config.Collector.FetchConcurrency,
	}, binance, binance, binance, priceLedger, oiLedger, det, disp, a.Logger)

	priceLedger.StartGC(ctx)
	oiLedger.StartGC(ctx)
	cache.StartCheckpoint(ctx)
	disp.Start(ctx)
	collector.Start(ctx)

	a.Logger.Info().Msg("market sentry started")
	<-ctx.Done()
	a.Logger.Info().Msg("shutting down")

	collector.Stop()
	disp.Stop()
	priceLedger.StopGC()
	oiLedger.StopGC()
	cache.Stop()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := cache.Flush(flushCtx); err != nil {
		a.Logger.Error().Err(err).Msg("final high cache flush failed")
	}

	a.Logger.Info().Msg("market sentry stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Timeframe string
	Limit     int
}

// ExportOptions hold parameters for exporting retained price history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	MaxPoints int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From    time.Time
	To      time.Time
	Symbols []string
	DryRun  bool
}
