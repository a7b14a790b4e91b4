package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/api"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/config"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/events"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/exchange"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/executor"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/fund"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/httpclient"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/lock"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/notifier"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/observability"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/recorder"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/scheduler"
)

func main() {
	boot := observability.NewLogger("main")

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		boot.Warn().Err(err).Msg("load .env")
	}

	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("config validation")
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}
	log := newLogger("main")
	th := cfg.ThresholdConfig()
	log.Info().
		Str("asset", th.Asset).
		Str("exchange", cfg.Exchange.Kind).
		Bool("futures", th.FuturesEnabled).
		Msg("rebalancer starting")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// Init exchange
	var ex exchange.Exchange
	switch cfg.Exchange.Kind {
	case config.ExchangePaper:
		ex = exchange.NewPaperExchange()
	default:
		ex = exchange.NewBinanceClient(
			cfg.Exchange.APIKey, cfg.Exchange.APISecret,
			cfg.Exchange.SpotBaseURL, cfg.Exchange.FuturesBaseURL,
			th.FuturesEnabled,
			httpclient.New(cfg.RequestTimeout(), cfg.Proxy),
		)
	}
	snapshots := exchange.NewSnapshotService(ex, cfg.RequestTimeout())
	log.Info().Str("exchange", ex.Name()).Msg("exchange ready")

	// Init lock manager
	var locks lock.Locker
	if cfg.Lock.RedisAddr != "" {
		rl, err := lock.NewRedisLocker(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.RedisDB(), th.LockTTL, cfg.Lock.RedisPrefix, newLogger("lock"))
		if err != nil {
			log.Fatal().Err(err).Msg("init redis lock")
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = rl.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Lock.RedisAddr).Msg("redis unreachable")
		}
		defer rl.Close()
		locks = rl
	} else {
		locks = lock.NewManager(th.LockTTL)
	}

	// Init recorder
	var rec recorder.Recorder
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath)
		if err != nil {
			log.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
			rec = recorder.NewNoopRecorder()
		} else {
			rec = sr
		}
	} else {
		rec = recorder.NewNoopRecorder()
	}

	// Init event publisher
	pub, err := newPublisher(ctx, cfg, newLogger("events"))
	if err != nil {
		log.Fatal().Err(err).Str("sink", cfg.Events.Sink).Msg("init event publisher")
	}

	exec := executor.New(executor.Deps{
		Exchange:  ex,
		Timeout:   cfg.RequestTimeout(),
		Recorder:  rec,
		Publisher: pub,
		Metrics:   metrics,
		Logger:    newLogger("executor"),
	})

	store, err := fund.NewSnapshotStore(cfg.StateFile)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.StateFile).Msg("load last snapshot failed, starting empty")
		store, _ = fund.NewSnapshotStore("")
	}

	gateway := fund.NewGateway(fund.Deps{
		Snapshots:      snapshots,
		Executor:       exec,
		Locks:          locks,
		LockWait:       cfg.RequestTimeout(),
		Store:          store,
		FuturesEnabled: th.FuturesEnabled,
		Metrics:        metrics,
		Logger:         newLogger("gateway"),
	})

	// Telegram is optional
	var tn *notifier.TelegramNotifier
	var alerts scheduler.Notifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, newLogger("telegram"))
		alerts = tn
	}

	// Init scheduler
	sched := scheduler.NewScheduler(ctx, scheduler.Deps{
		Config:    th,
		Snapshots: snapshots,
		Store:     store,
		Executor:  exec,
		Locks:     locks,
		Recorder:  rec,
		Notifier:  alerts,
		Metrics:   metrics,
		Logger:    newLogger("scheduler"),
	})
	if err := sched.Register(); err != nil {
		log.Fatal().Err(err).Msg("register cron tasks")
	}
	sched.Start()

	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Info().Msg("telegram polling started")
	}

	srv := api.NewServer(api.Deps{
		Addr:    cfg.HTTP.Addr,
		Gateway: gateway,
		Health:  health,
		Logger:  newLogger("http"),
	})
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	if cfg.RunOnStart {
		log.Info().Msg("RUN_ON_START enabled, running a pass now")
		go sched.RunNow()
	}

	health.SetReady(true)
	log.Info().Msg("rebalancer is running, press Ctrl+C to stop")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received, stopping")
	case err := <-srvErr:
		log.Error().Err(err).Msg("http server exited, stopping")
	}

	health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if !sched.Stop(cfg.ShutdownTimeout()) {
		log.Warn().Msg("in-flight pass abandoned")
	}
	cancel()

	if err := pub.Close(); err != nil {
		log.Error().Err(err).Msg("close event publisher")
	}
	if err := rec.Close(); err != nil {
		log.Error().Err(err).Msg("close recorder")
	}
	log.Info().Msg("rebalancer stopped")
}

func newPublisher(ctx context.Context, cfg *config.Config, log zerolog.Logger) (events.Publisher, error) {
	switch cfg.Events.Sink {
	case config.SinkKafka:
		brokers := events.ParseBrokers(cfg.Events.KafkaBrokers)
		topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := events.EnsureTopic(topicCtx, brokers, cfg.Events.KafkaTopic); err != nil {
			log.Warn().Err(err).Str("topic", cfg.Events.KafkaTopic).Msg("ensure kafka topic")
		}
		return events.NewKafkaPublisher(brokers, cfg.Events.KafkaTopic)
	case config.SinkNATS:
		return events.NewNATSPublisher(ctx, cfg.Events.NATSURL, cfg.Events.NATSSubject, log)
	default:
		return events.NewNoopPublisher(), nil
	}
}
