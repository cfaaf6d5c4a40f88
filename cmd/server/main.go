package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ptp/internal/api"
	"ptp/internal/audit"
	"ptp/internal/checkout"
	"ptp/internal/config"
	"ptp/internal/database"
	"ptp/internal/google"
	"ptp/internal/holds"
	"ptp/internal/metrics"
	"ptp/internal/notify"
	"ptp/internal/payments"
	"ptp/internal/pricing"
	"ptp/internal/slots"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("PTP_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	loc := cfg.Location()

	dsn := cfg.Database.Path
	if cfg.Database.Driver == string(database.DialectPostgres) {
		dsn = cfg.Database.DSN
	}
	db, err := database.Open(cfg.Database.Driver, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	} else if v, err := db.SchemaVersion(ctx); err != nil || v == 0 {
		logger.Fatal().Err(err).Msg("database is not migrated; run cmd/migrate first")
	}

	var rdb *redis.Client
	holdStore := holds.Store(holds.NewMemoryStore())
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		holdStore = holds.NewFailoverStore(holds.NewRedisStore(rdb), holdStore, &logger)
	}
	slotHolds := holds.New(holdStore, cfg.HoldTTL())

	gen := slots.NewGenerator(db, slots.Rules{
		MinSlotMinutes:     cfg.Availability.MinSlotMinutes,
		DefaultSlotMinutes: cfg.Availability.DefaultSlotMinutes,
		TodayBuffer:        cfg.TodayBuffer(),
		MaxAdvanceDays:     cfg.Availability.MaxAdvanceDays,
	}, loc)
	gen.UseHolds(slotHolds)
	if rdb != nil && cfg.SlotCacheTTL() > 0 {
		gen.UseRedisCache(rdb, cfg.SlotCacheTTL())
	}

	provider, err := newProvider(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("payment provider error")
	}

	channels, reports := newChannels(cfg, &logger)
	dispatcherCfg := notify.DefaultDispatcherConfig()
	dispatcherCfg.RatePerSecond = cfg.Notifications.RatePerSecond
	dispatcherCfg.Burst = cfg.Notifications.Burst
	dispatcherCfg.AdminChatIDs = cfg.Notifications.Telegram.AdminChatIDs
	dispatcher := notify.NewDispatcher(dispatcherCfg, &logger, channels...)

	settings, err := pricing.LoadSettings(cfg.Pricing.Path)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Pricing.Path).Msg("pricing file unavailable, using defaults")
		settings = pricing.DefaultSettings()
	}

	svc := checkout.NewService(db, provider, gen, dispatcher, settings, checkout.Options{
		Currency:             cfg.Payments.Currency,
		IntentTTL:            cfg.IntentTTL(),
		BundleTTL:            cfg.BundleTTL(),
		ReconcileMaxAttempts: cfg.Checkout.ReconcileMaxAttempts,
		ReconcileBackoff:     cfg.ReconcileBackoff(),
	}, &logger)
	svc.UseHolds(slotHolds)

	if err := config.WatchPricing(ctx, cfg.Pricing.Path, time.Duration(cfg.Pricing.ReloadSeconds)*time.Second, func(updated *pricing.Settings) {
		svc.UpdateSettings(updated)
		logger.Info().Time("reloaded_at", time.Now()).Msg("pricing settings reloaded")
	}); err != nil {
		logger.Error().Err(err).Msg("pricing watch failed")
	}

	if cfg.Sheets.Enabled {
		sheets, err := google.NewSheetsService(ctx, cfg.Sheets.CredentialsFile, cfg.Sheets.SpreadsheetID, cfg.Sheets.SheetName, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("sheets sync disabled")
		} else {
			svc.UseSheets(sheets)
		}
	}

	worker := checkout.NewWorker(svc, cfg.SweepInterval())
	worker.Start()
	defer worker.Stop()

	reminders := notify.NewReminders(notify.ReminderConfig{
		CheckInterval: time.Duration(cfg.Notifications.ReminderCheckMinutes) * time.Minute,
		HoursBefore:   cfg.Notifications.ReminderHoursBefore,
		Location:      loc,
	}, db, dispatcher, &logger)
	reminders.Start()
	defer reminders.Stop()

	if cfg.Audit.Enabled {
		var sender audit.ReportSender
		if reports != nil {
			sender = reports
		}
		auditSvc := audit.NewService(audit.Config{
			RetentionDays: cfg.Audit.RetentionDays,
			ExportOnStart: cfg.Audit.ExportOnStart,
			Location:      loc,
		}, db, db, nil, sender, db, &logger)
		auditSvc.Start()
		defer auditSvc.Stop()
	}

	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, database.BackupOptions{
			Dir:           cfg.Backup.Path,
			Interval:      time.Duration(cfg.Backup.IntervalHours) * time.Hour,
			RetentionDays: cfg.Backup.RetentionDays,
		}, &logger)
		go backups.Start(ctx)
	}

	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, db, rdb, &logger)
	if cfg.Monitoring.GRPCHealthPort > 0 {
		go startGRPCHealth(ctx, cfg.Monitoring.GRPCHealthPort, &logger)
	}
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	server := api.NewHTTPServer(api.Config{
		APIKey:    cfg.Auth.APIKey,
		JWTSecret: cfg.Auth.JWTSecret,
	}, api.Deps{
		Checkout:  svc,
		Slots:     gen,
		Schedule:  db,
		Holds:     slotHolds,
		Providers: []payments.Provider{provider},
	}, &logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Str("addr", cfg.Server.Addr).Str("provider", provider.Name()).Msg("PTP server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server error")
	}
	logger.Info().Msg("PTP server stopped")
}

func newProvider(cfg *config.Config) (payments.Provider, error) {
	switch cfg.Payments.Provider {
	case "", "stripe":
		if cfg.Payments.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("payments.stripe.secret_key is required")
		}
		return payments.NewStripe(cfg.Payments.Stripe.SecretKey, cfg.Payments.Stripe.WebhookSecret, nil), nil
	case "midtrans":
		if cfg.Payments.Midtrans.ServerKey == "" {
			return nil, fmt.Errorf("payments.midtrans.server_key is required")
		}
		return payments.NewMidtrans(cfg.Payments.Midtrans.ServerKey, cfg.Payments.Midtrans.Production), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Payments.Provider)
	}
}

// newChannels builds the configured delivery channels. Reports are only
// available with a Telegram bot.
func newChannels(cfg *config.Config, logger *zerolog.Logger) ([]notify.Channel, *notify.AdminReports) {
	var channels []notify.Channel
	var reports *notify.AdminReports

	if cfg.Notifications.Telegram.BotToken != "" {
		bot, err := notify.NewTelegramBot(cfg.Notifications.Telegram.BotToken)
		if err != nil {
			logger.Error().Err(err).Msg("telegram notifications disabled")
		} else {
			tg := notify.NewTelegramChannel(bot)
			channels = append(channels, tg)
			if len(cfg.Notifications.Telegram.AdminChatIDs) > 0 {
				reports = notify.NewAdminReports(tg, cfg.Notifications.Telegram.AdminChatIDs)
			}
		}
	}

	smtpCfg := cfg.Notifications.SMTP
	if smtpCfg.Host != "" {
		channels = append(channels, notify.NewEmailChannel(notify.SMTPConfig{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			From:     smtpCfg.From,
		}))
	}

	if len(channels) == 0 {
		logger.Warn().Msg("no notification channels configured")
	}
	return channels, reports
}

func startHealthServer(ctx context.Context, port int, db *database.DB, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startGRPCHealth(ctx context.Context, port int, logger *zerolog.Logger) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error().Err(err).Msg("grpc health listen error")
		return
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()
	if err := srv.Serve(lis); err != nil {
		logger.Error().Err(err).Msg("grpc health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
