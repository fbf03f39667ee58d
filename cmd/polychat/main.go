package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polychat/internal/config"
	"polychat/internal/conversation"
	"polychat/internal/crypto"
	"polychat/internal/httpapi"
	"polychat/internal/janitor"
	"polychat/internal/metrics"
	"polychat/internal/providers/catalog"
	"polychat/internal/queue"
	"polychat/internal/storage"
	"polychat/internal/telegram"
	"polychat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Bool("api", cfg.API.Token != "").
		Int64("admin_user_id", cfg.AdminUserID).
		Msg("starting polychat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat, err := catalog.Load(cfg.Chat.ProviderCatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load provider catalog")
	}

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	chats, err := conversation.New(conversation.Config{
		Store:              store,
		Secrets:            cryptoManager,
		Locker:             queue.NewConversationLock(rdb, cfg.Chat.LockTTL),
		Catalog:            cat,
		HTTPClient:         &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:         cfg.HTTP.MaxRetries,
		BackoffBase:        cfg.HTTP.BackoffBase,
		CacheTTL:           cfg.Chat.ProviderCacheTTL,
		DefaultTemperature: &cfg.Chat.DefaultTemperature,
		Logger:             log.Logger,
		Metrics:            m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize conversation service")
	}

	errCh := make(chan error, 4)
	var bot *gotgbot.Bot
	var updater *ext.Updater
	var webhookHandler http.HandlerFunc
	var webhookRoute string
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}

	if cfg.AppMode != config.ModeAPI {
		bot, err = gotgbot.NewBot(cfg.BotToken, nil)
		if err != nil {
			log.Fatal().Msg("failed to create telegram bot: " + sanitizeTelegramErr(err, cfg.BotToken))
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	limiter := queue.NewRateLimiter(rdb, queue.RateLimitConfig{Limit: cfg.Rate.Limit, Window: cfg.Rate.Window})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	runPolling := cfg.DevPolling && (cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll)
	runWebhook := !runPolling && (cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll)
	runIngress := runPolling || runWebhook
	if runIngress {
		allowedUserID := int64(0)
		if cfg.BotAccessMode == config.AccessModePrivate {
			allowedUserID = cfg.AdminUserID
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor: telegram.Processor{
				Dedupe:        queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
				Metrics:       m,
				Logger:        log.Logger,
				AllowedUserID: allowedUserID,
			},
		})
		service := telegram.NewService(telegram.Config{
			Chats:       chats,
			Queue:       jobQueue,
			RateLimiter: limiter,
			Redis:       rdb,
			Logger:      log.Logger,
			Metrics:     m,
			WizardTTL:   cfg.Redis.WizardTTL,
			AccessMode:  cfg.BotAccessMode,
		})
		service.Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
			UnhandledErrFunc: logTelegramErr,
		})

		if runPolling {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout: 50,
					RequestOpts: &gotgbot.RequestOpts{
						Timeout: 60 * time.Second,
					},
				},
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to start polling")
			}
			log.Info().Msg("polling mode started")
		} else {
			path := strings.Trim(cfg.Webhook.SecretPath, "/")
			if path == "" {
				path = "telegram"
			}
			if cfg.Webhook.PublicURL == "" {
				log.Fatal().Msg("WEBHOOK_URL is required in webhook mode")
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}

			webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
				DropPendingUpdates: false,
				SecretToken:        cfg.Webhook.SecretToken,
			}); err != nil {
				log.Fatal().Msg("failed to set telegram webhook: " + sanitizeTelegramErr(err, cfg.BotToken))
			}
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
			webhookRoute = "/" + path
			webhookHandler = updater.GetHandlerFunc("/")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if webhookHandler != nil && webhookRoute != "" {
		mux.HandleFunc(webhookRoute, webhookHandler)
	}
	if cfg.API.Token != "" {
		httpapi.New(httpapi.Config{
			Chats:   chats,
			Token:   cfg.API.Token,
			OwnerID: cfg.API.OwnerID,
			Limiter: limiter,
			Logger:  log.Logger.With().Str("component", "api").Logger(),
		}).Register(mux)
		log.Info().Int64("owner_id", cfg.API.OwnerID).Msg("http api enabled")
	}
	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Chats:         chats,
			Messenger:     worker.TelegramMessenger{Bot: bot},
			EditInterval:  cfg.Chat.StreamEditInterval,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	if cfg.AppMode != config.ModeWebhook {
		j := janitor.New(janitor.Config{
			Store:     store,
			Retention: cfg.Chat.Retention,
			Schedule:  cfg.Chat.RetentionSchedule,
			Logger:    log.Logger.With().Str("component", "janitor").Logger(),
			Metrics:   m,
		})
		if j.Enabled() {
			go func() {
				if err := j.Start(ctx); err != nil {
					errCh <- fmt.Errorf("janitor: %w", err)
				}
			}()
			log.Info().Dur("retention", cfg.Chat.Retention).Str("schedule", cfg.Chat.RetentionSchedule).Msg("janitor started")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr strips the bot token from errors that embed the request URL.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
