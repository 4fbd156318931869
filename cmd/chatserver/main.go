package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/api"
	"github.com/whisper/match-chat/internal/auth"
	"github.com/whisper/match-chat/internal/ban"
	"github.com/whisper/match-chat/internal/blocklist"
	"github.com/whisper/match-chat/internal/chat"
	"github.com/whisper/match-chat/internal/config"
	"github.com/whisper/match-chat/internal/db"
	"github.com/whisper/match-chat/internal/hub"
	"github.com/whisper/match-chat/internal/logging"
	"github.com/whisper/match-chat/internal/matching"
	"github.com/whisper/match-chat/internal/messaging"
	"github.com/whisper/match-chat/internal/moderation"
	"github.com/whisper/match-chat/internal/presence"
	"github.com/whisper/match-chat/internal/ratelimit"
	"github.com/whisper/match-chat/internal/report"
	"github.com/whisper/match-chat/internal/safety"
	"github.com/whisper/match-chat/internal/session"
	"github.com/whisper/match-chat/internal/window"
	"github.com/whisper/match-chat/internal/ws"
)

// janitorInterval is how often in-memory sliding windows are swept.
const janitorInterval = time.Minute

func main() {
	cfg := config.Load()

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logCfg.File = cfg.LogFile
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("chat server failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	for _, w := range cfg.Warnings {
		log.Warn("config", zap.String("warning", w))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info("match chat server starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("server_name", cfg.ServerName),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Bool("database", cfg.DatabaseURL != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Durable store ---
	var (
		repo    chat.Repository = chat.NewMemoryRepository()
		reports api.ReportLog
		sqlDB   *sql.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		sqlDB, err = db.Open(ctx, db.DefaultConfig(cfg.DatabaseURL))
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		if cfg.RunMigrations {
			if err := db.RunMigrations(sqlDB); err != nil {
				return err
			}
			log.Info("migrations applied")
		}
		repo = chat.NewPostgresRepository(sqlDB)
		reports = report.NewStore(sqlDB)
	} else {
		log.Warn("DATABASE_URL not set, messages are kept in memory")
	}

	// --- Redis: bans, sessions, connect limiter ---
	var (
		bans     banService
		sessions hub.Sessions
		limiter  ws.ConnectLimiter
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		store := session.NewStore(client, cfg.ServerName)
		defer store.Close()

		bans = ban.NewStore(client, cfg.ReportBanThreshold)
		sessions = store
		limiter = ratelimit.NewRedisLimiter(client, log)
	} else {
		tracker := ban.NewTracker(cfg.ReportBanThreshold)
		go tracker.RunJanitor(ctx, janitorInterval)
		bans = tracker
		log.Warn("REDIS_ADDR not set, bans are local and sessions are not recorded")
	}

	// --- NATS relay ---
	var relay hub.Relay
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "match-chat-" + cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		relay = nc
	}

	// --- Collaborators ---
	if cfg.MatchServiceURL == "" {
		log.Warn("MATCH_SERVICE_URL not set, every send will be denied")
	}
	matches := matching.NewClient(matching.Config{
		BaseURL: cfg.MatchServiceURL,
		Timeout: cfg.ServiceTimeout,
		Token:   cfg.ServiceToken,
	}, log)

	var blocks safety.BlockChecker
	if cfg.BlockServiceURL != "" {
		blocks = blocklist.NewClient(blocklist.Config{
			BaseURL: cfg.BlockServiceURL,
			Timeout: cfg.ServiceTimeout,
			Token:   cfg.ServiceToken,
		}, log)
	} else {
		log.Warn("block-list checks disabled by BLOCKLIST_DISABLED")
	}

	// --- Safety pipeline ---
	sendLimiter := ratelimit.NewLimiter(ratelimit.ChatSendPolicy(cfg.MessagesPerMinute, cfg.MessagesPerHour))
	spamCfg := moderation.DefaultSpamConfig()
	spamCfg.Limits = []window.Limit{
		{Max: cfg.MessagesPerMinute, Window: time.Minute},
		{Max: cfg.MessagesPerHour, Window: time.Hour},
	}
	spam := moderation.NewSpamDetector(spamCfg)
	go sendLimiter.Counter().RunJanitor(ctx, janitorInterval)
	go spam.RunJanitor(ctx, janitorInterval)

	pipeline := safety.NewStandard(safety.Components{
		Bans:    bans,
		Limiter: sendLimiter,
		Spam:    spam,
		Filter:  moderation.NewFilter(),
		PII:     moderation.NewPIIDetector(),
		Blocks:  blocks,
	}, log)
	log.Info("safety pipeline", zap.Strings("stages", pipeline.Stages()))

	// --- Hub, transport, REST ---
	conversations := chat.NewService(repo, matches, log)
	registry := presence.NewRegistry()
	dispatcher := hub.New(registry, matches, pipeline, conversations, hub.Options{
		Relay:    relay,
		Sessions: sessions,
	}, log)

	verifier := auth.NewVerifier(cfg.JWTSecret)

	transport := ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval:    cfg.HeartbeatInterval,
			IdleTimeout: cfg.IdleTimeout,
		},
		TrustedProxies: cfg.TrustedProxies,
	}, verifier, dispatcher, limiter, log)
	if err := transport.Start(); err != nil {
		return err
	}

	rest := api.New(api.Config{
		InternalSecret: cfg.InternalSecret,
		APIPerMinute:   cfg.APIPerMinute,
	}, api.Deps{
		Auth:     verifier,
		Chat:     conversations,
		Matches:  matches,
		Bans:     bans,
		Reports:  reports,
		Presence: registry,
		Realtime: transport,
	}, log)
	go rest.Limiter().Counter().RunJanitor(ctx, janitorInterval)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rest.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := transport.Shutdown(shutdownCtx); err != nil {
		log.Warn("transport shutdown", zap.Error(err))
	}
	log.Info("match chat server stopped")
	return nil
}

// banService is both the ban lookup of the pipeline and the report counter
// of the REST surface.
type banService interface {
	safety.BanLookup
	api.Reporter
}
