package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"huddle/internal/auth"
	"huddle/internal/config"
	"huddle/internal/httpapi"
	"huddle/internal/metrics"
	"huddle/internal/quest"
	"huddle/internal/ratelimit"
	"huddle/internal/relay"
	"huddle/internal/room"
	"huddle/internal/store"

	"github.com/spf13/cobra"
)

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().String("db", "huddle.db", "SQLite ban ledger path, empty to disable")
	cmd.Flags().String("log-format", config.LogText, "log format: text or json")
	cmd.Flags().String("admin-token", "", "enable /api/admin with this bearer token")
	cmd.Flags().String("chat-backend", "", "base URL that /api/chat is proxied to")
	cmd.Flags().String("auth-mode", config.AuthJWT, "identity source: jwt or header")
	cmd.Flags().Bool("tls-self-signed", false, "serve HTTPS with a generated certificate")
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}
	addServeFlags(cmd)
	return cmd
}

func serveRun(cmd *cobra.Command) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errors.New("no config found in context")
	}
	logger := commonRun(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("listening", "addr", cfg.Listen, "auth", cfg.Auth.Mode, "db", cfg.Database.Path)
	if err := a.server.Run(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// app holds the wired server and everything that must be released on exit.
type app struct {
	server  *httpapi.Server
	rooms   *room.Registry
	limiter *ratelimit.Limiter
	relay   *relay.Relay
	store   *store.Store
	quests  *quest.Notifier
	logger  *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &app{logger: logger, cancel: cancel}

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	if cfg.Database.Path != "" {
		st, err := store.Open(cfg.Database.Path, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open ban ledger: %w", err)
		}
		a.store = st
		limiterOpts = append(limiterOpts, ratelimit.WithBanSink(st))
	}
	a.limiter = ratelimit.New(cfg.RateLimit, limiterOpts...)
	if a.store != nil {
		accounts, ips, err := a.store.LoadBans(ctx, time.Now())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load bans: %w", err)
		}
		a.limiter.Restore(accounts, ips)
	}

	roomOpts := []room.Option{room.WithLogger(logger)}
	if cfg.Rooms.BcryptCost > 0 {
		roomOpts = append(roomOpts, room.WithBcryptCost(cfg.Rooms.BcryptCost))
	}
	a.rooms = room.NewRegistry(roomOpts...)
	for _, spec := range cfg.Rooms.Seed {
		rm, password, err := a.rooms.SeedRoom(spec)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("seed room %q: %w", spec.Name, err)
		}
		logger.Info("room seeded", "room_id", rm.ID, "name", rm.Name, "private", rm.Private)
		if rm.Private && spec.Password == "" {
			logger.Info("generated room password", "room_id", rm.ID, "password", password)
		}
	}

	m := metrics.New()
	m.RegisterRoomGauge(a.rooms.Count)

	var tracker quest.Tracker = quest.LogTracker{Logger: logger}
	if cfg.Quest.WebhookURL != "" {
		tracker = quest.NewWebhookTracker(cfg.Quest.WebhookURL, cfg.Quest.WebhookSecret, &http.Client{Timeout: cfg.Quest.Timeout})
	}
	qcfg := cfg.Quest.NotifierConfig()
	qcfg.Logger = logger
	qcfg.OnDrop = func(quest.Event) { m.QuestDropped() }
	a.quests = quest.NewNotifier(tracker, qcfg)
	a.quests.Start()

	a.relay = relay.New(relay.Config{
		Rooms:      a.rooms,
		Limiter:    a.limiter,
		Quests:     a.quests,
		Metrics:    m,
		Logger:     logger,
		SendBuffer: cfg.WS.SendBuffer,
	})

	var resolver auth.Resolver = auth.HeaderResolver{}
	if cfg.Auth.Mode == config.AuthJWT {
		resolver = auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	}

	deps := httpapi.Deps{
		Rooms:       a.rooms,
		Relay:       a.relay,
		Limiter:     a.limiter,
		Resolver:    resolver,
		Quests:      a.quests,
		Metrics:     m,
		Logger:      logger,
		WS:          cfg.WS.Options(),
		AdminToken:  cfg.Auth.AdminToken,
		ChatBackend: cfg.Chat.Backend,
	}
	if a.store != nil {
		deps.Bans = a.store
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := loadTLS(cfg.TLS, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.TLS = tlsCfg
	}
	server, err := httpapi.New(deps)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build http server: %w", err)
	}
	a.server = server

	if interval := cfg.Rooms.PruneInterval; interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.pruneLoop(ctx, interval)
		}()
	}
	if interval := cfg.Log.StatsInterval; interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			runStatsLog(ctx, interval, a.stats, logger)
		}()
	}
	return a, nil
}

func loadTLS(tc config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if tc.CertFile != "" {
		return httpapi.LoadTLS(tc.CertFile, tc.KeyFile)
	}
	tlsCfg, fingerprint, err := httpapi.SelfSignedTLS(tc.Validity, tc.Hostname)
	if err != nil {
		return nil, err
	}
	logger.Info("self-signed certificate generated", "fingerprint", fingerprint, "valid_for", tc.Validity)
	return tlsCfg, nil
}

func (a *app) stats() relayStats {
	return relayStats{
		Rooms:        a.rooms.Count(),
		Connections:  a.relay.ConnCount(),
		QuestQueue:   a.quests.QueueLen(),
		QuestDropped: a.quests.Dropped(),
	}
}

// pruneLoop removes rooms that were created but never joined.
func (a *app) pruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.rooms.PruneEmpty(now.Add(-interval)); n > 0 {
				a.logger.Info("pruned empty rooms", "count", n)
			}
		}
	}
}

func (a *app) close() {
	a.cancel()
	a.wg.Wait()
	if a.quests != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.quests.Close(ctx); err != nil {
			a.logger.Warn("quest queue not drained", "err", err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close ban ledger", "err", err)
		}
	}
}
