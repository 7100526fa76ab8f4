package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/admin"
	"github.com/festival/regionchat/internal/ban"
	"github.com/festival/regionchat/internal/broadcast"
	"github.com/festival/regionchat/internal/chat"
	"github.com/festival/regionchat/internal/config"
	"github.com/festival/regionchat/internal/directory"
	"github.com/festival/regionchat/internal/logging"
	"github.com/festival/regionchat/internal/messaging"
	"github.com/festival/regionchat/internal/moderation"
	"github.com/festival/regionchat/internal/ratelimit"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/session"
	"github.com/festival/regionchat/internal/store"
	"github.com/festival/regionchat/internal/store/postgres"
	"github.com/festival/regionchat/internal/ws"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var _ chat.Presence = (*session.Store)(nil)

func main() {
	rootCmd := &cobra.Command{
		Use:          "chatserver",
		Short:        "Regional real-time chat server",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	var verbose bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	migrateCmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath, args[0])
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen:     %s\n", cfg.Server.ListenAddr)
			fmt.Printf("  Store:      %s\n", cfg.Store.Driver)
			fmt.Printf("  Directory:  %s\n", cfg.Auth.Directory)
			fmt.Printf("  Redis:      %v (%s)\n", cfg.Redis.Enabled, cfg.Redis.Addr)
			fmt.Printf("  NATS:       %v (%s)\n", cfg.NATS.Enabled, cfg.NATS.URL)
			fmt.Printf("  Threshold:  %d reports\n", cfg.Moderation.HideThreshold)
			fmt.Printf("  Sanctions:  %v\n", cfg.Moderation.Sanctions)
			return nil
		},
	}

	feedCmd := &cobra.Command{
		Use:   "feed",
		Short: "Print moderation events from NATS until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("regionchat %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, validateCmd, feedCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, func()) {
	log, lj := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	return log, func() {
		_ = log.Sync()
		if lj != nil {
			lj.Close()
		}
	}
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return postgres.Open(ctx, postgres.Config{
		DSN:             cfg.Store.DatabaseURL,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, flush := newLogger(cfg)
	defer flush()

	log.Info("regionchat starting",
		zap.String("version", Version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("server_name", cfg.Server.Name),
		zap.String("store", cfg.Store.Driver),
		zap.String("directory", cfg.Auth.Directory),
		zap.Int("max_connections", cfg.Server.MaxConnections),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		if cfg.Store.AutoMigrate {
			if err := postgres.MigrateUp(db); err != nil {
				db.Close()
				return err
			}
		}
		pg := postgres.NewStore(db)
		defer pg.Close()
		st = pg
	default:
		log.Warn("using in-memory store; messages are lost on restart")
		st = store.NewMemoryStore()
	}

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = session.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	// --- NATS ---
	var events moderation.EventPublisher
	if cfg.NATS.Enabled {
		nc, err := messaging.Dial(cfg.NATS.URL, "regionchat-"+cfg.Server.Name, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		events = messaging.NewModerationFeed(nc)
	}

	// --- Chat core ---
	reg := registry.New()
	bcast := broadcast.NewEngine(reg, log)
	mod := moderation.NewEngine(st, bcast, events,
		moderation.Config{HideThreshold: cfg.Moderation.HideThreshold}, log)
	var bans *ban.Store
	if rdb != nil && cfg.Moderation.Sanctions {
		bans = ban.NewStore(rdb)
		mod.SetSanctioner(bans)
	}

	filter := moderation.NewFilter(cfg.Moderation.BlockedTerms, cfg.Moderation.SpamPatterns)
	log.Info("moderation policy",
		zap.Int("hide_threshold", mod.Threshold()),
		zap.Int("blocked_terms", len(filter.Terms())),
		zap.Bool("spam_patterns", cfg.Moderation.SpamPatterns),
		zap.Bool("sanctions", bans != nil))

	deps := chat.Deps{
		Registry:   reg,
		Store:      st,
		Broadcast:  bcast,
		Moderation: mod,
		Filter:     filter,
		Logger:     log,
	}
	var sessions *session.Store
	if rdb != nil {
		sessions = session.NewStore(rdb, cfg.Server.Name)
		deps.Presence = sessions
	}
	svc := chat.NewService(chat.Config{
		MaxContentChars: cfg.Chat.MaxContentChars,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		DuplicateWindow: cfg.Chat.DuplicateWindow,
		FrameTimeout:    cfg.Chat.FrameTimeout,
	}, deps)

	// --- Identity ---
	var dir directory.Directory
	switch cfg.Auth.Directory {
	case "static":
		static := directory.NewStatic(nil)
		for _, u := range cfg.Auth.Users {
			static.Add(u.Token, registry.Identity{
				UserID:      u.UserID,
				Username:    u.Username,
				DisplayName: u.DisplayName,
				Role:        u.Role,
			})
		}
		dir = static
	default:
		dir = directory.NewRedis(rdb)
	}

	// --- Server ---
	adminHandler := admin.NewHandler(mod, reg, dir, log).WithHistory(st)
	serverDeps := ws.ServerDeps{
		Chat:   svc,
		Auth:   dir,
		Admin:  adminHandler,
		Logger: log,
	}
	if bans != nil {
		adminHandler.WithBans(bans)
		serverDeps.Bans = bans
	}
	if sessions != nil {
		adminHandler.WithPresence(sessions)
		serverDeps.Refresher = sessions
	}
	if rdb != nil && cfg.Server.ConnectsPerMinute > 0 {
		rule := ratelimit.RuleConnect
		rule.Limit = cfg.Server.ConnectsPerMinute
		serverDeps.Limiter = ratelimit.NewConnectGuard(ratelimit.NewLimiter(rdb, log), rule)
	}

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:      cfg.Server.ListenAddr,
		MaxConnections:  cfg.Server.MaxConnections,
		SendQueueSize:   cfg.Server.SendQueueSize,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Server.HeartbeatInterval,
			Timeout:  cfg.Server.HeartbeatTimeout,
		},
	}, serverDeps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	<-errCh
	log.Info("regionchat stopped")
	return nil
}

func runMigrate(ctx context.Context, configPath, direction string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("migrate requires store.driver postgres, got %q", cfg.Store.Driver)
	}
	log, flush := newLogger(cfg)
	defer flush()

	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	switch direction {
	case "up":
		err = postgres.MigrateUp(db)
	case "down":
		err = postgres.MigrateDown(db)
	default:
		return fmt.Errorf("unknown migrate direction %q (want up or down)", direction)
	}
	if err != nil {
		return err
	}

	version, dirty, err := postgres.MigrationVersion(db)
	if err != nil {
		log.Info("migrations applied", zap.String("direction", direction))
		return nil
	}
	log.Info("migrations applied",
		zap.String("direction", direction), zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func runFeed(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, flush := newLogger(cfg)
	defer flush()

	nc, err := messaging.Dial(cfg.NATS.URL, "regionchat-feed", log)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	err = nc.SubscribeModeration(func(ev moderation.Event) {
		log.Info("moderation event",
			zap.String("event", string(ev.Kind)),
			zap.Int64("message_id", ev.MessageID),
			zap.String("region", ev.Region),
			zap.Int64("report_id", ev.ReportID),
			zap.Int64("actor", ev.ActorUserID),
			zap.Int("report_count", ev.ReportCount),
			zap.String("status", ev.Status),
			zap.Time("at", ev.At),
		)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info("listening for moderation events", zap.String("subject", messaging.SubjectModerationAll))
	<-ctx.Done()
	return nil
}
