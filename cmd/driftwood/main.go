// Package main is the CLI entrypoint for Driftwood. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// administering users and peer instances (admin), and printing version
// information (version). The serve command loads configuration, connects to
// PostgreSQL, NATS, and the keyed store, runs pending migrations, starts the
// HTTP server and the queue workers, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/driftwood-social/driftwood/internal/api"
	"github.com/driftwood-social/driftwood/internal/config"
	"github.com/driftwood-social/driftwood/internal/database"
	"github.com/driftwood-social/driftwood/internal/events"
	"github.com/driftwood-social/driftwood/internal/federation"
	"github.com/driftwood-social/driftwood/internal/instances"
	"github.com/driftwood-social/driftwood/internal/keyedstore"
	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/notifications"
	"github.com/driftwood-social/driftwood/internal/queue"
	"github.com/driftwood-social/driftwood/internal/repo"
	"github.com/driftwood-social/driftwood/internal/streaming"
	"github.com/driftwood-social/driftwood/internal/workers"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Driftwood — Federated Microblogging Server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  driftwood <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the Driftwood server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  admin     Manage users and peer instances")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  driftwood.toml (or set DRIFTWOOD_CONFIG_PATH)")
	fmt.Println("  Env prefix:   DRIFTWOOD_ (e.g. DRIFTWOOD_DATABASE_URL)")
}

// runServe starts the full server: loads config, connects to PostgreSQL, the
// keyed store, and NATS, runs migrations, wires the federation core, and
// blocks until a shutdown signal.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting Driftwood",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	origin, err := cfg.Server.Origin()
	if err != nil {
		return err
	}

	ctx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// Backing services.
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	store, err := keyedstore.New(ctx, cfg.KeyedStore.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to keyed store: %w", err)
	}
	defer store.Close()

	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	// Persistence and policy.
	repos := repo.New(db.Pool)
	registry := instances.New(repos.Instances, logger)
	registry.StartCounterFlusher(ctx)

	// Federation core.
	addr := federation.NewAddr(origin)
	client := federation.NewAPClient(logger)
	actors := federation.NewActorResolver(store, client, cfg.Federation.RemoteActorTTL(), logger)
	guard := federation.NewReplayGuard(store, cfg.Federation.MaxClockSkew(), cfg.Federation.DedupeWindow())
	limiter := federation.NewHostRateLimiter(store, cfg.Federation.RateLimitWindow(), cfg.Federation.RateLimitMax)

	jobs := queue.New(bus, db.Pool, logger)
	if err := jobs.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring job streams: %w", err)
	}

	outbox := federation.NewOutbox(addr)
	deliverer := federation.NewDeliverer(repos.Followings, actors, registry, jobs, addr, logger)

	notifSvc := notifications.NewService(notifications.Config{
		Repo:              repos.Notifications,
		Bus:               bus,
		VAPIDPublicKey:    cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey:   cfg.Push.VAPIDPrivateKey,
		VAPIDContactEmail: cfg.Push.VAPIDContactEmail,
		Logger:            logger,
	})

	processors := federation.NewProcessors(federation.ProcessorsConfig{
		Users:          repos.Users,
		Notes:          repos.Notes,
		Followings:     repos.Followings,
		FollowRequests: repos.FollowRequests,
		Reactions:      repos.Reactions,
		Actors:         actors,
		Client:         client,
		Policy:         registry,
		Deliverer:      deliverer,
		Outbox:         outbox,
		Addr:           addr,
		Publisher:      bus,
		Notifier:       notifSvc,
		Logger:         logger,
	})

	// Workers: only when federation is enabled.
	if cfg.Federation.Enabled {
		if err := jobs.StartInboxWorker(ctx, func(ctx context.Context, job models.InboxJob) error {
			return processors.Process(ctx, job.Activity, job.SourceHost)
		}); err != nil {
			return fmt.Errorf("starting inbox worker: %w", err)
		}
		if err := jobs.StartDeliveryWorker(ctx, federation.NewDeliveryHandler(repos.Keypairs, client, addr, logger)); err != nil {
			return fmt.Errorf("starting delivery worker: %w", err)
		}
	} else {
		logger.Info("federation disabled; inbox and delivery workers not started")
	}

	workers.NewReconcileWorker(db.Pool, logger).Start(ctx)

	// Streaming hub.
	hub := streaming.NewHub(bus, repos.Users, repos.Followings, repos.Notifications, logger)
	if err := hub.Run(ctx); err != nil {
		return fmt.Errorf("starting streaming hub: %w", err)
	}

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        db,
		Bus:       bus,
		Store:     store,
		Inbox:     federation.NewInboxHandler(guard, limiter, actors, registry, jobs, logger),
		Documents: federation.NewDocuments(repos.Users, repos.Notes, db.Pool, addr, outbox, cfg.Federation.InstanceName, version, logger),
		WebSocket: streaming.NewWebSocketHandler(hub, repos.Users, logger),
		SSE:       streaming.NewSSEHandler(hub, repos.Users, logger),
		Logger:    logger,
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	// Stop accepting requests and let in-flight ones finish, then drain the
	// job workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}
	jobs.Drain()
	cancelWorkers()

	logger.Info("Driftwood stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runAdmin handles admin subcommands for user and instance management.
func runAdmin() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: driftwood admin <action>")
		fmt.Println()
		fmt.Println("Actions:")
		fmt.Println("  create-user       Create a new local user account")
		fmt.Println("  suspend           Suspend a local user account")
		fmt.Println("  list-users        List local user accounts")
		fmt.Println("  block-instance    Block all federation with a host")
		fmt.Println("  unblock-instance  Remove a host's block")
		fmt.Println("  silence-instance  Hide a host's notes from public timelines")
		return nil
	}

	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	repos := repo.New(db.Pool)
	registry := instances.New(repos.Instances, logger)

	switch os.Args[2] {
	case "create-user":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: driftwood admin create-user <username> <password>")
		}
		username, password := os.Args[3], os.Args[4]

		hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		publicPEM, privatePEM, err := federation.GenerateKeypair()
		if err != nil {
			return fmt.Errorf("generating keypair: %w", err)
		}

		token, err := newToken()
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}

		user := &models.User{
			ID:           models.NewID(),
			Username:     username,
			PublicKeyPEM: publicPEM,
			CreatedAt:    time.Now().UTC(),
		}
		if err := repos.Users.CreateLocal(ctx, user, hash, token); err != nil {
			return err
		}
		if err := repos.Keypairs.Create(ctx, &models.Keypair{
			UserID:     user.ID,
			PublicPEM:  publicPEM,
			PrivatePEM: privatePEM,
		}); err != nil {
			return err
		}
		fmt.Printf("Created user %s (ID: %s)\n", username, user.ID)
		fmt.Printf("API token: %s\n", token)

	case "suspend":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: driftwood admin suspend <username>")
		}
		user, err := repos.Users.FindByUsername(ctx, os.Args[3], nil)
		if err != nil {
			return fmt.Errorf("user %q: %w", os.Args[3], err)
		}
		if err := repos.Users.SetSuspended(ctx, user.ID, true); err != nil {
			return err
		}
		fmt.Printf("Suspended user %s\n", os.Args[3])

	case "list-users":
		rows, err := db.Pool.Query(ctx,
			`SELECT id, username, notes_count, followers_count, suspended, created_at
			 FROM users WHERE host IS NULL ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-18s %-20s %8s %10s %-9s %s\n", "ID", "Username", "Notes", "Followers", "Suspended", "Created")
		fmt.Println(strings.Repeat("-", 90))
		for rows.Next() {
			var id, username string
			var notes, followers int64
			var suspended bool
			var createdAt time.Time
			if err := rows.Scan(&id, &username, &notes, &followers, &suspended, &createdAt); err != nil {
				return fmt.Errorf("scanning user: %w", err)
			}
			fmt.Printf("%-18s %-20s %8d %10d %-9v %s\n", id, username, notes, followers, suspended, createdAt.Format(time.RFC3339))
		}
		return rows.Err()

	case "block-instance":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: driftwood admin block-instance <host>")
		}
		if err := registry.SetBlocked(ctx, os.Args[3], true); err != nil {
			return err
		}
		fmt.Printf("Blocked instance %s\n", os.Args[3])

	case "unblock-instance":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: driftwood admin unblock-instance <host>")
		}
		if err := registry.SetBlocked(ctx, os.Args[3], false); err != nil {
			return err
		}
		fmt.Printf("Unblocked instance %s\n", os.Args[3])

	case "silence-instance":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: driftwood admin silence-instance <host>")
		}
		if err := registry.SetSilenced(ctx, os.Args[3], true); err != nil {
			return err
		}
		fmt.Printf("Silenced instance %s\n", os.Args[3])

	default:
		return fmt.Errorf("unknown admin action: %s", os.Args[2])
	}

	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("Driftwood %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// newToken generates a 64-hex-char API token.
func newToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// configPath returns the config file path from DRIFTWOOD_CONFIG_PATH or the
// default "driftwood.toml".
func configPath() string {
	if p := os.Getenv("DRIFTWOOD_CONFIG_PATH"); p != "" {
		return p
	}
	return "driftwood.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
