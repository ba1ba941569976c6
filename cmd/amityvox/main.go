// Package main is the CLI entrypoint for AmityVox. It provides subcommands for
// running the server (serve), managing database migrations (migrate), managing
// user accounts (admin), and printing version information (version). The serve
// command loads configuration, connects to PostgreSQL, NATS, and Redis, runs
// pending migrations, starts the HTTP API server and the WebSocket gateway,
// and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/amityvox/amityvox/internal/api"
	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/config"
	"github.com/amityvox/amityvox/internal/database"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/fanout"
	"github.com/amityvox/amityvox/internal/gateway"
	"github.com/amityvox/amityvox/internal/guilds"
	"github.com/amityvox/amityvox/internal/messages"
	"github.com/amityvox/amityvox/internal/middleware"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/sessions"
	"github.com/amityvox/amityvox/internal/snowflake"
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

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("AmityVox — Real-Time Chat Core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  amityvox <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the AmityVox server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  admin     Manage user accounts")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  amityvox.toml (or set AMITYVOX_CONFIG_PATH)")
	fmt.Println("  Env prefix:   AMITYVOX_ (e.g. AMITYVOX_DATABASE_URL)")
}

// runServe starts the full AmityVox server: loads config, connects to
// PostgreSQL, NATS, and Redis, runs migrations, creates the auth, guild,
// message, and fan-out services, and starts the HTTP API server and the
// WebSocket gateway, handling graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting AmityVox",
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

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring NATS streams: %w", err)
	}

	cache, err := presence.NewStore(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer cache.Close()

	accessTTL, err := cfg.Auth.AccessTokenTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing access token ttl: %w", err)
	}
	refreshTTL, err := cfg.Auth.RefreshTokenTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing refresh token ttl: %w", err)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	gen, err := snowflake.NewGenerator(cfg.Instance.WorkerID)
	if err != nil {
		return fmt.Errorf("creating snowflake generator: %w", err)
	}

	authSvc := auth.NewService(db, auth.NewArgon2Hasher(), gen, []byte(cfg.Auth.JWTSecret), accessTTL, refreshTTL, logger)
	authSvc.SetBreachChecker(middleware.NewBreachChecker(middleware.DefaultBreachCheckConfig(), logger))
	guildRepo := guilds.NewRepository(db.Pool, gen, cache)
	msgRepo := messages.NewRepository(db.Pool, gen)

	// Fan-out engine: resolves targets to live sessions on this node and
	// appends to the resume buffer. NATS carries the cross-node transport —
	// a subscriber below feeds every published domain event back into it.
	registry := sessions.NewRegistry()
	engine := fanout.NewEngine(registry, guildRepo, cache, logger)
	if err := subscribeFanout(bus, engine, logger); err != nil {
		return fmt.Errorf("subscribing fan-out engine: %w", err)
	}

	identity := gateway.NewIdentityStore(authSvc, guildRepo.GuildIDsForUser)

	heartbeatInterval, err := cfg.WebSocket.HeartbeatIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval: %w", err)
	}
	heartbeatTimeout, err := cfg.WebSocket.HeartbeatTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing heartbeat timeout: %w", err)
	}

	gw := gateway.NewServer(identity, registry, engine, cache, heartbeatInterval, heartbeatTimeout, logger)

	srv := api.NewServer(db, cfg, authSvc, bus, cache, msgRepo, guildRepo, nil, fmt.Sprintf("worker-%d", cfg.Instance.WorkerID), logger)
	srv.Version = version

	gwServer := &http.Server{
		Addr:         cfg.WebSocket.Listen,
		Handler:      gw,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
		IdleTimeout:  120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		logger.Info("gateway listening", slog.String("listen", cfg.WebSocket.Listen))
		if err := gwServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("WebSocket gateway: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gwServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("AmityVox stopped")
	return nil
}

// subscribeFanout wires the NATS event bus to the in-process fan-out engine:
// every event a REST handler publishes is received here and dispatched to
// this node's live gateway sessions. This is what makes fan-out correct
// across more than one server instance.
func subscribeFanout(bus *events.Bus, engine *fanout.Engine, logger *slog.Logger) error {
	_, err := bus.SubscribeWildcard("amityvox.>", func(subject string, ev events.Event) {
		target := resolveTarget(ev)
		if err := engine.Dispatch(context.Background(), target, fanout.Event{
			Type:      ev.Type,
			GuildID:   ev.GuildID,
			ChannelID: ev.ChannelID,
			Data:      ev.Data,
		}); err != nil {
			logger.Error("fan-out dispatch failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	})
	return err
}

// resolveTarget maps an event's routing envelope to a fan-out Target,
// preferring the narrowest scope the event carries.
func resolveTarget(ev events.Event) fanout.Target {
	switch {
	case ev.ChannelID != "":
		return fanout.Target{Type: fanout.ToChannel, ID: ev.ChannelID}
	case ev.GuildID == "__broadcast__":
		return fanout.Target{Type: fanout.Broadcast}
	case ev.GuildID != "":
		return fanout.Target{Type: fanout.ToGuild, ID: ev.GuildID}
	case ev.UserID != "":
		return fanout.Target{Type: fanout.ToUser, ID: ev.UserID}
	default:
		return fanout.Target{Type: fanout.Broadcast}
	}
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
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

// runAdmin handles admin subcommands for user account management.
func runAdmin() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: amityvox admin <action>")
		fmt.Println()
		fmt.Println("Actions:")
		fmt.Println("  create-user  Create a new user account")
		fmt.Println("  set-admin    Grant the admin flag to a user")
		fmt.Println("  unset-admin  Remove the admin flag from a user")
		fmt.Println("  list-users   List all user accounts")
		return nil
	}

	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	switch os.Args[2] {
	case "create-user":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: amityvox admin create-user <username> <password>")
		}
		username, password := os.Args[3], os.Args[4]

		gen, err := snowflake.NewGenerator(cfg.Instance.WorkerID)
		if err != nil {
			return fmt.Errorf("creating snowflake generator: %w", err)
		}
		userID, err := gen.Next()
		if err != nil {
			return fmt.Errorf("minting user id: %w", err)
		}

		hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		_, err = db.Pool.Exec(ctx,
			`INSERT INTO users (id, username, discriminator, password_hash, created_at) VALUES ($1, $2, '0001', $3, now())`,
			userID, username, hash)
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		fmt.Printf("Created user %s (ID: %s)\n", username, userID)

	case "set-admin":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: amityvox admin set-admin <username>")
		}
		tag, err := db.Pool.Exec(ctx,
			`UPDATE users SET flags = flags | 1 WHERE username = $1`, os.Args[3])
		if err != nil {
			return fmt.Errorf("setting admin: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %q not found", os.Args[3])
		}
		fmt.Printf("Granted admin to %s\n", os.Args[3])

	case "unset-admin":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: amityvox admin unset-admin <username>")
		}
		tag, err := db.Pool.Exec(ctx,
			`UPDATE users SET flags = flags & ~1 WHERE username = $1`, os.Args[3])
		if err != nil {
			return fmt.Errorf("unsetting admin: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %q not found", os.Args[3])
		}
		fmt.Printf("Removed admin from %s\n", os.Args[3])

	case "list-users":
		rows, err := db.Pool.Query(ctx,
			`SELECT id, username, display_name, flags, created_at FROM users ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-22s %-20s %-20s %6s %s\n", "ID", "Username", "DisplayName", "Flags", "Created")
		fmt.Println(strings.Repeat("-", 100))
		for rows.Next() {
			var id snowflake.ID
			var username string
			var displayName *string
			var flags int
			var createdAt time.Time
			if err := rows.Scan(&id, &username, &displayName, &flags, &createdAt); err != nil {
				return fmt.Errorf("scanning user: %w", err)
			}
			dn := ""
			if displayName != nil {
				dn = *displayName
			}
			fmt.Printf("%-22s %-20s %-20s %6d %s\n", id.String(), username, dn, flags, createdAt.Format(time.RFC3339))
		}

	default:
		return fmt.Errorf("unknown admin action: %s", os.Args[2])
	}

	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("AmityVox %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from AMITYVOX_CONFIG_PATH env var
// or the default "amityvox.toml".
func configPath() string {
	if p := os.Getenv("AMITYVOX_CONFIG_PATH"); p != "" {
		return p
	}
	return "amityvox.toml"
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
