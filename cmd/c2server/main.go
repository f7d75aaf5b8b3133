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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ashfall-io/ashfall/internal/api"
	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/db"
	"github.com/ashfall-io/ashfall/internal/factory"
	"github.com/ashfall-io/ashfall/internal/keystore"
	"github.com/ashfall-io/ashfall/internal/netutil"
	"github.com/ashfall-io/ashfall/internal/operatorauth"
	"github.com/ashfall-io/ashfall/internal/protocol"
	"github.com/ashfall-io/ashfall/internal/repositories"
	"github.com/ashfall-io/ashfall/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr     string
	agentAddr    string
	dbDriver     string
	dbDSN        string
	secretKey    string
	logLevel     string
	jwtSecret    string
	jwtIssuer    string
	oidcIssuer   string
	oidcClientID string
	compilerPath string
	upxPath      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "c2server",
		Short: "c2server — control server for the agent fleet",
		Long: `c2server accepts encrypted agent connections on a raw TCP listener,
bridges them to operators over an HTTP/websocket admin API, and builds
customized agent binaries on demand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("C2_HTTP_ADDR", ":8080"), "HTTP admin API listen address")
	root.PersistentFlags().StringVar(&cfg.agentAddr, "agent-addr", envOrDefault("C2_AGENT_ADDR", ":2333"), "Raw TCP listen address for agent connections")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("C2_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("C2_DB_DSN", "./c2server.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("C2_SECRET_KEY", ""), "Master secret key for encrypting agent secrets at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("C2_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.jwtSecret, "jwt-secret", envOrDefault("C2_JWT_SECRET", ""), "HMAC secret for self-issued operator JWTs (used when --oidc-issuer is unset)")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("C2_JWT_ISSUER", "c2server"), "Issuer claim for self-issued operator JWTs")
	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("C2_OIDC_ISSUER", ""), "OIDC issuer URL for operator auth (empty = use --jwt-secret instead)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("C2_OIDC_CLIENT_ID", ""), "OIDC client ID operator tokens must be issued for")
	root.PersistentFlags().StringVar(&cfg.compilerPath, "compiler-path", envOrDefault("C2_COMPILER_PATH", "zig"), "Cross-compiler executable used by the agent-binary factory")
	root.PersistentFlags().StringVar(&cfg.upxPath, "upx-path", envOrDefault("C2_UPX_PATH", "upx"), "upx executable used for optional agent-binary compression")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("c2server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or C2_SECRET_KEY")
	}
	if cfg.oidcIssuer == "" && cfg.jwtSecret == "" {
		return fmt.Errorf("operator auth is required — set --jwt-secret or --oidc-issuer")
	}

	logger.Info("starting c2server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("agent_addr", cfg.agentAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so EncryptedString
	// fields (the agent secret column) can encrypt/decrypt transparently on
	// read/write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	agentRepo := repositories.NewAgentRepository(gormDB)

	// --- 3. Operator auth ---
	validator, err := buildValidator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize operator auth: %w", err)
	}

	// --- 4. Keystore, connection registry ---
	keys := keystore.New(agentRepo, logger)
	conns := connections.NewManager(agentRepo, netutil.DefaultPipeCapacity, logger)
	defer conns.Shutdown()

	// --- 5. Scheduler (keystore refresh, stale-connection sweep) ---
	sched, err := scheduler.New(keys, conns, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Agent binary factory ---
	agentFactory := factory.New(cfg.compilerPath, cfg.upxPath, logger)

	// --- 7. Agent TCP listener ---
	agentListener, err := net.Listen("tcp", cfg.agentAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on agent address: %w", err)
	}
	go acceptAgents(ctx, agentListener, keys, conns, logger)
	defer agentListener.Close()

	// --- 8. HTTP admin API ---
	router := api.NewRouter(api.RouterConfig{
		Agents:      agentRepo,
		Keystore:    keys,
		Connections: conns,
		Factory:     agentFactory,
		Validator:   validator,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("agent listener ready", zap.String("addr", cfg.agentAddr))

	<-ctx.Done()
	logger.Info("shutting down c2server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("c2server stopped")
	return nil
}

// acceptAgents runs the raw TCP accept loop for agent connections, spawning
// one protocol.Engine per connection. A single misbehaving dial never stops
// the loop: Accept errors are logged and retried until ctx is done, at
// which point the caller's deferred listener Close unblocks the final
// Accept with a permanent error.
func acceptAgents(ctx context.Context, ln net.Listener, keys *keystore.Store, conns *connections.Manager, logger *zap.Logger) {
	engineCfg := protocol.Config{}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn("agent accept failed", zap.Error(err))
			continue
		}

		engine := protocol.NewEngine(conn, keys, conns, nil, engineCfg, logger)
		go engine.Run(ctx)
	}
}

// buildValidator constructs the operator token validator: OIDC-backed when
// an issuer URL is configured, otherwise a self-issued HMAC JWT validator.
func buildValidator(ctx context.Context, cfg *config) (operatorauth.TokenValidator, error) {
	if cfg.oidcIssuer != "" {
		return operatorauth.NewOIDCValidator(ctx, cfg.oidcIssuer, cfg.oidcClientID)
	}
	return operatorauth.NewJWTValidator([]byte(cfg.jwtSecret), cfg.jwtIssuer)
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
