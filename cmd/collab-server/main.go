package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/access"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/auth"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/batch"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/config"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/database"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/indexer"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/logging"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/presence"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/realtime"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/router"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/server"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/users"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/workpool"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-server",
		Short: "Realtime collaborative document synchronization server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("default-plan", defaults.GetString("quota.default_plan"), "Plan applied to users without a stored plan")
	cmd.PersistentFlags().Duration("idle-timeout", defaults.GetDuration("router.idle_timeout"), "Idle time before an actor is evicted")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "quota.default_plan", "default-plan")
	bindFlag(cmd, "router.idle_timeout", "idle-timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if appConfig.DatabaseDriver == config.DriverPostgres {
		return database.OpenPostgres(appConfig.DatabaseDSN, appConfig.DatabaseMaxOpenConns, logger)
	}
	return database.OpenSQLite(appConfig.DatabasePath, logger)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := workpool.New(appConfig.WorkerCount)
	codec, err := envelope.NewCodec(envelope.CodecConfig{Pool: pool, DecompressedLimit: appConfig.Limits.Decompressed})
	if err != nil {
		return err
	}
	defer codec.Close()

	defaultPlan, err := quota.NewPlan(appConfig.DefaultPlan)
	if err != nil {
		return err
	}
	quotaService, err := quota.NewService(quota.ServiceConfig{DefaultPlan: defaultPlan, Logger: logger})
	if err != nil {
		return err
	}

	scheduler := indexer.NewScheduler(indexer.SchedulerConfig{
		Sink:          indexer.NewGormSink(db),
		QueueCapacity: appConfig.IndexQueue,
		Logger:        logger,
	})
	scheduler.Start(signalCtx)
	defer scheduler.Close()

	store, err := storage.NewStore(storage.Config{
		Database: db,
		Quota:    quotaService,
		Pool:     pool,
		Index:    scheduler,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(presence.RegistryConfig{Logger: logger})
	actors := router.New(router.Config{
		Store:          store,
		Sinks:          registry,
		Codec:          codec,
		Shards:         appConfig.RouterShards,
		MailboxSize:    appConfig.MailboxSize,
		MaxInFlight:    appConfig.MaxInFlight,
		IdleTimeout:    appConfig.IdleTimeout,
		SweepInterval:  appConfig.SweepInterval,
		PersistTimeout: appConfig.PersistTimeout,
		Logger:         logger,
	})
	defer actors.Close()
	registry.OnTeardown(func(session presence.Session) {
		actors.UnsubscribeSession(session.User.SessionID)
	})

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	checker, err := access.NewChecker(access.Config{Database: db, ClaimUnowned: appConfig.ClaimUnowned, Logger: logger})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{
		Router:         actors,
		Access:         checker,
		RequestTimeout: appConfig.RequestTimeout,
		Logger:         logger,
	})
	realtimeHandler := realtime.NewHandler(realtime.HandlerConfig{
		Registry:          registry,
		Dispatcher:        dispatcher,
		Codec:             codec,
		Limits:            appConfig.Limits,
		OutboundQueue:     appConfig.OutboundQueue,
		MessagesPerSecond: appConfig.MessagesPerSecond,
		Burst:             appConfig.MessageBurst,
		CheckOrigin:       originChecker(appConfig.AllowedOrigins),
		Logger:            logger,
	})

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  validator,
		Identities:     identities,
		Access:         checker,
		Router:         actors,
		Store:          store,
		Ingestor:       batch.NewIngestor(batch.Config{Store: store, Codec: codec, Limits: appConfig.Limits, Workers: appConfig.WorkerCount, Logger: logger}),
		Realtime:       realtimeHandler,
		Codec:          codec,
		Limits:         appConfig.Limits,
		AllowedOrigins: appConfig.AllowedOrigins,
		RequestTimeout: appConfig.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
