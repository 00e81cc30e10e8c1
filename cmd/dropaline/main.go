package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/iggafy/dropaline-sub000/internal/auth"
	"github.com/iggafy/dropaline-sub000/internal/changes"
	"github.com/iggafy/dropaline-sub000/internal/config"
	"github.com/iggafy/dropaline-sub000/internal/database"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/engine"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"github.com/iggafy/dropaline-sub000/internal/logging"
	"github.com/iggafy/dropaline-sub000/internal/metrics"
	"github.com/iggafy/dropaline-sub000/internal/printing"
	"github.com/iggafy/dropaline-sub000/internal/server"
	"github.com/iggafy/dropaline-sub000/internal/state"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const systemAuthorHandle = "Dropaline"

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dropaline",
		Short: "Dropaline delivery engine and auto-print client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the delivery engine and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for the configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, _ := cmd.Flags().GetString("handle")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return issueToken(cmd, handle, ttl)
		},
	}
	tokenCmd.Flags().String("handle", "", "Handle embedded in the session")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Session lifetime")
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("user-id", "", "User this client prints for")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("engine.poll_interval"), "Gate evaluation interval")
	cmd.PersistentFlags().Duration("batch-cooldown", defaults.GetDuration("engine.batch_cooldown"), "Pause between batch jobs")
	cmd.PersistentFlags().Duration("submit-timeout", defaults.GetDuration("engine.submit_timeout"), "Per-job submission timeout (0 disables)")
	cmd.PersistentFlags().String("printer-command", defaults.GetString("printer.command"), "Spool command for physical printers, empty to save documents only")
	cmd.PersistentFlags().String("output-dir", defaults.GetString("printer.output_dir"), "Directory for save-as-document output")
	cmd.PersistentFlags().String("state-backend", defaults.GetString("state.backend"), "Local state backend (sqlite, redis)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the redis state backend")
	cmd.PersistentFlags().StringSlice("kafka-brokers", nil, "Kafka brokers for external change notifications")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "engine.poll_interval", "poll-interval")
	bindFlag(cmd, "engine.batch_cooldown", "batch-cooldown")
	bindFlag(cmd, "engine.submit_timeout", "submit-timeout")
	bindFlag(cmd, "printer.command", "printer-command")
	bindFlag(cmd, "printer.output_dir", "output-dir")
	bindFlag(cmd, "state.backend", "state-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

func issueToken(cmd *cobra.Command, handle string, ttl time.Duration) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		TTL:           ttl,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(appConfig.UserID, handle)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userID, err := drops.NewUserID(appConfig.UserID)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := changes.NewDispatcher()

	dropService, err := drops.NewService(drops.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		IDProvider:     drops.NewUUIDProvider(),
		Notifier:       dispatcher,
		Logger:         logger,
		SystemAuthorID: appConfig.SystemAuthorID,
	})
	if err != nil {
		return err
	}
	systemAuthor, err := drops.NewUserID(dropService.SystemAuthorID())
	if err != nil {
		return err
	}
	if err := dropService.RegisterAuthor(signalCtx, systemAuthor, systemAuthorHandle); err != nil {
		return err
	}

	deliveryLedger, err := ledger.New(ledger.Config{
		Database: db,
		Clock:    time.Now,
		Notifier: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	feedBuilder, err := feed.NewBuilder(dropService, deliveryLedger)
	if err != nil {
		return err
	}

	store, closeStore, err := openStateStore(signalCtx, appConfig, db)
	if err != nil {
		return err
	}
	defer closeStore()

	devices := printing.NoDevice(logger)
	if strings.TrimSpace(appConfig.PrinterCommand) != "" {
		devices = printing.NewCommandSink(appConfig.PrinterCommand, nil, logger)
	}
	sink := printing.Router{
		Documents: printing.NewPDFSink(printing.DirectoryPrompter{Dir: appConfig.OutputDir}, logger),
		Devices:   devices,
	}

	registry := metrics.NewRegistry()

	deliveryEngine, err := engine.New(engine.Config{
		UserID:        userID,
		Feed:          feedBuilder,
		Ledger:        deliveryLedger,
		Settings:      state.NewSettings(store, userID.String()),
		Sink:          sink,
		Bus:           dispatcher,
		Metrics:       metrics.NewEngine(registry),
		Logger:        logger,
		PollInterval:  appConfig.PollInterval,
		BatchCooldown: appConfig.BatchCooldown,
		SubmitTimeout: appConfig.SubmitTimeout,
	})
	if err != nil {
		return err
	}
	if err := deliveryEngine.Start(signalCtx); err != nil {
		return err
	}
	defer deliveryEngine.Stop()

	if len(appConfig.KafkaBrokers) > 0 {
		source, err := changes.NewKafkaSource(changes.KafkaSourceConfig{
			Brokers:    appConfig.KafkaBrokers,
			Topic:      appConfig.KafkaTopic,
			GroupID:    appConfig.KafkaGroupID,
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := source.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka change source stopped", zap.Error(err))
			}
		}()
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Owner:         userID.String(),
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		UserID:   userID,
		Engine:   deliveryEngine,
		Drops:    dropService,
		Sessions: validator,
		Events:   dispatcher,
		Metrics:  metrics.Handler(registry),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("user_id", userID.String()),
			zap.String("state_backend", appConfig.StateBackend))
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

func openStateStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB) (state.Store, func(), error) {
	if appConfig.StateBackend != config.StateBackendRedis {
		store, err := state.NewSQLiteStore(db, time.Now)
		return store, func() {}, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis state backend: %w", err)
	}
	store, err := state.NewRedisStore(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
