package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tessella-app/tessella/internal/auth"
	"github.com/tessella-app/tessella/internal/board"
	"github.com/tessella-app/tessella/internal/buffer"
	"github.com/tessella-app/tessella/internal/config"
	"github.com/tessella-app/tessella/internal/database"
	"github.com/tessella-app/tessella/internal/export"
	"github.com/tessella-app/tessella/internal/logging"
	"github.com/tessella-app/tessella/internal/server"
	"github.com/tessella-app/tessella/internal/users"
	"go.uber.org/zap"
)

const sessionIssuer = "tessella-auth"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tessella-api",
		Short: "Tessella board synchronization service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("flush-window-ms", defaults.GetInt("sync.flush_window_ms"), "Persistence buffer flush window in milliseconds")
	cmd.PersistentFlags().Int("checkpoint-interval", defaults.GetInt("sync.checkpoint_interval"), "Operations between automatic checkpoints")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.flush_window_ms", "flush-window-ms")
	bindFlag(cmd, "sync.checkpoint_interval", "checkpoint-interval")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	boardService, err := board.NewService(board.ServiceConfig{
		Database:           db,
		Clock:              time.Now,
		IDProvider:         board.NewUUIDProvider(),
		Logger:             logger,
		CheckpointInterval: appConfig.CheckpointInterval,
		CachedOpsLimit:     appConfig.CachedOpsLimit,
		ChatHistoryLimit:   appConfig.ChatHistoryLimit,
	})
	if err != nil {
		return err
	}

	writeBuffer, err := buffer.New(buffer.Config{
		Flusher: boardService,
		Window:  time.Duration(appConfig.FlushWindowMillis) * time.Millisecond,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	coordinator, err := server.NewCoordinator(server.CoordinatorConfig{
		Service:   boardService,
		Buffer:    writeBuffer,
		Users:     userService,
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	exporter, err := export.NewService(export.ServiceConfig{
		Boards: boardService,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator: coordinator,
		Validator:   validator,
		Boards:      boardService,
		Users:       userService,
		Exporter:    exporter,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Drain buffered writes so a clean stop loses nothing.
		writeBuffer.FlushAll()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
