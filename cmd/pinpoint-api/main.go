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
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
	"github.com/pinpointhq/pinpoint/backend/internal/capture"
	"github.com/pinpointhq/pinpoint/backend/internal/config"
	"github.com/pinpointhq/pinpoint/backend/internal/database"
	"github.com/pinpointhq/pinpoint/backend/internal/identity"
	"github.com/pinpointhq/pinpoint/backend/internal/logging"
	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
	"github.com/pinpointhq/pinpoint/backend/internal/server"
	"github.com/pinpointhq/pinpoint/backend/internal/storage"
	"github.com/pinpointhq/pinpoint/backend/internal/viewstate"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pinpoint-api",
		Short: "Pinpoint annotation backend service",
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
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis connection URL")
	cmd.PersistentFlags().String("minio-endpoint", defaults.GetString("minio.endpoint"), "MinIO endpoint for attachments")
	cmd.PersistentFlags().String("minio-bucket", defaults.GetString("minio.bucket"), "MinIO attachment bucket")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "minio.endpoint", "minio-endpoint")
	bindFlag(cmd, "minio.bucket", "minio-bucket")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	sessionIssuer, err := identity.NewSessionIssuer(identity.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	annotationService, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: annotations.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	viewStateService, err := viewstate.NewService(viewstate.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	broker, err := realtime.NewRedisBroker(realtime.RedisBrokerConfig{
		RedisURL: appConfig.RedisURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer broker.Close() //nolint:errcheck

	var attachmentStore server.AttachmentStore
	if appConfig.MinioEndpoint != "" {
		objectStore, err := storage.NewObjectStore(ctx, storage.ObjectStoreConfig{
			Endpoint:  appConfig.MinioEndpoint,
			AccessKey: appConfig.MinioAccess,
			SecretKey: appConfig.MinioSecret,
			Bucket:    appConfig.MinioBucket,
			UseTLS:    appConfig.MinioUseTLS,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		attachmentStore = objectStore
	} else {
		logger.Warn("minio endpoint not configured, attachment uploads disabled")
	}

	capturer := capture.NewCapturer(capture.CapturerConfig{Logger: logger})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:    sessionIssuer,
		Identity:    identityService,
		Annotations: annotationService,
		Broker:      broker,
		ViewState:   viewStateService,
		Capturer:    capturer,
		Attachments: attachmentStore,
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
