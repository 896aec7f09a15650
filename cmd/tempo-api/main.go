package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/owners"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/playlist"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tempo-api",
		Short: "Tempo playlist backend service",
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
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("bucket-size", defaults.GetInt("playlist.bucket_size"), "Pagination bucket capacity")
	cmd.PersistentFlags().Int("max-page-limit", defaults.GetInt("playlist.max_page_limit"), "Maximum paged-read limit")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "playlist.bucket_size", "bucket-size")
	bindFlag(cmd, "playlist.max_page_limit", "max-page-limit")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Issuer,
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	deviceVerifier, err := auth.NewDeviceTokenValidator(auth.DeviceTokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.DeviceIssuer,
	})
	if err != nil {
		return err
	}

	ownerService, err := owners.NewService(owners.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	playlistService, err := playlist.NewService(playlist.ServiceConfig{
		Database:     db,
		Allocator:    playlist.NewCounterAllocator(),
		Logger:       logger,
		BucketSize:   appConfig.BucketSize,
		MaxPageLimit: appConfig.MaxPageLimit,
		MaxInFlight:  appConfig.MaxInFlight,
	})
	if err != nil {
		return err
	}
	defer playlistService.Dispose()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		DeviceVerifier:  deviceVerifier,
		TokenManager:    tokenManager,
		OwnerResolver:   ownerService,
		PlaylistService: playlistService,
		Logger:          logger,
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
