package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikke-map/mikke-api/internal/auth"
	"github.com/mikke-map/mikke-api/internal/badges"
	"github.com/mikke-map/mikke-api/internal/cache"
	"github.com/mikke-map/mikke-api/internal/config"
	"github.com/mikke-map/mikke-api/internal/database"
	"github.com/mikke-map/mikke-api/internal/logging"
	"github.com/mikke-map/mikke-api/internal/media"
	"github.com/mikke-map/mikke-api/internal/server"
	"github.com/mikke-map/mikke-api/internal/spots"
	"github.com/mikke-map/mikke-api/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mikke-api",
		Short: "Mikke spot discovery backend service",
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
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("auth.google_client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("auth.google_jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token TTL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cloudinary-url", "", "Cloudinary URL for photo uploads (empty disables uploads)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the summary cache (empty disables caching)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.google_client_id", "google-client-id")
	bindFlag(cmd, "auth.google_jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "media.cloudinary_url", "cloudinary-url")
	bindFlag(cmd, "cache.redis_address", "redis-address")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience: appConfig.GoogleClientID,
		JWKSURL:  appConfig.GoogleJWKSURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var summaryCache badges.SummaryCache
	if appConfig.RedisAddress != "" {
		redisCache, err := cache.NewRedisSummaryCache(cache.SummaryCacheConfig{
			Addr:   appConfig.RedisAddress,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer redisCache.Close()
		summaryCache = redisCache
	}

	badgeStore, err := badges.NewGormStore(db)
	if err != nil {
		return err
	}
	recounter, err := spots.NewRecounter(db)
	if err != nil {
		return err
	}
	badgeService, err := badges.NewService(badges.ServiceConfig{
		Store:     badgeStore,
		Recounter: recounter,
		Cache:     summaryCache,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	spotService, err := spots.NewService(spots.ServiceConfig{
		Database: db,
		Provider: spots.NewUUIDProvider(),
		Recorder: badgeService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var uploader server.PhotoUploader
	if appConfig.CloudinaryURL != "" {
		cloudinaryUploader, err := media.NewUploader(media.UploaderConfig{
			CloudinaryURL: appConfig.CloudinaryURL,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		uploader = cloudinaryUploader
	} else {
		logger.Warn("cloudinary url not configured, photo uploads disabled")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		SpotService:    spotService,
		UserService:    userService,
		BadgeService:   badgeService,
		Uploader:       uploader,
		Celebrations:   server.NewCelebrationDispatcher(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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
