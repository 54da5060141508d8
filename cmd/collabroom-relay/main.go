package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/auth"
	"github.com/MarcoPoloResearchLab/collabroom/internal/cluster"
	"github.com/MarcoPoloResearchLab/collabroom/internal/config"
	"github.com/MarcoPoloResearchLab/collabroom/internal/database"
	"github.com/MarcoPoloResearchLab/collabroom/internal/logging"
	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/relay"
	"github.com/MarcoPoloResearchLab/collabroom/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabroom-relay",
		Short: "Collaborative page relay service",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Origins allowed to open the event channel")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Durable store driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Credential signing secret (overrides env)")
	cmd.PersistentFlags().Duration("lock-ttl", defaults.GetDuration("relay.lock_ttl"), "Editing lock lifetime without a refresh (0 keeps locks until release or disconnect)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared locks and cross-instance fan-out")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "relay.lock_ttl", "lock-ttl")
	bindFlag(cmd, "redis.address", "redis-address")
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

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	verifier, err := auth.NewCredentialVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	pagesService, err := pages.NewService(pages.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: pages.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubConfig := relay.Config{
		Store:        pagesService,
		LockTTL:      appConfig.LockTTL,
		SendBuffer:   appConfig.SendBuffer,
		PingInterval: appConfig.PingInterval,
		PongWait:     appConfig.PongWait,
		Logger:       logger,
	}

	var redisFanout *cluster.RedisFanout
	if appConfig.RedisAddress != "" {
		redisClient, err := cluster.Connect(signalCtx, cluster.Options{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()

		locks, err := cluster.NewRedisLockStore(redisClient, time.Now)
		if err != nil {
			return err
		}
		redisFanout, err = cluster.NewRedisFanout(redisClient, logger)
		if err != nil {
			return err
		}
		hubConfig.Locks = locks
		hubConfig.Fanout = redisFanout
		logger.Info("shared relay state enabled",
			zap.String("redis_address", appConfig.RedisAddress),
			zap.String("instance_id", redisFanout.InstanceID()))
	}

	hub, err := relay.NewHub(hubConfig)
	if err != nil {
		return err
	}
	defer hub.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		PagesService:   pagesService,
		Relay:          hub,
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

	errCh := make(chan error, 2)
	if redisFanout != nil {
		go func() {
			if err := redisFanout.Run(signalCtx, hub.DeliverRemote); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
