package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/auth"
	"github.com/MarcoPoloResearchLab/tableside/internal/cloud"
	"github.com/MarcoPoloResearchLab/tableside/internal/config"
	"github.com/MarcoPoloResearchLab/tableside/internal/logging"
	"github.com/MarcoPoloResearchLab/tableside/internal/notify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "tableside",
		Short:        "Offline-first restaurant order capture and sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newHubCommand(), newCloudCommand(), newDeviceCommand(), newDiscoverCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("restaurant-id", "", "Restaurant served by this process")
	cmd.PersistentFlags().String("cloud-url", "", "Cloud API base URL")
	cmd.PersistentFlags().String("signing-secret", "", "Shared token signing secret (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "restaurant.id", "restaurant-id")
	bindFlag(cmd, "cloud.url", "cloud-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tableside")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newLogger builds the process logger and keeps its level in sync with the config file.
func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	logger, level, err := logging.New(logging.Options{Level: appConfig.Log.Level, File: appConfig.Log.File})
	if err != nil {
		return nil, err
	}
	logging.WatchLevel(viper.GetViper(), level, logger)
	return logger, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// serveHTTP runs httpServer until ctx ends, then shuts it down gracefully.
func serveHTTP(ctx context.Context, httpServer *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
}

// newCloudStore returns the REST client a device or hub uses to reach the cloud API.
func newCloudStore(appConfig config.AppConfig, baseURL, subject string) (*cloud.HTTPStore, error) {
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenSource(issuer, subject)
	if err != nil {
		return nil, err
	}
	return cloud.NewHTTPStore(cloud.HTTPStoreConfig{BaseURL: baseURL, Tokens: tokens})
}

func newNotifier(endpoint string) (notify.Notifier, error) {
	if endpoint == "" {
		return notify.Nop{}, nil
	}
	return notify.NewHTTPNotifier(notify.HTTPNotifierConfig{Endpoint: endpoint})
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}
