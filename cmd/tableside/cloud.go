package main

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloud"
	"github.com/MarcoPoloResearchLab/tableside/internal/config"
	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newCloudCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Run the cloud order API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCloud(cmd.Context())
		},
	}
	cmd.Flags().String("listen", defaults.GetString("cloud.listen"), "Cloud API listen address")
	cmd.Flags().String("driver", defaults.GetString("cloud.driver"), "Database driver (sqlite, postgres)")
	cmd.Flags().String("dsn", defaults.GetString("cloud.dsn"), "SQLite path or postgres DSN")

	bindLocalFlag(cmd, "cloud.listen", "listen")
	bindLocalFlag(cmd, "cloud.driver", "driver")
	bindLocalFlag(cmd, "cloud.dsn", "dsn")
	return cmd
}

func runCloud(ctx context.Context) error {
	appConfig, err := config.LoadCloud(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.Cloud.Driver, appConfig.Cloud.DSN, cloud.Schema(), logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	store, err := cloud.NewGormStore(cloud.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	tokens, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	handler, err := server.NewCloudHandler(server.CloudDependencies{
		Tokens: tokens,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signalContext(ctx)
	defer stop()
	logger.Info("cloud api configured", zap.String("driver", appConfig.Cloud.Driver))
	return serveHTTP(signalCtx, &http.Server{Addr: appConfig.Cloud.Listen, Handler: handler}, logger)
}
