package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloudsync"
	"github.com/MarcoPoloResearchLab/tableside/internal/config"
	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/discovery"
	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/hub"
	"github.com/MarcoPoloResearchLab/tableside/internal/hubcache"
	"github.com/MarcoPoloResearchLab/tableside/internal/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newHubCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the premises relay station",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(cmd.Context())
		},
	}
	cmd.Flags().String("listen", defaults.GetString("hub.listen"), "Hub HTTP listen address")
	cmd.Flags().String("cache-path", defaults.GetString("hub.cache_path"), "Hub SQLite cache path")
	cmd.Flags().String("station-id", "", "Stable station id (generated when empty)")
	cmd.Flags().Bool("advertise", defaults.GetBool("hub.advertise"), "Publish the hub over mDNS")
	cmd.Flags().Duration("flush-interval", defaults.GetDuration("hub.flush_interval"), "Cloud flush interval")

	bindLocalFlag(cmd, "hub.listen", "listen")
	bindLocalFlag(cmd, "hub.cache_path", "cache-path")
	bindLocalFlag(cmd, "hub.station_id", "station-id")
	bindLocalFlag(cmd, "hub.advertise", "advertise")
	bindLocalFlag(cmd, "hub.flush_interval", "flush-interval")
	return cmd
}

func runHub(ctx context.Context) error {
	appConfig, err := config.LoadHub(viper.GetViper())
	if err != nil {
		return err
	}
	hubConfig := appConfig.Hub

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stationID := hubConfig.StationID
	if stationID == "" {
		stationID = "station-" + uuid.NewString()
	}
	logger = logger.With(zap.String("station_id", stationID), zap.String("restaurant_id", hubConfig.RestaurantID))

	db, err := database.OpenSQLite(hubConfig.CachePath, hubcache.Schema(), logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	cache, err := hubcache.New(hubcache.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	bus := events.NewBus()
	service, err := hub.New(hub.Config{
		Cache:     cache,
		Bus:       bus,
		Logger:    logger,
		StationID: stationID,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewHubHandler(server.HubDependencies{
		Service:   service,
		Cache:     cache,
		Bus:       bus,
		Logger:    logger,
		Heartbeat: hubConfig.Heartbeat,
	})
	if err != nil {
		return err
	}

	var flusher *hub.Flusher
	if hubConfig.CloudURL != "" {
		syncClient, err := newHubSyncClient(appConfig, stationID, logger)
		if err != nil {
			return err
		}
		flusher, err = hub.NewFlusher(hub.FlusherConfig{
			Cache:     cache,
			Sync:      syncClient,
			Bus:       bus,
			Logger:    logger,
			Signal:    service.FlushSignal(),
			Interval:  hubConfig.FlushInterval,
			BatchSize: hubConfig.FlushBatch,
			Retention: hubConfig.Retention,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("cloud.url not set; hub keeps orders locally")
	}

	signalCtx, stop := signalContext(ctx)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return serveHTTP(groupCtx, &http.Server{Addr: hubConfig.Listen, Handler: handler}, logger)
	})
	if flusher != nil {
		group.Go(func() error {
			return flusher.Run(groupCtx)
		})
	}

	if hubConfig.Advertise {
		teardown := advertiseHub(hubConfig, stationID, logger)
		defer teardown()
	}

	return group.Wait()
}

func newHubSyncClient(appConfig config.AppConfig, stationID string, logger *zap.Logger) (*cloudsync.Client, error) {
	store, err := newCloudStore(appConfig, appConfig.Hub.CloudURL, "hub:"+stationID)
	if err != nil {
		return nil, err
	}
	notifier, err := newNotifier(appConfig.Hub.NotifyURL)
	if err != nil {
		return nil, err
	}
	return cloudsync.NewClient(cloudsync.Config{Store: store, Notifier: notifier, Logger: logger})
}

// advertiseHub publishes the hub over mDNS. Failures are logged and the hub keeps serving.
func advertiseHub(hubConfig config.Hub, stationID string, logger *zap.Logger) func() {
	port, err := listenPort(hubConfig.Listen)
	if err != nil {
		logger.Warn("hub advertisement skipped", zap.Error(err))
		return func() {}
	}
	advertiser, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Instance:     "tableside-" + stationID,
		StationID:    stationID,
		RestaurantID: hubConfig.RestaurantID,
		Port:         port,
		Logger:       logger,
	})
	if err != nil {
		logger.Warn("hub advertisement skipped", zap.Error(err))
		return func() {}
	}
	advertisement, err := advertiser.Start()
	if err != nil {
		logger.Warn("hub advertisement failed", zap.Error(err))
		return func() {}
	}
	return advertisement.Teardown
}

func listenPort(address string) (int, error) {
	_, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q has no usable port", address)
	}
	return port, nil
}
