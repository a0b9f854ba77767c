package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloudsync"
	"github.com/MarcoPoloResearchLab/tableside/internal/config"
	"github.com/MarcoPoloResearchLab/tableside/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tableside/internal/coordinator"
	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/discovery"
	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/hubclient"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/protocol"
	"github.com/MarcoPoloResearchLab/tableside/internal/queue"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newDeviceCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Capture orders on a point-of-sale device",
	}
	cmd.PersistentFlags().String("device-id", "", "Stable device id")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("queue.path"), "Device SQLite queue path")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "queue.path", "queue-path")

	cmd.AddCommand(newDeviceRunCommand(), newDeviceEnqueueCommand(), newDeviceStatusCommand())
	return cmd
}

func newDeviceRunCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the device queue flowing to the hub and the cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context())
		},
	}
	cmd.Flags().String("hub-url", "", "Hub websocket URL (discovered over mDNS when empty)")
	cmd.Flags().String("device-name", "", "Display name announced to the hub")
	cmd.Flags().String("device-role", defaults.GetString("device.role"), "Device role announced to the hub")
	cmd.Flags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Periodic sync interval")

	bindLocalFlag(cmd, "hub.url", "hub-url")
	bindLocalFlag(cmd, "device.name", "device-name")
	bindLocalFlag(cmd, "device.role", "device-role")
	bindLocalFlag(cmd, "sync.interval", "sync-interval")
	return cmd
}

func newDeviceEnqueueCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue orders from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), file, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Order file (YAML or JSON, - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDeviceStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue counts and failed records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func openQueue(deviceConfig config.Device, logger *zap.Logger) (*queue.Queue, *gorm.DB, error) {
	db, err := database.OpenSQLite(deviceConfig.QueuePath, queue.Schema(), logger)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New(queue.Config{
		Database:   db,
		IDProvider: orders.NewUUIDProvider(),
		Logger:     logger,
		MaxRetries: deviceConfig.MaxRetries,
	})
	if err != nil {
		closeDatabase(db, logger)
		return nil, nil, err
	}
	return q, db, nil
}

func runDevice(ctx context.Context) error {
	appConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}
	deviceConfig := appConfig.Device

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("device_id", deviceConfig.ID), zap.String("restaurant_id", deviceConfig.RestaurantID))

	q, db, err := openQueue(deviceConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	recovered, err := q.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn("recovered interrupted records", zap.Int64("count", recovered))
	}

	bus := events.NewBus()
	hubClient, err := newDeviceHubClient(deviceConfig, bus, logger)
	if err != nil {
		return err
	}
	coordinatorConfig := coordinator.Config{
		Queue:    q,
		Hub:      hubClient,
		Bus:      bus,
		Logger:   logger,
		Interval: deviceConfig.SyncInterval,
	}
	var monitor *connectivity.Monitor
	if deviceConfig.CloudURL != "" {
		var syncClient *cloudsync.Client
		monitor, syncClient, err = newDeviceCloudSync(appConfig, bus, logger)
		if err != nil {
			return err
		}
		defer syncClient.Wait()
		coordinatorConfig.Connectivity = monitor
		coordinatorConfig.Sync = syncClient
	} else {
		logger.Warn("cloud.url not set; device relays through the hub only")
	}
	syncCoordinator, err := coordinator.New(coordinatorConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signalContext(ctx)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logDeviceEvents(groupCtx, bus, logger)
		return nil
	})
	group.Go(func() error {
		return hubClient.Run(groupCtx)
	})
	if monitor != nil {
		group.Go(func() error {
			return monitor.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return syncCoordinator.Run(groupCtx)
	})

	return group.Wait()
}

func newDeviceHubClient(deviceConfig config.Device, bus *events.Bus, logger *zap.Logger) (*hubclient.Client, error) {
	hubConfig := hubclient.Config{
		URL: deviceConfig.HubURL,
		Device: protocol.Register{
			DeviceID:     deviceConfig.ID,
			DeviceName:   deviceConfig.Name,
			DeviceRole:   deviceConfig.Role,
			RestaurantID: deviceConfig.RestaurantID,
		},
		Handler: hubclient.EventHandler(bus, logger),
		Bus:     bus,
		Logger:  logger,
	}
	if hubConfig.URL == "" {
		hubConfig.Resolver = discovery.Resolver(deviceConfig.RestaurantID, deviceConfig.DiscoverTimeout)
	}
	return hubclient.New(hubConfig)
}

func newDeviceCloudSync(appConfig config.AppConfig, bus *events.Bus, logger *zap.Logger) (*connectivity.Monitor, *cloudsync.Client, error) {
	deviceConfig := appConfig.Device
	prober, err := connectivity.NewHTTPProber(deviceConfig.ProbeURL, nil)
	if err != nil {
		return nil, nil, err
	}
	monitor, err := connectivity.NewMonitor(connectivity.Config{
		Prober:   prober,
		Passive:  connectivity.InterfacesUp,
		Bus:      bus,
		Logger:   logger,
		Interval: deviceConfig.ProbeInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	store, err := newCloudStore(appConfig, deviceConfig.CloudURL, "device:"+deviceConfig.ID)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := newNotifier(deviceConfig.NotifyURL)
	if err != nil {
		return nil, nil, err
	}
	syncClient, err := cloudsync.NewClient(cloudsync.Config{Store: store, Notifier: notifier, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return monitor, syncClient, nil
}

func logDeviceEvents(ctx context.Context, bus *events.Bus, logger *zap.Logger) {
	stream, stop := bus.Subscribe(ctx,
		events.Online, events.Offline,
		events.HubConnected, events.HubDisconnected,
		events.SyncError, events.OrderReceived)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			logger.Info("device event", zap.String("event", string(event.Type)), zap.Any("data", event.Data))
		}
	}
}

func runEnqueue(ctx context.Context, path string, out io.Writer) error {
	appConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var reader io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		reader = file
	}
	entries, err := readOrderFile(reader, appConfig.Device.RestaurantID, appConfig.Device.ID)
	if err != nil {
		return err
	}

	q, db, err := openQueue(appConfig.Device, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	encoder := json.NewEncoder(out)
	for _, entry := range entries {
		clientID, err := q.Enqueue(ctx, entry.Order, entry.Items)
		if err != nil {
			return fmt.Errorf("enqueue order for table %q: %w", entry.Order.TableID, err)
		}
		if err := encoder.Encode(map[string]string{"clientId": clientID}); err != nil {
			return err
		}
	}
	return nil
}

type deviceStatus struct {
	Stats  queue.Stats     `json:"stats"`
	Failed []orders.Record `json:"failed"`
}

func runDeviceStatus(ctx context.Context, out io.Writer) error {
	appConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	q, db, err := openQueue(appConfig.Device, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	failed, err := q.ListFailed(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(deviceStatus{Stats: stats, Failed: failed})
}
