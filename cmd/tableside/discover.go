package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/config"
	"github.com/MarcoPoloResearchLab/tableside/internal/discovery"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDiscoverCommand() *cobra.Command {
	defaults := config.NewViper()
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List hubs advertised on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaults.GetDuration("discovery.timeout"), "How long to listen for answers")
	return cmd
}

func runDiscover(ctx context.Context, timeout time.Duration, out io.Writer) error {
	appConfig := config.Load(viper.GetViper())
	signalCtx, stop := signalContext(ctx)
	defer stop()

	hubs, err := discovery.Browse(signalCtx, timeout, appConfig.Device.RestaurantID)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(hubs)
}
