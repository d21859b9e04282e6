package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/truongvando/ezstream/internal/agent"
	"github.com/truongvando/ezstream/internal/conf"
)

// Command creates the command that runs the streaming agent.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent [host-id bus-host bus-port bus-password]",
		Short: "Run the streaming agent",
		Long: "Connect to the control-plane bus and manage ffmpeg relay processes " +
			"for this host. The four positional arguments override the configured " +
			"host identity and bus connection; with no arguments the configuration " +
			"file and environment are used as-is.",
		Args: cobra.RangeArgs(0, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := settings.ApplyLaunchArgs(args); err != nil {
				return err
			}

			a, err := agent.New(settings)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the agent command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Main.HostID, "host-id", viper.GetString("main.hostid"), "Host identity on the control plane")
	cmd.Flags().StringVar(&settings.Bus.Host, "bus-host", viper.GetString("bus.host"), "Control-plane bus host")
	cmd.Flags().IntVar(&settings.Bus.Port, "bus-port", viper.GetInt("bus.port"), "Control-plane bus port")
	cmd.Flags().StringVar(&settings.Staging.Root, "staging-root", viper.GetString("staging.root"), "Base directory for staged media")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Enable the Prometheus metrics endpoint")
	cmd.Flags().StringVar(&settings.Metrics.Listen, "listen", viper.GetString("metrics.listen"), "Listen address and port of the metrics endpoint")

	// Bind flags to the viper settings
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
