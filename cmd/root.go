package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	agentcmd "github.com/truongvando/ezstream/cmd/agent"
	"github.com/truongvando/ezstream/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezstream-agent",
		Short: "EZStream VPS streaming agent",
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		agentcmd.Command(settings),
		versionCommand(settings),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// versionCommand prints the build version and date.
func versionCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the agent",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("ezstream-agent %s (built %s)\n", settings.Version, settings.BuildDate)
		},
	}
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
