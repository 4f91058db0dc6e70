// Command swarmd runs a swarm host: it accepts pipes over websockets and
// QUIC, keeps replicas in a bbolt file and, for servers, discovers the
// other servers with gossip.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	flagConfig = defaultConfig()

	rootCmd = &cobra.Command{
		Use:          "swarmd",
		Short:        "Causally consistent object replication daemon",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a host until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags(), &flagConfig)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags(), &flagConfig)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	bindFlags(serveCmd.Flags(), &flagConfig)
	bindFlags(configCmd.Flags(), &flagConfig)
	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
