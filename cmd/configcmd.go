package cmd

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
)

func init() {
	var configPath string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the server config",
	}
	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved server config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(configPath)
			if err != nil {
				return err
			}
			b, err := toml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", configPath, b)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadOrCreateServerConfig(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config at %s\n", configPath)
			return nil
		},
	})

	rootCmd.AddCommand(configCmd)
}
