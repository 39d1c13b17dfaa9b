package cmd

import (
	"fmt"
	"os"

	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configServerPath string
	configForce      bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server config file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configServerPath); err == nil && !configForce {
				return fmt.Errorf("%s already exists, pass --force to overwrite", configServerPath)
			}
			if err := config.Save(configServerPath, config.NewDefaultServerConfig()); err != nil {
				return fmt.Errorf("write server config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configServerPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config after environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(configServerPath, envOverlay)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Auth.JWTSecret != "" {
				redacted.Auth.JWTSecret = "redacted"
			}
			if redacted.Redis.Password != "" {
				redacted.Redis.Password = "redacted"
			}
			b, err := config.MarshalTOML(redacted)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	configCmd.PersistentFlags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	configCmd.AddCommand(initCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}
