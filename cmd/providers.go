package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/proxy"
	"github.com/spf13/cobra"
)

var providersConfigPath string

func init() {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and sync upstream providers",
	}
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the model list of every provider and update the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _, err := loadConfig(providersConfigPath, envOverlay)
			if err != nil {
				return err
			}
			srv, err := proxy.NewServer(providersConfigPath, file, proxy.WithConfigOverlay(envOverlay))
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			report, syncErr := srv.Registry().SyncAll(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return syncErr
		},
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured providers with masked keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(providersConfigPath, envOverlay)
			if err != nil {
				return err
			}
			gw := config.NewGatewayStore(cfg.GatewayDir()).Get(config.ScopeSystem)
			out := cmd.OutOrStdout()
			if len(gw.Providers) == 0 {
				fmt.Fprintln(out, "No providers configured.")
				return nil
			}
			for _, p := range gw.Providers {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.APIBaseURL, config.MaskProviderKey(p.APIKey))
			}
			return nil
		},
	}
	providersCmd.PersistentFlags().StringVar(&providersConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	providersCmd.AddCommand(syncCmd, listCmd)
	rootCmd.AddCommand(providersCmd)
}
