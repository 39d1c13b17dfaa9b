package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/logstore"
	"github.com/keyamuha-ux/collede/pkg/logutil"
	"github.com/keyamuha-ux/collede/pkg/proxy"
	"github.com/keyamuha-ux/collede/pkg/version"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

// envOverlay applies environment overrides. It is kept out of the file view
// so settings saved at runtime never write environment values to disk.
func envOverlay(c *config.ServerConfig) {
	c.ApplyEnv(os.Getenv)
}

// loadConfig reads the server config and returns the file view together with
// the validated live view after overlay. A missing file falls back to
// defaults so that a fully environment-driven deployment needs no TOML at all.
func loadConfig(path string, overlay func(*config.ServerConfig)) (file, live *config.ServerConfig, err error) {
	file, err = config.LoadServerConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load server config: %w", err)
		}
		log.Warn("no server config found, using defaults", "path", path)
		file = config.NewDefaultServerConfig()
		file.Normalize()
	}
	snap := config.NewServerConfigStoreWithOverlay(path, file, overlay).Snapshot()
	if err := snap.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid server config: %w", err)
	}
	return file, &snap, nil
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			overlay := envOverlay
			if cmd.Flags().Changed("listen-addr") {
				overlay = func(c *config.ServerConfig) {
					envOverlay(c)
					c.ListenAddr = serveListenAddrOverride
				}
			}
			file, cfg, err := loadConfig(serveConfigPath, overlay)
			if err != nil {
				return err
			}
			level, format := logLevel, logFormat
			if level == "" {
				level = cfg.LogLevel
			}
			if format == "" {
				format = cfg.LogFormat
			}
			logs := logstore.NewStore(filepath.Join(cfg.DataDir, "logs.json"), logstore.DefaultMaxLines)
			if err := logutil.ConfigureOutput(io.MultiWriter(os.Stderr, logs.Writer()), level, format); err != nil {
				return err
			}

			srv, err := proxy.NewServer(serveConfigPath, file, proxy.WithConfigOverlay(overlay), proxy.WithLogStore(logs))
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if err := srv.Close(); err != nil {
					log.Warn("close server", "err", err)
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting collede", "version", version.String(), "listen", cfg.ListenAddr, "storage", cfg.Storage.Driver, "usage", cfg.Usage.Backend)
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}
