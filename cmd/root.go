package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/keyamuha-ux/collede/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
	envFile   string
)

var rootCmd = &cobra.Command{
	Use:   "collede",
	Short: "Multi-tenant OpenAI-compatible gateway",
	Long:  "Collede fronts one or more OpenAI-compatible providers with per-user keys, daily request quotas and an admin API.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "Log level (trace, debug, info, warn, error, fatal); defaults to log_level from config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "logformat", "", "Log format (text, json, logfmt); defaults to log_format from config")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this dotenv file before reading config")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel, logFormat)
	}
}

// loadEnvFile reads an explicit dotenv file, or .env in the working directory
// when one exists. Variables already set in the process win.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}
