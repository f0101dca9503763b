package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/foxzi/promobot/internal/api"
	"github.com/foxzi/promobot/internal/app"
	"github.com/foxzi/promobot/internal/config"
)

const defaultConfigPath = "/etc/promobot/config.yaml"

var (
	cfgFile   string
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "promobot",
	Short:         "Promobot - Telegram marketing backend",
	Long:          `Promobot delivers posts and coupon campaigns to Telegram subscribers and redeems coupons through an admin bot.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		api.Version = version
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bots, queue workers and HTTP API",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("promobot version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "config file path (empty: environment only)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := app.SetupLogger(cfg.Logging)

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(cmd.Context())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Context(), cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API:        %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database:   %s\n", cfg.Database.Driver)
	fmt.Printf("  State:      %s\n", cfg.State.Path)
	fmt.Printf("  Attention:  %s %s, stale after %d days\n", cfg.Attention.RunAt, cfg.Attention.Timezone, cfg.Attention.StaleDays)
	fmt.Printf("  Queues:     posts every %s, sales rules every %s\n", cfg.Queue.PostInterval, cfg.Queue.SalesRuleInterval)
	fmt.Printf("  Redis:      %v\n", cfg.Redis.Enabled())
	fmt.Printf("  Metrics:    %v\n", cfg.Metrics.Enabled)

	if err := cfg.ValidateBots(); err != nil {
		fmt.Printf("\nWarning: %v\n", err)
	}
	if cfg.Telegram.DisableUpdates {
		fmt.Printf("Warning: telegram.disable_updates set, /start registration handled elsewhere\n")
	}
	if cfg.Telegram.AdminToken == "" {
		fmt.Printf("Warning: telegram.admin_token not set, coupon redemption bot disabled\n")
	}

	return nil
}
