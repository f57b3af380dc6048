// SkyMesh Central Aggregator
// Receives drone summaries, keeps history, and relays operator commands
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skymesh/drone-gateway/internal/central"
	"github.com/skymesh/drone-gateway/internal/storage"
)

// Config represents the configuration file structure
type Config struct {
	Server struct {
		ListenAddr   string `yaml:"listen_addr"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "skymesh-central",
		Short: "SkyMesh Central Aggregator",
		Long:  "Central endpoint for SkyMesh drones. Stores summary history and exposes the operator query and control API.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the central aggregator",
		RunE:  runCentral,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("SkyMesh Central Aggregator v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/skymesh/central.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func runCentral(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	var lvl slog.Level
	switch cfg.Logging.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl}))
	slog.SetDefault(log)

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	srvCfg := central.DefaultConfig()
	if cfg.Server.ListenAddr != "" {
		srvCfg.ListenAddr = cfg.Server.ListenAddr
	}
	if cfg.Server.HistoryLimit > 0 {
		srvCfg.HistoryLimit = cfg.Server.HistoryLimit
	}

	srv := central.New(srvCfg, db, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start central server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())

	if err := srv.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}
