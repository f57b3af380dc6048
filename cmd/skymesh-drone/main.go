// SkyMesh Drone Gateway
// Main entry point for the drone edge node service
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skymesh/drone-gateway/internal/aggregate"
	"github.com/skymesh/drone-gateway/internal/battery"
	"github.com/skymesh/drone-gateway/internal/metric"
	"github.com/skymesh/drone-gateway/internal/sensornet"
	"github.com/skymesh/drone-gateway/internal/uplink"
)

// Config represents the configuration file structure
type Config struct {
	Drone struct {
		ID string `yaml:"id"`
	} `yaml:"drone"`

	Sensors struct {
		ListenAddr string `yaml:"listen_addr"`
		MinLinks   int    `yaml:"min_links"`
	} `yaml:"sensors"`

	Central struct {
		URL string `yaml:"url"`
	} `yaml:"central"`

	Aggregation struct {
		WindowCapacity int     `yaml:"window_capacity"`
		TemperatureMin float64 `yaml:"temperature_min"`
		TemperatureMax float64 `yaml:"temperature_max"`
		HumidityMin    float64 `yaml:"humidity_min"`
		HumidityMax    float64 `yaml:"humidity_max"`
	} `yaml:"aggregation"`

	Battery struct {
		InitialLevel    int `yaml:"initial_level"`
		DrainStep       int `yaml:"drain_step"`
		ReturnThreshold int `yaml:"return_threshold"`
	} `yaml:"battery"`

	Uplink struct {
		SendInterval      int     `yaml:"send_interval"`
		PingInterval      int     `yaml:"ping_interval"`
		InitialRetryDelay int     `yaml:"initial_retry_delay"`
		MaxRetryDelay     int     `yaml:"max_retry_delay"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		JitterPercent     float64 `yaml:"jitter_percent"`
	} `yaml:"uplink"`

	Admin struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"admin"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "skymesh-drone",
		Short: "SkyMesh Drone Gateway",
		Long:  "Edge node for the SkyMesh sensor mesh. Aggregates sensor links and relays summaries to the central aggregator.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the drone gateway",
		RunE:  runDrone,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("SkyMesh Drone Gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/skymesh/drone.yaml", "Configuration file path")
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

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl}))
}

func runDrone(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Drone.ID == "" {
		return fmt.Errorf("drone.id is required")
	}
	if cfg.Central.URL == "" {
		return fmt.Errorf("central.url is required")
	}

	log := newLogger(cfg.Logging.Level)
	slog.SetDefault(log)
	metrics := metric.New()

	// Aggregation engine
	aggCfg := aggregate.DefaultConfig()
	if cfg.Aggregation.WindowCapacity > 0 {
		aggCfg.WindowCapacity = cfg.Aggregation.WindowCapacity
	}
	if cfg.Aggregation.TemperatureMax != 0 || cfg.Aggregation.TemperatureMin != 0 {
		aggCfg.TemperatureMin = cfg.Aggregation.TemperatureMin
		aggCfg.TemperatureMax = cfg.Aggregation.TemperatureMax
	}
	if cfg.Aggregation.HumidityMax != 0 || cfg.Aggregation.HumidityMin != 0 {
		aggCfg.HumidityMin = cfg.Aggregation.HumidityMin
		aggCfg.HumidityMax = cfg.Aggregation.HumidityMax
	}
	engine := aggregate.New(aggCfg, log.With("component", "aggregate"), metrics)

	// Battery / mode controller
	batCfg := battery.DefaultConfig()
	if cfg.Battery.InitialLevel > 0 {
		batCfg.InitialLevel = cfg.Battery.InitialLevel
	}
	if cfg.Battery.DrainStep > 0 {
		batCfg.DrainStep = cfg.Battery.DrainStep
	}
	if cfg.Battery.ReturnThreshold > 0 {
		batCfg.ReturnThreshold = cfg.Battery.ReturnThreshold
	}
	power := battery.New(batCfg, log.With("component", "battery"), metrics)

	// Sensor listening service
	netCfg := sensornet.DefaultConfig()
	if cfg.Sensors.ListenAddr != "" {
		netCfg.ListenAddr = cfg.Sensors.ListenAddr
	}
	if cfg.Sensors.MinLinks > 0 {
		netCfg.MinLinks = cfg.Sensors.MinLinks
	}
	listener := sensornet.New(netCfg, engine, log.With("component", "sensornet"), metrics)

	// Uplink client
	upCfg := uplink.DefaultConfig()
	upCfg.CentralURL = cfg.Central.URL
	upCfg.DroneID = cfg.Drone.ID
	if cfg.Uplink.SendInterval > 0 {
		upCfg.SendInterval = secondsToDuration(cfg.Uplink.SendInterval)
	}
	if cfg.Uplink.PingInterval > 0 {
		upCfg.PingInterval = secondsToDuration(cfg.Uplink.PingInterval)
	}
	if cfg.Uplink.InitialRetryDelay > 0 {
		upCfg.InitialRetryDelay = secondsToDuration(cfg.Uplink.InitialRetryDelay)
	}
	if cfg.Uplink.MaxRetryDelay > 0 {
		upCfg.MaxRetryDelay = secondsToDuration(cfg.Uplink.MaxRetryDelay)
	}
	if cfg.Uplink.BackoffMultiplier > 1 {
		upCfg.BackoffMultiplier = cfg.Uplink.BackoffMultiplier
	}
	if cfg.Uplink.JitterPercent > 0 {
		upCfg.JitterPercent = cfg.Uplink.JitterPercent
	}
	up := uplink.New(upCfg, engine, power, log.With("component", "uplink"), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Only a bind failure aborts the process
	log.Info("starting drone gateway", "drone", cfg.Drone.ID)
	if err := listener.Start(); err != nil {
		return fmt.Errorf("failed to start listening service: %w", err)
	}
	up.Start(ctx)

	// Admin surface for the presentation layer: metrics, snapshots, and
	// the operator drain action.
	var adminSrv *http.Server
	if cfg.Admin.ListenAddr != "" {
		adminSrv = adminServer(cfg.Admin.ListenAddr, engine, power, metrics)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin server stopped", "error", err)
			}
		}()
		log.Info("admin surface listening", "addr", cfg.Admin.ListenAddr)
	}

	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())

	cancel()
	up.Stop()
	if err := listener.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	if adminSrv != nil {
		adminSrv.Close()
	}

	log.Info("shutdown complete")
	return nil
}

// adminServer exposes the read-only query surface plus the drain action.
func adminServer(addr string, engine *aggregate.Engine, power *battery.Controller, metrics *metric.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		level, mode := power.Snapshot()
		status := map[string]any{
			"battery_level": level,
			"mode":          mode,
			"links":         engine.SnapshotAll(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("POST /api/drain", func(w http.ResponseWriter, r *http.Request) {
		level := power.Drain(0)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"battery_level": level,
			"mode":          power.Mode(),
		})
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
