// SkyMesh Sensor Simulator
// Headless sensor client for exercising a drone gateway
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/skymesh/drone-gateway/internal/sensorsim"
)

var (
	droneAddr string
	sourceID  string
	interval  int
	spikeTemp float64
	spikeHum  float64

	rootCmd = &cobra.Command{
		Use:   "skymesh-sensor",
		Short: "SkyMesh Sensor Simulator",
		Long:  "Emits periodic temperature and humidity readings to a drone gateway, reconnecting forever on failure.",
		RunE:  runSensor,
	}
)

func init() {
	rootCmd.Flags().StringVar(&droneAddr, "drone-addr", "127.0.0.1:5000", "Drone gateway address")
	rootCmd.Flags().StringVar(&sourceID, "id", "", "Sensor source ID (random if empty)")
	rootCmd.Flags().IntVar(&interval, "interval", 2, "Seconds between readings")
	rootCmd.Flags().Float64Var(&spikeTemp, "spike-temp", math.NaN(), "Send ONE out-of-range temperature reading then resume normal")
	rootCmd.Flags().Float64Var(&spikeHum, "spike-hum", math.NaN(), "Send ONE out-of-range humidity reading then resume normal")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSensor(cmd *cobra.Command, args []string) error {
	log := slog.New(tint.NewHandler(os.Stdout, nil))

	cfg := sensorsim.DefaultConfig()
	cfg.DroneAddr = droneAddr
	cfg.SourceID = sourceID
	if cfg.SourceID == "" {
		cfg.SourceID = fmt.Sprintf("sensor-%04d", rand.Intn(10000))
	}
	if interval > 0 {
		cfg.Interval = time.Duration(interval) * time.Second
	}
	if !math.IsNaN(spikeTemp) {
		v := spikeTemp
		cfg.SpikeTemp = &v
	}
	if !math.IsNaN(spikeHum) {
		v := spikeHum
		cfg.SpikeHum = &v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	log.Info("starting sensor", "id", cfg.SourceID, "drone", cfg.DroneAddr)
	if err := sensorsim.New(cfg, log).Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
