// Package sensorsim is a headless sensor client for exercising a drone
// gateway: it emits periodic temperature and humidity readings over TCP
// and reconnects forever if the gateway goes away. One-shot spike values
// can be injected to trigger anomaly detection downstream.
package sensorsim

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/skymesh/drone-gateway/internal/protocol"
)

// Config holds simulator parameters.
type Config struct {
	DroneAddr string
	SourceID  string
	Interval  time.Duration

	// One-shot out-of-range values sent on the first cycle after
	// connecting, then cleared.
	SpikeTemp *float64
	SpikeHum  *float64

	RetryDelay time.Duration
}

// DefaultConfig returns default simulator parameters.
func DefaultConfig() Config {
	return Config{
		DroneAddr:  "127.0.0.1:5000",
		Interval:   2 * time.Second,
		RetryDelay: 5 * time.Second,
	}
}

// Runner drives one simulated sensor.
type Runner struct {
	cfg Config
	log *slog.Logger
}

// New creates a simulator runner.
func New(cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Runner{cfg: cfg, log: log}
}

// Run connects and emits readings until the context is cancelled. A
// connection failure is retried indefinitely; the drone accepts the
// reconnection as a brand-new link.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.session(ctx); err != nil {
			r.log.Warn("sensor connection lost, retrying",
				"source", r.cfg.SourceID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
	}
}

func (r *Runner) session(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.DroneAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	r.log.Info("sensor connected", "source", r.cfg.SourceID, "drone", r.cfg.DroneAddr)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	firstCycle := true
	for {
		temp := 20 + rand.Float64()*10
		hum := 40 + rand.Float64()*20

		if err := r.send(conn, protocol.MetricTemperature, temp); err != nil {
			return err
		}
		if err := r.send(conn, protocol.MetricHumidity, hum); err != nil {
			return err
		}

		if firstCycle {
			if r.cfg.SpikeTemp != nil {
				if err := r.send(conn, protocol.MetricTemperature, *r.cfg.SpikeTemp); err != nil {
					return err
				}
				r.cfg.SpikeTemp = nil
			}
			if r.cfg.SpikeHum != nil {
				if err := r.send(conn, protocol.MetricHumidity, *r.cfg.SpikeHum); err != nil {
					return err
				}
				r.cfg.SpikeHum = nil
			}
			firstCycle = false
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) send(conn net.Conn, metric protocol.Metric, value float64) error {
	reading := &protocol.Reading{
		SourceID:   r.cfg.SourceID,
		Metric:     metric,
		Value:      value,
		ObservedAt: time.Now().UTC(),
	}
	frame, err := reading.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = conn.Write(frame)
	return err
}
