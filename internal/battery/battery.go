// Package battery owns the drone's energy budget and operating mode.
// The level only ever decreases; once RETURN_TO_BASE is entered it is
// sticky for the remainder of the process lifetime.
package battery

import (
	"log/slog"
	"sync"

	"github.com/skymesh/drone-gateway/internal/metric"
	"github.com/skymesh/drone-gateway/internal/protocol"
)

// Config holds battery parameters.
type Config struct {
	InitialLevel    int // percent, 0-100
	DrainStep       int // percent removed per drain action
	ReturnThreshold int // strictly-below level that flips the mode
}

// DefaultConfig returns the default battery parameters.
func DefaultConfig() Config {
	return Config{
		InitialLevel:    100,
		DrainStep:       5,
		ReturnThreshold: 20,
	}
}

// Controller is the single owner of battery and mode state. Drain is the
// only mutation entry point; readers always see a consistent pair.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *metric.Metrics

	mu           sync.Mutex
	level        int
	mode         protocol.Mode
	onModeChange []func(protocol.Mode)
}

// New creates a controller in NORMAL mode at the configured level.
func New(cfg Config, log *slog.Logger, metrics *metric.Metrics) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DrainStep <= 0 {
		cfg.DrainStep = DefaultConfig().DrainStep
	}
	if cfg.InitialLevel <= 0 || cfg.InitialLevel > 100 {
		cfg.InitialLevel = DefaultConfig().InitialLevel
	}
	c := &Controller{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		level:   cfg.InitialLevel,
		mode:    protocol.ModeNormal,
	}
	metrics.SetBattery(c.level, false)
	return c
}

// OnModeChange registers a callback invoked after every mode transition.
func (c *Controller) OnModeChange(cb func(protocol.Mode)) {
	c.mu.Lock()
	c.onModeChange = append(c.onModeChange, cb)
	c.mu.Unlock()
}

// Drain removes amount percent from the battery, floored at zero, and
// re-evaluates the mode. A non-positive amount uses the configured step.
// Returns the new level.
func (c *Controller) Drain(amount int) int {
	if amount <= 0 {
		amount = c.cfg.DrainStep
	}

	c.mu.Lock()
	c.level = max(0, c.level-amount)
	level := c.level
	flipped := false
	if c.mode == protocol.ModeNormal && c.level < c.cfg.ReturnThreshold {
		c.mode = protocol.ModeReturnToBase
		flipped = true
	}
	mode := c.mode
	callbacks := c.onModeChange
	c.mu.Unlock()

	c.metrics.SetBattery(level, mode == protocol.ModeReturnToBase)
	if flipped {
		c.log.Warn("battery below threshold, returning to base",
			"level", level, "threshold", c.cfg.ReturnThreshold)
		for _, cb := range callbacks {
			cb(mode)
		}
	} else {
		c.log.Info("battery drained", "level", level)
	}
	return level
}

// Level returns the current battery level.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Mode returns the current operating mode.
func (c *Controller) Mode() protocol.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Snapshot returns level and mode as one consistent pair.
func (c *Controller) Snapshot() (int, protocol.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level, c.mode
}
