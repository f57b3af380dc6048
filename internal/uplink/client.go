// Package uplink maintains the drone's outbound session to the central
// aggregator over a persistent WebSocket. Loss of the uplink is never
// fatal: the client retries with bounded exponential backoff while the
// gateway keeps ingesting and aggregating locally. Summaries are built
// fresh on each tick and dropped, not queued, while disconnected.
package uplink

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skymesh/drone-gateway/internal/aggregate"
	"github.com/skymesh/drone-gateway/internal/metric"
	"github.com/skymesh/drone-gateway/internal/protocol"
)

// StateSource provides the aggregated link state for outbound summaries.
type StateSource interface {
	SnapshotAll() []aggregate.LinkState
	DrainEvents() []protocol.Event
}

// PowerSource provides battery state and accepts drain commands relayed
// from central.
type PowerSource interface {
	Snapshot() (int, protocol.Mode)
	Drain(amount int) int
}

// Config holds uplink client configuration.
type Config struct {
	CentralURL string // e.g. ws://central:6000/ws/drone
	DroneID    string

	SendInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration // keepalive, must be shorter than ReadTimeout

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default uplink configuration.
func DefaultConfig() Config {
	return Config{
		SendInterval:      2 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Client is the drone side of the uplink. Sends are strictly sequential:
// a single goroutine owns the write side, so a slow write means skipped
// ticks rather than overlapping writes.
type Client struct {
	cfg     Config
	log     *slog.Logger
	metrics *metric.Metrics
	state   StateSource
	power   PowerSource

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	currentRetryDelay time.Duration
	attempts          int
}

// New creates an uplink client.
func New(cfg Config, state StateSource, power PowerSource, log *slog.Logger, metrics *metric.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = def.SendInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = def.InitialRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Client{
		cfg:               cfg,
		log:               log,
		metrics:           metrics,
		state:             state,
		power:             power,
		stopChan:          make(chan struct{}),
		currentRetryDelay: cfg.InitialRetryDelay,
	}
}

// Start launches the connection loop. Connect failures are handled by
// the retry policy, never surfaced to the caller.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.connectionLoop(ctx)
}

// Stop terminates the connection loop, cancelling any backoff wait.
// Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.closeConn()
		c.wg.Wait()
	})
}

// IsConnected reports whether the uplink session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// connectionLoop dials, runs the session until it fails, then backs off
// and dials again, forever.
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.log.Error("uplink connect failed", "error", err)
			if !c.waitWithBackoff(ctx) {
				return
			}
			continue
		}

		// Reset retry delay on successful connection.
		c.currentRetryDelay = c.cfg.InitialRetryDelay

		c.runSession(ctx)

		c.disconnect()
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}
		c.log.Warn("uplink lost, reconnecting")
		if !c.waitWithBackoff(ctx) {
			return
		}
	}
}

// waitWithBackoff sleeps the current retry delay with jitter, then grows
// the delay toward the cap. Returns false if shutdown interrupted it.
func (c *Client) waitWithBackoff(ctx context.Context) bool {
	jitter := c.currentRetryDelay.Seconds() * c.cfg.JitterPercent * (rand.Float64()*2 - 1)
	delay := c.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	c.currentRetryDelay = nextDelay(c.currentRetryDelay, c.cfg.MaxRetryDelay, c.cfg.BackoffMultiplier)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// nextDelay grows the retry delay by the multiplier, capped.
func nextDelay(cur, limit time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(cur) * multiplier)
	if next > limit {
		next = limit
	}
	return next
}

func (c *Client) connect() error {
	if c.attempts > 0 {
		c.metrics.ObserveReconnect()
	}
	c.attempts++

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(c.cfg.CentralURL, nil)
	if err != nil {
		return err
	}

	// The session is legitimately quiet between control messages, so the
	// read deadline is kept alive by the pong replies to our pings.
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.metrics.SetUplinkConnected(true)
	c.log.Info("uplink established", "url", c.cfg.CentralURL)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	was := c.connected
	c.connected = false
	c.mu.Unlock()

	if was {
		c.metrics.SetUplinkConnected(false)
	}
}

// runSession runs the control read loop and the periodic send loop until
// either fails.
func (c *Client) runSession(ctx context.Context) {
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sendLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop receives control messages from central. Unrecognized messages
// are logged no-ops.
func (c *Client) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeControl(data)
		if err != nil {
			c.log.Warn("dropping malformed control message", "error", err)
			continue
		}
		c.handleControl(msg)
	}
}

func (c *Client) handleControl(msg *protocol.ControlMessage) {
	if msg.Target != "" && msg.Target != c.cfg.DroneID {
		c.log.Warn("control message for another drone ignored",
			"target", msg.Target)
		return
	}

	switch msg.Type {
	case protocol.ControlDrain:
		level := c.power.Drain(msg.Amount)
		c.log.Info("battery drained by central command",
			"id", msg.ID, "level", level)
	default:
		c.log.Warn("unrecognized control message ignored",
			"type", msg.Type, "id", msg.ID)
	}
}

// sendLoop builds and writes one summary per tick. The payload shape
// follows the mode at build time: full per-link state in NORMAL, a
// battery heartbeat in RETURN_TO_BASE. A write failure ends the session
// and hands control back to the reconnect policy.
func (c *Client) sendLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.SendInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(c.cfg.PingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.sendSummary(); err != nil {
				c.metrics.ObserveSummaryFailure()
				c.log.Error("summary send failed", "error", err)
				c.closeConn()
				return
			}
		case <-pinger.C:
			if err := c.sendPing(); err != nil {
				c.log.Error("keepalive ping failed", "error", err)
				c.closeConn()
				return
			}
		}
	}
}

// sendPing writes a WebSocket ping frame. The peer's pong reply extends
// the read deadline, so an idle but healthy session never times out.
func (c *Client) sendPing() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("uplink not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) sendSummary() error {
	summary := c.buildSummary()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("uplink not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(summary); err != nil {
		return err
	}

	shape := "full"
	if summary.Mode == protocol.ModeReturnToBase {
		shape = "heartbeat"
	}
	c.metrics.ObserveSummary(shape)
	return nil
}

// buildSummary snapshots the battery first, then shapes the payload.
// Heartbeats never carry per-link means; they do carry a low-battery
// event so central can surface the condition.
func (c *Client) buildSummary() *protocol.Summary {
	level, mode := c.power.Snapshot()
	now := time.Now().UTC()

	summary := &protocol.Summary{
		DroneID:      c.cfg.DroneID,
		Timestamp:    now,
		BatteryLevel: level,
		Mode:         mode,
	}

	if mode == protocol.ModeReturnToBase {
		// Queued link events are dropped while returning, not buffered:
		// heartbeats carry only the low-battery condition, and the queue
		// must not grow for the rest of the process lifetime.
		c.state.DrainEvents()
		summary.Events = []protocol.Event{{
			Type:      protocol.EventBatteryLow,
			Value:     strconv.Itoa(level),
			Timestamp: now,
		}}
		return summary
	}

	for _, ls := range c.state.SnapshotAll() {
		summary.Links = append(summary.Links, protocol.LinkSummary{
			Identity:  ls.Identity,
			SourceID:  ls.SourceID,
			Connected: ls.Connected,
			LastSeen:  ls.LastSeen,
			Temperature: protocol.MetricSummary{
				Mean:   ls.Temperature.Mean,
				Latest: ls.Temperature.Latest,
				Count:  ls.Temperature.Count,
			},
			Humidity: protocol.MetricSummary{
				Mean:   ls.Humidity.Mean,
				Latest: ls.Humidity.Latest,
				Count:  ls.Humidity.Count,
			},
			AnomalyCount: ls.AnomalyCount,
		})
	}
	summary.Events = c.state.DrainEvents()
	return summary
}
