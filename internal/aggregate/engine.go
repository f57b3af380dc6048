// Package aggregate maintains per-link rolling statistics and anomaly
// counters for the drone gateway. All mutation goes through Ingest and
// the link lifecycle calls; snapshots are consistent copies safe to take
// concurrently with ingestion.
package aggregate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skymesh/drone-gateway/internal/metric"
	"github.com/skymesh/drone-gateway/internal/protocol"
)

// Config holds aggregation parameters.
type Config struct {
	WindowCapacity int
	TemperatureMin float64
	TemperatureMax float64
	HumidityMin    float64
	HumidityMax    float64
}

// DefaultConfig returns the default aggregation parameters.
func DefaultConfig() Config {
	return Config{
		WindowCapacity: 10,
		TemperatureMin: 0,
		TemperatureMax: 60,
		HumidityMin:    0,
		HumidityMax:    100,
	}
}

// MetricStats is a point-in-time view of one rolling window.
type MetricStats struct {
	Mean   float64
	Latest float64
	Count  int
}

// LinkState is a consistent snapshot of one link's aggregated state.
type LinkState struct {
	Identity     string
	SourceID     string
	Connected    bool
	LastSeen     time.Time
	Temperature  MetricStats
	Humidity     MetricStats
	AnomalyCount uint64
}

// window is a fixed-capacity ring buffer with a running sum so the mean
// is O(1) per reading.
type window struct {
	values []float64
	head   int
	count  int
	sum    float64
	latest float64
}

func newWindow(capacity int) *window {
	return &window{values: make([]float64, capacity)}
}

func (w *window) push(v float64) {
	if w.count == len(w.values) {
		// evict the oldest value
		w.sum -= w.values[w.head]
	} else {
		w.count++
	}
	w.values[w.head] = v
	w.sum += v
	w.head = (w.head + 1) % len(w.values)
	w.latest = v
}

func (w *window) stats() MetricStats {
	s := MetricStats{Latest: w.latest, Count: w.count}
	if w.count > 0 {
		s.Mean = w.sum / float64(w.count)
	}
	return s
}

type linkState struct {
	identity     string
	sourceID     string
	connected    bool
	lastSeen     time.Time
	registered   time.Time
	seq          int
	temperature  *window
	humidity     *window
	anomalyCount uint64
}

// Engine owns all per-link rolling state.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics *metric.Metrics

	mu     sync.RWMutex
	links  map[string]*linkState
	nexts  int
	events []protocol.Event
}

// New creates an aggregation engine.
func New(cfg Config, log *slog.Logger, metrics *metric.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = DefaultConfig().WindowCapacity
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		links:   make(map[string]*linkState),
	}
}

// Register creates the state record for a newly accepted link. Every
// accepted connection is a fresh identity; windows never carry over.
func (e *Engine) Register(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.links[identity] = &linkState{
		identity:    identity,
		connected:   true,
		registered:  time.Now(),
		seq:         e.nexts,
		temperature: newWindow(e.cfg.WindowCapacity),
		humidity:    newWindow(e.cfg.WindowCapacity),
	}
	e.nexts++
}

// Ingest applies one reading to the link's rolling window. The window
// update (append, evict, sum adjustment) happens under the write lock so
// snapshots never observe a torn window. Anomalous readings still enter
// the window; they only bump the cumulative counter.
func (e *Engine) Ingest(identity string, r *protocol.Reading) {
	anomalous := e.isAnomalous(r)

	e.mu.Lock()
	ls, ok := e.links[identity]
	if !ok {
		// a session may race its own registration during shutdown
		ls = &linkState{
			identity:    identity,
			connected:   true,
			registered:  time.Now(),
			seq:         e.nexts,
			temperature: newWindow(e.cfg.WindowCapacity),
			humidity:    newWindow(e.cfg.WindowCapacity),
		}
		e.links[identity] = ls
		e.nexts++
	}

	ls.sourceID = r.SourceID
	ls.lastSeen = r.ObservedAt
	if ls.lastSeen.IsZero() {
		ls.lastSeen = time.Now()
	}
	switch r.Metric {
	case protocol.MetricTemperature:
		ls.temperature.push(r.Value)
	case protocol.MetricHumidity:
		ls.humidity.push(r.Value)
	}
	if anomalous {
		ls.anomalyCount++
	}
	e.mu.Unlock()

	e.metrics.ObserveReading(string(r.Metric))
	if anomalous {
		e.metrics.ObserveAnomaly(string(r.Metric))
		e.log.Warn("anomalous reading",
			"identity", identity,
			"source", r.SourceID,
			"metric", r.Metric,
			"value", r.Value)
	}
}

// isAnomalous reports whether the reading falls outside the configured
// valid range for its metric. Bounds are inclusive.
func (e *Engine) isAnomalous(r *protocol.Reading) bool {
	switch r.Metric {
	case protocol.MetricTemperature:
		return r.Value < e.cfg.TemperatureMin || r.Value > e.cfg.TemperatureMax
	case protocol.MetricHumidity:
		return r.Value < e.cfg.HumidityMin || r.Value > e.cfg.HumidityMax
	}
	return false
}

// MarkDisconnected flips the link's connected flag and queues a
// disconnection event for the next summary. Windows and counters are
// preserved for downstream display.
func (e *Engine) MarkDisconnected(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls, ok := e.links[identity]
	if !ok || !ls.connected {
		return
	}
	ls.connected = false
	e.events = append(e.events, protocol.Event{
		Identity:  identity,
		SourceID:  ls.sourceID,
		Type:      protocol.EventDisconnection,
		Value:     "sensor link lost",
		Timestamp: time.Now().UTC(),
	})
}

// Evict removes a link's retained state entirely. Display-side policy
// decides when a disconnected link is no longer worth showing.
func (e *Engine) Evict(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links, identity)
}

// Snapshot returns the state of one link.
func (e *Engine) Snapshot(identity string) (LinkState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ls, ok := e.links[identity]
	if !ok {
		return LinkState{}, false
	}
	return ls.view(), true
}

// SnapshotAll returns all link states ordered by registration.
func (e *Engine) SnapshotAll() []LinkState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]LinkState, 0, len(e.links))
	for _, ls := range e.links {
		out = append(out, ls.view())
	}
	sort.Slice(out, func(i, j int) bool {
		return e.links[out[i].Identity].seq < e.links[out[j].Identity].seq
	})
	return out
}

// DrainEvents returns queued events and clears the queue. Called by the
// uplink on each send tick so events ride with exactly one summary.
func (e *Engine) DrainEvents() []protocol.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	events := e.events
	e.events = nil
	return events
}

func (ls *linkState) view() LinkState {
	return LinkState{
		Identity:     ls.identity,
		SourceID:     ls.sourceID,
		Connected:    ls.connected,
		LastSeen:     ls.lastSeen,
		Temperature:  ls.temperature.stats(),
		Humidity:     ls.humidity.stats(),
		AnomalyCount: ls.anomalyCount,
	}
}
