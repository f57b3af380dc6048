// Package central implements the aggregator endpoint drones report to.
// Drones connect over WebSocket and stream summaries; operators query
// the latest state over HTTP and issue battery-drain commands that are
// relayed back over the drone's own connection.
package central

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skymesh/drone-gateway/internal/protocol"
	"github.com/skymesh/drone-gateway/internal/storage"
)

// ErrBind marks a listen failure at startup.
var ErrBind = errors.New("bind failed")

// ErrDroneNotConnected is returned when a control command targets a
// drone with no live uplink.
var ErrDroneNotConnected = errors.New("drone not connected")

// Config holds central server configuration.
type Config struct {
	ListenAddr   string
	HistoryLimit int // summaries retained per drone
	WriteTimeout time.Duration
}

// DefaultConfig returns default central server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":6000",
		HistoryLimit: 200,
		WriteTimeout: 10 * time.Second,
	}
}

// droneConn is one connected drone's uplink, write-locked because drain
// commands and pings come from HTTP handler goroutines.
type droneConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (d *droneConn) writeJSON(v any, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(timeout))
	return d.conn.WriteJSON(v)
}

// Server is the central aggregator.
type Server struct {
	cfg      Config
	log      *slog.Logger
	db       *storage.DB
	upgrader websocket.Upgrader

	mu     sync.Mutex
	drones map[string]*droneConn
	latest map[string]*protocol.Summary

	ln       net.Listener
	httpSrv  *http.Server
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a central server backed by the given history store.
func New(cfg Config, db *storage.DB, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		db:       db,
		drones:   make(map[string]*droneConn),
		latest:   make(map[string]*protocol.Summary),
		stopChan: make(chan struct{}),
	}
}

// Start binds the listening socket and serves HTTP on it. A bind failure
// is returned as ErrBind; everything after that is handled per request.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/drone", s.handleDrone)
	mux.HandleFunc("GET /api/drones", s.handleDrones)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/drones/{id}/drain", s.handleDrain)

	s.httpSrv = &http.Server{Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("central listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop closes the listener and all drone connections. Safe to call more
// than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)

		s.mu.Lock()
		for _, d := range s.drones {
			d.conn.Close()
		}
		s.mu.Unlock()

		err = s.httpSrv.Close()
		s.wg.Wait()
	})
	return err
}

// handleDrone upgrades one drone uplink and consumes its summary stream.
func (s *Server) handleDrone(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	s.log.Info("drone connected", "remote", r.RemoteAddr)
	dc := &droneConn{conn: conn}
	droneID := ""

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		summary, err := protocol.DecodeSummary(data)
		if err != nil {
			s.log.Warn("dropping malformed summary",
				"remote", r.RemoteAddr, "error", err)
			continue
		}

		// Register the connection under its drone_id on first summary so
		// drain commands can find it.
		if droneID == "" {
			droneID = summary.DroneID
			s.mu.Lock()
			s.drones[droneID] = dc
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.latest[summary.DroneID] = summary
		s.mu.Unlock()

		if _, err := s.db.InsertSummary(summary); err != nil {
			s.log.Error("failed to store summary",
				"drone", summary.DroneID, "error", err)
		} else if err := s.db.PruneSummaries(summary.DroneID, s.cfg.HistoryLimit); err != nil {
			s.log.Error("failed to prune history",
				"drone", summary.DroneID, "error", err)
		}
	}

	if droneID != "" {
		s.mu.Lock()
		if cur, ok := s.drones[droneID]; ok && cur == dc {
			delete(s.drones, droneID)
		}
		s.mu.Unlock()
	}
	s.log.Info("drone disconnected", "drone", droneID, "remote", r.RemoteAddr)
}

// SendDrain relays a battery-drain command to a connected drone. A zero
// amount lets the drone apply its configured step.
func (s *Server) SendDrain(droneID string, amount int) error {
	s.mu.Lock()
	dc, ok := s.drones[droneID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDroneNotConnected, droneID)
	}

	msg := &protocol.ControlMessage{
		ID:     uuid.New().String(),
		Type:   protocol.ControlDrain,
		Target: droneID,
		Amount: amount,
	}
	if err := dc.writeJSON(msg, s.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("send drain to %s: %w", droneID, err)
	}
	s.log.Info("drain command sent", "drone", droneID, "amount", amount)
	return nil
}

// Latest returns the most recent summary per drone.
func (s *Server) Latest() []*protocol.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*protocol.Summary, 0, len(s.latest))
	for _, sum := range s.latest {
		out = append(out, sum)
	}
	return out
}

func (s *Server) handleDrones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Latest())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.RecentEvents(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	droneID := r.PathValue("id")

	var body struct {
		Amount int `json:"amount"`
	}
	if r.Body != nil {
		// an empty body means "use the drone's configured step"
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.SendDrain(droneID, body.Amount); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrDroneNotConnected) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
