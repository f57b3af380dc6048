// Package sensornet accepts sensor connections and runs one session per
// link. Sessions decode newline-delimited readings and feed them to the
// aggregation engine; a failed session never affects the listener or the
// other links.
package sensornet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skymesh/drone-gateway/internal/aggregate"
	"github.com/skymesh/drone-gateway/internal/metric"
)

// ErrBind marks a listen failure at startup. It is the only error in the
// gateway allowed to abort the process.
var ErrBind = errors.New("bind failed")

// acceptRetryDelay spaces retries after a transient accept failure.
const acceptRetryDelay = 100 * time.Millisecond

// retryableAccept reports whether the accept loop should keep going
// after the error. Only a closed listener ends the loop.
func retryableAccept(err error) bool {
	return !errors.Is(err, net.ErrClosed)
}

// Config holds listener parameters.
type Config struct {
	ListenAddr    string
	MinLinks      int // below this, link loss is logged as a warning
	ShutdownGrace time.Duration
}

// DefaultConfig returns the default listener parameters.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":5000",
		MinLinks:      3,
		ShutdownGrace: 5 * time.Second,
	}
}

// Service owns the listening socket and the set of live sessions.
type Service struct {
	cfg     Config
	log     *slog.Logger
	metrics *metric.Metrics
	engine  *aggregate.Engine

	ln       net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a listening service feeding the given engine.
func New(cfg Config, engine *aggregate.Engine, log *slog.Logger, metrics *metric.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		engine:   engine,
		stopChan: make(chan struct{}),
		sessions: make(map[string]*session),
	}
}

// Start binds the listening socket and launches the accept loop. A bind
// failure is returned as ErrBind and is fatal to the caller.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	s.ln = ln

	s.log.Info("listening for sensor links", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Service) Addr() net.Addr {
	return s.ln.Addr()
}

// LinkCount returns the number of currently connected links.
func (s *Service) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop closes the listening socket and all active sessions, then waits
// for them to drain within the shutdown grace period. Safe to call more
// than once.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.ln != nil {
			s.ln.Close()
		}

		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownGrace):
			err = fmt.Errorf("sessions did not drain within %s", s.cfg.ShutdownGrace)
		}
	})
	return err
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if !retryableAccept(err) {
				s.log.Error("listener closed outside shutdown", "error", err)
				return
			}
			// Transient accept failures (fd exhaustion, aborted
			// handshakes) must not end the listening service.
			s.log.Warn("accept failed, retrying", "error", err)
			select {
			case <-s.stopChan:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		sess := newSession(conn, s)
		s.mu.Lock()
		s.sessions[sess.identity] = sess
		count := len(s.sessions)
		s.mu.Unlock()
		s.metrics.SetActiveLinks(count)

		s.engine.Register(sess.identity)
		s.log.Info("sensor link accepted",
			"identity", sess.identity, "links", count)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
			s.removeSession(sess)
		}()
	}
}

// removeSession drops a finished session and checks the minimum-link
// expectation. Falling below it is a monitoring signal, not a failure.
func (s *Service) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.identity)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveLinks(count)
	s.engine.MarkDisconnected(sess.identity)

	select {
	case <-s.stopChan:
		return
	default:
	}
	s.log.Warn("sensor link lost", "identity", sess.identity, "links", count)
	if count < s.cfg.MinLinks {
		s.log.Warn("concurrent links below expected minimum",
			"links", count, "minimum", s.cfg.MinLinks)
	}
}
