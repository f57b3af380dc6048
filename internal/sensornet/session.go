package sensornet

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/skymesh/drone-gateway/internal/protocol"
)

// maxFrameBytes bounds one newline-delimited frame. Anything larger is a
// misbehaving peer and ends the session.
const maxFrameBytes = 64 * 1024

// session owns one accepted sensor connection. The identity is assigned
// at accept time; a reconnecting sensor always gets a fresh one.
type session struct {
	identity string
	conn     net.Conn
	svc      *Service
}

func newSession(conn net.Conn, svc *Service) *session {
	return &session{
		identity: linkIdentity(conn),
		conn:     conn,
		svc:      svc,
	}
}

// linkIdentity builds a stable key for the link: the remote address plus
// a random suffix so an address reused after disconnect is still a new
// identity.
func linkIdentity(conn net.Conn) string {
	return fmt.Sprintf("%s/%s", conn.RemoteAddr(), uuid.NewString()[:8])
}

// run reads frames until the peer closes or the read fails. A malformed
// frame is logged and dropped; the stream stays in sync because frames
// are newline-delimited.
func (s *session) run() {
	defer s.conn.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		reading, err := protocol.DecodeReading(line)
		if err != nil {
			s.svc.metrics.ObserveMalformed()
			s.svc.log.Warn("dropping malformed message",
				"identity", s.identity, "error", err)
			continue
		}
		s.svc.engine.Ingest(s.identity, reading)
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		s.svc.log.Info("sensor link read ended",
			"identity", s.identity, "error", err)
	}
}
