package sensornet

import (
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymesh/drone-gateway/internal/aggregate"
	"github.com/skymesh/drone-gateway/internal/protocol"
)

func startTestService(t *testing.T) (*Service, *aggregate.Engine) {
	t.Helper()

	engine := aggregate.New(aggregate.DefaultConfig(), nil, nil)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MinLinks = 3

	svc := New(cfg, engine, nil, nil)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Stop() })
	return svc, engine
}

func dialSensor(t *testing.T, svc *Service) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", svc.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendReading(t *testing.T, conn net.Conn, sourceID string, metric protocol.Metric, value float64) {
	t.Helper()
	r := &protocol.Reading{
		SourceID:   sourceID,
		Metric:     metric,
		Value:      value,
		ObservedAt: time.Now().UTC(),
	}
	frame, err := r.Encode()
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// snapshotFor finds the engine state for the link whose sourceID matches.
func snapshotFor(engine *aggregate.Engine, sourceID string) (aggregate.LinkState, bool) {
	for _, ls := range engine.SnapshotAll() {
		if ls.SourceID == sourceID {
			return ls, true
		}
	}
	return aggregate.LinkState{}, false
}

func TestBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = ln.Addr().String()

	svc := New(cfg, aggregate.New(aggregate.DefaultConfig(), nil, nil), nil, nil)
	err = svc.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
}

func TestIngestionFromMultipleLinks(t *testing.T) {
	svc, engine := startTestService(t)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dialSensor(t, svc)
	}
	require.Eventually(t, func() bool { return svc.LinkCount() == 3 },
		2*time.Second, 10*time.Millisecond)

	for i, conn := range conns {
		id := fmt.Sprintf("s%d", i+1)
		sendReading(t, conn, id, protocol.MetricTemperature, float64(10*(i+1)))
		sendReading(t, conn, id, protocol.MetricTemperature, float64(10*(i+1)+10))
	}

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("s%d", i)
		require.Eventually(t, func() bool {
			ls, ok := snapshotFor(engine, id)
			return ok && ls.Temperature.Count == 2
		}, 2*time.Second, 10*time.Millisecond, "readings from %s not ingested", id)

		ls, _ := snapshotFor(engine, id)
		assert.InDelta(t, float64(10*i+5), ls.Temperature.Mean, 1e-9)
		assert.True(t, ls.Connected)
	}
}

func TestMalformedMessageDoesNotKillSession(t *testing.T) {
	svc, engine := startTestService(t)
	conn := dialSensor(t, svc)

	sendReading(t, conn, "s1", protocol.MetricHumidity, 50)
	require.Eventually(t, func() bool {
		ls, ok := snapshotFor(engine, "s1")
		return ok && ls.Humidity.Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	// garbage, then a truncated frame; both dropped, stream stays in sync
	_, err := conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"source_id":"s1","metric":`))
	require.NoError(t, err)
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	sendReading(t, conn, "s1", protocol.MetricHumidity, 60)
	require.Eventually(t, func() bool {
		ls, _ := snapshotFor(engine, "s1")
		return ls.Humidity.Count == 2
	}, 2*time.Second, 10*time.Millisecond)

	ls, _ := snapshotFor(engine, "s1")
	assert.InDelta(t, 55, ls.Humidity.Mean, 1e-9)
	assert.True(t, ls.Connected, "session must survive malformed frames")
}

func TestDisconnectIsolation(t *testing.T) {
	svc, engine := startTestService(t)

	c1 := dialSensor(t, svc)
	c2 := dialSensor(t, svc)
	c3 := dialSensor(t, svc)

	sendReading(t, c1, "s1", protocol.MetricTemperature, 20)
	sendReading(t, c2, "s2", protocol.MetricTemperature, 30)
	sendReading(t, c3, "s3", protocol.MetricTemperature, 40)
	require.Eventually(t, func() bool {
		for _, id := range []string{"s1", "s2", "s3"} {
			if ls, ok := snapshotFor(engine, id); !ok || ls.Temperature.Count != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	c2.Close()
	require.Eventually(t, func() bool {
		ls, _ := snapshotFor(engine, "s2")
		return !ls.Connected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, svc.LinkCount())

	// remaining links keep flowing
	sendReading(t, c1, "s1", protocol.MetricTemperature, 30)
	sendReading(t, c3, "s3", protocol.MetricTemperature, 50)
	require.Eventually(t, func() bool {
		ls1, _ := snapshotFor(engine, "s1")
		ls3, _ := snapshotFor(engine, "s3")
		return ls1.Temperature.Count == 2 && ls3.Temperature.Count == 2
	}, 2*time.Second, 10*time.Millisecond)

	// the lost link's window is preserved for display
	ls, _ := snapshotFor(engine, "s2")
	assert.InDelta(t, 30, ls.Temperature.Mean, 1e-9)

	// a disconnection event was queued for the next summary
	events := engine.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventDisconnection, events[0].Type)
	assert.Equal(t, "s2", events[0].SourceID)
}

func TestReconnectIsFreshIdentity(t *testing.T) {
	svc, engine := startTestService(t)

	c1 := dialSensor(t, svc)
	sendReading(t, c1, "s1", protocol.MetricTemperature, 20)
	require.Eventually(t, func() bool {
		ls, ok := snapshotFor(engine, "s1")
		return ok && ls.Temperature.Count == 1
	}, 2*time.Second, 10*time.Millisecond)
	c1.Close()
	require.Eventually(t, func() bool { return svc.LinkCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// the same sensor reconnects; its window starts empty
	c2 := dialSensor(t, svc)
	sendReading(t, c2, "s1", protocol.MetricTemperature, 40)
	require.Eventually(t, func() bool {
		for _, ls := range engine.SnapshotAll() {
			if ls.SourceID == "s1" && ls.Connected && ls.Temperature.Count == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// two identities now exist for the same source
	count := 0
	for _, ls := range engine.SnapshotAll() {
		if ls.SourceID == "s1" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestRetryableAccept(t *testing.T) {
	// only a closed listener ends the accept loop
	assert.False(t, retryableAccept(net.ErrClosed))
	assert.False(t, retryableAccept(fmt.Errorf("accept: %w", net.ErrClosed)))

	// resource exhaustion and aborted handshakes are transient
	assert.True(t, retryableAccept(&net.OpError{
		Op: "accept", Net: "tcp", Err: syscall.EMFILE,
	}))
	assert.True(t, retryableAccept(&net.OpError{
		Op: "accept", Net: "tcp", Err: syscall.ECONNABORTED,
	}))
}

func TestStopIsIdempotent(t *testing.T) {
	svc, _ := startTestService(t)
	require.NoError(t, svc.Stop())
	assert.NotPanics(t, func() { svc.Stop() })
}

func TestStopClosesSessions(t *testing.T) {
	engine := aggregate.New(aggregate.DefaultConfig(), nil, nil)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	svc := New(cfg, engine, nil, nil)
	require.NoError(t, svc.Start())

	conn, err := net.Dial("tcp", svc.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return svc.LinkCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop())

	// the peer sees the close
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
