package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReading(t *testing.T) {
	line := []byte(`{"source_id":"s1","metric":"temperature","value":23.5,"observed_at":"2026-08-28T10:00:00Z"}`)

	r, err := DecodeReading(line)
	require.NoError(t, err)
	assert.Equal(t, "s1", r.SourceID)
	assert.Equal(t, MetricTemperature, r.Metric)
	assert.Equal(t, 23.5, r.Value)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), r.ObservedAt)
}

func TestDecodeReadingMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"invalid json", `{"source_id":"s1",`},
		{"not json at all", `hello world`},
		{"missing source", `{"metric":"temperature","value":1}`},
		{"blank source", `{"source_id":"  ","metric":"humidity","value":1}`},
		{"unknown metric", `{"source_id":"s1","metric":"pressure","value":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeReading([]byte(tc.line))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestReadingEncodeRoundTrip(t *testing.T) {
	r := &Reading{
		SourceID:   "s2",
		Metric:     MetricHumidity,
		Value:      55.1,
		ObservedAt: time.Now().UTC().Truncate(time.Second),
	}
	frame, err := r.Encode()
	require.NoError(t, err)
	require.Equal(t, byte('\n'), frame[len(frame)-1])

	decoded, err := DecodeReading(frame[:len(frame)-1])
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestHeartbeatSummaryOmitsLinks(t *testing.T) {
	s := &Summary{
		DroneID:      "drone-1",
		Timestamp:    time.Now().UTC(),
		BatteryLevel: 15,
		Mode:         ModeReturnToBase,
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "links")
	assert.Equal(t, "RETURN_TO_BASE", raw["mode"])
	assert.Equal(t, float64(15), raw["battery_level"])
}

func TestDecodeSummary(t *testing.T) {
	data := []byte(`{"drone_id":"drone-1","battery_level":80,"mode":"NORMAL","links":[{"identity":"a","connected":true}]}`)
	s, err := DecodeSummary(data)
	require.NoError(t, err)
	assert.Equal(t, "drone-1", s.DroneID)
	require.Len(t, s.Links, 1)
	assert.True(t, s.Links[0].Connected)

	_, err = DecodeSummary([]byte(`{"battery_level":80}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeSummary([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeControl(t *testing.T) {
	msg, err := DecodeControl([]byte(`{"id":"abc","type":"drain","target":"drone-1","amount":5}`))
	require.NoError(t, err)
	assert.Equal(t, ControlDrain, msg.Type)
	assert.Equal(t, "drone-1", msg.Target)
	assert.Equal(t, 5, msg.Amount)

	// unknown types decode fine; the receiver decides they are no-ops
	msg, err = DecodeControl([]byte(`{"type":"recharge","target":"drone-1"}`))
	require.NoError(t, err)
	assert.Equal(t, ControlType("recharge"), msg.Type)

	_, err = DecodeControl([]byte(`{"target":"drone-1"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
