// Package protocol defines the wire messages exchanged between sensors,
// the drone gateway, and the central aggregator. Sensor links and the
// uplink both carry newline-delimited JSON so that a malformed message
// never desynchronizes the stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Metric identifies the quantity a sensor reading reports.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
)

// Mode is the drone's operating regime.
type Mode string

const (
	ModeNormal       Mode = "NORMAL"
	ModeReturnToBase Mode = "RETURN_TO_BASE"
)

// ControlType identifies a command sent from central to a drone.
type ControlType string

const (
	ControlDrain ControlType = "drain"
)

// Event types reported alongside summaries.
const (
	EventDisconnection = "disconnection"
	EventBatteryLow    = "battery_low"
)

// ErrMalformedMessage marks a frame that decoded to garbage. The session
// logs it, drops the frame, and keeps reading.
var ErrMalformedMessage = errors.New("malformed message")

// Reading is a single sensor observation. Immutable once received.
type Reading struct {
	SourceID   string    `json:"source_id"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// DecodeReading parses one newline-delimited frame into a Reading.
// Any parse or validation failure is reported as ErrMalformedMessage.
func DecodeReading(line []byte) (*Reading, error) {
	var r Reading
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(r.SourceID) == "" {
		return nil, fmt.Errorf("%w: missing source_id", ErrMalformedMessage)
	}
	switch r.Metric {
	case MetricTemperature, MetricHumidity:
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", ErrMalformedMessage, r.Metric)
	}
	return &r, nil
}

// Encode serializes the reading as one newline-terminated frame.
func (r *Reading) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal reading: %w", err)
	}
	return append(data, '\n'), nil
}

// MetricSummary is the rolling view of one metric on one link.
type MetricSummary struct {
	Mean   float64 `json:"mean"`
	Latest float64 `json:"latest"`
	Count  int     `json:"count"`
}

// LinkSummary is the per-link portion of a full summary.
type LinkSummary struct {
	Identity     string        `json:"identity"`
	SourceID     string        `json:"source_id,omitempty"`
	Connected    bool          `json:"connected"`
	LastSeen     time.Time     `json:"last_seen"`
	Temperature  MetricSummary `json:"temperature"`
	Humidity     MetricSummary `json:"humidity"`
	AnomalyCount uint64        `json:"anomaly_count"`
}

// Event is an out-of-band occurrence reported with the next summary,
// such as a sensor disconnection or a low-battery condition.
type Event struct {
	Identity  string    `json:"identity,omitempty"`
	SourceID  string    `json:"source_id,omitempty"`
	Type      string    `json:"type"`
	Value     string    `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the outbound payload to the central aggregator. In NORMAL
// mode it carries per-link rolling state; in RETURN_TO_BASE mode Links is
// empty and only battery and mode are reported.
type Summary struct {
	DroneID      string        `json:"drone_id"`
	Timestamp    time.Time     `json:"timestamp"`
	BatteryLevel int           `json:"battery_level"`
	Mode         Mode          `json:"mode"`
	Links        []LinkSummary `json:"links,omitempty"`
	Events       []Event       `json:"events,omitempty"`
}

// DecodeSummary parses a summary frame received central-side.
func DecodeSummary(data []byte) (*Summary, error) {
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if s.DroneID == "" {
		return nil, fmt.Errorf("%w: missing drone_id", ErrMalformedMessage)
	}
	return &s, nil
}

// ControlMessage is a command sent from central to a drone over the
// drone's own uplink connection. Unrecognized types are logged and
// ignored by the receiver.
type ControlMessage struct {
	ID     string      `json:"id,omitempty"`
	Type   ControlType `json:"type"`
	Target string      `json:"target,omitempty"`
	Amount int         `json:"amount,omitempty"`
}

// DecodeControl parses a control frame received on the uplink.
func DecodeControl(data []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing control type", ErrMalformedMessage)
	}
	return &m, nil
}
