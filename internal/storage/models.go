package storage

import "time"

// SummaryRecord is one stored drone summary.
type SummaryRecord struct {
	ID           int64
	DroneID      string
	BatteryLevel int
	Mode         string
	Payload      string // full summary JSON as received
	ReceivedAt   time.Time
}

// EventRecord is one stored anomaly or lifecycle event.
type EventRecord struct {
	ID        int64
	DroneID   string
	Identity  string
	SourceID  string
	Type      string
	Value     string
	Timestamp time.Time
}
