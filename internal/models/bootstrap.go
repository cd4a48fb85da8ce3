package models

import "time"

// Phase is the lifecycle stage a branch launch has reached
type Phase string

const (
	PhaseBootstrapping Phase = "BOOTSTRAPPING"
	PhaseSuccess       Phase = "SUCCESS"
)

// LogEntry is one line of the append-only bootstrap log
type LogEntry struct {
	Timestamp time.Time
	Branch    string
	Phase     Phase
}
