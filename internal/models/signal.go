package models

import "time"

// SignalKind identifies which control signal a file carries
type SignalKind string

const (
	SignalBootstrap SignalKind = "bootstrap"
	SignalRollback  SignalKind = "rollback"
)

// Signal is one durable control message handed from the agent (or an
// operator) to the watcher through the signal directory
type Signal struct {
	Kind      SignalKind
	Payload   string    // branch name for bootstrap, git ref for rollback
	CreatedAt time.Time // mtime of the signal file
}
