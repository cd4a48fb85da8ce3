package models

import "time"

// ProcessRecord tracks the live agent process. It exists in watcher memory
// only and is never persisted; after a watcher restart liveness is
// re-established by scanning the process table.
type ProcessRecord struct {
	PID        int
	Branch     string
	LaunchedAt time.Time
}
