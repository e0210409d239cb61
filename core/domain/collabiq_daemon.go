package domain

import "time"

// DaemonStatus is the lifecycle state persisted with the cursor. Seeing
// running or stopping at startup means the previous process crashed; the
// cursor remains authoritative either way.
type DaemonStatus string

const (
	DaemonStarting DaemonStatus = "starting"
	DaemonRunning  DaemonStatus = "running"
	DaemonStopping DaemonStatus = "stopping"
	DaemonStopped  DaemonStatus = "stopped"
	DaemonError    DaemonStatus = "error"
)

// DaemonState is persisted atomically after every cycle. The cursor
// (LastProcessedMessageID) only advances once every message of the cycle
// reached a terminal state.
type DaemonState struct {
	LastProcessedMessageID string       `json:"last_processed_message_id"`
	LastCycleAt            time.Time    `json:"last_cycle_at"`
	CyclesCompleted        int64        `json:"cycles_completed"`
	EmailsProcessed        int64        `json:"emails_processed"`
	ErrorCount             int64        `json:"error_count"`
	CurrentStatus          DaemonStatus `json:"current_status"`
	PID                    int          `json:"pid"`
	CycleIntervalMS        int64        `json:"cycle_interval_ms"`
}

// CrashDetected reports whether the persisted status indicates an unclean
// previous shutdown.
func (s DaemonState) CrashDetected() bool {
	return s.CurrentStatus == DaemonRunning || s.CurrentStatus == DaemonStopping
}
