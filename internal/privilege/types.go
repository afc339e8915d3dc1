package privilege

import "time"

// Operation names a privileged operation for logs and errors.
type Operation string

// Privileged operations performed by the broker.
const (
	OperationListen       Operation = "listen"
	OperationSpawnChild   Operation = "spawn_child"
	OperationRemoveSocket Operation = "remove_socket"
	OperationInspectPeer  Operation = "inspect_peer"
)

// ElevationContext describes one privileged section.
type ElevationContext struct {
	Operation Operation
	// RequestID is the correlation ID of the request being served, if any.
	RequestID   string
	Application string
	StartTime   time.Time
	OriginalUID int
	TargetUID   int
}
