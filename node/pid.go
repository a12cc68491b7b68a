package node

import (
	"fmt"

	"github.com/google/uuid"
)

// Pid uniquely identifies a process within a node. Pids are small comparable
// values, safe to copy, embed in messages, and use as map keys. A Pid carries
// the identity of the node that spawned the process plus a serial number that
// is never reused for the lifetime of the node.
type Pid struct {
	// Node is the identity of the node that owns the process.
	Node uuid.UUID

	// Serial is the node-local process number. Serial 0 is reserved for
	// the node's client identity, used to correlate requests issued from
	// outside any process.
	Serial uint64
}

// String renders the pid in a compact human-readable form.
func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d>", p.Node.String()[:8], p.Serial)
}

// IsZero reports whether the pid is the zero value, which addresses no
// process.
func (p Pid) IsZero() bool {
	return p == Pid{}
}

// MonitorRef identifies a single monitor registration. Each call to Monitor
// produces a fresh ref, so the same watcher can hold several independent
// monitors on one target.
type MonitorRef struct {
	// Watcher is the process that established the monitor.
	Watcher Pid

	// Target is the process being observed.
	Target Pid

	// Seq disambiguates multiple monitors between the same pair.
	Seq uint64
}

// Down is delivered to a monitoring process as an ordinary mailbox message
// when its monitored target terminates. Unlike links, monitors never
// terminate the watcher; they only inform it.
type Down struct {
	// Ref is the monitor registration this notification belongs to.
	Ref MonitorRef

	// Pid is the process that terminated.
	Pid Pid

	// Reason is the target's exit reason. It is nil for a normal exit.
	Reason any
}

// ExitSignal is the structured exit message shape. Exit delivers these into
// the target's mailbox, where a receive loop can decode Reason and route it
// through its exit handlers. This is the recoverable termination path;
// contrast with Node.Kill, which tears a process down without any message
// delivery.
type ExitSignal struct {
	// From is the process that sent the signal.
	From Pid

	// Reason is an arbitrary payload describing why the sender wants the
	// target to exit.
	Reason any
}
