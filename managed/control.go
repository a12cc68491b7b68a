package managed

import (
	"context"

	"github.com/wewela/distributed-process-platform/node"
)

// ControlChannel is a typed side-band into a managed server. Its receive
// port is owned by the server loop; the shareable send side is handed out
// through Port. Control traffic outranks ordinary mailbox messages: the
// loop polls the channel before the mailbox on every wake-up.
//
// A control channel is created before the server starts and lives as long
// as the server. If every holder drops (closes) the send side, the loop
// simply stops observing the channel and keeps blocking on its other
// sources; a closed control channel is not a terminating condition.
type ControlChannel[B any] struct {
	sp *node.SendPort[B]
	rp *node.ReceivePort[B]
}

// NewControlChannel creates a control channel with the given buffer
// capacity.
func NewControlChannel[B any](capacity int) *ControlChannel[B] {
	sp, rp := node.NewChannel[B](capacity)

	return &ControlChannel[B]{sp: sp, rp: rp}
}

// Port returns the shareable sending side of the channel.
func (c *ControlChannel[B]) Port() ControlPort[B] {
	return ControlPort[B]{sp: c.sp}
}

// ControlPort is the send side of a control channel. Ports are small values
// safe to copy and share across goroutines.
type ControlPort[B any] struct {
	sp *node.SendPort[B]
}

// Send blocks until the message is accepted, the context is cancelled, or
// the channel is closed.
func (cp ControlPort[B]) Send(ctx context.Context, msg B) bool {
	return cp.sp.Send(ctx, msg)
}

// TrySend delivers without blocking, returning false when the channel is
// full or closed.
func (cp ControlPort[B]) TrySend(msg B) bool {
	return cp.sp.TrySend(msg)
}

// Close closes the channel. The owning loop stops observing it.
func (cp ControlPort[B]) Close() {
	cp.sp.Close()
}
