// Package pool distributes managed-server traffic across a set of identical
// members using round-robin scheduling. It scales a server definition
// horizontally while keeping the single-process sequential semantics within
// each member.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

// Pool is a fixed set of managed servers sharing one definition. Messages
// sent through the pool are spread across members round-robin; within a
// member, ordering and state semantics are those of any managed server.
type Pool struct {
	// id names the pool in error messages.
	id string

	// members holds the spawned member processes.
	members []*node.Proc

	// next is the atomic counter for round-robin selection.
	next atomic.Uint64
}

// Config holds the parameters for creating a pool.
type Config[S any] struct {
	// ID is the identifier for the pool.
	ID string

	// Size is the number of members to spawn. A non-positive size is
	// raised to 1.
	Size int

	// Factory builds the definition for each member. It is invoked once
	// per member with the member's index, so members can vary their
	// initial state while sharing behaviour.
	Factory func(idx int) managed.Definition[S]

	// Args is passed to every member's Init.
	Args any
}

// New spawns the pool's members and returns the pool handle.
func New[S any](n *node.Node, cfg Config[S]) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 1
	}

	p := &Pool{
		id:      cfg.ID,
		members: make([]*node.Proc, size),
	}

	for i := 0; i < size; i++ {
		p.members[i] = managed.Spawn(n, cfg.Factory(i), cfg.Args)
	}

	return p
}

// Next returns the pid of the member the next message should go to.
func (p *Pool) Next() node.Pid {
	idx := p.next.Add(1) - 1

	return p.members[idx%uint64(len(p.members))].Self()
}

// Members returns the pids of all pool members.
func (p *Pool) Members() []node.Pid {
	pids := make([]node.Pid, len(p.members))
	for i, m := range p.members {
		pids[i] = m.Self()
	}

	return pids
}

// Cast sends a fire-and-forget message to the next member in rotation.
func (p *Pool) Cast(s managed.Sender, msg any) bool {
	return managed.Cast(s, p.Next(), msg)
}

// Broadcast sends a message to every member. Returns the number of members
// whose mailbox accepted it.
func (p *Pool) Broadcast(s managed.Sender, msg any) int {
	delivered := 0
	for _, m := range p.members {
		if managed.Cast(s, m.Self(), msg) {
			delivered++
		}
	}

	return delivered
}

// Stop asks every member to stop with the given reason and waits for them
// to terminate or the context to expire.
func (p *Pool) Stop(ctx context.Context, s managed.Sender,
	reason managed.ExitReason) error {

	for _, m := range p.members {
		managed.StopServer(s, m.Self(), reason)
	}

	for i, m := range p.members {
		select {
		case <-m.Done():

		case <-ctx.Done():
			return fmt.Errorf("pool %s: member %d did not stop: "+
				"%w", p.id, i, ctx.Err())
		}
	}

	return nil
}

// Call sends a request to the pool's next member in rotation and waits for
// the typed reply. This is a package-level generic function because methods
// cannot have their own type parameters.
func Call[Resp any, Req any](ctx context.Context, s managed.Sender, p *Pool,
	req Req, timeout time.Duration) (Resp, error) {

	return managed.CallChan[Resp](ctx, s, p.Next(), req, timeout)
}
