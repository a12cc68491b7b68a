package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoProc indicates an operation addressed a pid that names no
	// live process.
	ErrNoProc = errors.New("no such process")

	// ErrNameRegistered indicates a Register call for a name that is
	// already taken.
	ErrNameRegistered = errors.New("name already registered")

	// ErrNodeShutdown indicates the node is shutting down and no longer
	// accepts new processes.
	ErrNodeShutdown = errors.New("node shutting down")
)

// Config holds the tunable parameters of a Node.
type Config struct {
	// MailboxCapacity is the buffer size of every process mailbox.
	MailboxCapacity int
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() Config {
	return Config{
		MailboxCapacity: 128,
	}
}

// Option is a functional option for NewNode.
type Option func(*Config)

// WithMailboxCapacity overrides the default per-process mailbox capacity.
func WithMailboxCapacity(capacity int) Option {
	return func(cfg *Config) {
		cfg.MailboxCapacity = capacity
	}
}

// Node is the local messaging substrate: it spawns processes, routes
// messages between their mailboxes, maintains the name registry, delivers
// monitor notifications, propagates link failures, and owns the dead-letter
// process that absorbs undeliverable traffic. Nodes share nothing; all
// coordination between processes flows through messages.
type Node struct {
	// id is the node identity, embedded in every pid it mints.
	id uuid.UUID

	// cfg holds the node configuration.
	cfg Config

	// ctx is the root context all process contexts derive from.
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects procs, names, namesByPid, and monitors.
	mu sync.RWMutex

	// procs tracks all live processes by pid.
	procs map[Pid]*Proc

	// names maps registered names to pids, one pid per name.
	names map[string]Pid

	// namesByPid is the reverse index used to clear registrations when a
	// process terminates.
	namesByPid map[Pid][]string

	// monitors maps a target pid to the set of monitor registrations
	// observing it.
	monitors map[Pid]map[MonitorRef]struct{}

	// serial mints process serial numbers. Serial 0 is the node's client
	// identity, so the counter starts at 1.
	serial atomic.Uint64

	// clientSeq mints correlation serials for requests issued from
	// outside any process.
	clientSeq atomic.Uint64

	// monitorSeq disambiguates monitor refs.
	monitorSeq atomic.Uint64

	// wg tracks process goroutines for deterministic shutdown.
	wg sync.WaitGroup

	// deadLetters is the process absorbing undeliverable messages.
	deadLetters *Proc
}

// NewNode creates and starts a node, including its dead-letter process.
func NewNode(opts ...Option) *Node {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		id:         uuid.New(),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		procs:      make(map[Pid]*Proc),
		names:      make(map[string]Pid),
		namesByPid: make(map[Pid][]string),
		monitors:   make(map[Pid]map[MonitorRef]struct{}),
	}

	// The dead-letter process logs everything it absorbs. Messages that
	// fail to reach it are simply dropped, preventing delivery loops.
	n.deadLetters = n.Spawn(func(p *Proc) any {
		matchers := []Matcher{MatchAny()}
		for {
			sel := p.ReceiveWait(
				matchers, fn.None[time.Duration](),
			)
			if sel.IsNone() {
				return nil
			}

			sel.WhenSome(func(s Selection) {
				log.DebugS(p.ctx, "Dead letter absorbed",
					"msg_type", fmt.Sprintf("%T", s.Msg))
			})
		}
	})

	log.InfoS(ctx, "Node started", "node_id", n.id)

	return n
}

// ID returns the node identity.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// ClientPid returns the pseudo-pid representing callers outside any process.
// It addresses no mailbox; replies routed to it land in dead letters.
func (n *Node) ClientPid() Pid {
	return Pid{Node: n.id, Serial: 0}
}

// NextClientSerial mints a correlation serial for requests issued from
// outside any process.
func (n *Node) NextClientSerial() uint64 {
	return n.clientSeq.Add(1)
}

// Origin identifies the node's external-caller identity for protocol
// traffic. It is the same value as ClientPid.
func (n *Node) Origin() Pid {
	return n.ClientPid()
}

// NextSerial mints a correlation serial on behalf of external callers. It is
// the same counter as NextClientSerial.
func (n *Node) NextSerial() uint64 {
	return n.NextClientSerial()
}

// Spawn starts a new process running fn on its own goroutine. If the node is
// already shutting down, the returned process is born terminated with
// ErrNodeShutdown so callers never observe a nil proc.
func (n *Node) Spawn(fn ProcFunc) *Proc {
	pid := Pid{Node: n.id, Serial: n.serial.Add(1)}

	ctx, cancel := context.WithCancel(n.ctx)
	p := &Proc{
		pid:    pid,
		n:      n,
		mb:     newMailbox(ctx, n.cfg.MailboxCapacity),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		links:  make(map[Pid]struct{}),
	}

	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()

		// Node is shutting down: terminate the proc in place without
		// ever starting its goroutine.
		p.markKilled(ErrNodeShutdown)
		p.cancel()
		p.mb.Close()
		p.exitReason = ErrNodeShutdown
		close(p.done)

		return p
	}
	n.procs[pid] = p
	n.wg.Add(1)
	n.mu.Unlock()

	go p.run(fn)

	log.TraceS(ctx, "Process spawned", "pid", pid)

	return p
}

// Kill forcibly terminates the target process: its context is cancelled and
// its body is expected to unwind at the next receive or context check. This
// is the unstructured termination path; no handler of the target runs, and
// the reason propagates to linked peers as-is. A nil reason kills without
// link propagation.
func (n *Node) Kill(pid Pid, reason any) bool {
	p, ok := n.lookup(pid)
	if !ok {
		return false
	}

	log.DebugS(n.ctx, "Killing process", "pid", pid)

	p.markKilled(reason)
	p.cancel()

	return true
}

// Send delivers a message to the target's mailbox on behalf of a caller
// outside any process. Delivery semantics match Proc.Send.
func (n *Node) Send(to Pid, msg any) bool {
	return n.deliver(to, msg)
}

// Register associates a name with a pid. A name maps to exactly one pid;
// registering a taken name returns ErrNameRegistered, and registering a dead
// pid returns ErrNoProc. Registrations are cleared automatically when the
// process terminates.
func (n *Node) Register(name string, pid Pid) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, taken := n.names[name]; taken {
		return ErrNameRegistered
	}
	if _, live := n.procs[pid]; !live {
		return ErrNoProc
	}

	n.names[name] = pid
	n.namesByPid[pid] = append(n.namesByPid[pid], name)

	log.DebugS(n.ctx, "Name registered", "name", name, "pid", pid)

	return nil
}

// Unregister removes a name registration, reporting whether it existed.
func (n *Node) Unregister(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	pid, ok := n.names[name]
	if !ok {
		return false
	}

	delete(n.names, name)
	n.namesByPid[pid] = removeString(n.namesByPid[pid], name)

	return true
}

// Whereis resolves a registered name to a pid.
func (n *Node) Whereis(name string) fn.Option[Pid] {
	n.mu.RLock()
	defer n.mu.RUnlock()

	pid, ok := n.names[name]
	if !ok {
		return fn.None[Pid]()
	}

	return fn.Some(pid)
}

// DeadLetters returns the pid of the node's dead-letter process. It is a
// valid forwarding target for unhandled-message policies.
func (n *Node) DeadLetters() Pid {
	return n.deadLetters.Self()
}

// Shutdown stops every process and blocks until all process goroutines have
// exited or the context expires. Processes are killed without link
// propagation; their mailboxes drain to dead letters as usual.
func (n *Node) Shutdown(ctx context.Context) error {
	// Cancelling the root context first prevents new spawns from racing
	// the WaitGroup snapshot below.
	n.cancel()

	n.mu.RLock()
	procs := make([]*Proc, 0, len(n.procs))
	for _, p := range n.procs {
		procs = append(procs, p)
	}
	n.mu.RUnlock()

	log.InfoS(ctx, "Node shutting down", "num_procs", len(procs))

	for _, p := range procs {
		p.markKilled(nil)
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.InfoS(ctx, "Node shutdown completed")

		return nil

	case <-ctx.Done():
		log.ErrorS(ctx, "Node shutdown incomplete, some processes "+
			"may have leaked", ctx.Err())

		return ctx.Err()
	}
}

// lookup resolves a pid to its live process.
func (n *Node) lookup(pid Pid) (*Proc, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	p, ok := n.procs[pid]

	return p, ok
}

// deliver routes a message to the target mailbox, falling back to dead
// letters when the target is unknown or its mailbox refuses the message.
func (n *Node) deliver(to Pid, msg any) bool {
	p, ok := n.lookup(to)
	if !ok {
		n.toDeadLetters(msg)
		return false
	}

	if !p.mb.TrySend(msg) {
		n.toDeadLetters(msg)
		return false
	}

	return true
}

// toDeadLetters forwards a message to the dead-letter process, dropping it
// if that too fails. Messages addressed to the dead-letter process itself
// are never recycled, which breaks any potential delivery loop.
func (n *Node) toDeadLetters(msg any) {
	dl := n.deadLetters
	if dl == nil {
		return
	}

	dl.mb.TrySend(msg)
}

// monitor registers watcher as an observer of target. Dead targets produce
// an immediate Down with ErrNoProc.
func (n *Node) monitor(watcher, target Pid) MonitorRef {
	ref := MonitorRef{
		Watcher: watcher,
		Target:  target,
		Seq:     n.monitorSeq.Add(1),
	}

	n.mu.Lock()
	_, live := n.procs[target]
	if live {
		refs, ok := n.monitors[target]
		if !ok {
			refs = make(map[MonitorRef]struct{})
			n.monitors[target] = refs
		}
		refs[ref] = struct{}{}
	}
	n.mu.Unlock()

	if !live {
		n.deliver(watcher, Down{
			Ref:    ref,
			Pid:    target,
			Reason: ErrNoProc,
		})
	}

	return ref
}

// demonitor removes a monitor registration.
func (n *Node) demonitor(ref MonitorRef) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if refs, ok := n.monitors[ref.Target]; ok {
		delete(refs, ref)
		if len(refs) == 0 {
			delete(n.monitors, ref.Target)
		}
	}
}

// procTerminated runs the node-side cleanup for a terminating process:
// registry removal, monitor notification, and link propagation. Links
// propagate only abnormal (non-nil) reasons, and they propagate through the
// unstructured Kill path: a linked peer dies without running any of its own
// teardown handlers.
func (n *Node) procTerminated(p *Proc, reason any) {
	pid := p.pid

	n.mu.Lock()
	delete(n.procs, pid)

	for _, name := range n.namesByPid[pid] {
		delete(n.names, name)
	}
	delete(n.namesByPid, pid)

	refs := n.monitors[pid]
	delete(n.monitors, pid)
	n.mu.Unlock()

	// Notify monitors. Down is an ordinary message; watchers decide what
	// to do with it.
	for ref := range refs {
		n.deliver(ref.Watcher, Down{
			Ref:    ref,
			Pid:    pid,
			Reason: reason,
		})
	}

	// Propagate over links. The snapshot is taken under the proc's own
	// mutex; the peer's backlink is removed to keep the relation
	// symmetric.
	p.mu.Lock()
	links := make([]Pid, 0, len(p.links))
	for peer := range p.links {
		links = append(links, peer)
	}
	p.links = nil
	p.mu.Unlock()

	for _, peer := range links {
		if target, ok := n.lookup(peer); ok {
			target.removeLink(pid)
		}

		if reason != nil {
			n.Kill(peer, reason)
		}
	}
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}

	return out
}
