package managed

import (
	"errors"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wewela/distributed-process-platform/node"
)

// ErrControlChanPrioritised indicates a prioritised definition carries
// control-channel handlers, which is a configuration error: control
// channels already impose their own precedence and cannot be reconciled
// with a priority queue.
var ErrControlChanPrioritised = errors.New(
	"control channels cannot be combined with a prioritised server",
)

// defaultDrainBudget bounds a drain step when no explicit policy is set.
const defaultDrainBudget = 128

// Priority is a predicate assigning a non-negative priority level to
// messages it recognizes. A prioritised server tries its priorities in
// order; the first one recognizing a message assigns its level, and
// unrecognized messages get priority 0.
type Priority struct {
	classify func(msg any) fn.Option[int]
}

// PrioritiseCall prioritises call requests of type T.
func PrioritiseCall[T any](pri func(req T) int) Priority {
	return Priority{classify: func(msg any) fn.Option[int] {
		env, ok := msg.(callEnvelope)
		if !ok {
			return fn.None[int]()
		}

		req, ok := env.Payload.(T)
		if !ok {
			return fn.None[int]()
		}

		return fn.Some(pri(req))
	}}
}

// PrioritiseCast prioritises cast messages of type T.
func PrioritiseCast[T any](pri func(msg T) int) Priority {
	return Priority{classify: func(msg any) fn.Option[int] {
		env, ok := msg.(castEnvelope)
		if !ok {
			return fn.None[int]()
		}

		m, ok := env.Payload.(T)
		if !ok {
			return fn.None[int]()
		}

		return fn.Some(pri(m))
	}}
}

// PrioritiseInfo prioritises bare (non-protocol) messages of type T.
func PrioritiseInfo[T any](pri func(msg T) int) Priority {
	return Priority{classify: func(msg any) fn.Option[int] {
		if isProtocolMessage(msg) {
			return fn.None[int]()
		}

		m, ok := msg.(T)
		if !ok {
			return fn.None[int]()
		}

		return fn.Some(pri(m))
	}}
}

// recvPolicyKind discriminates the RecvTimeoutPolicy sum.
type recvPolicyKind uint8

const (
	recvPolicyDefault recvPolicyKind = iota
	recvPolicyCounter
	recvPolicyTimer
)

// RecvTimeoutPolicy bounds how much a single drain step may move from the
// mailbox into the internal priority queue before the loop dispatches. The
// zero value applies a counter bound of defaultDrainBudget messages.
type RecvTimeoutPolicy struct {
	kind recvPolicyKind
	n    int
	d    time.Duration
}

// RecvCounter bounds a drain step to at most n messages.
func RecvCounter(n int) RecvTimeoutPolicy {
	return RecvTimeoutPolicy{kind: recvPolicyCounter, n: n}
}

// RecvTimer bounds a drain step to at most d of wall time.
func RecvTimer(d time.Duration) RecvTimeoutPolicy {
	return RecvTimeoutPolicy{kind: recvPolicyTimer, d: d}
}

// PrioDefinition wraps a Definition with a priority assignment and a drain
// budget, turning the plain receive loop into a drain-then-dispatch cycle
// with strict-priority delivery.
type PrioDefinition[S any] struct {
	// Definition is the underlying server definition. It must not carry
	// control-channel handlers.
	Definition Definition[S]

	// Priorities are tried in order against every drained message.
	Priorities []Priority

	// Policy bounds each drain step.
	Policy RecvTimeoutPolicy
}

// prioQueue is the internal queue of a prioritised loop: strict across
// priority levels, FIFO within a level.
type prioQueue struct {
	// levels holds the populated priority levels, sorted descending.
	levels []int

	// byLevel holds the FIFO bucket for each populated level.
	byLevel map[int][]any

	// size is the total number of queued messages.
	size int
}

func newPrioQueue() *prioQueue {
	return &prioQueue{
		byLevel: make(map[int][]any),
	}
}

// push appends the message at the tail of its level's bucket.
func (q *prioQueue) push(level int, msg any) {
	if _, ok := q.byLevel[level]; !ok {
		i := sort.Search(len(q.levels), func(i int) bool {
			return q.levels[i] < level
		})

		q.levels = append(q.levels, 0)
		copy(q.levels[i+1:], q.levels[i:])
		q.levels[i] = level
	}

	q.byLevel[level] = append(q.byLevel[level], msg)
	q.size++
}

// pop removes the head of the highest non-empty bucket.
func (q *prioQueue) pop() (any, bool) {
	if q.size == 0 {
		return nil, false
	}

	top := q.levels[0]
	bucket := q.byLevel[top]
	msg := bucket[0]

	if len(bucket) == 1 {
		delete(q.byLevel, top)
		q.levels = q.levels[1:]
	} else {
		q.byLevel[top] = bucket[1:]
	}

	q.size--

	return msg, true
}

// SpawnPrioritised starts a prioritised managed server as a new process on
// the node. It fails without spawning when the definition carries
// control-channel handlers.
func SpawnPrioritised[S any](n *node.Node, def PrioDefinition[S],
	args any) (*node.Proc, error) {

	if hasControlHandlers(&def.Definition) {
		return nil, ErrControlChanPrioritised
	}

	p := n.Spawn(func(p *node.Proc) any {
		return exitValue(ServePrioritised(p, args, def))
	})

	return p, nil
}

// ServePrioritised runs the prioritised receive loop on the calling
// process. Each cycle performs at most one bounded drain step, moving
// mailbox messages into the internal priority queue, then dispatches the
// head of the highest non-empty bucket through the same handler chain the
// plain loop uses. When both the mailbox and the queue are empty the loop
// blocks on a single receive instead of busy-polling.
func ServePrioritised[S any](p *node.Proc, args any,
	def PrioDefinition[S]) ExitReason {

	if hasControlHandlers(&def.Definition) {
		return ExitOther(ErrControlChanPrioritised)
	}

	var s S
	deadline := fn.None[time.Duration]()

	inner := &def.Definition
	if inner.Init != nil {
		res := inner.Init(p, args)
		switch res.kind {
		case initStop:
			return ExitOther(res.reason)

		case initIgnore:
			return ExitNormal()
		}

		s = res.state
		deadline = res.deadline
	}

	entries := buildChain(inner, &s)
	blockers := []node.Matcher{node.MatchAny()}
	queue := newPrioQueue()

	log.DebugS(p.Context(), "Prioritised server entering loop",
		"pid", p.Self(),
		"num_priorities", len(def.Priorities))

	for {
		// Block only when there is nothing queued: the single
		// receive doubles as the deadline wait.
		if queue.size == 0 {
			sel := p.ReceiveWait(blockers, deadline)

			if p.Context().Err() != nil {
				return ExitOther(p.Context().Err())
			}

			if sel.IsNone() {
				d := deadline.UnwrapOr(0)

				var act Action[S]
				if inner.TimeoutHandler != nil {
					act = inner.TimeoutHandler(s, d)
				} else {
					act = Continue(s)
				}

				var stop bool
				s, deadline, stop = applyAction(p, inner, act)
				if stop {
					return act.reason
				}

				continue
			}

			msg := sel.UnwrapOr(node.Selection{}).Msg
			queue.push(classify(def.Priorities, msg), msg)
		}

		// Drain step: pull whatever else is already pending, within
		// the policy budget.
		drainStep(p, &def, queue)

		// Dispatch step: exactly one message per cycle, from the
		// head of the highest bucket.
		msg, ok := queue.pop()
		if !ok {
			continue
		}

		act := dispatchQueued(p, entries, s, msg)

		var stop bool
		s, deadline, stop = applyAction(p, inner, act)
		if stop {
			return act.reason
		}
	}
}

// drainStep moves pending mailbox messages into the priority queue until
// the mailbox is empty or the policy budget runs out.
func drainStep[S any](p *node.Proc, def *PrioDefinition[S], q *prioQueue) {
	var (
		count int
		start time.Time
	)
	if def.Policy.kind == recvPolicyTimer {
		start = time.Now()
	}

	for {
		switch def.Policy.kind {
		case recvPolicyCounter:
			if count >= def.Policy.n {
				return
			}

		case recvPolicyTimer:
			if time.Since(start) >= def.Policy.d {
				return
			}

		default:
			if count >= defaultDrainBudget {
				return
			}
		}

		msg := p.TryReceive()
		if msg.IsNone() {
			return
		}

		m := msg.UnwrapOr(nil)
		q.push(classify(def.Priorities, m), m)
		count++
	}
}

// classify assigns a message its priority level: the first recognizing
// predicate wins, and unrecognized messages get level 0.
func classify(ps []Priority, msg any) int {
	for _, pr := range ps {
		if lvl := pr.classify(msg); lvl.IsSome() {
			return lvl.UnwrapOr(0)
		}
	}

	return 0
}

// dispatchQueued runs the matcher chain over an already-dequeued message.
// The terminal unhandled entry accepts everything, so a dispatch always
// happens.
func dispatchQueued[S any](p *node.Proc, entries []chainEntry[S], s S,
	msg any) Action[S] {

	for _, e := range entries {
		if e.matcher.Accepts(msg) {
			return e.dispatch(p, s, msg)
		}
	}

	// Unreachable: the terminal matcher accepts any message.
	return Continue(s)
}

// hasControlHandlers reports whether any handler list of the definition
// contains a control-channel handler.
func hasControlHandlers[S any](def *Definition[S]) bool {
	for _, h := range def.APIHandlers {
		if h.kind == kindControl {
			return true
		}
	}

	return false
}
