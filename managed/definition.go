package managed

import (
	"time"

	"github.com/wewela/distributed-process-platform/node"
)

// policyKind discriminates the UnhandledPolicy sum.
type policyKind uint8

const (
	policyTerminate policyKind = iota
	policyDrop
	policyDeadLetter
)

// UnhandledPolicy decides what happens to a message no handler matches.
type UnhandledPolicy struct {
	kind policyKind
	addr node.Pid
}

// UnhandledTerminate stops the server with ExitOther("unhandled") on the
// first unmatched message. This is the zero value and therefore the default
// policy of a Definition.
func UnhandledTerminate() UnhandledPolicy {
	return UnhandledPolicy{kind: policyTerminate}
}

// UnhandledDrop silently discards unmatched messages.
func UnhandledDrop() UnhandledPolicy {
	return UnhandledPolicy{kind: policyDrop}
}

// UnhandledDeadLetter forwards unmatched messages, still in their opaque
// wire form, to the given address. The node's own dead-letter pid is a
// natural target, as is a durable journal server.
func UnhandledDeadLetter(addr node.Pid) UnhandledPolicy {
	return UnhandledPolicy{kind: policyDeadLetter, addr: addr}
}

// Definition describes a managed server over user state S: how it starts,
// which handlers it dispatches to, and how it times out and shuts down.
// The zero value of every field is usable; a Definition with no handlers
// and the default policy terminates on the first message it receives.
type Definition[S any] struct {
	// Init produces the initial state from the spawn arguments. A nil
	// Init enters the loop with the zero state and no initial deadline.
	Init func(p *node.Proc, args any) InitResult[S]

	// APIHandlers are the call, cast, and control-channel dispatchers,
	// tried in insertion order (control-channel entries are hoisted to
	// the front of the receive chain regardless of position here).
	APIHandlers []Handler[S]

	// InfoHandlers dispatch bare mailbox messages that are not part of
	// the call/cast protocol. Tried after exit handling.
	InfoHandlers []Handler[S]

	// ExitHandlers dispatch structured exit signals by reason payload
	// type. Signals whose reason decodes as ExitReason never reach them;
	// those always take the shutdown path.
	ExitHandlers []Handler[S]

	// TimeoutHandler fires when a deadline armed by TimeoutAfter (or an
	// InitOk deadline) elapses with no message. A nil handler continues
	// the loop with the deadline cleared.
	TimeoutHandler func(s S, d time.Duration) Action[S]

	// ShutdownHandler runs exactly once on every orderly termination:
	// a handler-returned Stop, or a structured exit signal decoding as
	// ExitReason. It must not panic. It does not run for unstructured
	// terminations (Node.Kill, link-propagated failures) or unmatched
	// exit signals.
	ShutdownHandler func(s S, r ExitReason)

	// Unhandled is the policy applied when no handler matches a message.
	// The zero value terminates the server.
	Unhandled UnhandledPolicy
}
