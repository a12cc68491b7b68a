package managed

import (
	"github.com/wewela/distributed-process-platform/node"
)

// handlerKind classifies a handler for chain ordering. The receive chain
// always orders kinds as: control-chan, then call/cast in insertion order,
// then exit, then info, with the unhandled policy as the terminal.
type handlerKind uint8

const (
	kindCall handlerKind = iota
	kindCast
	kindControl
	kindInfo
	kindExit
)

// dispatcher is the type-erased core of a handler: a matcher that inspects
// an opaque message against the current state, and a body invocation. The
// payload type is erased at registration time and recovered at match time
// through type assertions.
type dispatcher[S any] interface {
	// matches reports whether this handler selects the message, taking
	// any guard condition into account.
	matches(s S, msg any) bool

	// dispatch invokes the handler body. Only called when matches
	// returned true for the same state and message.
	dispatch(p *node.Proc, s S, msg any) Action[S]
}

// Handler is a registered dispatcher for one message shape. Handlers are
// created with the HandleCall/HandleCast/HandleControlChan/HandleInfo/
// HandleExit constructors and installed on a Definition; within a kind,
// insertion order determines dispatch preference.
type Handler[S any] struct {
	kind handlerKind
	d    dispatcher[S]

	// src is set only for control-channel handlers: the matcher bound to
	// the channel's receive port.
	src node.Matcher
}

// callDispatcher handles call envelopes whose payload has type T, replying
// with values of type R. At most one of cond and condFrom is set.
type callDispatcher[S any, T any, R any] struct {
	cond     func(s S, req T) bool
	condFrom func(s S, req T, caller node.Pid) bool
	body     func(s S, client ClientRef, req T) ProcessReply[S, R]
}

func (d *callDispatcher[S, T, R]) matches(s S, msg any) bool {
	env, ok := msg.(callEnvelope)
	if !ok {
		return false
	}

	req, ok := env.Payload.(T)
	if !ok {
		return false
	}

	switch {
	case d.cond != nil:
		return d.cond(s, req)

	case d.condFrom != nil:
		return d.condFrom(s, req, env.From)

	default:
		return true
	}
}

func (d *callDispatcher[S, T, R]) dispatch(p *node.Proc, s S,
	msg any) Action[S] {

	env := msg.(callEnvelope)
	req := env.Payload.(T)
	client := ClientRef{
		Pid:   env.From,
		Token: env.Token,
		sink:  env.sink,
		srv:   p,
	}

	pr := d.body(s, client, req)
	switch pr.kind {
	case replyNow:
		if !client.sink.deliver(p, pr.value) {
			log.WarnS(p.Context(), "Call reply undeliverable",
				nil, "token", env.Token)
		}

		return Continue(pr.state)

	case replyDeferred:
		// The handler has taken over the reply obligation via the
		// ClientRef it was handed.
		return Continue(pr.state)

	default:
		client.sink.deliver(p, pr.value)

		return Stop(pr.state, pr.reason)
	}
}

// castDispatcher handles cast envelopes whose payload has type T.
type castDispatcher[S any, T any] struct {
	cond func(s S, msg T) bool
	body func(s S, msg T) Action[S]
}

func (d *castDispatcher[S, T]) matches(s S, msg any) bool {
	env, ok := msg.(castEnvelope)
	if !ok {
		return false
	}

	m, ok := env.Payload.(T)
	if !ok {
		return false
	}

	return d.cond == nil || d.cond(s, m)
}

func (d *castDispatcher[S, T]) dispatch(_ *node.Proc, s S,
	msg any) Action[S] {

	return d.body(s, msg.(castEnvelope).Payload.(T))
}

// infoDispatcher handles bare (non-protocol) mailbox messages of type T.
// Instantiating T as any yields a catch-all info handler.
type infoDispatcher[S any, T any] struct {
	body func(s S, msg T) Action[S]
}

func (d *infoDispatcher[S, T]) matches(_ S, msg any) bool {
	if isProtocolMessage(msg) {
		return false
	}

	_, ok := msg.(T)

	return ok
}

func (d *infoDispatcher[S, T]) dispatch(_ *node.Proc, s S,
	msg any) Action[S] {

	return d.body(s, msg.(T))
}

// exitDispatcher handles structured exit signals whose reason payload has
// type T. Reasons decoding as ExitReason never reach exit dispatchers; the
// loop's shutdown path consumes those first.
type exitDispatcher[S any, T any] struct {
	body func(s S, from node.Pid, reason T) Action[S]
}

func (d *exitDispatcher[S, T]) matches(_ S, msg any) bool {
	sig, ok := msg.(node.ExitSignal)
	if !ok {
		return false
	}

	_, ok = sig.Reason.(T)

	return ok
}

func (d *exitDispatcher[S, T]) dispatch(_ *node.Proc, s S,
	msg any) Action[S] {

	sig := msg.(node.ExitSignal)

	return d.body(s, sig.From, sig.Reason.(T))
}

// controlDispatcher handles messages arriving on a control channel. The
// message never traverses the mailbox, so matches is only consulted for the
// value already received from the channel.
type controlDispatcher[S any, B any] struct {
	body func(s S, msg B) Action[S]
}

func (d *controlDispatcher[S, B]) matches(_ S, msg any) bool {
	_, ok := msg.(B)

	return ok
}

func (d *controlDispatcher[S, B]) dispatch(_ *node.Proc, s S,
	msg any) Action[S] {

	return d.body(s, msg.(B))
}

// isProtocolMessage reports whether the message belongs to the managed
// call/cast/exit wire protocol. Info handlers only see messages outside it.
// Reply envelopes are deliberately not protocol from the server's point of
// view: a late reply to a call the server itself made (after its timeout
// expired) is observable through an info handler instead of tripping the
// unhandled policy.
func isProtocolMessage(msg any) bool {
	switch msg.(type) {
	case callEnvelope, castEnvelope, node.ExitSignal:
		return true
	default:
		return false
	}
}

// HandleCall registers a call handler for requests of type T with replies of
// type R. The body receives the current state, a ClientRef identifying the
// caller, and the typed request.
func HandleCall[S any, T any, R any](
	body func(s S, client ClientRef, req T) ProcessReply[S, R],
) Handler[S] {

	return Handler[S]{
		kind: kindCall,
		d:    &callDispatcher[S, T, R]{body: body},
	}
}

// HandleCallIf is HandleCall with a guard: the handler only matches when the
// condition holds for the current state and request.
func HandleCallIf[S any, T any, R any](
	cond func(s S, req T) bool,
	body func(s S, client ClientRef, req T) ProcessReply[S, R],
) Handler[S] {

	return Handler[S]{
		kind: kindCall,
		d:    &callDispatcher[S, T, R]{cond: cond, body: body},
	}
}

// HandleCallFromIf is HandleCallIf with a caller-aware guard: the condition
// also sees the identity of the caller.
func HandleCallFromIf[S any, T any, R any](
	cond func(s S, req T, caller node.Pid) bool,
	body func(s S, client ClientRef, req T) ProcessReply[S, R],
) Handler[S] {

	return Handler[S]{
		kind: kindCall,
		d:    &callDispatcher[S, T, R]{condFrom: cond, body: body},
	}
}

// HandleCast registers a cast handler for messages of type T.
func HandleCast[S any, T any](
	body func(s S, msg T) Action[S],
) Handler[S] {

	return Handler[S]{
		kind: kindCast,
		d:    &castDispatcher[S, T]{body: body},
	}
}

// HandleCastIf is HandleCast with a guard.
func HandleCastIf[S any, T any](
	cond func(s S, msg T) bool,
	body func(s S, msg T) Action[S],
) Handler[S] {

	return Handler[S]{
		kind: kindCast,
		d:    &castDispatcher[S, T]{cond: cond, body: body},
	}
}

// HandleInfo registers a handler for bare mailbox messages of type T, i.e.
// anything delivered outside the call/cast protocol. Use T = any for a
// catch-all.
func HandleInfo[S any, T any](
	body func(s S, msg T) Action[S],
) Handler[S] {

	return Handler[S]{
		kind: kindInfo,
		d:    &infoDispatcher[S, T]{body: body},
	}
}

// HandleExit registers a handler for structured exit signals whose reason
// payload has type T. Matched signals recover locally: the handler's action
// decides whether the server keeps running.
func HandleExit[S any, T any](
	body func(s S, from node.Pid, reason T) Action[S],
) Handler[S] {

	return Handler[S]{
		kind: kindExit,
		d:    &exitDispatcher[S, T]{body: body},
	}
}

// HandleControlChan registers a handler for messages arriving on the given
// control channel. The channel's matcher is inserted at the front of the
// receive chain, giving control traffic strict precedence over ordinary
// mailbox messages. Control channels cannot be combined with a prioritised
// definition.
func HandleControlChan[S any, B any](ch *ControlChannel[B],
	body func(s S, msg B) Action[S],
) Handler[S] {

	return Handler[S]{
		kind: kindControl,
		d:    &controlDispatcher[S, B]{body: body},
		src:  node.MatchChan(ch.rp),
	}
}
