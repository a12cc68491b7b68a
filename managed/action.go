package managed

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// actionKind discriminates the Action sum.
type actionKind uint8

const (
	actContinue actionKind = iota
	actTimeout
	actHibernate
	actStop
)

// Action is what a handler returns to steer the receive loop. It is a tagged
// sum over the next user state: keep looping, loop with a receive deadline,
// hibernate, or stop.
type Action[S any] struct {
	kind   actionKind
	state  S
	dur    time.Duration
	reason ExitReason

	// fatal marks a stop that bypasses the shutdown handler, used when
	// an unmatched exit signal is re-raised.
	fatal bool
}

// Continue resumes the loop with the new state and no receive deadline.
func Continue[S any](s S) Action[S] {
	return Action[S]{kind: actContinue, state: s}
}

// TimeoutAfter resumes the loop with a receive deadline. If no message
// arrives within d, the definition's timeout handler fires with the elapsed
// duration. A zero duration still polls the mailbox once before the timeout
// handler runs.
func TimeoutAfter[S any](s S, d time.Duration) Action[S] {
	return Action[S]{kind: actTimeout, state: s, dur: d}
}

// Hibernate asks the runtime to shed what resident footprint it can, then
// sleeps at least d before resuming the loop. A zero duration is equivalent
// to Continue.
func Hibernate[S any](s S, d time.Duration) Action[S] {
	return Action[S]{kind: actHibernate, state: s, dur: d}
}

// Stop runs the definition's shutdown handler with the given reason and
// terminates the loop.
func Stop[S any](s S, r ExitReason) Action[S] {
	return Action[S]{kind: actStop, state: s, reason: r}
}

// StopNormal is shorthand for Stop with the normal exit reason.
func StopNormal[S any](s S) Action[S] {
	return Stop(s, ExitNormal())
}

// replyKind discriminates the ProcessReply sum.
type replyKind uint8

const (
	replyNow replyKind = iota
	replyDeferred
	replyStop
)

// ProcessReply is what a call handler returns: reply immediately, defer the
// reply (the handler keeps the client ref and must eventually use ReplyTo or
// stop), or reply and stop.
type ProcessReply[S any, R any] struct {
	kind   replyKind
	value  R
	state  S
	reason ExitReason
}

// Reply sends v to the caller and continues with the new state.
func Reply[S any, R any](v R, s S) ProcessReply[S, R] {
	return ProcessReply[S, R]{kind: replyNow, value: v, state: s}
}

// NoReply continues with the new state without answering the caller yet. The
// handler takes over the reply obligation: it must retain the ClientRef and
// later answer through ReplyTo, or the caller blocks until its timeout.
func NoReply[S any, R any](s S) ProcessReply[S, R] {
	return ProcessReply[S, R]{kind: replyDeferred, state: s}
}

// StopReply sends v to the caller, then stops the server with reason r.
func StopReply[S any, R any](v R, s S, r ExitReason) ProcessReply[S, R] {
	return ProcessReply[S, R]{kind: replyStop, value: v, state: s, reason: r}
}

// initKind discriminates the InitResult sum.
type initKind uint8

const (
	initOk initKind = iota
	initStop
	initIgnore
)

// InitResult is the outcome of a definition's Init callback.
type InitResult[S any] struct {
	kind     initKind
	state    S
	deadline fn.Option[time.Duration]
	reason   any
}

// InitOk enters the loop with the given state. A Some deadline arms an
// initial receive timeout, exactly as if the first handler had returned
// TimeoutAfter.
func InitOk[S any](s S, deadline fn.Option[time.Duration]) InitResult[S] {
	return InitResult[S]{kind: initOk, state: s, deadline: deadline}
}

// InitStop aborts startup: the loop is never entered and the process
// terminates with ExitOther(reason). The shutdown handler does not run.
func InitStop[S any](reason any) InitResult[S] {
	return InitResult[S]{kind: initStop, reason: reason}
}

// InitIgnore aborts startup silently: the loop is never entered and the
// process terminates normally.
func InitIgnore[S any]() InitResult[S] {
	return InitResult[S]{kind: initIgnore}
}
