package managed

import (
	"runtime"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wewela/distributed-process-platform/node"
)

// UnhandledReason is the ExitOther payload a server terminates with when the
// Terminate unhandled policy trips.
const UnhandledReason = "unhandled"

// chainEntry pairs a matcher with the dispatch that runs when it selects a
// message.
type chainEntry[S any] struct {
	matcher  node.Matcher
	dispatch func(p *node.Proc, s S, msg any) Action[S]
}

// Spawn starts a managed server as a new process on the node. The returned
// proc exposes the server's pid, termination channel, and exit reason.
func Spawn[S any](n *node.Node, def Definition[S], args any) *node.Proc {
	return n.Spawn(func(p *node.Proc) any {
		return exitValue(Serve(p, args, def))
	})
}

// exitValue converts a loop's ExitReason into the node-level exit reason: a
// normal reason terminates the process silently, anything else is re-raised
// so linked peers and monitors observe it.
func exitValue(r ExitReason) any {
	if r.IsNormal() {
		return nil
	}

	return r
}

// Serve runs the managed receive loop on the calling process until a handler
// stops it, a structured exit signal takes the shutdown path, or the process
// is terminated out from under it. The returned reason is what the loop
// decided to stop with; callers embedding Serve in a ProcFunc should pass it
// through exitValue (or use Spawn, which does).
func Serve[S any](p *node.Proc, args any, def Definition[S]) ExitReason {
	var s S
	deadline := fn.None[time.Duration]()

	if def.Init != nil {
		res := def.Init(p, args)
		switch res.kind {
		case initStop:
			log.DebugS(p.Context(), "Server init aborted",
				"pid", p.Self(),
				"reason", res.reason)

			return ExitOther(res.reason)

		case initIgnore:
			return ExitNormal()
		}

		s = res.state
		deadline = res.deadline
	}

	entries := buildChain(&def, &s)
	matchers := make([]node.Matcher, len(entries))
	for i, e := range entries {
		matchers[i] = e.matcher
	}

	log.DebugS(p.Context(), "Server entering loop",
		"pid", p.Self(),
		"num_matchers", len(matchers))

	for {
		sel := p.ReceiveWait(matchers, deadline)

		if p.Context().Err() != nil {
			// Unstructured termination: the process was killed or
			// the node is shutting down. The shutdown handler
			// does not run on this path.
			return ExitOther(p.Context().Err())
		}

		var act Action[S]
		if sel.IsNone() {
			// The receive deadline elapsed with no message.
			d := deadline.UnwrapOr(0)
			if def.TimeoutHandler != nil {
				act = def.TimeoutHandler(s, d)
			} else {
				act = Continue(s)
			}
		} else {
			selection := sel.UnwrapOr(node.Selection{})
			act = entries[selection.Index].dispatch(
				p, s, selection.Msg,
			)
		}

		var stop bool
		s, deadline, stop = applyAction(p, &def, act)
		if stop {
			return act.reason
		}
	}
}

// applyAction folds a handler's action into the loop state. The returned
// stop flag tells the loop to exit with the action's reason.
func applyAction[S any](p *node.Proc, def *Definition[S],
	act Action[S]) (S, fn.Option[time.Duration], bool) {

	none := fn.None[time.Duration]()

	switch act.kind {
	case actContinue:
		return act.state, none, false

	case actTimeout:
		return act.state, fn.Some(act.dur), false

	case actHibernate:
		if act.dur > 0 {
			hibernate(p, act.dur)
		}

		return act.state, none, false

	default:
		if !act.fatal && def.ShutdownHandler != nil {
			def.ShutdownHandler(act.state, act.reason)
		}

		log.DebugS(p.Context(), "Server stopping",
			"pid", p.Self(),
			"reason", act.reason)

		return act.state, none, true
	}
}

// hibernate sheds what footprint it can and sleeps at least d. Termination
// wakes the sleep early; the loop then observes the cancelled context on its
// next receive.
func hibernate(p *node.Proc, d time.Duration) {
	runtime.GC()

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-p.Context().Done():
	}
}

// buildChain assembles the receive chain from a definition, in the
// documented order: control channels, then call/cast handlers in insertion
// order, then the structured-exit slot, then info handlers, then the
// unhandled-policy terminal. Matchers evaluate guard conditions against the
// loop's live state through the state pointer.
func buildChain[S any](def *Definition[S], sp *S) []chainEntry[S] {
	var entries []chainEntry[S]

	// Control channels outrank everything else.
	for _, h := range def.APIHandlers {
		if h.kind != kindControl {
			continue
		}

		h := h
		entries = append(entries, chainEntry[S]{
			matcher:  h.src,
			dispatch: h.d.dispatch,
		})
	}

	// Call and cast handlers, interleaved in insertion order.
	for _, h := range def.APIHandlers {
		if h.kind != kindCall && h.kind != kindCast {
			continue
		}

		h := h
		entries = append(entries, chainEntry[S]{
			matcher: node.Match(func(msg any) bool {
				return h.d.matches(*sp, msg)
			}),
			dispatch: h.d.dispatch,
		})
	}

	// One slot decodes every structured exit signal; routing to the
	// definition's exit handlers happens at dispatch time.
	entries = append(entries, chainEntry[S]{
		matcher: node.MatchType[node.ExitSignal](),
		dispatch: func(p *node.Proc, s S, msg any) Action[S] {
			return dispatchExit(p, def, s, msg.(node.ExitSignal))
		},
	})

	// Info handlers see whatever the protocol does not claim.
	for _, h := range def.InfoHandlers {
		if h.kind != kindInfo {
			continue
		}

		h := h
		entries = append(entries, chainEntry[S]{
			matcher: node.Match(func(msg any) bool {
				return h.d.matches(*sp, msg)
			}),
			dispatch: h.d.dispatch,
		})
	}

	// Terminal: the unhandled policy matches everything that remains.
	entries = append(entries, chainEntry[S]{
		matcher: node.MatchAny(),
		dispatch: func(p *node.Proc, s S, msg any) Action[S] {
			return applyUnhandled(p, def, s, msg)
		},
	})

	return entries
}

// dispatchExit routes a structured exit signal. Reasons decoding as
// ExitReason always take the shutdown path; other payloads are offered to
// the exit handlers in insertion order, and an unmatched signal is re-raised
// as a fatal exit that bypasses the shutdown handler.
func dispatchExit[S any](p *node.Proc, def *Definition[S], s S,
	sig node.ExitSignal) Action[S] {

	if r, ok := sig.Reason.(ExitReason); ok {
		return Stop(s, r)
	}

	for _, h := range def.ExitHandlers {
		if h.kind != kindExit {
			continue
		}

		if h.d.matches(s, sig) {
			return h.d.dispatch(p, s, sig)
		}
	}

	log.DebugS(p.Context(), "Unmatched exit signal, re-raising",
		"pid", p.Self(),
		"from", sig.From)

	act := Stop(s, ExitOther(sig.Reason))
	act.fatal = true

	return act
}

// applyUnhandled applies the definition's unhandled policy to a message no
// handler matched.
func applyUnhandled[S any](p *node.Proc, def *Definition[S], s S,
	msg any) Action[S] {

	switch def.Unhandled.kind {
	case policyDrop:
		log.TraceS(p.Context(), "Dropping unhandled message",
			"pid", p.Self())

		return Continue(s)

	case policyDeadLetter:
		p.Send(def.Unhandled.addr, msg)

		return Continue(s)

	default:
		return Stop(s, ExitOther(UnhandledReason))
	}
}
