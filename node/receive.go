package node

import (
	"reflect"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Matcher selects messages during a ReceiveWait. A matcher either inspects
// ordinary mailbox traffic through a predicate, or is bound to the receive
// port of a typed channel, in which case any value arriving on that channel
// is selected unconditionally.
type Matcher struct {
	// accepts reports whether a mailbox message is selected by this
	// matcher. Nil for channel matchers.
	accepts func(msg any) bool

	// src is the type-erased channel for channel matchers. Nil for
	// mailbox matchers.
	src *rawChannel
}

// Match creates a matcher selecting any mailbox message the predicate
// accepts.
func Match(pred func(msg any) bool) Matcher {
	return Matcher{accepts: pred}
}

// MatchType creates a matcher selecting mailbox messages whose dynamic type
// is T.
func MatchType[T any]() Matcher {
	return Matcher{accepts: func(msg any) bool {
		_, ok := msg.(T)
		return ok
	}}
}

// MatchAny creates a matcher selecting every mailbox message. Installing it
// as the last matcher guarantees a ReceiveWait never sets messages aside.
func MatchAny() Matcher {
	return Matcher{accepts: func(any) bool { return true }}
}

// MatchChan creates a matcher bound to a typed channel's receive port.
// Channel matchers take precedence over mailbox traffic: ReceiveWait polls
// them, in matcher order, before looking at the mailbox on every wake-up.
func MatchChan[T any](rp *ReceivePort[T]) Matcher {
	return Matcher{src: rp.c}
}

// isChan reports whether the matcher is bound to a typed channel.
func (m Matcher) isChan() bool {
	return m.src != nil
}

// Accepts reports whether the matcher selects the given mailbox message.
// Channel matchers never accept mailbox messages. This is useful for loops
// that buffer messages themselves and run the matching step out of band.
func (m Matcher) Accepts(msg any) bool {
	return m.accepts != nil && m.accepts(msg)
}

// Selection is the outcome of a successful ReceiveWait: the message together
// with the index of the matcher that selected it.
type Selection struct {
	// Index is the position of the selecting matcher in the list passed
	// to ReceiveWait.
	Index int

	// Msg is the selected message. For channel matchers it is the value
	// received from the channel.
	Msg any
}

// ReceiveWait blocks until one of the ordered matchers selects a message, the
// timeout elapses, or the process terminates. It implements selective
// receive: mailbox messages selected by no matcher are set aside in arrival
// order and re-offered on subsequent calls, so an unrelated message can never
// starve a later receive that does want it.
//
// Matcher order expresses preference. On every wake-up, channel matchers are
// polled first (in order), then previously set-aside messages are scanned
// oldest first, then fresh mailbox traffic is considered. For a given
// message, the first matcher that accepts it wins.
//
// A timeout of None blocks indefinitely. A timeout of Some(0) performs a
// single non-blocking poll of all sources. The result is None when the
// timeout elapsed or the process terminated before anything matched.
func (p *Proc) ReceiveWait(ms []Matcher,
	timeout fn.Option[time.Duration]) fn.Option[Selection] {

	var (
		timer    *time.Timer
		deadline <-chan time.Time
		poll     bool
	)
	timeout.WhenSome(func(d time.Duration) {
		if d == 0 {
			poll = true
			return
		}

		timer = time.NewTimer(d)
		deadline = timer.C
	})
	if timer != nil {
		defer timer.Stop()
	}

	// dead marks channel matchers discovered closed during this call so
	// we stop selecting on them; a closed channel would otherwise wake
	// the select in a hot loop.
	dead := make(map[int]bool)

	for {
		if p.ctx.Err() != nil {
			return fn.None[Selection]()
		}

		// Channel matchers first: typed channels outrank mailbox
		// traffic.
		for i, m := range ms {
			if !m.isChan() || dead[i] {
				continue
			}

			if v, ok := m.src.tryRecv(); ok {
				return fn.Some(Selection{Index: i, Msg: v})
			}
			if m.src.isClosed() {
				dead[i] = true
			}
		}

		// Previously set-aside messages, oldest first.
		for j, msg := range p.stash {
			if i, ok := matchMessage(ms, msg); ok {
				p.stash = append(
					p.stash[:j], p.stash[j+1:]...,
				)

				return fn.Some(Selection{Index: i, Msg: msg})
			}
		}

		// Fresh mailbox traffic. Unmatched messages are retained in
		// arrival order.
		for {
			msg, ok := p.mb.TryRecv()
			if !ok {
				break
			}

			if i, ok := matchMessage(ms, msg); ok {
				return fn.Some(Selection{Index: i, Msg: msg})
			}

			p.stash = append(p.stash, msg)
		}

		if poll {
			return fn.None[Selection]()
		}

		// Nothing matched; block until any source becomes ready. The
		// select is rebuilt each round because channel matchers may
		// have been discovered closed above.
		sel, ok := p.blockOnSources(ms, dead, deadline)
		if !ok {
			return fn.None[Selection]()
		}
		if sel != nil {
			return fn.Some(*sel)
		}
	}
}

// matchMessage returns the index of the first non-channel matcher accepting
// the message.
func matchMessage(ms []Matcher, msg any) (int, bool) {
	for i, m := range ms {
		if m.isChan() {
			continue
		}

		if m.accepts(msg) {
			return i, true
		}
	}

	return 0, false
}

// blockOnSources performs the blocking wait of a ReceiveWait round. It
// returns (nil, true) when the caller should re-run its polling passes (a
// mailbox message arrived and was set aside, or a channel matcher closed),
// (selection, true) when a channel matcher fired or the arriving mailbox
// message matched, and (nil, false) on timeout, process termination, or
// mailbox closure.
func (p *Proc) blockOnSources(ms []Matcher, dead map[int]bool,
	deadline <-chan time.Time) (*Selection, bool) {

	// Assemble the select cases. The first three slots are fixed:
	// process termination, timeout (which may be nil and thus never
	// ready), and the mailbox. Channel matchers follow in matcher order.
	cases := []reflect.SelectCase{
		{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(p.ctx.Done()),
		},
		{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(deadline),
		},
		{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(p.mb.out()),
		},
	}

	chanIdx := make([]int, 0, len(ms))
	for i, m := range ms {
		if !m.isChan() || dead[i] {
			continue
		}

		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(m.src.ch),
		})
		chanIdx = append(chanIdx, i)
	}

	chosen, recv, recvOK := reflect.Select(cases)
	switch chosen {
	// Process terminated.
	case 0:
		return nil, false

	// Timeout elapsed.
	case 1:
		return nil, false

	// Mailbox delivered a message (or closed).
	case 2:
		if !recvOK {
			return nil, false
		}
		msg := recv.Interface()

		// Honour typed-channel preference even though the mailbox
		// woke us: if a channel matcher also has a value ready, it
		// wins and the mailbox message is set aside. Being the newest
		// arrival, appending preserves mailbox order.
		for i, m := range ms {
			if !m.isChan() || dead[i] {
				continue
			}

			if v, ok := m.src.tryRecv(); ok {
				p.stash = append(p.stash, msg)

				sel := Selection{Index: i, Msg: v}
				return &sel, true
			}
		}

		if i, ok := matchMessage(ms, msg); ok {
			sel := Selection{Index: i, Msg: msg}
			return &sel, true
		}

		p.stash = append(p.stash, msg)
		return nil, true

	// A channel matcher fired.
	default:
		i := chanIdx[chosen-3]
		if !recvOK {
			dead[i] = true
			return nil, true
		}

		sel := Selection{Index: i, Msg: recv.Interface()}
		return &sel, true
	}
}

// TryReceive pops the oldest pending message without blocking, looking at
// set-aside messages before fresh mailbox traffic. It bypasses matching
// entirely; prioritised loops use it to drain the mailbox into their own
// queue.
func (p *Proc) TryReceive() fn.Option[any] {
	if len(p.stash) > 0 {
		msg := p.stash[0]
		p.stash = p.stash[1:]

		return fn.Some(msg)
	}

	msg, ok := p.mb.TryRecv()
	if !ok {
		return fn.None[any]()
	}

	return fn.Some(msg)
}
