package managed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wewela/distributed-process-platform/node"
)

var (
	// ErrCallTimeout indicates a call saw no matching reply within its
	// timeout.
	ErrCallTimeout = errors.New("call timed out")

	// ErrCallerTerminated indicates the calling process was terminated
	// while waiting for a reply.
	ErrCallerTerminated = errors.New("caller terminated")

	// ErrSendFailed indicates the request could not be delivered to the
	// target's mailbox.
	ErrSendFailed = errors.New("request could not be delivered")

	// ErrReplyTypeMismatch indicates the server replied with a value of
	// a different type than the caller expected. Only the channel call
	// variant can surface this directly; the mailbox variant manifests
	// the same mistake as a timeout, since a mismatched reply never
	// routes to the waiting matcher.
	ErrReplyTypeMismatch = errors.New("reply type mismatch")
)

// Sender is anything that can originate protocol traffic: a process sending
// on its own behalf, or a node sending on behalf of external callers.
type Sender interface {
	// Send delivers a message to the target's mailbox asynchronously.
	Send(to node.Pid, msg any) bool

	// Origin identifies the sender for correlation purposes.
	Origin() node.Pid

	// NextSerial mints a serial number unique within the sender's
	// lifetime.
	NextSerial() uint64
}

// ReplyToken correlates a call with its reply. Tokens combine the caller's
// identity with a serial drawn from a monotonic per-caller counter, so they
// are unique within the caller's lifetime and round-trip through the server
// unchanged.
type ReplyToken struct {
	// Pid is the identity of the caller that minted the token.
	Pid node.Pid

	// Seq is the caller-local serial.
	Seq uint64
}

// String renders the token for logs.
func (t ReplyToken) String() string {
	return fmt.Sprintf("%v#%d", t.Pid, t.Seq)
}

// replySink abstracts where a call's reply is routed: back into the caller's
// mailbox, or down a private typed channel for the chan call variant.
type replySink interface {
	// deliver routes a reply value. The proc is the serving process, used
	// for mailbox delivery; channel sinks ignore it.
	deliver(p *node.Proc, value any) bool
}

// mailboxSink routes the reply to the caller's mailbox as a replyEnvelope.
type mailboxSink struct {
	addr  node.Pid
	token ReplyToken
}

func (s mailboxSink) deliver(p *node.Proc, value any) bool {
	return p.Send(s.addr, replyEnvelope{Token: s.token, Value: value})
}

// chanSink routes the reply into the private channel the caller embedded in
// its call envelope.
type chanSink struct {
	send func(value any) bool
}

func (s chanSink) deliver(_ *node.Proc, value any) bool {
	return s.send(value)
}

// callEnvelope is the wire shape of a call: who is asking, where and how to
// reply, and the request payload. The envelope's tag alone distinguishes it
// from a cast.
type callEnvelope struct {
	// From is the caller's identity.
	From node.Pid

	// ReplyTo is the address replies are routed to for mailbox replies.
	ReplyTo node.Pid

	// Token is the fresh correlation token minted by the caller.
	Token ReplyToken

	// Payload is the opaque request.
	Payload any

	// sink is how the serving loop actually routes the reply.
	sink replySink
}

// castEnvelope is the wire shape of a cast: just the payload, no reply
// contract.
type castEnvelope struct {
	// Payload is the opaque message.
	Payload any
}

// replyEnvelope carries a call reply back to a caller's mailbox.
type replyEnvelope struct {
	// Token echoes the request's correlation token byte-exact.
	Token ReplyToken

	// Value is the opaque reply.
	Value any
}

// ClientRef identifies the caller of an in-flight call. A handler that
// defers with NoReply keeps the ref in its state and answers later through
// ReplyTo. The ref captures the serving process, so replying needs nothing
// beyond the ref itself.
type ClientRef struct {
	// Pid is the caller's identity.
	Pid node.Pid

	// Token is the call's correlation token.
	Token ReplyToken

	sink replySink
	srv  *node.Proc
}

// ReplyTo answers a previously deferred call. Each ref must be answered at
// most once; the reply routes on the recorded token, so a second answer is
// unroutable at the caller.
func ReplyTo(ref ClientRef, value any) bool {
	return ref.sink.deliver(ref.srv, value)
}

// Cast sends a fire-and-forget message to a managed server. There is no
// reply contract and no delivery confirmation beyond mailbox acceptance.
func Cast(s Sender, target node.Pid, msg any) bool {
	return s.Send(target, castEnvelope{Payload: msg})
}

// StopServer asks a managed server to stop with the given reason by sending
// a structured exit signal. The server runs its shutdown handler and, for a
// non-normal reason, re-raises the reason to its linked peers.
func StopServer(s Sender, target node.Pid, reason ExitReason) bool {
	return s.Send(target, node.ExitSignal{
		From:   s.Origin(),
		Reason: reason,
	})
}

// Call sends a request to a managed server and blocks until the reply
// arrives. It must run on the calling process's own goroutine: the reply
// routes back through the caller's mailbox, keyed on a fresh token, and is
// picked out with a selective receive.
//
// The reply matcher is keyed on the token and on the expected reply type. If
// the server replies with a value of a different type, the reply never
// matches and Call blocks forever; use CallTimeout when the server's reply
// type is not under the caller's control.
func Call[Resp any, Req any](p *node.Proc, target node.Pid,
	req Req) (Resp, error) {

	return doCall[Resp](p, target, req, fn.None[time.Duration]())
}

// CallTimeout is Call with an upper bound on the wait for the reply.
func CallTimeout[Resp any, Req any](p *node.Proc, target node.Pid,
	req Req, timeout time.Duration) (Resp, error) {

	return doCall[Resp](p, target, req, fn.Some(timeout))
}

func doCall[Resp any, Req any](p *node.Proc, target node.Pid, req Req,
	timeout fn.Option[time.Duration]) (Resp, error) {

	var zero Resp

	token := ReplyToken{Pid: p.Self(), Seq: p.NextSerial()}
	env := callEnvelope{
		From:    p.Self(),
		ReplyTo: p.Self(),
		Token:   token,
		Payload: req,
		sink:    mailboxSink{addr: p.Self(), token: token},
	}

	if !p.Send(target, env) {
		return zero, ErrSendFailed
	}

	log.TraceS(p.Context(), "Call sent",
		"target", target,
		"token", token)

	// The matcher requires both the exact token and the expected reply
	// type; a mismatched reply stays unmatched and is eventually set
	// aside like any other unrelated message.
	matcher := node.Match(func(m any) bool {
		re, ok := m.(replyEnvelope)
		if !ok || re.Token != token {
			return false
		}

		_, ok = re.Value.(Resp)
		return ok
	})

	sel := p.ReceiveWait([]node.Matcher{matcher}, timeout)
	if sel.IsNone() {
		if p.Context().Err() != nil {
			return zero, ErrCallerTerminated
		}

		return zero, ErrCallTimeout
	}

	re := sel.UnwrapOr(node.Selection{}).Msg.(replyEnvelope)

	return re.Value.(Resp), nil
}

// CallChan sends a request carrying a private reply channel and waits on
// that channel instead of the caller's mailbox. This avoids the mailbox scan
// entirely and works from outside any process, which makes it the natural
// entry point for non-process callers. Unlike the mailbox variant, a reply
// of an unexpected type surfaces directly as ErrReplyTypeMismatch.
func CallChan[Resp any, Req any](ctx context.Context, s Sender,
	target node.Pid, req Req, timeout time.Duration) (Resp, error) {

	var zero Resp

	sp, rp := node.NewChannel[replyEnvelope](1)

	token := ReplyToken{Pid: s.Origin(), Seq: s.NextSerial()}
	env := callEnvelope{
		From:    s.Origin(),
		ReplyTo: s.Origin(),
		Token:   token,
		Payload: req,
		sink: chanSink{send: func(v any) bool {
			return sp.TrySend(replyEnvelope{
				Token: token,
				Value: v,
			})
		}},
	}

	if !s.Send(target, env) {
		return zero, ErrSendFailed
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	re, ok := rp.Recv(waitCtx)
	if !ok {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		return zero, ErrCallTimeout
	}

	resp, ok := re.Value.(Resp)
	if !ok {
		return zero, fmt.Errorf("%w: got %T", ErrReplyTypeMismatch,
			re.Value)
	}

	return resp, nil
}
