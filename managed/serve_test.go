package managed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/wewela/distributed-process-platform/node"
)

const testCallTimeout = 5 * time.Second

// Test message shapes shared across the suite.
type (
	inc     struct{}
	get     struct{}
	echoReq struct{ n int64 }
	restart struct{}
)

// counterDef builds the canonical test server: an int counter incremented by
// casts and read by calls.
func counterDef() Definition[int] {
	return Definition[int]{
		Init: func(_ *node.Proc, _ any) InitResult[int] {
			return InitOk(0, fn.None[time.Duration]())
		},
		APIHandlers: []Handler[int]{
			HandleCast[int](func(s int, _ inc) Action[int] {
				return Continue(s + 1)
			}),
			HandleCall[int](func(s int, _ ClientRef,
				_ get) ProcessReply[int, int] {

				return Reply(s, s)
			}),
		},
	}
}

func newTestNode(t *testing.T) *node.Node {
	t.Helper()

	n := node.NewNode()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		require.NoError(t, n.Shutdown(ctx))
	})

	return n
}

// TestEchoCall tests the basic call round trip: the server echoes the
// request value back to the caller.
func TestEchoCall(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	def := Definition[struct{}]{
		APIHandlers: []Handler[struct{}]{
			HandleCall[struct{}](func(s struct{}, _ ClientRef,
				req echoReq) ProcessReply[struct{}, int64] {

				return Reply(req.n, s)
			}),
		},
	}

	srv := Spawn(n, def, nil)

	got, err := CallChan[int64](
		context.Background(), n, srv.Self(), echoReq{n: 41},
		testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, int64(41), got)
}

// TestCastIncrementsThenCall tests that casts from one origin are observed
// in order by a subsequent call: three increments then a read yields 3.
func TestCastIncrementsThenCall(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	srv := Spawn(n, counterDef(), nil)

	for i := 0; i < 3; i++ {
		require.True(t, Cast(n, srv.Self(), inc{}))
	}

	got, err := CallChan[int](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, 3, got)
}

// TestCallFromInsideProcess tests the mailbox-correlated call variant,
// which runs on the calling process's own goroutine.
func TestCallFromInsideProcess(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	srv := Spawn(n, counterDef(), nil)

	Cast(n, srv.Self(), inc{})

	out := make(chan int, 1)
	errs := make(chan error, 1)
	n.Spawn(func(p *node.Proc) any {
		got, err := CallTimeout[int](
			p, srv.Self(), get{}, testCallTimeout,
		)
		errs <- err
		out <- got

		return nil
	})

	require.NoError(t, <-errs)
	require.Equal(t, 1, <-out)
}

// TestInitTimeoutStopsServer tests the timeout path: an initial deadline
// with no traffic fires the timeout handler, which stops the server
// normally.
func TestInitTimeoutStopsServer(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	start := time.Now()
	def := Definition[struct{}]{
		Init: func(_ *node.Proc, _ any) InitResult[struct{}] {
			return InitOk(
				struct{}{}, fn.Some(50*time.Millisecond),
			)
		},
		TimeoutHandler: func(s struct{},
			_ time.Duration) Action[struct{}] {

			return StopNormal(s)
		},
	}

	srv := Spawn(n, def, nil)

	<-srv.Done()
	require.Nil(t, srv.ExitReason())
	require.GreaterOrEqual(t,
		time.Since(start), 50*time.Millisecond)
}

// TestZeroTimeoutFiresWhenIdle tests that a handler-armed zero deadline
// fires the timeout handler after a single empty mailbox poll.
func TestZeroTimeoutFiresWhenIdle(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var fired atomic.Bool
	def := Definition[struct{}]{
		APIHandlers: []Handler[struct{}]{
			HandleCast[struct{}](func(s struct{},
				_ inc) Action[struct{}] {

				return TimeoutAfter(s, 0)
			}),
		},
		TimeoutHandler: func(s struct{},
			_ time.Duration) Action[struct{}] {

			fired.Store(true)
			return StopNormal(s)
		},
	}

	srv := Spawn(n, def, nil)

	Cast(n, srv.Self(), inc{})

	<-srv.Done()
	require.True(t, fired.Load())
}

// TestUnhandledTerminate tests the default policy: one unmatched message
// stops the server with the unhandled reason, after running the shutdown
// handler.
func TestUnhandledTerminate(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var shutdowns atomic.Int32
	def := counterDef()
	def.ShutdownHandler = func(_ int, r ExitReason) {
		shutdowns.Add(1)
	}

	srv := Spawn(n, def, nil)

	// The counter server has no handler for string casts.
	Cast(n, srv.Self(), "surprise")

	<-srv.Done()

	reason, ok := srv.ExitReason().(ExitReason)
	require.True(t, ok)
	require.Equal(t,
		UnhandledReason, reason.OtherPayload().UnwrapOr(nil))
	require.EqualValues(t, 1, shutdowns.Load())
}

// TestUnhandledDrop tests that the drop policy discards unmatched traffic
// and the server keeps serving.
func TestUnhandledDrop(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	def := counterDef()
	def.Unhandled = UnhandledDrop()

	srv := Spawn(n, def, nil)

	Cast(n, srv.Self(), "noise")
	Cast(n, srv.Self(), inc{})

	got, err := CallChan[int](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, 1, got)
}

// TestUnhandledDeadLetter tests that the dead-letter policy forwards the
// opaque envelope to the configured address and the server keeps serving.
func TestUnhandledDeadLetter(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	collected := make(chan any, 1)
	collector := n.Spawn(func(p *node.Proc) any {
		sel := p.ReceiveWait(
			[]node.Matcher{node.MatchAny()},
			fn.None[time.Duration](),
		)
		collected <- sel.UnwrapOr(node.Selection{}).Msg

		return nil
	})

	def := counterDef()
	def.Unhandled = UnhandledDeadLetter(collector.Self())

	srv := Spawn(n, def, nil)

	Cast(n, srv.Self(), "stray")

	// The collector sees the original wire envelope, payload intact.
	env, ok := (<-collected).(castEnvelope)
	require.True(t, ok)
	require.Equal(t, "stray", env.Payload)

	got, err := CallChan[int](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, 0, got)
}

// TestStructuredExitRecovery tests that a registered exit handler recovers
// from a matching exit signal and the server stays alive.
func TestStructuredExitRecovery(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var recovered atomic.Int32
	def := counterDef()
	def.ExitHandlers = []Handler[int]{
		HandleExit[int](func(s int, _ node.Pid,
			_ restart) Action[int] {

			recovered.Add(1)
			return Continue(s)
		}),
	}

	srv := Spawn(n, def, nil)

	require.True(t, n.Send(srv.Self(), node.ExitSignal{
		From:   n.ClientPid(),
		Reason: restart{},
	}))
	Cast(n, srv.Self(), inc{})

	got, err := CallChan[int](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, 1, got)
	require.EqualValues(t, 1, recovered.Load())
}

// TestUnmatchedExitIsFatal tests that an exit signal with an unrecognized
// payload re-raises as a fatal exit that bypasses the shutdown handler.
func TestUnmatchedExitIsFatal(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var shutdowns atomic.Int32
	def := counterDef()
	def.ShutdownHandler = func(_ int, _ ExitReason) {
		shutdowns.Add(1)
	}

	srv := Spawn(n, def, nil)

	type unknownPayload struct{ note string }
	require.True(t, n.Send(srv.Self(), node.ExitSignal{
		From:   n.ClientPid(),
		Reason: unknownPayload{note: "no handler for this"},
	}))

	<-srv.Done()

	reason, ok := srv.ExitReason().(ExitReason)
	require.True(t, ok)
	require.Equal(t,
		unknownPayload{note: "no handler for this"},
		reason.OtherPayload().UnwrapOr(nil))
	require.EqualValues(t, 0, shutdowns.Load())
}

// TestStopServerRunsShutdownOnce tests the orderly stop path: a structured
// shutdown signal runs the shutdown handler exactly once with the carried
// reason, and the reason is re-raised to monitors.
func TestStopServerRunsShutdownOnce(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var (
		shutdowns  atomic.Int32
		seenReason atomic.Value
	)
	def := counterDef()
	def.ShutdownHandler = func(_ int, r ExitReason) {
		shutdowns.Add(1)
		seenReason.Store(r)
	}

	srv := Spawn(n, def, nil)

	watching := make(chan struct{})
	downs := make(chan node.Down, 1)
	n.Spawn(func(p *node.Proc) any {
		p.Monitor(srv.Self())
		close(watching)

		sel := p.ReceiveWait(
			[]node.Matcher{node.MatchType[node.Down]()},
			fn.None[time.Duration](),
		)
		downs <- sel.UnwrapOr(node.Selection{}).Msg.(node.Down)

		return nil
	})

	<-watching
	require.True(t, StopServer(n, srv.Self(), ExitShutdown()))

	<-srv.Done()
	require.EqualValues(t, 1, shutdowns.Load())
	require.True(t, seenReason.Load().(ExitReason).IsShutdown())

	down := <-downs
	reason, ok := down.Reason.(ExitReason)
	require.True(t, ok)
	require.True(t, reason.IsShutdown())
}

// TestStopNormalIsSilent tests that a handler-returned StopNormal runs the
// shutdown handler and terminates without propagating anything.
func TestStopNormalIsSilent(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var shutdowns atomic.Int32
	type quit struct{}
	def := Definition[struct{}]{
		APIHandlers: []Handler[struct{}]{
			HandleCast[struct{}](func(s struct{},
				_ quit) Action[struct{}] {

				return StopNormal(s)
			}),
		},
		ShutdownHandler: func(_ struct{}, r ExitReason) {
			shutdowns.Add(1)
		},
	}

	srv := Spawn(n, def, nil)

	Cast(n, srv.Self(), quit{})

	<-srv.Done()
	require.Nil(t, srv.ExitReason())
	require.EqualValues(t, 1, shutdowns.Load())
}

// TestInitStop tests that InitStop prevents the loop from starting and
// surfaces the reason, without running the shutdown handler.
func TestInitStop(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var shutdowns atomic.Int32
	def := Definition[struct{}]{
		Init: func(_ *node.Proc, _ any) InitResult[struct{}] {
			return InitStop[struct{}]("config invalid")
		},
		ShutdownHandler: func(_ struct{}, _ ExitReason) {
			shutdowns.Add(1)
		},
	}

	srv := Spawn(n, def, nil)

	<-srv.Done()

	reason, ok := srv.ExitReason().(ExitReason)
	require.True(t, ok)
	require.Equal(t,
		"config invalid", reason.OtherPayload().UnwrapOr(nil))
	require.EqualValues(t, 0, shutdowns.Load())
}

// TestInitIgnore tests that InitIgnore terminates normally without entering
// the loop.
func TestInitIgnore(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	def := Definition[struct{}]{
		Init: func(_ *node.Proc, _ any) InitResult[struct{}] {
			return InitIgnore[struct{}]()
		},
	}

	srv := Spawn(n, def, nil)

	<-srv.Done()
	require.Nil(t, srv.ExitReason())
}

// deferState is the state of the deferred-reply server: it parks the client
// ref until a flush cast arrives.
type deferState struct {
	pending fn.Option[ClientRef]
}

type flush struct{}

// TestDeferredReply tests the NoReply path: the handler parks the caller and
// answers later through ReplyTo, and the caller's call completes then.
func TestDeferredReply(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	def := Definition[deferState]{
		APIHandlers: []Handler[deferState]{
			HandleCall[deferState](func(s deferState,
				client ClientRef,
				_ get) ProcessReply[deferState, string] {

				s.pending = fn.Some(client)
				return NoReply[deferState, string](s)
			}),

			// Answer any pending caller whenever a flush arrives.
			HandleCast[deferState](func(s deferState,
				_ flush) Action[deferState] {

				s.pending.WhenSome(func(client ClientRef) {
					ReplyTo(client, "deferred hello")
				})
				s.pending = fn.None[ClientRef]()

				return Continue(s)
			}),
		},
	}

	srv := Spawn(n, def, nil)

	done := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		got, err := CallChan[string](
			context.Background(), n, srv.Self(), get{},
			testCallTimeout,
		)
		errs <- err
		done <- got
	}()

	// Let the call land and park before flushing.
	time.Sleep(20 * time.Millisecond)
	Cast(n, srv.Self(), flush{})

	require.NoError(t, <-errs)
	require.Equal(t, "deferred hello", <-done)
}

// TestCallGuards tests that guarded call handlers dispatch by state: the
// first handler whose condition holds wins.
func TestCallGuards(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	def := Definition[int]{
		APIHandlers: []Handler[int]{
			HandleCallIf[int](
				func(s int, _ get) bool { return s == 0 },
				func(s int, _ ClientRef,
					_ get) ProcessReply[int, string] {

					return Reply("empty", s)
				},
			),
			HandleCall[int](func(s int, _ ClientRef,
				_ get) ProcessReply[int, string] {

				return Reply("busy", s)
			}),
			HandleCast[int](func(s int, _ inc) Action[int] {
				return Continue(s + 1)
			}),
		},
	}

	srv := Spawn(n, def, nil)

	got, err := CallChan[string](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, "empty", got)

	Cast(n, srv.Self(), inc{})

	got, err = CallChan[string](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, "busy", got)
}

// TestCallReplyTypeMismatch tests both faces of the type-mismatch hazard:
// the channel variant surfaces it as an error, while the mailbox variant
// manifests it as a timeout because the reply never routes to the waiting
// matcher.
func TestCallReplyTypeMismatch(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	// The server replies with a string no matter what.
	def := Definition[struct{}]{
		APIHandlers: []Handler[struct{}]{
			HandleCall[struct{}](func(s struct{}, _ ClientRef,
				_ get) ProcessReply[struct{}, string] {

				return Reply("not an int", s)
			}),
		},
		Unhandled: UnhandledDrop(),
	}

	srv := Spawn(n, def, nil)

	_, err := CallChan[int](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.ErrorIs(t, err, ErrReplyTypeMismatch)

	errs := make(chan error, 1)
	n.Spawn(func(p *node.Proc) any {
		_, err := CallTimeout[int](
			p, srv.Self(), get{}, 50*time.Millisecond,
		)
		errs <- err

		return nil
	})

	require.ErrorIs(t, <-errs, ErrCallTimeout)
}

// TestHibernateResumes tests that a server resumes serving after a
// hibernation.
func TestHibernateResumes(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	type nap struct{}
	def := counterDef()
	def.APIHandlers = append(def.APIHandlers,
		HandleCast[int](func(s int, _ nap) Action[int] {
			return Hibernate(s, 20*time.Millisecond)
		}),
	)

	srv := Spawn(n, def, nil)

	Cast(n, srv.Self(), inc{})
	Cast(n, srv.Self(), nap{})
	Cast(n, srv.Self(), inc{})

	got, err := CallChan[int](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, 2, got)
}

// TestInfoHandlers tests that bare messages dispatch through info handlers,
// typed ones first and a catch-all last.
func TestInfoHandlers(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	type seen struct {
		ints   int
		others int
	}
	def := Definition[seen]{
		InfoHandlers: []Handler[seen]{
			HandleInfo[seen](func(s seen, _ int) Action[seen] {
				s.ints++
				return Continue(s)
			}),
			HandleInfo[seen](func(s seen, _ any) Action[seen] {
				s.others++
				return Continue(s)
			}),
		},
		APIHandlers: []Handler[seen]{
			HandleCall[seen](func(s seen, _ ClientRef,
				_ get) ProcessReply[seen, seen] {

				return Reply(s, s)
			}),
		},
	}

	srv := Spawn(n, def, nil)

	require.True(t, n.Send(srv.Self(), 7))
	require.True(t, n.Send(srv.Self(), "text"))

	got, err := CallChan[seen](
		context.Background(), n, srv.Self(), get{}, testCallTimeout,
	)
	require.NoError(t, err)
	require.Equal(t, seen{ints: 1, others: 1}, got)
}

// TestKillBypassesShutdownHandler tests the unstructured termination path:
// a kill tears the server down without running its shutdown handler.
func TestKillBypassesShutdownHandler(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	var shutdowns atomic.Int32
	def := counterDef()
	def.ShutdownHandler = func(_ int, _ ExitReason) {
		shutdowns.Add(1)
	}

	srv := Spawn(n, def, nil)

	boom := errors.New("hard stop")
	require.True(t, n.Kill(srv.Self(), boom))

	<-srv.Done()
	require.Equal(t, boom, srv.ExitReason())
	require.EqualValues(t, 0, shutdowns.Load())
}
