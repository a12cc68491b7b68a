package pool

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

const testCallTimeout = 5 * time.Second

type whoami struct{}

// memberDef builds a definition whose call handler reveals the member
// index, so tests can observe routing.
func memberDef(idx int) managed.Definition[int] {
	return managed.Definition[int]{
		Init: func(_ *node.Proc, _ any) managed.InitResult[int] {
			return managed.InitOk(idx, fn.None[time.Duration]())
		},
		APIHandlers: []managed.Handler[int]{
			managed.HandleCall[int](func(s int,
				_ managed.ClientRef,
				_ whoami) managed.ProcessReply[int, int] {

				return managed.Reply(s, s)
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

// TestPoolRoundRobin tests that consecutive calls visit every member in
// rotation.
func TestPoolRoundRobin(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	p := New(n, Config[int]{
		ID:      "workers",
		Size:    3,
		Factory: memberDef,
	})

	seen := make(map[int]int)
	for i := 0; i < 9; i++ {
		idx, err := Call[int](
			context.Background(), n, p, whoami{},
			testCallTimeout,
		)
		require.NoError(t, err)
		seen[idx]++
	}

	require.Len(t, seen, 3)
	for idx, count := range seen {
		require.Equal(t, 3, count, "member %d", idx)
	}
}

// TestPoolBroadcast tests that Broadcast reaches every member.
func TestPoolBroadcast(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	type tag struct{ v int }
	got := make(chan int, 4)
	factory := func(idx int) managed.Definition[int] {
		return managed.Definition[int]{
			Init: func(_ *node.Proc,
				_ any) managed.InitResult[int] {

				return managed.InitOk(
					idx, fn.None[time.Duration](),
				)
			},
			APIHandlers: []managed.Handler[int]{
				managed.HandleCast[int](func(s int,
					_ tag) managed.Action[int] {

					got <- s
					return managed.Continue(s)
				}),
			},
		}
	}

	p := New(n, Config[int]{ID: "fanout", Size: 4, Factory: factory})

	require.Equal(t, 4, p.Broadcast(n, tag{v: 1}))

	members := make(map[int]bool)
	for i := 0; i < 4; i++ {
		members[<-got] = true
	}
	require.Len(t, members, 4)
}

// TestPoolStop tests that Stop terminates every member through the orderly
// shutdown path.
func TestPoolStop(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)

	p := New(n, Config[int]{ID: "stoppable", Size: 2, Factory: memberDef})

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()

	require.NoError(t, p.Stop(ctx, n, managed.ExitShutdown()))

	for _, pid := range p.Members() {
		_, err := managed.CallChan[int](
			context.Background(), n, pid, whoami{},
			50*time.Millisecond,
		)
		require.Error(t, err)
	}
}
