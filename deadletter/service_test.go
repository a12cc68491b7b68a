package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

const testCallTimeout = 5 * time.Second

func newTestJournal(t *testing.T) (*node.Node, *node.Proc) {
	t.Helper()

	n := node.NewNode()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		require.NoError(t, n.Shutdown(ctx))
	})

	store, err := OpenStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	journal, err := Spawn(n, store)
	require.NoError(t, err)

	return n, journal
}

// TestJournalRecordsForwardedStrays tests the journal as the dead-letter
// policy target of another server: an unmatched cast is forwarded, recorded
// with its payload, and queryable.
func TestJournalRecordsForwardedStrays(t *testing.T) {
	t.Parallel()

	n, journal := newTestJournal(t)

	// A server that only understands int casts, forwarding everything
	// else to the journal.
	type bump struct{}
	def := managed.Definition[int]{
		APIHandlers: []managed.Handler[int]{
			managed.HandleCast[int](func(s int,
				_ bump) managed.Action[int] {

				return managed.Continue(s + 1)
			}),
		},
		Unhandled: managed.UnhandledDeadLetter(journal.Self()),
	}
	srv := managed.Spawn(n, def, nil)

	managed.Cast(n, srv.Self(), "not a bump")

	// The forward and the journal insert are asynchronous; poll the
	// journal until the entry shows.
	require.Eventually(t, func() bool {
		count, err := managed.CallChan[int64](
			context.Background(), n, journal.Self(), Stats{},
			testCallTimeout,
		)

		return err == nil && count == 1
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := managed.CallChan[[]Entry](
		context.Background(), n, journal.Self(), Query{Limit: 10},
		testCallTimeout,
	)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Payload, "not a bump")
}

// TestJournalRecordsBareMessages tests that messages sent straight to the
// journal outside any protocol are recorded too.
func TestJournalRecordsBareMessages(t *testing.T) {
	t.Parallel()

	n, journal := newTestJournal(t)

	require.True(t, n.Send(journal.Self(), "lost note"))

	require.Eventually(t, func() bool {
		entries, err := managed.CallChan[[]Entry](
			context.Background(), n, journal.Self(),
			Query{Limit: 1}, testCallTimeout,
		)

		return err == nil && len(entries) == 1 &&
			entries[0].Payload == "lost note"
	}, 5*time.Second, 20*time.Millisecond)
}

// TestJournalPurge tests the purge cast.
func TestJournalPurge(t *testing.T) {
	t.Parallel()

	n, journal := newTestJournal(t)

	require.True(t, n.Send(journal.Self(), 1))
	require.True(t, n.Send(journal.Self(), 2))

	require.Eventually(t, func() bool {
		count, err := managed.CallChan[int64](
			context.Background(), n, journal.Self(), Stats{},
			testCallTimeout,
		)

		return err == nil && count == 2
	}, 5*time.Second, 20*time.Millisecond)

	managed.Cast(n, journal.Self(), Purge{})

	require.Eventually(t, func() bool {
		count, err := managed.CallChan[int64](
			context.Background(), n, journal.Self(), Stats{},
			testCallTimeout,
		)

		return err == nil && count == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// TestJournalRegistersName tests that the journal is resolvable through the
// node registry.
func TestJournalRegistersName(t *testing.T) {
	t.Parallel()

	n, journal := newTestJournal(t)

	pid := n.Whereis(ServerName)
	require.Equal(t, journal.Self(), pid.UnwrapOr(node.Pid{}))
}
