package deadletter

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

// ServerName is the conventional registered name for the journal server.
const ServerName = "dead-letter-journal"

// defaultQueryLimit bounds Query results when no limit is given.
const defaultQueryLimit = 50

// Query asks the journal for its most recent entries, newest first. A zero
// Limit applies the default.
type Query struct {
	Limit int
}

// Stats asks the journal for the total number of recorded entries.
type Stats struct{}

// Purge asks the journal to delete every recorded entry.
type Purge struct{}

// journalState is the server state: the backing store plus the serving
// process, kept for context-scoped database calls.
type journalState struct {
	store *Store
	proc  *node.Proc
}

// record journals an arbitrary message, rendering its dynamic type and
// content.
func (s journalState) record(payload any) {
	e := Entry{
		ReceivedAt: time.Now(),
		Kind:       fmt.Sprintf("%T", payload),
		Payload:    fmt.Sprintf("%+v", payload),
	}

	if err := s.store.Insert(s.proc.Context(), e); err != nil {
		log.ErrorS(s.proc.Context(), "Failed to journal dead letter",
			err, "kind", e.Kind)
	}
}

// Spawn starts the journal server on the node and registers it under
// ServerName. The server takes ownership of the store and closes it on
// orderly shutdown.
//
// The journal records everything that reaches it outside its own small
// query API: stray casts and calls forwarded by other servers'
// dead-letter policies, bare messages, and exit signals with unrecognized
// payloads. Forwarded calls are recorded without being answered; the
// original caller's timeout is its only recourse, as it would have been
// against the server that forwarded the message.
func Spawn(n *node.Node, store *Store) (*node.Proc, error) {
	def := managed.Definition[journalState]{
		Init: func(p *node.Proc,
			_ any) managed.InitResult[journalState] {

			return managed.InitOk(
				journalState{store: store, proc: p},
				fn.None[time.Duration](),
			)
		},

		APIHandlers: []managed.Handler[journalState]{
			managed.HandleCall[journalState](func(s journalState,
				_ managed.ClientRef, q Query,
			) managed.ProcessReply[journalState, []Entry] {

				limit := q.Limit
				if limit <= 0 {
					limit = defaultQueryLimit
				}

				entries, err := s.store.Recent(
					s.proc.Context(), limit,
				)
				if err != nil {
					log.ErrorS(s.proc.Context(),
						"Journal query failed", err)
				}

				return managed.Reply(entries, s)
			}),

			managed.HandleCall[journalState](func(s journalState,
				_ managed.ClientRef, _ Stats,
			) managed.ProcessReply[journalState, int64] {

				count, err := s.store.Count(s.proc.Context())
				if err != nil {
					log.ErrorS(s.proc.Context(),
						"Journal count failed", err)
				}

				return managed.Reply(count, s)
			}),

			managed.HandleCast[journalState](func(s journalState,
				_ Purge) managed.Action[journalState] {

				if err := s.store.Purge(
					s.proc.Context(),
				); err != nil {
					log.ErrorS(s.proc.Context(),
						"Journal purge failed", err)
				}

				return managed.Continue(s)
			}),

			// Everything below records strays: any other cast or
			// call payload is a forwarded dead letter.
			managed.HandleCast[journalState](func(s journalState,
				msg any) managed.Action[journalState] {

				s.record(msg)
				return managed.Continue(s)
			}),

			managed.HandleCall[journalState](func(s journalState,
				_ managed.ClientRef, req any,
			) managed.ProcessReply[journalState, any] {

				s.record(req)
				return managed.NoReply[journalState, any](s)
			}),
		},

		InfoHandlers: []managed.Handler[journalState]{
			managed.HandleInfo[journalState](func(s journalState,
				msg any) managed.Action[journalState] {

				s.record(msg)
				return managed.Continue(s)
			}),
		},

		ExitHandlers: []managed.Handler[journalState]{
			managed.HandleExit[journalState](func(s journalState,
				from node.Pid,
				reason any) managed.Action[journalState] {

				s.record(node.ExitSignal{
					From:   from,
					Reason: reason,
				})

				return managed.Continue(s)
			}),
		},

		ShutdownHandler: func(s journalState, _ managed.ExitReason) {
			if err := s.store.Close(); err != nil {
				log.ErrorS(s.proc.Context(),
					"Failed to close journal store", err)
			}
		},

		// The catch-alls above leave nothing unhandled; dropping is
		// the safe terminal either way.
		Unhandled: managed.UnhandledDrop(),
	}

	p := managed.Spawn(n, def, nil)
	if err := n.Register(ServerName, p.Self()); err != nil {
		return p, fmt.Errorf("register journal: %w", err)
	}

	return p, nil
}
