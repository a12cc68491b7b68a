package main

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

// The demo key-value server: a managed process holding a string map,
// exercising calls, casts, and the dead-letter policy.

// kvGet asks for the value under Key.
type kvGet struct {
	Key string
}

// kvGetReply is the Get response.
type kvGetReply struct {
	Value string
	Found bool
}

// kvPut stores Value under Key and confirms.
type kvPut struct {
	Key   string
	Value string
}

// kvDelete removes Key, fire-and-forget.
type kvDelete struct {
	Key string
}

// kvDef builds the key-value server definition. Unmatched traffic is
// forwarded to the journal.
func kvDef(journal node.Pid) managed.Definition[map[string]string] {
	type S = map[string]string

	return managed.Definition[S]{
		Init: func(_ *node.Proc, _ any) managed.InitResult[S] {
			return managed.InitOk(
				make(S), fn.None[time.Duration](),
			)
		},

		APIHandlers: []managed.Handler[S]{
			managed.HandleCall[S](func(s S,
				_ managed.ClientRef,
				req kvGet) managed.ProcessReply[S, kvGetReply] {

				v, ok := s[req.Key]

				return managed.Reply(kvGetReply{
					Value: v,
					Found: ok,
				}, s)
			}),

			managed.HandleCall[S](func(s S,
				_ managed.ClientRef,
				req kvPut) managed.ProcessReply[S, bool] {

				s[req.Key] = req.Value

				return managed.Reply(true, s)
			}),

			managed.HandleCast[S](func(s S,
				req kvDelete) managed.Action[S] {

				delete(s, req.Key)

				return managed.Continue(s)
			}),
		},

		Unhandled: managed.UnhandledDeadLetter(journal),
	}
}

// job is the prioritised worker's unit of work.
type job struct {
	Name   string
	Weight int
}

// workerDef builds the prioritised worker: heavier jobs are dispatched
// first regardless of arrival order.
func workerDef() managed.PrioDefinition[int] {
	return managed.PrioDefinition[int]{
		Definition: managed.Definition[int]{
			APIHandlers: []managed.Handler[int]{
				managed.HandleCast[int](func(done int,
					j job) managed.Action[int] {

					log.InfoS(context.Background(),
						"Job dispatched",
						"name", j.Name,
						"weight", j.Weight,
						"completed", done+1)

					return managed.Continue(done + 1)
				}),
			},
			Unhandled: managed.UnhandledDrop(),
		},
		Priorities: []managed.Priority{
			managed.PrioritiseCast(func(j job) int {
				return j.Weight
			}),
		},
		Policy: managed.RecvCounter(64),
	}
}
