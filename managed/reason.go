package managed

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// reasonKind discriminates the ExitReason sum.
type reasonKind uint8

const (
	reasonNormal reasonKind = iota
	reasonShutdown
	reasonOther
)

// ExitReason is the closed sum of reasons a managed process can terminate
// with: a normal exit, an orderly shutdown, or an arbitrary user payload.
// Exit reasons travel inside structured exit signals and round-trip
// unchanged, so a supervisor observing a termination sees exactly the reason
// the server stopped with.
type ExitReason struct {
	kind    reasonKind
	payload any
}

// ExitNormal returns the normal exit reason. A server terminating normally
// does not propagate any failure to linked peers.
func ExitNormal() ExitReason {
	return ExitReason{kind: reasonNormal}
}

// ExitShutdown returns the orderly-shutdown reason, conventionally sent by
// supervisors asking a server to stop.
func ExitShutdown() ExitReason {
	return ExitReason{kind: reasonShutdown}
}

// ExitOther returns an exit reason carrying an arbitrary payload.
func ExitOther(payload any) ExitReason {
	return ExitReason{kind: reasonOther, payload: payload}
}

// IsNormal reports whether this is the normal exit reason.
func (r ExitReason) IsNormal() bool {
	return r.kind == reasonNormal
}

// IsShutdown reports whether this is the orderly-shutdown reason.
func (r ExitReason) IsShutdown() bool {
	return r.kind == reasonShutdown
}

// OtherPayload projects the payload of an ExitOther reason.
func (r ExitReason) OtherPayload() fn.Option[any] {
	if r.kind != reasonOther {
		return fn.None[any]()
	}

	return fn.Some(r.payload)
}

// String renders the reason for logs and errors.
func (r ExitReason) String() string {
	switch r.kind {
	case reasonNormal:
		return "normal"
	case reasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("other(%v)", r.payload)
	}
}
