// Package session defines the boundary between the intrusion-tolerant
// core and the session/fragmentation layer above it (spec.md §6). No
// concrete session implementation lives here — application framing,
// multicast group bookkeeping, and legacy hello-based link protocols are
// explicit exclusions (spec.md §1).
package session

import (
	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/node"
)

// Mode selects which link class carries a forwarded message.
type Mode int

const (
	ModeUDP Mode = iota
	ModeReliable
	ModeRealtime
	ModeIntrusionTolerant
)

// Routing selects which dissemination algorithm handles a forwarded
// message.
type Routing int

const (
	RoutingMinWeight Routing = iota
	RoutingSourceBased
	RoutingPriorityFlood
	RoutingReliableFlood
)

// ForwardResult is the outcome spec.md §6 defines for forward(): OK, FULL
// (no room, try later), DROP (rejected, will not be retried), or
// NO_ROUTE (destination unreachable with current topology knowledge).
type ForwardResult int

const (
	ForwardOK ForwardResult = iota
	ForwardFull
	ForwardDrop
	ForwardNoRoute
)

// SessionID identifies a blocked session awaiting resumption.
type SessionID uint64

// Gateway is the interface spec.md §6 calls "the session layer": the
// core calls outward on it (Deliver) and is called inward through it
// (Forward, CanFlowSend, BlockSession/ResumeSessions). Engine holds one
// Gateway; nothing in this repository implements session framing or
// fragmentation itself.
type Gateway interface {
	// Forward hands a fully framed application message down into the
	// core for transmission toward its destination, on the given link
	// mode and dissemination routing.
	Forward(scat *core.Scatter, mode Mode, routing Routing) ForwardResult

	// CanFlowSend reports whether a Reliable-Flood flow toward dst is
	// ready to accept more data from the named session: handshake
	// complete and the flow buffer window has a free slot.
	CanFlowSend(sess SessionID, dst node.ID) bool

	// BlockSession registers sess as waiting on dst to become sendable
	// again; ResumeSessions is called by the core once space or a
	// completed handshake makes forward progress possible.
	BlockSession(sess SessionID, dst node.ID)
	ResumeSessions(dst node.ID)

	// Deliver is the upward callback invoked when a message's final
	// destination is this node.
	Deliver(scat *core.Scatter, routing Routing)
}
