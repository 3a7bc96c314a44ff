// Package node holds the closed membership table a daemon is configured
// with at startup (spec.md §3, "NodeId"/"Leg"): node identifiers, their
// network addresses, and the interface legs between them. Nothing here
// changes after startup — reloading membership is out of scope (spec.md
// §1 excludes configuration file parsing).
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package node

import (
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

// ID is the 16-bit logical node identifier assigned in the configuration.
type ID uint16

func (id ID) String() string { return fmt.Sprintf("node-%d", uint16(id)) }

// IfaceID identifies one of a node's network interfaces.
type IfaceID uint16

// Leg is an ordered pair of interface identifiers (spec.md §3): each leg
// carries at most one IT-Link.
type Leg struct {
	Local  IfaceID
	Remote IfaceID
}

func (l Leg) String() string { return fmt.Sprintf("%d->%d", l.Local, l.Remote) }

// Info is everything the table knows about one member of the closed set.
type Info struct {
	ID      ID
	Addr    netip.Addr
	Port    uint16
	PubKey  []byte // RSA public key (PKIX DER), used to verify this node's signatures
	Legs    []Leg  // interfaces through which this node is directly reachable
}

var ErrUnknownNode = errors.New("node: unknown node id")

// Table is the closed set of nodes known at startup, indexed for O(1)
// lookup by ID and by Leg.
type Table struct {
	byID  map[ID]*Info
	byLeg map[Leg]ID
	self  ID
}

func NewTable(self ID, members []Info) *Table {
	t := &Table{
		byID:  make(map[ID]*Info, len(members)),
		byLeg: make(map[Leg]ID, len(members)),
		self:  self,
	}
	for i := range members {
		m := members[i]
		t.byID[m.ID] = &m
		for _, leg := range m.Legs {
			t.byLeg[leg] = m.ID
		}
	}
	return t
}

func (t *Table) Self() ID { return t.self }

func (t *Table) Lookup(id ID) (*Info, error) {
	info, ok := t.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "id=%d", id)
	}
	return info, nil
}

// IsKnown reports whether id is a member of the closed set — the check
// spec.md §4.3.7 requires before accepting a Status-Change's creator.
func (t *Table) IsKnown(id ID) bool {
	_, ok := t.byID[id]
	return ok
}

// NodeForLeg resolves the node identifier that owns the far end of leg.
func (t *Table) NodeForLeg(leg Leg) (ID, bool) {
	id, ok := t.byLeg[leg]
	return id, ok
}

// Neighbors returns every member other than self; in the IT-Link core,
// "neighbor" and "member of the closed set" are the same thing — the
// overlay topology is fully configured, not discovered.
func (t *Table) Neighbors() []ID {
	out := make([]ID, 0, len(t.byID))
	for id := range t.byID {
		if id != t.self {
			out = append(out, id)
		}
	}
	return out
}

func (t *Table) Len() int { return len(t.byID) }
