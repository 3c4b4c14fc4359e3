// Package plm defines the persistent log message taxonomy and the Bundle
// that the consensus log (pkg/consensus) replicates, per spec.md §3.
package plm

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/mnohosten/shardsql/pkg/ids"
)

// Kind tags the outer variant of a PLM. The substrate only interprets the
// outer variant; everything below Family/Payload is opaque to it.
type Kind uint8

const (
	// STM-2PC per-participant durability records.
	KindRMPrepared Kind = iota
	KindRMCommitted
	KindRMAborted

	// STM-2PC coordinator-side durability records.
	KindTMPrepared
	KindTMCommitted
	KindTMAborted
	KindTMClosed

	// Flushed uniformly from a bundle's remote-leadership observations.
	KindRemoteLeaderChanged

	// Opaque domain payload not owned by either 2PC engine. No package in
	// this module emits one.
	KindDomainPayload
)

func (k Kind) String() string {
	switch k {
	case KindRMPrepared:
		return "RMPrepared"
	case KindRMCommitted:
		return "RMCommitted"
	case KindRMAborted:
		return "RMAborted"
	case KindTMPrepared:
		return "TMPrepared"
	case KindTMCommitted:
		return "TMCommitted"
	case KindTMAborted:
		return "TMAborted"
	case KindTMClosed:
		return "TMClosed"
	case KindRemoteLeaderChanged:
		return "RemoteLeaderChanged"
	case KindDomainPayload:
		return "DomainPayload"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// PLM is a single persistent log message. Every variant carries the owning
// QueryID (spec.md §3 "Every PLM carries its owning QueryId"); fields not
// meaningful to a given Kind are left zero.
type PLM struct {
	QueryID ids.QueryID
	Kind    Kind

	// RMPrepared only: the coordinating TM group and the full RM set, so a
	// participant that applies this PLM knows who to reply to and (on
	// leader promotion) who its siblings are.
	TM  ids.GroupID
	RMs []ids.NodePath

	// RemoteLeaderChanged only.
	Group ids.GroupID
	Lid   ids.LeadershipID

	// Family names the transaction family (e.g. "CreateTable") that owns
	// Payload's encoding; empty for RemoteLeaderChanged. The substrate
	// never branches on Family itself, only the 2PC engine instance that
	// was given this family's Family implementation (spec.md §9).
	Family string

	// Payload is the family-specific gob-encoded record: for *Prepared it
	// is the prepare payload, for *Committed/*Aborted/*Closed the matching
	// outcome payload. Opaque to the substrate.
	Payload []byte
}

// Bundle is the unit of consensus input: an ordered list of PLMs plus the
// remote-leadership observations the leader learned since its last bundle
// (spec.md §3 "Bundle").
type Bundle struct {
	Observations []Observation
	PLMs         []PLM
}

// Observation is a (peer group, peer LeadershipId) pair the network driver
// appends to the pending bundle when it sees a leadership generation it
// has not learned of yet (spec.md §4.3, §4.6).
type Observation struct {
	Group ids.GroupID
	Lid   ids.LeadershipID
}

// Empty reports whether the bundle carries nothing at all — the leader may
// still propose it to keep the bundle-cycle clock running (spec.md §4.1).
func (b Bundle) Empty() bool {
	return len(b.Observations) == 0 && len(b.PLMs) == 0
}

// Take swaps in a fresh empty Bundle and returns the previous contents,
// mirroring the mem::take-style ownership transfer of spec.md §9.
func Take(b *Bundle) Bundle {
	taken := *b
	*b = Bundle{}
	return taken
}

// EncodePayload gob-encodes an arbitrary family-specific payload value.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("plm: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload gob-decodes a payload previously produced by EncodePayload
// into the concrete type pointed to by v.
func DecodePayload(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("plm: decode payload: %w", err)
	}
	return nil
}
