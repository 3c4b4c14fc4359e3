// Package consensus implements C1: the per-group replicated log that turns
// a leader's proposed Bundle into an agreed-upon, totally-ordered sequence
// of LogEntry values delivered identically to every replica (spec.md §4.1).
//
// It is a thin wrapper around github.com/hashicorp/raft: the teacher's own
// replication (pkg/replication, an oplog + heartbeat design) has no leader
// election or log-matching property, so it cannot stand in for a true
// consensus log. raft, already wired by the pack's cuemby-warren repo for
// its group-replicated control plane, is the natural substitute.
package consensus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/plm"
)

// EntryKind tags a delivered LogEntry (spec.md §4.1: LogEntry ∈
// {Bundle(bundle), LeaderChanged(new_lid)}).
type EntryKind uint8

const (
	EntryBundle EntryKind = iota
	EntryLeaderChanged
)

// LogEntry is what the platform delivers to the state machine, exactly
// once per replica, in total order.
type LogEntry struct {
	Kind          EntryKind
	Bundle        plm.Bundle
	LeaderChanged ids.LeadershipID
}

// Sink receives delivered LogEntry values. The node driver (pkg/node)
// implements this.
type Sink interface {
	OnLogEntry(LogEntry)
}

// ProposeTimeout bounds how long Propose waits for raft to accept the entry
// into its local pipeline; it does not wait for the entry to commit. A
// timeout here is "proposal loss" from the state machine's point of view
// (spec.md §4.1 "Failure semantics").
const ProposeTimeout = 2 * time.Second

// Log is a group's consensus log.
type Log struct {
	raft    *raft.Raft
	sink    Sink
	groupID ids.GroupID
	self    string

	transport *raft.NetworkTransport
	logStore  *raftboltdb.BoltStore
	snapStore raft.SnapshotStore
}

// Config configures a group's consensus log.
type Config struct {
	GroupID  ids.GroupID
	LocalID  string // this node's raft ServerID, typically its endpoint
	BindAddr string // address the raft transport listens on
	DataDir  string // per-group directory for the bolt log/stable store and snapshots
	Servers  []raft.Server // initial voter configuration (including self)
}

// Open creates or reopens a group's consensus log and attaches sink as the
// deliver callback.
func Open(cfg Config, sink Sink) (*Log, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.LocalID)

	addr, err := raft.ResolveAddr(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("consensus: new transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(cfg.DataDir + "/raft-log.bolt")
	if err != nil {
		return nil, fmt.Errorf("consensus: open log store: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("consensus: open snapshot store: %w", err)
	}

	l := &Log{
		sink:      sink,
		groupID:   cfg.GroupID,
		self:      cfg.LocalID,
		transport: transport,
		logStore:  logStore,
		snapStore: snapStore,
	}

	fsm := &fsmAdapter{log: l}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, logStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: new raft: %w", err)
	}
	l.raft = r

	if len(cfg.Servers) > 0 {
		future := r.BootstrapCluster(raft.Configuration{Servers: cfg.Servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("consensus: bootstrap: %w", err)
		}
	}

	go l.watchLeadership()

	return l, nil
}

// Propose appends bundle to the group's log. Called only by the leader, at
// most once per bundle cycle (spec.md §4.1 "Propose(bundle)"). It returns
// no error indicating non-leadership or timeout conditions matter to the
// caller: per the spec, proposal loss is invisible to the state machine.
func (l *Log) Propose(bundle plm.Bundle) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bundle); err != nil {
		// Encoding a well-formed in-process Bundle cannot fail; a failure
		// here is a programmer bug, not a protocol condition.
		panic(fmt.Sprintf("consensus: encode bundle: %v", err))
	}
	// The returned future is not waited on: loss is invisible to the
	// caller, per spec.md §4.1, and Propose returns once raft has queued
	// the entry, before it commits or is applied.
	l.raft.Apply(buf.Bytes(), ProposeTimeout)
}

// IsLeader reports whether this replica currently believes itself leader.
func (l *Log) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeadershipID returns this group's current leadership as known locally.
func (l *Log) LeadershipID() ids.LeadershipID {
	_, id := l.raft.LeaderWithID()
	gen := l.raft.CurrentTerm()
	return ids.LeadershipID{Generation: gen, Endpoint: string(id)}
}

// Shutdown releases the log's resources.
func (l *Log) Shutdown() error {
	if err := l.raft.Shutdown().Error(); err != nil {
		return err
	}
	return l.logStore.Close()
}

// watchLeadership translates raft's local leadership-observation channel
// into LeaderChanged LogEntry deliveries.
//
// raft surfaces leadership changes as a local notification, not literally
// as a replicated log entry; each live replica's own raft instance
// converges on the same leader independently via the election protocol,
// which is what lets every replica learn the new LeadershipID
// deterministically enough for spec.md §4.1's contract ("a replica that
// observes a LeaderChanged in which its own endpoint is the designated
// leader becomes leader; all others become followers").
func (l *Log) watchLeadership() {
	ch := make(chan raft.Observation, 8)
	observer := raft.NewObserver(ch, true, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	l.raft.RegisterObserver(observer)
	defer l.raft.DeregisterObserver(observer)

	for obs := range ch {
		lo, ok := obs.Data.(raft.LeaderObservation)
		if !ok {
			continue
		}
		lid := ids.LeadershipID{
			Generation: l.raft.CurrentTerm(),
			Endpoint:   string(lo.LeaderID),
		}
		l.sink.OnLogEntry(LogEntry{Kind: EntryLeaderChanged, LeaderChanged: lid})
	}
}

// fsmAdapter implements raft.FSM by decoding each committed entry into a
// Bundle and handing it to the Log's sink.
type fsmAdapter struct {
	log *Log
}

func (f *fsmAdapter) Apply(entry *raft.Log) interface{} {
	var bundle plm.Bundle
	if err := gob.NewDecoder(bytes.NewReader(entry.Data)).Decode(&bundle); err != nil {
		panic(fmt.Sprintf("consensus: decode bundle at index %d: %v", entry.Index, err))
	}
	f.log.sink.OnLogEntry(LogEntry{Kind: EntryBundle, Bundle: bundle})
	return nil
}

// Snapshot and Restore plumb bytes between raft's snapshot store and the
// Sink, when the Sink also implements SnapshotSource; consensus never
// interprets them. With any other Sink a snapshot is empty and Restore
// discards what it reads. Neither node.Driver nor cmd/node's sink
// implements SnapshotSource, so the gossip value, leader map and
// follower-side 2PC mirrors are not captured in a snapshot.
func (f *fsmAdapter) Snapshot() (raft.FSMSnapshot, error) {
	if src, ok := f.log.sink.(SnapshotSource); ok {
		data, err := src.SnapshotState()
		if err != nil {
			return nil, err
		}
		return &fsmSnapshot{data: data}, nil
	}
	return &fsmSnapshot{}, nil
}

func (f *fsmAdapter) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if dst, ok := f.log.sink.(SnapshotSource); ok {
		return dst.RestoreState(data)
	}
	return nil
}

// SnapshotSource is optionally implemented by a Sink to participate in
// raft snapshotting.
type SnapshotSource interface {
	SnapshotState() ([]byte, error)
	RestoreState([]byte) error
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
