// Package oplog persists a replica's per-group operation log durably so
// that, on restart, a node can recover last_applied_seq and, per spec
// §9's catch-up note, replay recent operations to a secondary that
// reconnects after a crash (see pkg/replica's RPLY-backed CatchUp).
//
// It deliberately reuses only the log-storage half of
// github.com/hashicorp/raft-boltdb — a raft.LogStore/raft.StableStore
// backed by BoltDB — and never constructs a raft.Raft. There is no
// leader election here: seq assignment and primary/secondary roles stay
// exactly as spec §4.3 and the design note in §9 describe (no invented
// consensus). The log is just a durable, ordered append log indexed by
// seq, which raft.Log's (Index, Data) shape happens to fit precisely.
package oplog

import (
	"fmt"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Log is a durable, seq-indexed append log for one replica's view of one
// replica group's operations.
type Log struct {
	store *raftboltdb.BoltStore
}

// Open opens (creating if necessary) the operation log at path.
func Open(path string) (*Log, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("open operation log at %s: %w", path, err)
	}
	return &Log{store: store}, nil
}

// Close releases the underlying BoltDB handle.
func (l *Log) Close() error {
	return l.store.Close()
}

// Append durably records that seq carries opBytes. Applied is tracked
// via raft.Log's Type field: LogCommand means "decided", and a later
// call to MarkApplied upgrades it once every secondary has acknowledged
// (or, on the primary's own tablet, once the local apply completes).
func (l *Log) Append(seq uint64, opBytes []byte) error {
	entry := &raft.Log{
		Index: seq,
		Data:  opBytes,
		Type:  raft.LogCommand,
	}
	return l.store.StoreLog(entry)
}

// MarkApplied re-stores the entry with a type that records durability;
// used by LastApplied to recover the true apply cursor after a crash.
func (l *Log) MarkApplied(seq uint64) error {
	entry, err := l.get(seq)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("oplog: no entry at seq %d to mark applied", seq)
	}
	entry.Type = raft.LogNoop // reuse as an "applied" marker; never fed to a real FSM
	return l.store.StoreLog(entry)
}

// Get returns the recorded operation bytes for seq, or nil if absent.
func (l *Log) Get(seq uint64) ([]byte, error) {
	entry, err := l.get(seq)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Data, nil
}

func (l *Log) get(seq uint64) (*raft.Log, error) {
	var entry raft.Log
	if err := l.store.GetLog(seq, &entry); err != nil {
		if err == raft.ErrLogNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// LastApplied scans stored entries to recover the highest seq marked
// applied (LogNoop), giving a crash-restarted secondary its
// last_applied_seq without needing a separate durable counter.
func (l *Log) LastApplied() (uint64, error) {
	first, err := l.store.FirstIndex()
	if err != nil {
		return 0, err
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return 0, err
	}
	var applied uint64
	for seq := first; seq <= last && last != 0; seq++ {
		entry, err := l.get(seq)
		if err != nil {
			return 0, err
		}
		if entry == nil {
			continue
		}
		if entry.Type == raft.LogNoop {
			applied = seq
		}
	}
	return applied, nil
}

// ReplayFrom returns every recorded (seq, opBytes) with seq > from, in
// ascending order — the payload a primary sends back over RPLY to catch
// a reconnecting secondary up (SPEC_FULL §9).
func (l *Log) ReplayFrom(from uint64) ([]Entry, error) {
	last, err := l.store.LastIndex()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for seq := from + 1; seq <= last; seq++ {
		entry, err := l.get(seq)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		out = append(out, Entry{Seq: seq, Op: entry.Data})
	}
	return out, nil
}

// Entry is one recovered operation record.
type Entry struct {
	Seq uint64
	Op  []byte
}
