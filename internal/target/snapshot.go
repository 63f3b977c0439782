package target

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/transport"
)

// Snapshot captures the live entries and the open transactions of the
// local group. The caller labels it with the group key it covers; the
// caller must ensure no packet of that group beyond key has been applied.
func (r *Replica) Snapshot(local, group string, key packet.Key) transport.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := transport.Snapshot{Group: group, Key: key}
	r.entries.Range(func(entry string, chain []Version) bool {
		if len(chain) == 0 {
			return true
		}
		v := chain[len(chain)-1]
		if !v.Deleted {
			snap.Entries = append(snap.Entries, transport.SnapshotEntry{
				Entry:   entry,
				Value:   append([]byte(nil), v.Value...),
				Version: v.Version,
			})
		}
		return true
	})

	if gs, ok := r.groups[local]; ok {
		for _, txn := range sortedTxns(gs.pending) {
			snap.Pending = append(snap.Pending, transport.PendingTxn{
				Txn:     txn,
				Packets: append([]packet.Packet(nil), gs.pending[txn]...),
			})
		}
	}
	return snap
}

// Install implements transport.Receiver. The store is replaced by the
// snapshot at a fresh generation and every older generation is reclaimed,
// so reads bound to the pre-resync state fail as expired. The group's
// lanes restart after snap.Key.
func (r *Replica) Install(_ context.Context, snap transport.Snapshot) error {
	if snap.Group == "" {
		return fmt.Errorf("install snapshot: no group")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.window.CurrentGeneration() + 1
	keep := make(map[string]transport.SnapshotEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		keep[e.Entry] = e
	}

	var stale []string
	r.entries.Range(func(entry string, chain []Version) bool {
		if _, ok := keep[entry]; !ok && len(chain) > 0 && !chain[len(chain)-1].Deleted {
			stale = append(stale, entry)
		}
		return true
	})
	for _, entry := range stale {
		prev, _ := r.latest(entry)
		r.storeLocked(entry, Version{Generation: gen, Version: prev.Version, Deleted: true})
	}
	for _, e := range snap.Entries {
		r.storeLocked(e.Entry, Version{
			Generation: gen,
			Value:      append([]byte(nil), e.Value...),
			Version:    e.Version,
		})
	}

	r.window.JumpTo(gen)
	r.window.Reclaim(gen)

	gs := &groupState{
		base:     snap.Key,
		pending:  make(map[packet.TxnID][]packet.Packet),
		barriers: make(map[packet.Key]*barrier),
	}
	for _, pt := range snap.Pending {
		gs.pending[pt.Txn] = append([]packet.Packet(nil), pt.Packets...)
	}
	r.groups[snap.Group] = gs
	r.stats.Snapshots++

	r.logger.Info("snapshot installed",
		"replica", r.name,
		"group", snap.Group,
		"key", uint64(snap.Key),
		"entries", len(snap.Entries),
		"generation", gen,
	)
	return nil
}

func sortedTxns(m map[packet.TxnID][]packet.Packet) []packet.TxnID {
	ids := make([]packet.TxnID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
