// Package replication captures the state of every distributable attribute
// of a connector, plus its arrivals aggregator, as a replica that can be
// encoded, shipped to another cluster member and restored there.
//
// Restore replaces aggregator state wholesale (last writer wins). Callers
// quiesce dispatch on the target before restoring.
package replication

import (
	"sort"

	"github.com/c360/attrstream/aggregator"
	"github.com/c360/attrstream/attribute"
)

// Source exposes the state a replica is built from
type Source interface {
	Distributed() map[string]attribute.Distributed
	// Arrivals returns the connector-level aggregator, nil when disabled
	Arrivals() aggregator.Aggregator
}

// Target receives a restored replica
type Target interface {
	Source
	InstallArrivals(agg aggregator.Aggregator)
}

// Replica is a point-in-time copy of a connector's aggregator state
type Replica struct {
	Snapshots map[string]aggregator.Aggregator
	Arrivals  aggregator.Aggregator
}

// RestoreStats summarizes a Restore
type RestoreStats struct {
	Loaded   int      `json:"loaded"`
	Rejected []string `json:"rejected,omitempty"`
	Unknown  []string `json:"unknown,omitempty"`
	Arrivals bool     `json:"arrivals"`
}

// Build snapshots every distributable attribute of src. Closed attributes
// are skipped.
func Build(src Source) *Replica {
	r := &Replica{Snapshots: make(map[string]aggregator.Aggregator)}
	for name, attr := range src.Distributed() {
		if snap := attr.TakeSnapshot(); snap != nil {
			r.Snapshots[name] = snap
		}
	}
	if arrivals := src.Arrivals(); arrivals != nil {
		r.Arrivals = arrivals.Clone()
	}
	return r
}

// Names returns the attribute names in the replica, sorted
func (r *Replica) Names() []string {
	names := make([]string, 0, len(r.Snapshots))
	for name := range r.Snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restore loads the replica into dst. Attributes absent from the replica
// are untouched; snapshots for names dst does not have are ignored and
// snapshots of another aggregator type are rejected.
func (r *Replica) Restore(dst Target) RestoreStats {
	var stats RestoreStats
	attrs := dst.Distributed()

	for _, name := range r.Names() {
		attr, ok := attrs[name]
		if !ok {
			stats.Unknown = append(stats.Unknown, name)
			continue
		}
		if attr.LoadFromSnapshot(r.Snapshots[name]) {
			stats.Loaded++
		} else {
			stats.Rejected = append(stats.Rejected, name)
		}
	}

	if r.Arrivals != nil {
		dst.InstallArrivals(r.Arrivals.Clone())
		stats.Arrivals = true
	}
	return stats
}
