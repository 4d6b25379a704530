// Package registry implements the node registry (spec.md §4.1, C1): the
// scheduler's map of discovered worker nodes, keyed by IP, plus the
// rediscovery and death bookkeeping used by the scheduler loop and the
// timer service. Grounded on the teacher's node CRUD in
// pkg/manager/manager.go and the heartbeat-staleness check in
// pkg/reconciler/reconciler.go, adapted from a raft-replicated store to a
// single mutex-guarded map per spec.md §5 ("guard with a single coarse
// lock").
package registry

import (
	"sync"
	"time"

	"github.com/cuemby/jobmesh/pkg/types"
)

// Registry tracks discovered nodes and their liveness.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*types.Node
}

// New returns an empty node registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*types.Node)}
}

// Lookup returns the node at ip, if known.
func (r *Registry) Lookup(ip string) (*types.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[ip]
	return n, ok
}

// Iter returns a snapshot slice of all currently known nodes.
func (r *Registry) Iter() []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Upsert records a (re)discovered node. If an existing record at the same
// IP has the same (port, auth_token) pair, this is a plain pulse refresh.
// Otherwise it is treated as a node restart: the previous record's
// running jobs are returned as deadJobs for the caller to reschedule, and
// busy_count/running set are reset (spec.md §4.1).
func (r *Registry) Upsert(candidate *types.Node) (node *types.Node, wasNew bool, deadJobs []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[candidate.IPAddr]
	if !ok {
		candidate.LastPulse = time.Now()
		r.nodes[candidate.IPAddr] = candidate
		return candidate, true, nil
	}

	if existing.Port == candidate.Port && existing.AuthToken == candidate.AuthToken {
		existing.LastPulse = time.Now()
		if candidate.TotalCPUs > 0 {
			existing.TotalCPUs = candidate.TotalCPUs
		}
		return existing, false, nil
	}

	// Restart: the old record's in-flight jobs are now orphaned.
	for uid := range existing.RunningJobUIDs {
		deadJobs = append(deadJobs, uid)
	}
	candidate.LastPulse = time.Now()
	candidate.ClusterIDs = existing.ClusterIDs
	if candidate.ClusterIDs == nil {
		candidate.ClusterIDs = make(map[uint64]struct{})
	}
	r.nodes[candidate.IPAddr] = candidate
	return candidate, false, deadJobs
}

// MarkDead removes ip from the registry and returns the removed record so
// the caller can reschedule its running jobs.
func (r *Registry) MarkDead(ip string) (*types.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[ip]
	if !ok {
		return nil, false
	}
	delete(r.nodes, ip)
	return n, true
}

// StalePulses returns every node whose busy_count > 0 and whose last
// pulse is older than maxAge — candidates for the timer service's pulse
// sweep (spec.md §4.8).
func (r *Registry) StalePulses(now time.Time, maxAge time.Duration) []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*types.Node
	for _, n := range r.nodes {
		if n.BusyCount > 0 && now.Sub(n.LastPulse) > maxAge {
			stale = append(stale, n)
		}
	}
	return stale
}

// Assign records that uid is now running on node.
func (r *Registry) Assign(node *types.Node, uid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.BusyCount++
	node.RunningJobUIDs[uid] = struct{}{}
}

// Release records that uid is no longer running on node, accumulating its
// CPU time into the node's running total.
func (r *Registry) Release(node *types.Node, uid uint64, cpuTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.BusyCount > 0 {
		node.BusyCount--
	}
	delete(node.RunningJobUIDs, uid)
	node.CPUTimeAccum += cpuTime
	node.JobsCompleted++
}

// Unassign rolls back a provisional Assign for a job that never actually
// started running on the node (a dispatch failure after the scheduler loop
// tentatively claimed the slot, spec.md §4.6's run_job error paths) — unlike
// Release, it does not touch cpu_time_accum or jobs_completed, since the
// node did no work.
func (r *Registry) Unassign(node *types.Node, uid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.BusyCount > 0 {
		node.BusyCount--
	}
	delete(node.RunningJobUIDs, uid)
}

// Discard removes uid from node's running set without touching
// busy_count/CPU accounting — used when a job is found dead on a node
// that is itself being torn down (busy_count already reset).
func (r *Registry) Discard(node *types.Node, uid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(node.RunningJobUIDs, uid)
}

// SetClusterMember adds computeID to node's cluster set (after a
// successful setup_node, spec.md §4.6).
func (r *Registry) SetClusterMember(node *types.Node, computeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.ClusterIDs[computeID] = struct{}{}
}

// RemoveClusterMember drops computeID from node's cluster set, e.g. after
// a transient dispatch failure (spec.md §4.6 run_job EnvironmentError
// path) takes the node out of a cluster's eligible pool.
func (r *Registry) RemoveClusterMember(node *types.Node, computeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(node.ClusterIDs, computeID)
}

// SetCPUCap overrides a node's advertised total CPU count (SET_NODE_CPUS:,
// spec.md §4.4). A negative value is a no-op read; see pkg/app's SetNodeCPUs.
func (r *Registry) SetCPUCap(node *types.Node, cpus int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cpus < 0 {
		return
	}
	node.TotalCPUs = cpus
}
