package scheduler

import "github.com/cuemby/jobmesh/pkg/types"

// Placement selects an eligible node for the next dispatch, given a
// deterministically-ordered node snapshot and the live cluster set (spec.md
// §4.6). It returns nil when no node is eligible.
type Placement func(nodes []*types.Node, clusters []*types.Cluster) *types.Node

// eligible reports whether node has a free CPU slot and at least one
// cluster it belongs to has a nonempty job queue (spec.md §4.6: "among
// nodes with busy_count < total_cpus and at least one cluster with a
// nonempty queue intersecting its cluster_ids").
func eligible(node *types.Node, clusters []*types.Cluster) bool {
	if node.BusyCount >= node.TotalCPUs {
		return false
	}
	for _, c := range clusters {
		if _, member := node.ClusterIDs[c.ComputeID]; member && len(c.JobsQueue) > 0 {
			return true
		}
	}
	return false
}

// LoadBalance picks the eligible node minimizing busy_count/total_cpus,
// the default placement policy (spec.md §4.6). Ties go to whichever node
// sorts first in the caller's (deterministic) iteration order.
func LoadBalance(nodes []*types.Node, clusters []*types.Cluster) *types.Node {
	var best *types.Node
	var bestRatio float64
	for _, n := range nodes {
		if !eligible(n, clusters) {
			continue
		}
		ratio := float64(n.BusyCount) / float64(n.TotalCPUs)
		if best == nil || ratio < bestRatio {
			best, bestRatio = n, ratio
		}
	}
	return best
}

// FastNode picks the eligible node minimizing cpu_time_accum/jobs_completed,
// treating a node with zero completed jobs as rate 0 (spec.md §4.6).
func FastNode(nodes []*types.Node, clusters []*types.Cluster) *types.Node {
	var best *types.Node
	var bestRate float64
	for _, n := range nodes {
		if !eligible(n, clusters) {
			continue
		}
		rate := 0.0
		if n.JobsCompleted > 0 {
			rate = n.CPUTimeAccum.Seconds() / float64(n.JobsCompleted)
		}
		if best == nil || rate < bestRate {
			best, bestRate = n, rate
		}
	}
	return best
}
