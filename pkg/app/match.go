// Package app wires the scheduler's components (registries, discovery,
// scheduling loop, delivery, staging, storage) into the two protocol
// handlers and the sweep service, and owns the jobmesh-specific business
// rules that don't belong in any single narrower package. Grounded on the
// teacher's pkg/manager/manager.go, which plays the same "owns every
// cross-cutting rule, implements the narrow interfaces other packages
// define" role for the raft-backed service manager.
package app

import (
	"regexp"

	"github.com/cuemby/jobmesh/pkg/types"
)

// matchesAlloc reports whether node satisfies a single node_alloc filter
// (spec.md §4.4's ALLOCATE_NODE: and the node_allocs a COMPUTE: request
// may carry). A zero-value field matches everything along that axis.
func matchesAlloc(node *types.Node, alloc types.NodeAllocation) bool {
	if alloc.IPRegex != "" {
		re, err := regexp.Compile(alloc.IPRegex)
		if err != nil || !re.MatchString(node.IPAddr) {
			return false
		}
	}
	if alloc.Port != 0 && alloc.Port != node.Port {
		return false
	}
	if alloc.MaxCPUs > 0 && node.TotalCPUs > alloc.MaxCPUs {
		return false
	}
	if alloc.NamePattern != "" {
		re, err := regexp.Compile(alloc.NamePattern)
		if err != nil || !re.MatchString(node.Name) {
			return false
		}
	}
	return true
}

// eligibleForCluster reports whether node may run jobs belonging to c: an
// empty node_allocs list admits every node (spec.md §4.2), otherwise node
// must satisfy at least one filter.
func eligibleForCluster(node *types.Node, c *types.Cluster) bool {
	if len(c.NodeAllocs) == 0 {
		return true
	}
	for _, alloc := range c.NodeAllocs {
		if matchesAlloc(node, alloc) {
			return true
		}
	}
	return false
}
