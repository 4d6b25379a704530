package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/stretchr/testify/assert"
)

func clusterWithQueue(id uint64, queueLen int) *types.Cluster {
	c := &types.Cluster{ComputeID: id}
	for i := 0; i < queueLen; i++ {
		c.JobsQueue = append(c.JobsQueue, &types.Job{UID: uint64(i + 1), ComputeID: id})
	}
	return c
}

func memberNode(ip string, busy, total int, clusterIDs ...uint64) *types.Node {
	n := types.NewNode(ip, 51348, "n", "tok", total)
	n.BusyCount = busy
	for _, id := range clusterIDs {
		n.ClusterIDs[id] = struct{}{}
	}
	return n
}

func TestLoadBalancePicksLowestRatio(t *testing.T) {
	c := clusterWithQueue(1, 1)
	busy := memberNode("10.0.0.2", 3, 4, 1)
	idle := memberNode("10.0.0.1", 0, 4, 1)

	got := LoadBalance([]*types.Node{busy, idle}, []*types.Cluster{c})
	assert.Same(t, idle, got)
}

func TestLoadBalanceSkipsFullNodes(t *testing.T) {
	c := clusterWithQueue(1, 1)
	full := memberNode("10.0.0.1", 4, 4, 1)

	got := LoadBalance([]*types.Node{full}, []*types.Cluster{c})
	assert.Nil(t, got)
}

func TestLoadBalanceSkipsNodesWithoutQueuedWork(t *testing.T) {
	emptyCluster := clusterWithQueue(1, 0)
	n := memberNode("10.0.0.1", 0, 4, 1)

	got := LoadBalance([]*types.Node{n}, []*types.Cluster{emptyCluster})
	assert.Nil(t, got)
}

func TestLoadBalanceIgnoresNonMemberClusters(t *testing.T) {
	otherClusterQueued := clusterWithQueue(2, 1)
	n := memberNode("10.0.0.1", 0, 4, 1) // only a member of cluster 1

	got := LoadBalance([]*types.Node{n}, []*types.Cluster{otherClusterQueued})
	assert.Nil(t, got)
}

func TestFastNodePrefersFewerCPUSecondsPerJob(t *testing.T) {
	c := clusterWithQueue(1, 1)
	slow := memberNode("10.0.0.2", 0, 4, 1)
	slow.JobsCompleted = 1
	slow.CPUTimeAccum = 10 * time.Second

	fast := memberNode("10.0.0.1", 0, 4, 1)
	fast.JobsCompleted = 1
	fast.CPUTimeAccum = 1 * time.Second

	got := FastNode([]*types.Node{slow, fast}, []*types.Cluster{c})
	assert.Same(t, fast, got)
}

func TestFastNodeTreatsNoHistoryAsZeroRate(t *testing.T) {
	c := clusterWithQueue(1, 1)
	experienced := memberNode("10.0.0.1", 0, 4, 1)
	experienced.JobsCompleted = 1
	experienced.CPUTimeAccum = time.Second

	fresh := memberNode("10.0.0.2", 0, 4, 1)

	got := FastNode([]*types.Node{experienced, fresh}, []*types.Cluster{c})
	assert.Same(t, fresh, got)
}
