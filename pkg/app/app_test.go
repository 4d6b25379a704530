package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/jobmesh/pkg/cluster"
	"github.com/cuemby/jobmesh/pkg/delivery"
	"github.com/cuemby/jobmesh/pkg/events"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/scheduler"
	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/types"
)

// fakeDialer stubs scheduler dispatch so these tests never open a real
// socket; it records every dispatched job and can be told to fail a node.
type fakeDialer struct {
	mu     sync.Mutex
	calls  []uint64
	failIP map[string]error
}

func newFakeDialer() *fakeDialer { return &fakeDialer{failIP: make(map[string]error)} }

func (d *fakeDialer) Dispatch(_ context.Context, node *types.Node, job *types.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, job.UID)
	return d.failIP[node.IPAddr]
}

func newTestApp(t *testing.T, dialer scheduler.Dialer) (*App, *registry.Registry, *cluster.Registry, *events.Broker) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	nodes := registry.New()
	clusters := cluster.New(dir, 10<<20, store)
	broker := events.NewBroker()

	a := New(Config{
		ClusterSecret:  []byte("cluster-secret"),
		Sign:           "sign",
		NodePort:       51348,
		SchedulerPort:  51349,
		PulseInterval:  10 * time.Second,
		ZombieInterval: time.Minute,
		MsgTimeout:     time.Second,
	}, nodes, clusters, store, broker)

	deliverySvc := delivery.New(delivery.Config{}, clusters, store, a.RetireCluster)
	a.SetDelivery(deliverySvc)
	sched := scheduler.New(nodes, clusters, deliverySvc, broker, scheduler.Config{Dialer: dialer, TickInterval: time.Hour})
	a.SetScheduler(sched)
	return a, nodes, clusters, broker
}

func registerNode(nodes *registry.Registry, ip string, cpus int) *types.Node {
	n, _, _ := nodes.Upsert(types.NewNode(ip, 51348, "node-"+ip, "tok", cpus))
	return n
}

func TestCreateClusterAttachesEligibleNodesAndReturnsReply(t *testing.T) {
	a, nodes, _, _ := newTestApp(t, newFakeDialer())
	node := registerNode(nodes, "10.0.0.1", 2)

	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reply.ComputeID)
	assert.Equal(t, 10, reply.PulseInterval)
	assert.Equal(t, 51348, reply.JobResultPort)

	_, isMember := node.ClusterIDs[reply.ComputeID]
	assert.True(t, isMember, "already-discovered node should be attached to a new cluster with no node_allocs")
}

func TestSubmitJobRejectsBadAuth(t *testing.T) {
	a, _, _, _ := newTestApp(t, newFakeDialer())
	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)

	_, err = a.SubmitJob(types.JobRequest{ComputeID: reply.ComputeID, Auth: "wrong"})
	assert.Error(t, err)
}

func TestSubmitJobDispatchesAndJobReplyCompletesIt(t *testing.T) {
	dialer := newFakeDialer()
	a, nodes, clusters, _ := newTestApp(t, dialer)
	registerNode(nodes, "10.0.0.1", 2)

	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)

	uid, err := a.SubmitJob(types.JobRequest{ComputeID: reply.ComputeID, Auth: a.AuthCode()})
	require.NoError(t, err)

	a.scheduler.Start()
	t.Cleanup(a.scheduler.Shutdown)
	a.scheduler.Wake()
	require.Eventually(t, func() bool {
		_, _, _, ok := a.scheduler.Lookup(uid)
		return ok
	}, time.Second, 5*time.Millisecond)

	c, _ := clusters.Get(reply.ComputeID)
	err = a.JobReply("10.0.0.1", types.JobReply{
		UID:       uid,
		ComputeID: c.ComputeID,
		Status:    types.JobFinished,
		StartTime: time.Now().Add(-time.Second),
		EndTime:   time.Now(),
	})
	require.NoError(t, err)

	_, _, _, ok := a.scheduler.Lookup(uid)
	assert.False(t, ok, "completed job should be cleared from the scheduler's bookkeeping")
}

func TestTerminateJobCancelsQueuedJob(t *testing.T) {
	a, _, _, _ := newTestApp(t, newFakeDialer())
	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)

	uid, err := a.SubmitJob(types.JobRequest{ComputeID: reply.ComputeID, Auth: a.AuthCode()})
	require.NoError(t, err)

	err = a.TerminateJob(types.TerminateJobRequest{ComputeID: reply.ComputeID, UID: uid, Auth: a.AuthCode()})
	assert.NoError(t, err)
}

func TestTerminateJobRejectsAlreadyRunningJob(t *testing.T) {
	dialer := newFakeDialer()
	a, nodes, _, _ := newTestApp(t, dialer)
	registerNode(nodes, "10.0.0.1", 2)

	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)
	uid, err := a.SubmitJob(types.JobRequest{ComputeID: reply.ComputeID, Auth: a.AuthCode()})
	require.NoError(t, err)

	a.scheduler.Start()
	t.Cleanup(a.scheduler.Shutdown)
	a.scheduler.Wake()
	require.Eventually(t, func() bool {
		_, _, _, ok := a.scheduler.Lookup(uid)
		return ok
	}, time.Second, 5*time.Millisecond)

	err = a.TerminateJob(types.TerminateJobRequest{ComputeID: reply.ComputeID, UID: uid, Auth: a.AuthCode()})
	assert.Error(t, err)
}

func TestCloseClusterRetiresImmediatelyWhenDrained(t *testing.T) {
	a, _, clusters, _ := newTestApp(t, newFakeDialer())
	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)

	err = a.CloseCluster(types.CloseRequest{ComputeID: reply.ComputeID, Auth: a.AuthCode()})
	require.NoError(t, err)

	_, ok := clusters.Get(reply.ComputeID)
	assert.False(t, ok, "a zombie cluster with no pending work should retire on CLOSE:")
}

func TestAllocateNodeFiltersByCPUCount(t *testing.T) {
	a, nodes, _, _ := newTestApp(t, newFakeDialer())
	small := registerNode(nodes, "10.0.0.1", 1)
	big := registerNode(nodes, "10.0.0.2", 8)

	// An allocation matching no registered node keeps CreateCluster from
	// attaching every node, so membership comes from AllocateNode alone.
	reply, err := a.CreateCluster(types.ComputeRequest{
		Compute:    types.Compute{Name: "job1"},
		NodeAllocs: []types.NodeAllocation{{IPRegex: `^192\.168\.`}},
	}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)

	err = a.AllocateNode(types.AllocateNodeRequest{
		ComputeID: reply.ComputeID,
		NodeAlloc: types.NodeAllocation{MaxCPUs: 2},
		Auth:      a.AuthCode(),
	})
	require.NoError(t, err)

	_, smallIsMember := small.ClusterIDs[reply.ComputeID]
	_, bigIsMember := big.ClusterIDs[reply.ComputeID]
	assert.True(t, smallIsMember)
	assert.False(t, bigIsMember)
}

func TestSetNodeCPUsReportsWithoutChangingOnNegative(t *testing.T) {
	a, nodes, _, _ := newTestApp(t, newFakeDialer())
	registerNode(nodes, "10.0.0.1", 4)
	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1"}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)

	cpus, err := a.SetNodeCPUs(types.SetNodeCPUsRequest{ComputeID: reply.ComputeID, Node: "10.0.0.1", CPUs: -1, Auth: a.AuthCode()})
	require.NoError(t, err)
	assert.Equal(t, 4, cpus)

	cpus, err = a.SetNodeCPUs(types.SetNodeCPUsRequest{ComputeID: reply.ComputeID, Node: "10.0.0.1", CPUs: 2, Auth: a.AuthCode()})
	require.NoError(t, err)
	assert.Equal(t, 2, cpus)
}

func TestNodeTerminatedReschedulesReentrantJob(t *testing.T) {
	dialer := newFakeDialer()
	a, nodes, clusters, _ := newTestApp(t, dialer)
	registerNode(nodes, "10.0.0.1", 2)

	reply, err := a.CreateCluster(types.ComputeRequest{Compute: types.Compute{Name: "job1", Reentrant: true}}, "10.0.0.9", 51347, 51350)
	require.NoError(t, err)
	uid, err := a.SubmitJob(types.JobRequest{ComputeID: reply.ComputeID, Auth: a.AuthCode()})
	require.NoError(t, err)

	a.scheduler.Start()
	t.Cleanup(a.scheduler.Shutdown)
	a.scheduler.Wake()
	require.Eventually(t, func() bool {
		_, _, _, ok := a.scheduler.Lookup(uid)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.NodeTerminated("10.0.0.1"))

	c, ok := clusters.Get(reply.ComputeID)
	require.True(t, ok)
	assert.Len(t, c.JobsQueue, 1, "dead node's reentrant job should be rotated and requeued, not abandoned")
}
