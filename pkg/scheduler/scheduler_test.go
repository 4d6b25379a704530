package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/jobmesh/pkg/cluster"
	"github.com/cuemby/jobmesh/pkg/delivery"
	"github.com/cuemby/jobmesh/pkg/events"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/types"
)

// fakeDialer stubs out the network dial so tests can assert on scheduler
// bookkeeping without opening a real socket; it always succeeds unless a
// per-node outcome has been set.
type fakeDialer struct {
	mu       sync.Mutex
	calls    []uint64
	outcomes map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{outcomes: make(map[string]error)}
}

func (d *fakeDialer) Dispatch(_ context.Context, node *types.Node, job *types.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, job.UID)
	return d.outcomes[node.IPAddr]
}

func newTestClusterRegistry(t *testing.T) (*cluster.Registry, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return cluster.New(dir, 10<<20, store), store
}

func newScheduler(t *testing.T, dialer Dialer) (*Scheduler, *registry.Registry, *cluster.Registry) {
	t.Helper()
	nodes := registry.New()
	clusters, store := newTestClusterRegistry(t)
	deliverySvc := delivery.New(delivery.Config{}, clusters, store, nil)
	s := New(nodes, clusters, deliverySvc, events.NewBroker(), Config{Dialer: dialer, TickInterval: time.Hour})
	return s, nodes, clusters
}

func createCluster(t *testing.T, reg *cluster.Registry, reentrant bool) *types.Cluster {
	t.Helper()
	c, err := reg.Create(cluster.CreateParams{
		Compute:    types.Compute{Name: "job", Reentrant: reentrant},
		ClientAuth: "auth",
		ClientIP:   "10.0.0.9",
		ClientPort: 51347,
	})
	require.NoError(t, err)
	return c
}

func registerNode(nodes *registry.Registry, ip string, cpus int, computeID uint64) *types.Node {
	n := types.NewNode(ip, 51348, "node", "tok", cpus)
	n.ClusterIDs[computeID] = struct{}{}
	got, _, _ := nodes.Upsert(n)
	return got
}

func TestTryMatchDispatchesQueuedJob(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	job := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID, Hash: "h1"}
	cluster.EnqueueJob(c, job)
	node := registerNode(nodes, "10.0.0.1", 2, c.ComputeID)

	s.tryMatch()

	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, node.IPAddr, job.AssignedIP)
	assert.Equal(t, 1, node.BusyCount)
	assert.Empty(t, c.JobsQueue)

	gotJob, gotCluster, gotNode, ok := s.Lookup(job.UID)
	require.True(t, ok)
	assert.Same(t, job, gotJob)
	assert.Same(t, c, gotCluster)
	assert.Same(t, node, gotNode)
}

func TestTryMatchDispatchesMultipleJobsInOneTick(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	job1 := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	job2 := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	cluster.EnqueueJob(c, job1)
	cluster.EnqueueJob(c, job2)
	registerNode(nodes, "10.0.0.1", 2, c.ComputeID)

	s.tryMatch()

	assert.Equal(t, types.JobRunning, job1.Status)
	assert.Equal(t, types.JobRunning, job2.Status)
	assert.Empty(t, c.JobsQueue)
}

func TestTryMatchNoopWhenNoNodeEligible(t *testing.T) {
	dialer := newFakeDialer()
	s, _, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	job := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	cluster.EnqueueJob(c, job)

	s.tryMatch()

	assert.Equal(t, types.JobCreated, job.Status)
	require.Len(t, c.JobsQueue, 1)
}

func TestOnTransientFailureDropsNodeAndRequeuesHead(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	job1 := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	job2 := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	cluster.EnqueueJob(c, job2)
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)

	s.onTransientFailure(node, c, job1, &DialError{Err: errors.New("connection refused")})

	assert.Equal(t, types.JobCreated, job1.Status)
	assert.Equal(t, "", job1.AssignedIP)
	require.Len(t, c.JobsQueue, 2)
	assert.Equal(t, job1.UID, c.JobsQueue[0].UID, "failed job goes back to the head")
	assert.NotContains(t, node.ClusterIDs, c.ComputeID, "node is dropped from the cluster after a transient failure")
	_, _, _, ok := s.Lookup(job1.UID)
	assert.False(t, ok)
}

func TestOnOtherFailureRequeuesTailAndKeepsNodeEligible(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	job1 := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	job2 := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	cluster.EnqueueJob(c, job2)
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)

	s.onOtherFailure(node, c, job1, errors.New("worker crashed mid-run"))

	require.Len(t, c.JobsQueue, 2)
	assert.Equal(t, job2.UID, c.JobsQueue[0].UID, "failed job goes to the tail, behind already-queued work")
	assert.Equal(t, job1.UID, c.JobsQueue[1].UID)
	assert.Contains(t, node.ClusterIDs, c.ComputeID)
}

func TestOnOtherFailureBacksOffAfterRepeatedFailures(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)
	s.cfg.BackoffBase = time.Hour // long enough that Wake() would not fire synchronously

	c := createCluster(t, clusters, false)
	job := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)

	s.onOtherFailure(node, c, job, errors.New("boom"))
	select {
	case <-s.wakeCh:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate wake after the first failure")
	}

	s.onOtherFailure(node, c, job, errors.New("boom again"))
	select {
	case <-s.wakeCh:
		t.Fatal("second consecutive failure should back off instead of waking immediately")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompleteReleasesNodeAndClearsEntry(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	job := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID}
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)
	nodes.Assign(node, job.UID)
	s.schedJobs[job.UID] = &schedEntry{job: job, cluster: c, node: node}

	s.Complete(job.UID, 2*time.Second)

	assert.Equal(t, 0, node.BusyCount)
	assert.Equal(t, 2*time.Second, node.CPUTimeAccum)
	_, _, _, ok := s.Lookup(job.UID)
	assert.False(t, ok)
}

func TestRescheduleReentrantClusterRotatesHashAndRequeues(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, true)
	job := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID, Hash: "original-hash"}
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)
	s.schedJobs[job.UID] = &schedEntry{job: job, cluster: c, node: node}

	s.Reschedule([]uint64{job.UID})

	assert.Equal(t, types.JobCreated, job.Status)
	assert.NotEqual(t, "original-hash", job.Hash)
	require.Len(t, c.JobsQueue, 1)
	assert.Equal(t, job.UID, c.JobsQueue[0].UID)
	_, _, _, ok := s.Lookup(job.UID)
	assert.False(t, ok)
}

func TestRescheduleNonReentrantClusterAbandonsJob(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	c.PendingJobsCount = 1
	job := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID, Hash: "h"}
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)
	s.schedJobs[job.UID] = &schedEntry{job: job, cluster: c, node: node}

	s.Reschedule([]uint64{job.UID})

	assert.Equal(t, types.JobAbandoned, job.Status)
	assert.False(t, job.EndTime.IsZero())
	assert.Empty(t, c.JobsQueue, "abandoned jobs are not requeued")
	assert.Equal(t, 0, c.PendingJobsCount)
}

func TestShutdownStopsTheLoop(t *testing.T) {
	dialer := newFakeDialer()
	s, _, _ := newScheduler(t, dialer)
	s.Start()
	s.Shutdown()

	select {
	case <-s.doneCh:
	default:
		t.Fatal("expected doneCh to be closed after Shutdown")
	}
}

func TestShutdownTerminatesInFlightAndQueuedJobs(t *testing.T) {
	dialer := newFakeDialer()
	s, nodes, clusters := newScheduler(t, dialer)

	c := createCluster(t, clusters, false)
	inFlight := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID, Hash: "running"}
	node := registerNode(nodes, "10.0.0.1", 1, c.ComputeID)
	s.schedJobs[inFlight.UID] = &schedEntry{job: inFlight, cluster: c, node: node}

	queued := &types.Job{UID: clusters.NextJobUID(), ComputeID: c.ComputeID, Hash: "queued"}
	cluster.EnqueueJob(c, queued)

	s.Start()
	s.Shutdown()

	assert.Equal(t, types.JobTerminated, inFlight.Status)
	assert.Equal(t, types.JobTerminated, queued.Status)
	assert.Empty(t, c.JobsQueue, "shutdown must drain every cluster's queue")
	_, _, _, ok := s.Lookup(inFlight.UID)
	assert.False(t, ok, "sched_jobs must be empty after shutdown")
	assert.True(t, c.ZombieFlag, "every cluster must be zombified on shutdown")
}
