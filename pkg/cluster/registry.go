// Package cluster implements the cluster registry (spec.md §4.2, C2): the
// scheduler's map of live computations, their job queues, and the
// dest-path/snapshot bookkeeping a client needs to survive a disconnect.
// Grounded on the service/container CRUD in
// pkg/manager/manager.go and the JSON-over-bbolt persistence convention
// of pkg/storage/boltdb.go.
package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/types"
)

// Registry tracks every live Cluster (computation), keyed by ComputeID.
type Registry struct {
	mu       sync.Mutex
	clusters map[uint64]*types.Cluster
	order    []uint64 // creation order, for deterministic placement ties
	nextID   atomic.Uint64
	nextUID  atomic.Uint64
	destRoot string
	maxFile  int64
	store    storage.Store
}

// New builds a cluster registry rooted at destRoot (the --dest_path_prefix
// flag), enforcing maxFileSize on staged transfer files.
func New(destRoot string, maxFileSize int64, store storage.Store) *Registry {
	return &Registry{
		clusters: make(map[uint64]*types.Cluster),
		destRoot: destRoot,
		maxFile:  maxFileSize,
		store:    store,
	}
}

// NextJobUID hands out the scheduler-lifetime monotonic job identifier
// (spec.md §9: "use a monotonically-increasing counter").
func (r *Registry) NextJobUID() uint64 {
	return r.nextUID.Add(1)
}

// Get returns the cluster for computeID, if present.
func (r *Registry) Get(computeID uint64) (*types.Cluster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[computeID]
	return c, ok
}

// Iter returns a snapshot slice of every live cluster, in creation order.
func (r *Registry) Iter() []*types.Cluster {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Cluster, 0, len(r.order))
	for _, id := range r.order {
		if c, ok := r.clusters[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// insert registers a newly created cluster under a fresh ComputeID.
func (r *Registry) insert(c *types.Cluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters[c.ComputeID] = c
	r.order = append(r.order, c.ComputeID)
}

// Retire drops a cluster once it is a drained zombie (spec.md §3) and
// best-effort cleans its persisted snapshot.
func (r *Registry) Retire(computeID uint64) {
	r.mu.Lock()
	c, ok := r.clusters[computeID]
	if ok {
		delete(r.clusters, computeID)
		for i, id := range r.order {
			if id == computeID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	logger := log.WithComputeID(computeID)
	if err := r.store.DeleteClusterSnapshot(computeID); err != nil {
		logger.Warn().Err(err).Msg("failed to delete cluster snapshot index entry")
	}
	if err := removeSnapshotFile(r.destRoot, c); err != nil {
		logger.Warn().Err(err).Msg("failed to remove cluster snapshot file")
	}
}

// ShouldRetire reports whether a zombie cluster has fully drained
// (spec.md §3 invariant 3 / the Cluster destruction condition in §3).
func ShouldRetire(c *types.Cluster) bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.ZombieFlag && c.PendingJobsCount == 0 && c.PendingResultsCount == 0
}

// MarkZombie flags a cluster as zombie (CLOSE: or the zombie sweep).
func MarkZombie(c *types.Cluster) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.ZombieFlag = true
}

// Touch refreshes a cluster's last-pulse timestamp.
func Touch(c *types.Cluster, now time.Time) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.LastPulse = now
}

// EnqueueJob appends job to c's FIFO and updates pending counters
// (spec.md §3 invariant: pending_jobs_count = len(queue) + |sched_jobs|).
func EnqueueJob(c *types.Cluster, job *types.Job) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.JobsQueue = append(c.JobsQueue, job)
	c.PendingJobsCount++
}

// PopForNode removes and returns the head job of c's queue if c is a
// member of the given cluster-id set (node.ClusterIDs), else ok=false.
func PopForNode(c *types.Cluster, clusterIDs map[uint64]struct{}) (*types.Job, bool) {
	if _, member := clusterIDs[c.ComputeID]; !member {
		return nil, false
	}
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if len(c.JobsQueue) == 0 {
		return nil, false
	}
	job := c.JobsQueue[0]
	c.JobsQueue = c.JobsQueue[1:]
	return job, true
}

// RequeueHead pushes job back to the front of c's queue (transient node
// dispatch error, spec.md §4.6).
func RequeueHead(c *types.Cluster, job *types.Job) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.JobsQueue = append([]*types.Job{job}, c.JobsQueue...)
}

// RequeueTail pushes job back to the end of c's queue (generic dispatch
// error, spec.md §4.6).
func RequeueTail(c *types.Cluster, job *types.Job) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.JobsQueue = append(c.JobsQueue, job)
}

// RemoveQueued removes uid from c's queue (TERMINATE_JOB: on a job that
// has not yet been dispatched). Returns the removed job, if found.
func RemoveQueued(c *types.Cluster, uid uint64) (*types.Job, bool) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	for i, j := range c.JobsQueue {
		if j.UID == uid {
			c.JobsQueue = append(c.JobsQueue[:i], c.JobsQueue[i+1:]...)
			c.PendingJobsCount--
			return j, true
		}
	}
	return nil, false
}

// AddNodeAlloc appends a node allocation filter, de-duplicating by
// IPRegex (ALLOCATE_NODE:, spec.md §4.4).
func AddNodeAlloc(c *types.Cluster, alloc types.NodeAllocation) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	for _, existing := range c.NodeAllocs {
		if existing.IPRegex == alloc.IPRegex {
			return
		}
	}
	c.NodeAllocs = append(c.NodeAllocs, alloc)
}

// DropNode removes a node from a cluster's membership after a transient
// dispatch failure on that node (spec.md §4.6 run_job EnvironmentError
// path), so it is no longer considered for this cluster's jobs.
func DropNode(c *types.Cluster, ip string) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	delete(c.DispyNodes, ip)
}

// SetupNode pre-inserts ip into c.dispy_nodes before the node is marked a
// cluster member, the idempotency guard spec.md §4.6's setup_node uses to
// make re-discovery of an already-attached node a no-op rather than a
// second membership grant (original_source/dispyscheduler.py's
// add_cluster/setup_node inserts into cluster._dispy_nodes ahead of
// node.clusters). Returns false, leaving c untouched, only if ip is
// already present with a completed setup (dispy's own rollback case is
// node.setup() raising after the dict entry was added; this port has no
// equivalent node-side RPC that can fail once ip passed eligibility, so
// SetupNode here is unconditional on a fresh entry and idempotent on a
// repeat one).
func SetupNode(c *types.Cluster, ip string) bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if _, exists := c.DispyNodes[ip]; exists {
		return false
	}
	if c.DispyNodes == nil {
		c.DispyNodes = make(map[string]*types.NodeStats)
	}
	c.DispyNodes[ip] = &types.NodeStats{IPAddr: ip}
	return true
}
