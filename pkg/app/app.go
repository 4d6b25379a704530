package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/cluster"
	"github.com/cuemby/jobmesh/pkg/delivery"
	"github.com/cuemby/jobmesh/pkg/discovery"
	"github.com/cuemby/jobmesh/pkg/events"
	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/metrics"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/scheduler"
	"github.com/cuemby/jobmesh/pkg/security"
	"github.com/cuemby/jobmesh/pkg/staging"
	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/types"
)

// Config carries the identity and timing parameters App needs, distilled
// from pkg/config.Config by cmd/jobmeshd at startup.
type Config struct {
	ClusterSecret  []byte
	NodeSecret     []byte
	Sign           string
	NodePort       int
	SchedulerPort  int
	Nodes          []string
	MaxFileSize    int64
	MsgTimeout     time.Duration
	PulseInterval  time.Duration
	PingInterval   time.Duration
	ZombieInterval time.Duration
}

// App implements clientserver.Handler, nodeserver.Handler and
// timer.Sweeper by composing the narrower C1-C9 components (spec.md §5):
// it holds no protocol-framing or socket code of its own.
type App struct {
	cfg       Config
	authCode  string
	nodes     *registry.Registry
	clusters  *cluster.Registry
	discovery *discovery.Service
	scheduler *scheduler.Scheduler
	delivery  *delivery.Service
	store     storage.Store
	broker    *events.Broker
	logger    zerolog.Logger
}

// New builds an App with its discovery, scheduler and delivery components
// left unset: discovery.New wants App.OnNodeDiscovered and delivery.New
// wants App.RetireCluster, and scheduler.New wants that delivery.Service,
// so the caller (cmd/jobmeshd) must build App first and attach the other
// three afterwards with SetDiscovery/SetDelivery/SetScheduler.
func New(cfg Config, nodes *registry.Registry, clusters *cluster.Registry, store storage.Store, broker *events.Broker) *App {
	return &App{
		cfg:      cfg,
		authCode: security.AuthCode(cfg.ClusterSecret, []byte(cfg.Sign)),
		nodes:    nodes,
		clusters: clusters,
		store:    store,
		broker:   broker,
		logger:   log.WithComponent("app"),
	}
}

// SetDiscovery completes App's construction once discovery.New has been
// called with App.OnNodeDiscovered as its callback.
func (a *App) SetDiscovery(disc *discovery.Service) { a.discovery = disc }

// SetDelivery completes App's construction once delivery.New has been
// called with App.RetireCluster as its RetireFunc.
func (a *App) SetDelivery(d *delivery.Service) { a.delivery = d }

// SetScheduler completes App's construction once scheduler.New has been
// called with the delivery.Service SetDelivery attached.
func (a *App) SetScheduler(s *scheduler.Scheduler) { a.scheduler = s }

// AuthCode is the scheduler-wide client auth code, shared by the
// connection-level check in pkg/clientserver and every per-cluster
// request's Auth field validated here (DESIGN.md's resolution of how
// spec.md §3's opaque client_auth is derived: one code per scheduler
// process, not one per cluster).
func (a *App) AuthCode() string { return a.authCode }

func (a *App) checkAuth(c *types.Cluster, auth string) error {
	if auth != c.ClientAuth {
		return fmt.Errorf("auth mismatch for compute_id %d", c.ComputeID)
	}
	return nil
}

// attachEligibleNodes associates every already-discovered node matching
// c's node_allocs with c, so the scheduler's placement loop considers
// them immediately (spec.md §4.2/§4.4).
func (a *App) attachEligibleNodes(c *types.Cluster) {
	for _, n := range a.nodes.Iter() {
		if eligibleForCluster(n, c) {
			cluster.SetupNode(c, n.IPAddr)
			a.nodes.SetClusterMember(n, c.ComputeID)
		}
	}
}

// OnNodeDiscovered is discovery's OnDiscovered callback: it reschedules
// jobs orphaned by a node restart and attaches the node to every
// currently-eligible cluster. Bind it when constructing the
// discovery.Service that SetDiscovery will later attach to this App.
func (a *App) OnNodeDiscovered(node *types.Node, wasNew bool, deadJobs []uint64) {
	metrics.NodesTotal.Set(float64(len(a.nodes.Iter())))
	if wasNew {
		a.broker.Publish(&events.Event{Type: events.EventNodeDiscovered, Metadata: map[string]string{"node_ip": node.IPAddr}})
	} else {
		a.broker.Publish(&events.Event{Type: events.EventNodeRediscover, Metadata: map[string]string{"node_ip": node.IPAddr}})
	}
	for _, c := range a.clusters.Iter() {
		if c.ZombieFlag {
			continue
		}
		if eligibleForCluster(node, c) {
			// setup_node ordering (spec.md §4.6): pre-insert into
			// dispy_nodes as the idempotency guard before granting
			// membership, so a rediscovery never double-attaches.
			cluster.SetupNode(c, node.IPAddr)
			a.nodes.SetClusterMember(node, c.ComputeID)
			if wasNew {
				if err := a.delivery.SendNodeStatus(c, node.IPAddr, types.NodeInitialized); err != nil {
					a.logger.Warn().Str("node_ip", node.IPAddr).Err(err).Msg("failed to send node status")
				}
			}
		}
	}
	if len(deadJobs) > 0 {
		a.scheduler.Reschedule(deadJobs)
	}
	a.scheduler.Wake()
}

// --- clientserver.Handler -------------------------------------------------

func (a *App) CreateCluster(req types.ComputeRequest, clientIP string, clientPort, clientResultPort int) (types.ComputeReply, error) {
	c, err := a.clusters.Create(cluster.CreateParams{
		Compute:                req.Compute,
		NodeAllocs:             req.NodeAllocs,
		ClientAuth:             a.authCode,
		ClientIP:               clientIP,
		ClientPort:             clientPort,
		ClientResultPort:       clientResultPort,
		SchedulerJobResultPort: a.cfg.NodePort,
		SchedulerPort:          a.cfg.SchedulerPort,
	})
	if err != nil {
		return types.ComputeReply{}, err
	}
	cluster.Touch(c, time.Now())
	a.attachEligibleNodes(c)
	a.broker.Publish(&events.Event{Type: events.EventClusterCreated, Metadata: map[string]string{"compute_id": fmt.Sprint(c.ComputeID)}})
	a.scheduler.Wake()
	return types.ComputeReply{
		ComputeID:     c.ComputeID,
		PulseInterval: int(a.cfg.PulseInterval / time.Second),
		JobResultPort: a.cfg.NodePort,
	}, nil
}

func (a *App) AddCluster(req types.AddClusterRequest) error {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return err
	}
	cluster.Touch(c, time.Now())
	return nil
}

func (a *App) SubmitJob(req types.JobRequest) (uint64, error) {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return 0, fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return 0, err
	}
	if c.ZombieFlag {
		return 0, fmt.Errorf("compute_id %d is closing, no new jobs accepted", req.ComputeID)
	}
	job := &types.Job{
		UID:       a.clusters.NextJobUID(),
		ComputeID: c.ComputeID,
		Hash:      uuid.NewString(),
		XferFiles: req.XferFiles,
		Status:    types.JobCreated,
	}
	cluster.EnqueueJob(c, job)
	cluster.Touch(c, time.Now())
	metrics.JobsQueuedTotal.Inc()
	a.broker.Publish(&events.Event{Type: events.EventJobQueued, Metadata: map[string]string{"job_uid": fmt.Sprint(job.UID)}})
	a.scheduler.Wake()
	return job.UID, nil
}

func (a *App) StageFile(computeID uint64, auth string, meta types.XferFileMeta, body io.Reader) error {
	c, ok := a.clusters.Get(computeID)
	if !ok {
		return fmt.Errorf("unknown compute_id %d", computeID)
	}
	if err := a.checkAuth(c, auth); err != nil {
		return err
	}
	_, _, err := staging.Stage(c.DestPath, meta.Name, meta.Size, meta.MTime, os.FileMode(meta.Mode), body, a.cfg.MaxFileSize)
	return err
}

func (a *App) CloseCluster(req types.CloseRequest) error {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return err
	}
	cluster.MarkZombie(c)
	a.broker.Publish(&events.Event{Type: events.EventClusterZombie, Metadata: map[string]string{"compute_id": fmt.Sprint(c.ComputeID)}})
	if cluster.ShouldRetire(c) {
		a.RetireCluster(c.ComputeID)
	}
	return nil
}

// RetireCluster drops a drained zombie cluster. It is also handed to
// delivery.New as the RetireFunc, since DeliverReply can discover a
// cluster has fully drained mid-delivery; the Get check below keeps a
// second call (from an App handler noticing the same drain) a no-op.
func (a *App) RetireCluster(computeID uint64) {
	if _, ok := a.clusters.Get(computeID); !ok {
		return
	}
	a.clusters.Retire(computeID)
	a.broker.Publish(&events.Event{Type: events.EventClusterRetired, Metadata: map[string]string{"compute_id": fmt.Sprint(computeID)}})
}

func (a *App) TerminateJob(req types.TerminateJobRequest) error {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return err
	}

	if job, ok := cluster.RemoveQueued(c, req.UID); ok {
		job.Status = types.JobCancelled
		job.EndTime = time.Now()
		metrics.JobsCancelledTotal.Inc()
		a.broker.Publish(&events.Event{Type: events.EventJobCancelled, Metadata: map[string]string{"job_uid": fmt.Sprint(job.UID)}})
		reply := types.JobReply{UID: job.UID, ComputeID: c.ComputeID, Hash: job.Hash, Status: types.JobCancelled, EndTime: job.EndTime}
		if cluster.ShouldRetire(c) {
			a.RetireCluster(c.ComputeID)
		}
		if err := a.delivery.DeliverReply(c, reply, false); err != nil {
			a.logger.Warn().Uint64("job_uid", job.UID).Err(err).Msg("cancelled reply not delivered")
		}
		return nil
	}

	if _, cl, _, ok := a.scheduler.Lookup(req.UID); ok && cl.ComputeID == req.ComputeID {
		return fmt.Errorf("job %d is already running, cannot be cancelled mid-flight", req.UID)
	}
	return fmt.Errorf("job %d not found in compute_id %d", req.UID, req.ComputeID)
}

func (a *App) NodeJobs(req types.NodeJobsRequest) ([]uint64, error) {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return nil, fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return nil, err
	}
	node, ok := a.nodes.Lookup(req.Node)
	if !ok {
		return nil, fmt.Errorf("unknown node %s", req.Node)
	}
	uids := make([]uint64, 0, len(node.RunningJobUIDs))
	for uid := range node.RunningJobUIDs {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (a *App) ResendJobResults(req types.ResendJobResultsRequest) (int, error) {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return 0, fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return 0, err
	}
	count := a.delivery.PendingCount(c)
	a.delivery.ResendPending(c)
	return count, nil
}

func (a *App) PendingJobs(req types.PendingJobsRequest) (types.PendingJobsReply, error) {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return types.PendingJobsReply{}, fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return types.PendingJobsReply{}, err
	}
	done, err := a.delivery.DoneUIDs(c)
	if err != nil {
		return types.PendingJobsReply{}, err
	}
	return types.PendingJobsReply{Done: done, Pending: c.PendingJobsCount}, nil
}

func (a *App) RetrieveJob(req types.RetrieveJobRequest) (*types.JobReply, bool, error) {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return nil, false, fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return nil, false, err
	}
	return a.retrieveSpooledReply(c, req.UID, req.Hash)
}

func (a *App) retrieveSpooledReply(c *types.Cluster, uid uint64, hash string) (*types.JobReply, bool, error) {
	entries, err := a.store.ListSpoolEntries(c.ComputeID)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if e.UID != uid {
			continue
		}
		data, err := os.ReadFile(e.Path)
		if err != nil {
			return nil, false, err
		}
		var reply types.JobReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, false, err
		}
		if hash != "" && reply.Hash != hash {
			continue
		}
		return &reply, true, nil
	}
	return nil, false, nil
}

func (a *App) AllocateNode(req types.AllocateNodeRequest) error {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return err
	}
	cluster.AddNodeAlloc(c, req.NodeAlloc)
	for _, n := range a.nodes.Iter() {
		if matchesAlloc(n, req.NodeAlloc) {
			cluster.SetupNode(c, n.IPAddr)
			a.nodes.SetClusterMember(n, c.ComputeID)
		}
	}
	a.scheduler.Wake()
	return nil
}

func (a *App) SetNodeCPUs(req types.SetNodeCPUsRequest) (int, error) {
	c, ok := a.clusters.Get(req.ComputeID)
	if !ok {
		return 0, fmt.Errorf("unknown compute_id %d", req.ComputeID)
	}
	if err := a.checkAuth(c, req.Auth); err != nil {
		return 0, err
	}
	node, ok := a.nodes.Lookup(req.Node)
	if !ok {
		return 0, fmt.Errorf("unknown node %s", req.Node)
	}
	if req.CPUs >= 0 {
		a.nodes.SetCPUCap(node, req.CPUs)
		a.scheduler.Wake()
	}
	return node.TotalCPUs, nil
}

// --- nodeserver.Handler ----------------------------------------------------

func (a *App) JobReply(nodeIP string, reply types.JobReply) error {
	job, c, node, ok := a.scheduler.Lookup(reply.UID)
	if !ok {
		a.logger.Debug().Uint64("job_uid", reply.UID).Str("node_ip", nodeIP).Msg("reply for unknown/already-completed job, dropping")
		return nil
	}

	if reply.Status == types.JobProvisionalResult {
		return a.delivery.DeliverReply(c, reply, false)
	}

	cpuTime := reply.EndTime.Sub(reply.StartTime)
	if cpuTime < 0 {
		cpuTime = 0
	}
	a.scheduler.Complete(reply.UID, cpuTime)

	job.Status = reply.Status
	job.EndTime = reply.EndTime
	c.Mu.Lock()
	if c.PendingJobsCount > 0 {
		c.PendingJobsCount--
	}
	// setup_node (spec.md §4.6) already pre-inserts node.IPAddr into
	// DispyNodes before a job can be dispatched to it; the nil/missing
	// branches cover a node whose entry cluster.DropNode removed after a
	// transient dispatch failure while this job was still running there.
	if stats, ok := c.DispyNodes[node.IPAddr]; ok {
		stats.JobsDone++
		stats.CPUTimeAccum += cpuTime
	} else {
		if c.DispyNodes == nil {
			c.DispyNodes = make(map[string]*types.NodeStats)
		}
		c.DispyNodes[node.IPAddr] = &types.NodeStats{IPAddr: node.IPAddr, JobsDone: 1, CPUTimeAccum: cpuTime}
	}
	c.Mu.Unlock()

	switch reply.Status {
	case types.JobFinished:
		metrics.JobsFinishedTotal.Inc()
	case types.JobTerminated:
		metrics.JobsCancelledTotal.Inc()
	}
	a.broker.Publish(&events.Event{Type: events.EventJobFinished, Metadata: map[string]string{"job_uid": fmt.Sprint(reply.UID)}})

	if err := a.delivery.DeliverReply(c, reply, false); err != nil {
		a.logger.Warn().Uint64("job_uid", reply.UID).Err(err).Msg("job reply not delivered")
	}
	if cluster.ShouldRetire(c) {
		a.RetireCluster(c.ComputeID)
	}
	a.scheduler.Wake()
	return nil
}

func (a *App) ClientResultAddr(computeID uint64) (string, int, bool) {
	c, ok := a.clusters.Get(computeID)
	if !ok {
		return "", 0, false
	}
	return c.ClientIP, c.ClientResultPort, true
}

func (a *App) NodeTerminated(nodeIP string) error {
	return a.declareDead(nodeIP)
}

func (a *App) declareDead(nodeIP string) error {
	node, ok := a.nodes.MarkDead(nodeIP)
	if !ok {
		return nil
	}
	metrics.NodesDeadTotal.Inc()
	metrics.NodesTotal.Set(float64(len(a.nodes.Iter())))
	a.broker.Publish(&events.Event{Type: events.EventNodeDied, Metadata: map[string]string{"node_ip": nodeIP}})

	for computeID := range node.ClusterIDs {
		if c, ok := a.clusters.Get(computeID); ok {
			if err := a.delivery.SendNodeStatus(c, nodeIP, types.NodeClosed); err != nil {
				a.logger.Warn().Str("node_ip", nodeIP).Err(err).Msg("failed to send node status")
			}
		}
	}

	uids := make([]uint64, 0, len(node.RunningJobUIDs))
	for uid := range node.RunningJobUIDs {
		uids = append(uids, uid)
	}
	a.scheduler.Reschedule(uids)
	return nil
}

// --- timer.Sweeper -----------------------------------------------------

// pulseStaleMultiplier sets how far behind a busy node's last pulse can fall
// before it is verified with a fresh handshake: five missed pulses
// (spec.md §4.8's `now - last_pulse > 5 * pulse_interval`, matching
// original_source/dispyscheduler.py:347's `pulse_timeout = 5.0 *
// self.pulse_interval`).
const pulseStaleMultiplier = 5

func (a *App) PulseCheck(now time.Time) {
	maxAge := a.cfg.PulseInterval * pulseStaleMultiplier
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	for _, n := range a.nodes.StalePulses(now, maxAge) {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.MsgTimeout)
		_, _, err := a.discovery.Handshake(ctx, n.IPAddr, n.Port)
		cancel()
		if err != nil {
			a.logger.Warn().Str("node_ip", n.IPAddr).Err(err).Msg("pulse check failed, declaring node dead")
			_ = a.declareDead(n.IPAddr)
		}
	}
	for _, c := range a.clusters.Iter() {
		c.Mu.Lock()
		resend := !c.ZombieFlag && c.PendingResultsCount > 0
		c.Mu.Unlock()
		if resend {
			go a.delivery.ResendPending(c)
		}
	}
}

func (a *App) PingSweep(time.Time) {
	if len(a.cfg.Nodes) == 0 {
		if err := a.discovery.BroadcastPing(a.cfg.SchedulerPort); err != nil {
			a.logger.Warn().Err(err).Msg("broadcast ping failed")
		}
		return
	}
	for _, spec := range a.cfg.Nodes {
		if strings.Contains(spec, "*") {
			if err := a.discovery.BroadcastPing(a.cfg.SchedulerPort); err != nil {
				a.logger.Warn().Err(err).Msg("broadcast ping failed")
			}
			continue
		}
		if err := a.discovery.UnicastPing(spec, a.cfg.SchedulerPort); err != nil {
			a.logger.Warn().Str("node", spec).Err(err).Msg("unicast ping failed")
		}
	}
}

func (a *App) ZombieSweep(now time.Time) {
	for _, c := range a.clusters.Iter() {
		if !c.ZombieFlag && now.Sub(c.LastPulse) > a.cfg.ZombieInterval {
			cluster.MarkZombie(c)
			a.broker.Publish(&events.Event{Type: events.EventClusterZombie, Metadata: map[string]string{"compute_id": fmt.Sprint(c.ComputeID)}})
		}
		if c.ZombieFlag && cluster.ShouldRetire(c) {
			a.RetireCluster(c.ComputeID)
		}
	}
}
