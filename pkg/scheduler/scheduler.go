// Package scheduler implements the scheduling loop (spec.md §4.6, C6): the
// single goroutine that matches queued jobs to eligible nodes, dispatches
// them, and reacts to dispatch failures and node deaths. Grounded on the
// teacher's pkg/scheduler/scheduler.go tick-and-reconcile loop shape (a
// single goroutine woken on demand rather than a hard-coded ticker doing
// all the work), adapted from service/replica placement across a raft-
// backed manager to dispy-style FIFO job/node matching against the
// in-process registries.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/cluster"
	"github.com/cuemby/jobmesh/pkg/delivery"
	"github.com/cuemby/jobmesh/pkg/events"
	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/metrics"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/types"
)

// Config carries the scheduler's tunables.
type Config struct {
	Placement    Placement
	Dialer       Dialer
	MsgTimeout   time.Duration
	TickInterval time.Duration // fallback poll period, belt-and-braces over Wake
	BackoffBase  time.Duration // base delay once a job has failed more than once in a row
	MaxBackoff   time.Duration
}

func (c *Config) setDefaults() {
	if c.Placement == nil {
		c.Placement = LoadBalance
	}
	if c.MsgTimeout <= 0 {
		c.MsgTimeout = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &NetDialer{MsgTimeout: c.MsgTimeout}
	}
}

// schedEntry is the scheduler's own record of a dispatched job — the
// sched_jobs table of spec.md §3, kept here rather than on the Job itself
// since it is the scheduler, not the cluster, that owns it.
type schedEntry struct {
	job     *types.Job
	cluster *types.Cluster
	node    *types.Node
}

// Scheduler is the run_job loop: it owns no state of its own beyond
// sched_jobs bookkeeping, deferring node/cluster data to the registries it
// is handed.
type Scheduler struct {
	cfg      Config
	nodes    *registry.Registry
	clusters *cluster.Registry
	delivery *delivery.Service
	broker   *events.Broker
	logger   zerolog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	schedJobs map[uint64]*schedEntry
	failCount map[uint64]int
}

// New builds a Scheduler. Call Start to run its loop.
func New(nodes *registry.Registry, clusters *cluster.Registry, deliverySvc *delivery.Service, broker *events.Broker, cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:       cfg,
		nodes:     nodes,
		clusters:  clusters,
		delivery:  deliverySvc,
		broker:    broker,
		logger:    log.WithComponent("scheduler"),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		schedJobs: make(map[uint64]*schedEntry),
		failCount: make(map[uint64]int),
	}
}

// Start launches the scheduler's goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Shutdown stops the loop, waits for it to exit, then terminates every
// in-flight and queued job with a Terminated reply and zombifies every
// cluster (spec.md §5/§8's testable property: after shutdown returns,
// sched_jobs is empty and every queued job has received a Terminated
// reply, delivered or spooled).
func (s *Scheduler) Shutdown() {
	close(s.stopCh)
	<-s.doneCh
	s.terminateAll()
}

func (s *Scheduler) terminateAll() {
	s.mu.Lock()
	entries := make([]*schedEntry, 0, len(s.schedJobs))
	for _, e := range s.schedJobs {
		entries = append(entries, e)
	}
	s.schedJobs = make(map[uint64]*schedEntry)
	s.failCount = make(map[uint64]int)
	s.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		e.job.Status = types.JobTerminated
		e.job.EndTime = now
		reply := types.JobReply{UID: e.job.UID, ComputeID: e.cluster.ComputeID, Hash: e.job.Hash, Status: types.JobTerminated, EndTime: now}
		if err := s.delivery.DeliverReply(e.cluster, reply, false); err != nil {
			s.logger.Warn().Uint64("job_uid", e.job.UID).Err(err).Msg("failed to deliver terminated reply on shutdown")
		}
	}

	for _, c := range s.clusters.Iter() {
		for {
			job, ok := cluster.PopForNode(c, map[uint64]struct{}{c.ComputeID: {}})
			if !ok {
				break
			}
			job.Status = types.JobTerminated
			job.EndTime = now
			c.Mu.Lock()
			if c.PendingJobsCount > 0 {
				c.PendingJobsCount--
			}
			c.Mu.Unlock()
			reply := types.JobReply{UID: job.UID, ComputeID: c.ComputeID, Hash: job.Hash, Status: types.JobTerminated, EndTime: now}
			if err := s.delivery.DeliverReply(c, reply, false); err != nil {
				s.logger.Warn().Uint64("job_uid", job.UID).Err(err).Msg("failed to deliver terminated reply on shutdown")
			}
		}
		cluster.MarkZombie(c)
	}
}

// Wake requests a rescan of the node/cluster state at the next
// opportunity. Safe to call from any goroutine; never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
		s.tryMatch()
	}
}

// tryMatch repeatedly applies the placement policy until no eligible
// (node, job) pair remains (spec.md §4.6: schedule "while a match
// exists").
func (s *Scheduler) tryMatch() {
	for {
		nodes := s.nodes.Iter()
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].IPAddr < nodes[j].IPAddr })
		clusters := s.clusters.Iter()

		node := s.cfg.Placement(nodes, clusters)
		if node == nil {
			return
		}

		var job *types.Job
		var picked *types.Cluster
		for _, c := range clusters {
			if j, ok := cluster.PopForNode(c, node.ClusterIDs); ok {
				job, picked = j, c
				break
			}
		}
		if job == nil {
			// Placement found the node eligible but another goroutine's
			// concurrent Assign already consumed the match; stop this pass.
			return
		}

		s.nodes.Assign(node, job.UID)
		job.AssignedIP = node.IPAddr
		job.Status = types.JobRunning
		job.StartTime = time.Now()

		s.mu.Lock()
		s.schedJobs[job.UID] = &schedEntry{job: job, cluster: picked, node: node}
		s.mu.Unlock()

		metrics.JobsRunningTotal.Inc()
		s.publish(events.EventJobDispatched, job.UID, picked.ComputeID, node.IPAddr)

		go s.dispatchAsync(node, picked, job)
	}
}

func (s *Scheduler) dispatchAsync(node *types.Node, c *types.Cluster, job *types.Job) {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MsgTimeout)
	defer cancel()

	err := s.cfg.Dialer.Dispatch(ctx, node, job)
	timer.ObserveDuration(metrics.DispatchLatency)
	if err == nil {
		s.onDispatchSuccess(node, c, job)
		return
	}

	var dialErr *DialError
	if errors.As(err, &dialErr) {
		s.onTransientFailure(node, c, job, err)
		return
	}
	s.onOtherFailure(node, c, job, err)
}

func (s *Scheduler) onDispatchSuccess(node *types.Node, c *types.Cluster, job *types.Job) {
	s.mu.Lock()
	delete(s.failCount, job.UID)
	s.mu.Unlock()
	s.logger.Debug().Uint64("job_uid", job.UID).Str("node_ip", job.AssignedIP).Msg("job dispatched")
	if s.delivery != nil {
		if err := s.delivery.SendJobStatus(c, job.UID, types.JobRunning, node.IPAddr); err != nil {
			s.logger.Warn().Uint64("job_uid", job.UID).Err(err).Msg("failed to send job status")
		}
	}
}

// onTransientFailure handles a connection-establishment failure: the node
// is dropped from the cluster's eligible set entirely (it may be
// unreachable, not merely busy) and the job is requeued at the head so it
// is retried before anything else (spec.md §4.6).
func (s *Scheduler) onTransientFailure(node *types.Node, c *types.Cluster, job *types.Job, cause error) {
	s.clearSchedEntry(job.UID)
	s.nodes.Unassign(node, job.UID)
	s.nodes.RemoveClusterMember(node, c.ComputeID)
	cluster.DropNode(c, node.IPAddr)

	job.Status = types.JobCreated
	job.AssignedIP = ""
	cluster.RequeueHead(c, job)

	metrics.DispatchFailuresTotal.WithLabelValues("transient").Inc()
	s.logger.Warn().Uint64("job_uid", job.UID).Str("node_ip", node.IPAddr).Err(cause).
		Msg("transient dispatch failure, node dropped from cluster")
	s.publish(events.EventJobQueued, job.UID, c.ComputeID, node.IPAddr)
	s.Wake()
}

// onOtherFailure handles a post-connect dispatch failure: the node stays
// eligible, the job is requeued at the tail, and a short exponential
// backoff is applied once this job has failed more than once in a row so
// a persistently broken job cannot spin the loop (spec.md §9 Open
// Question: run_job cascading failures).
func (s *Scheduler) onOtherFailure(node *types.Node, c *types.Cluster, job *types.Job, cause error) {
	s.clearSchedEntry(job.UID)
	s.nodes.Unassign(node, job.UID)

	job.Status = types.JobCreated
	job.AssignedIP = ""
	cluster.RequeueTail(c, job)

	metrics.DispatchFailuresTotal.WithLabelValues("other").Inc()
	s.logger.Warn().Uint64("job_uid", job.UID).Str("node_ip", node.IPAddr).Err(cause).
		Msg("dispatch failure, job requeued")
	s.publish(events.EventJobQueued, job.UID, c.ComputeID, node.IPAddr)

	s.mu.Lock()
	s.failCount[job.UID]++
	n := s.failCount[job.UID]
	s.mu.Unlock()

	if n <= 1 {
		s.Wake()
		return
	}
	backoff := s.cfg.BackoffBase * time.Duration(uint64(1)<<uint(n-1))
	if backoff > s.cfg.MaxBackoff {
		backoff = s.cfg.MaxBackoff
	}
	time.AfterFunc(backoff, s.Wake)
}

func (s *Scheduler) clearSchedEntry(uid uint64) {
	s.mu.Lock()
	delete(s.schedJobs, uid)
	s.mu.Unlock()
}

// Lookup returns the in-flight sched_jobs entry for uid, used by pkg/app
// to resolve a JOB_REPLY to its job/cluster/node.
func (s *Scheduler) Lookup(uid uint64) (job *types.Job, c *types.Cluster, node *types.Node, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedJobs[uid]
	if !ok {
		return nil, nil, nil, false
	}
	return e.job, e.cluster, e.node, true
}

// Complete releases a finished (or terminated/cancelled) job's node slot
// and drops its sched_jobs entry. cpuTime is the reported runtime, folded
// into the node's cpu_time_accum for the fast_node placement policy.
func (s *Scheduler) Complete(uid uint64, cpuTime time.Duration) {
	s.mu.Lock()
	e, ok := s.schedJobs[uid]
	if ok {
		delete(s.schedJobs, uid)
		delete(s.failCount, uid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.nodes.Release(e.node, uid, cpuTime)
	s.Wake()
}

// Reschedule handles a node death (pulse timeout or connection reset):
// every job that was running on it is either requeued with a rotated hash
// (reentrant clusters) or delivered to the client as Abandoned (spec.md
// §4.1/§4.6).
func (s *Scheduler) Reschedule(deadUIDs []uint64) {
	for _, uid := range deadUIDs {
		s.mu.Lock()
		e, ok := s.schedJobs[uid]
		if ok {
			delete(s.schedJobs, uid)
			delete(s.failCount, uid)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		job, c := e.job, e.cluster
		if c.Compute.Reentrant {
			job.Hash = uuid.NewString()
			job.Status = types.JobCreated
			job.AssignedIP = ""
			cluster.RequeueTail(c, job)
			metrics.JobsRescheduledTotal.Inc()
			s.publish(events.EventJobRescheduled, job.UID, c.ComputeID, e.node.IPAddr)
			continue
		}

		job.Status = types.JobAbandoned
		job.EndTime = time.Now()
		c.Mu.Lock()
		if c.PendingJobsCount > 0 {
			c.PendingJobsCount--
		}
		c.Mu.Unlock()
		metrics.JobsAbandonedTotal.Inc()
		s.publish(events.EventJobAbandoned, job.UID, c.ComputeID, e.node.IPAddr)

		reply := types.JobReply{UID: job.UID, ComputeID: c.ComputeID, Hash: job.Hash, Status: types.JobAbandoned, EndTime: job.EndTime}
		if err := s.delivery.DeliverReply(c, reply, false); err != nil {
			s.logger.Warn().Uint64("job_uid", job.UID).Err(err).Msg("failed to deliver abandoned job reply")
		}
	}
	s.Wake()
}

func (s *Scheduler) publish(t events.EventType, uid, computeID uint64, nodeIP string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    t,
		Message: "job event",
		Metadata: map[string]string{
			"job_uid":    uintToStr(uid),
			"compute_id": uintToStr(computeID),
			"node_ip":    nodeIP,
		},
	})
}

func uintToStr(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
