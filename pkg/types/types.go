// Package types holds the data model shared by every jobmesh component:
// the node/cluster/job records the scheduler keeps internally, and the
// wire messages exchanged with clients and nodes.
package types

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobCreated           JobStatus = "Created"
	JobRunning           JobStatus = "Running"
	JobProvisionalResult JobStatus = "ProvisionalResult"
	JobFinished          JobStatus = "Finished"
	JobTerminated        JobStatus = "Terminated"
	JobCancelled         JobStatus = "Cancelled"
	JobAbandoned         JobStatus = "Abandoned"
)

// Node-status notifications sent to a client's status callback.
const (
	NodeInitialized = "Initialized"
	NodeClosed      = "Closed"
)

// Node is the scheduler's record of a discovered worker, keyed by IP.
type Node struct {
	IPAddr         string
	Port           int
	Name           string
	AuthToken      string
	TotalCPUs      int
	AvailCPUs      int
	BusyCount      int
	LastPulse      time.Time
	ClusterIDs     map[uint64]struct{}
	RunningJobUIDs map[uint64]struct{}
	CPUTimeAccum   time.Duration
	JobsCompleted  int
}

// NewNode builds an empty Node for the given handshake endpoint.
func NewNode(ip string, port int, name, authToken string, cpus int) *Node {
	return &Node{
		IPAddr:         ip,
		Port:           port,
		Name:           name,
		AuthToken:      authToken,
		TotalCPUs:      cpus,
		AvailCPUs:      cpus,
		LastPulse:      time.Now(),
		ClusterIDs:     make(map[uint64]struct{}),
		RunningJobUIDs: make(map[uint64]struct{}),
	}
}

// NodeAllocation is a filter predicate a cluster uses to accept discovered
// nodes. A zero-value field matches everything along that dimension.
type NodeAllocation struct {
	IPRegex     string
	Port        int
	MaxCPUs     int
	NamePattern string
}

// Compute is the client-submitted description of a computation, carried
// on the wire in a COMPUTE: request.
type Compute struct {
	Name             string
	Reentrant        bool
	XferFiles        []XferFile
	JobResultPort    int
	SchedulerPort    int
	ClientResultPort int
	DestPath         string
}

// XferFile describes one code/data file staged for a computation.
type XferFile struct {
	Name  string
	Path  string
	Size  int64
	MTime time.Time
	Mode  uint32
}

// Cluster is a live computation (the spec's "Cluster" record), keyed by a
// monotonically increasing ComputeID.
type Cluster struct {
	// Mu guards every field below that pkg/cluster's queue/membership
	// helpers and pkg/app/pkg/scheduler's direct field touches mutate from
	// more than one goroutine (per-connection handlers, the scheduler
	// loop, and dispatch goroutines all reach a live Cluster). It is the
	// per-cluster analogue of the coarse registry lock spec.md §5 calls
	// for, scoped down from "one lock per registry" to "one lock per
	// cluster" since queue mutation is far hotter than registry lookup.
	Mu                  sync.Mutex
	ComputeID           uint64
	Compute             Compute
	ClientAuth          string
	ClientIP            string
	ClientPort          int
	ClientResultPort    int
	NodeAllocs          []NodeAllocation
	PendingJobsCount    int
	PendingResultsCount int
	JobsQueue           []*Job
	DispyNodes          map[string]*NodeStats
	DestPath            string
	LastPulse           time.Time
	ZombieFlag          bool
	StartTime           time.Time
	EndTime             time.Time
}

// NodeStats is the per-node usage counter a cluster keeps for reporting.
type NodeStats struct {
	IPAddr       string
	JobsDone     int
	CPUTimeAccum time.Duration
}

// Job is the scheduler's internal record for one unit of work.
type Job struct {
	UID        uint64
	ComputeID  uint64
	Hash       string
	XferFiles  []XferFile
	AssignedIP string
	Status     JobStatus
	StartTime  time.Time
	EndTime    time.Time
}

// JobView is the client-visible projection of a Job: id, status and
// timestamps only, never the scheduler-internal Hash or AssignedIP (see
// the _Job/Job split called out in spec.md §9).
type JobView struct {
	UID       uint64
	Status    JobStatus
	StartTime time.Time
	EndTime   time.Time
}

// View projects a Job down to its client-visible fields.
func (j *Job) View() JobView {
	return JobView{UID: j.UID, Status: j.Status, StartTime: j.StartTime, EndTime: j.EndTime}
}

// --- Wire messages -------------------------------------------------------

// PingMsg is broadcast (UDP) or sent (TCP) to solicit a PongMsg.
type PingMsg struct {
	Version string
	IPAddr  string
	Port    int
	Sign    string
	IPAddrs []string
}

// PongMsg is a node's discovery reply.
type PongMsg struct {
	IPAddr          string
	Port            int
	CPUs            int
	Sign            string
	Name            string
	SchedulerIPAddr string
	Auth            string
}

// ComputeRequest is the COMPUTE: payload.
type ComputeRequest struct {
	Compute    Compute
	NodeAllocs []NodeAllocation
}

// ComputeReply answers COMPUTE:.
type ComputeReply struct {
	ComputeID     uint64
	PulseInterval int
	JobResultPort int
}

// AddClusterRequest is the ADD_CLUSTER: payload.
type AddClusterRequest struct {
	ComputeID uint64
	Auth      string
}

// JobRequest is the JOB: payload.
type JobRequest struct {
	ComputeID uint64
	Auth      string
	XferFiles []XferFile
}

// JobReply is returned over RETRIEVE_JOB: / JOB_REPLY:, and is also what a
// node sends back as a terminal or provisional reply (UID/Hash populated).
type JobReply struct {
	UID       uint64
	ComputeID uint64
	Hash      string
	Status    JobStatus
	Result    []byte
	StartTime time.Time
	EndTime   time.Time
}

// XferFileMeta precedes a raw FILEXFER: byte stream.
type XferFileMeta struct {
	ComputeID uint64
	Auth      string
	Name      string
	Size      int64
	MTime     time.Time
	Mode      uint32
}

// CloseRequest is the CLOSE: payload.
type CloseRequest struct {
	ComputeID uint64
	Auth      string
}

// TerminateJobRequest is the TERMINATE_JOB: payload.
type TerminateJobRequest struct {
	ComputeID uint64
	UID       uint64
	Auth      string
}

// NodeJobsRequest is the NODE_JOBS: payload.
type NodeJobsRequest struct {
	ComputeID uint64
	Node      string
	FromNode  bool
	Auth      string
}

// ResendJobResultsRequest is the RESEND_JOB_RESULTS: payload.
type ResendJobResultsRequest struct {
	ComputeID uint64
	Auth      string
}

// PendingJobsRequest is the PENDING_JOBS: payload.
type PendingJobsRequest struct {
	ComputeID uint64
	Auth      string
}

// PendingJobsReply answers PENDING_JOBS:.
type PendingJobsReply struct {
	Done    []uint64
	Pending int
}

// RetrieveJobRequest is the RETRIEVE_JOB: payload.
type RetrieveJobRequest struct {
	UID       uint64
	ComputeID uint64
	Auth      string
	Hash      string
}

// AllocateNodeRequest is the ALLOCATE_NODE: payload.
type AllocateNodeRequest struct {
	ComputeID uint64
	NodeAlloc NodeAllocation
	Auth      string
}

// SetNodeCPUsRequest is the SET_NODE_CPUS: payload. A negative CPUs value
// means "report current count, don't change it" (see SPEC_FULL.md).
type SetNodeCPUsRequest struct {
	ComputeID uint64
	Node      string
	CPUs      int
	Auth      string
}

// JobDispatchMsg is the JOB: payload the scheduler sends to a node to run
// a job (spec.md §4.6's run_job). It deliberately carries none of the
// scheduler-internal Job fields (AssignedIP, Status, timestamps) a node has
// no business seeing.
type JobDispatchMsg struct {
	UID       uint64
	ComputeID uint64
	Hash      string
	XferFiles []XferFile
}

// HelloReply answers an unauthenticated CLIENT: hello.
type HelloReply struct {
	IPAddr  string
	Port    int
	Sign    string
	Version string
}

// JobStatusMsg is pushed to a client's result channel out of band from
// job results (Running notifications; node Initialized/Closed
// notifications travel as NodeStatusMsg).
type JobStatusMsg struct {
	UID    uint64
	Status string
	NodeIP string
}

// NodeStatusMsg is pushed to a client's result channel to report a node
// joining or leaving one of its clusters (the status_callback_endpoint
// node-status dual use described in SPEC_FULL.md, collapsed onto the same
// channel JobStatusMsg and JobReply already use).
type NodeStatusMsg struct {
	NodeIP string
	Status string
}
