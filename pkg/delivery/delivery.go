// Package delivery implements result delivery and spooling (spec.md
// §4.7, C7): push a job reply to the client, falling back to an on-disk
// spool file when the client is unreachable, and draining that spool on
// reconnect or pulse tick. Grounded on pkg/storage's persistence
// convention for the spool index and the retry/backoff shape of
// pkg/reconciler/reconciler.go for the best-effort resend pass.
package delivery

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"crypto/tls"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/cluster"
	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/cuemby/jobmesh/pkg/wire"
)

// resendCap bounds a single best-effort resend pass (spec.md §4.7: "cap
// 64 files").
const resendCap = 64

// RetireFunc is called when a cluster becomes eligible for cleanup after
// a delivery event drains its last pending result.
type RetireFunc func(computeID uint64)

// Config carries delivery's network and spooling parameters.
type Config struct {
	MsgTimeout time.Duration
	ClientTLS  *tls.Config
}

// Service delivers job results and out-of-band status notifications to
// clients, spooling on failure.
type Service struct {
	cfg      Config
	clusters *cluster.Registry
	store    storage.Store
	retire   RetireFunc
	logger   zerolog.Logger
}

// New builds a delivery service.
func New(cfg Config, clusters *cluster.Registry, store storage.Store, retire RetireFunc) *Service {
	if cfg.MsgTimeout == 0 {
		cfg.MsgTimeout = 5 * time.Second
	}
	return &Service{cfg: cfg, clusters: clusters, store: store, retire: retire, logger: log.WithComponent("delivery")}
}

func (s *Service) dial(addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.MsgTimeout}
	if s.cfg.ClientTLS != nil {
		return tls.DialWithDialer(&d, "tcp", addr, s.cfg.ClientTLS)
	}
	return d.Dial("tcp", addr)
}

func spoolPath(c *types.Cluster, uid uint64) string {
	return filepath.Join(c.DestPath, fmt.Sprintf("_dispy_job_reply_%d", uid))
}

// DeliverReply implements send_job_result (spec.md §4.7). resending
// indicates this call is draining a previously spooled reply.
func (s *Service) DeliverReply(c *types.Cluster, reply types.JobReply, resending bool) error {
	addr := fmt.Sprintf("%s:%d", c.ClientIP, c.ClientResultPort)
	conn, dialErr := s.dial(addr)
	if dialErr != nil {
		return s.onDeliveryFailure(c, reply, resending, dialErr)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, "JOB_REPLY", reply); err != nil {
		return s.onDeliveryFailure(c, reply, resending, err)
	}
	env, err := wire.ReadFrame(conn)
	if err != nil || env.Cmd != "ACK" {
		return s.onDeliveryFailure(c, reply, resending, fmt.Errorf("client did not ACK reply: %w", err))
	}

	if reply.Status != types.JobProvisionalResult {
		if resending {
			_ = s.store.DeleteSpoolEntry(c.ComputeID, reply.UID)
			_ = os.Remove(spoolPath(c, reply.UID))
			c.Mu.Lock()
			if c.PendingResultsCount > 0 {
				c.PendingResultsCount--
			}
			c.Mu.Unlock()
		} else {
			c.Mu.Lock()
			pending := c.PendingResultsCount > 0
			c.Mu.Unlock()
			if pending {
				go s.ResendPending(c)
			}
		}
	}
	s.maybeRetire(c)
	return nil
}

// onDeliveryFailure spools the reply to disk unless this was already a
// resend attempt (spec.md §4.7: "Failure (and not resending)").
func (s *Service) onDeliveryFailure(c *types.Cluster, reply types.JobReply, resending bool, cause error) error {
	if resending {
		s.logger.Warn().Uint64("job_uid", reply.UID).Err(cause).Msg("resend attempt failed, leaving spooled")
		return cause
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply for spooling: %w", err)
	}
	path := spoolPath(c, reply.UID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to spool reply: %w", err)
	}
	if err := s.store.PutSpoolEntry(storage.SpoolEntry{ComputeID: c.ComputeID, UID: reply.UID, Path: path}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to index spooled reply")
	}
	c.Mu.Lock()
	c.PendingResultsCount++
	c.Mu.Unlock()
	s.maybeRetire(c)
	return fmt.Errorf("client unreachable, reply spooled: %w", cause)
}

// ResendPending drains up to resendCap spooled replies for c
// (spec.md §4.7/§4.8's opportunistic resend pass).
func (s *Service) ResendPending(c *types.Cluster) {
	entries, err := s.store.ListSpoolEntries(c.ComputeID)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("compute_id", c.ComputeID).Msg("failed to list spool entries")
		return
	}
	if len(entries) > resendCap {
		entries = entries[:resendCap]
	}
	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			continue
		}
		var reply types.JobReply
		if err := json.Unmarshal(data, &reply); err != nil {
			continue
		}
		_ = s.DeliverReply(c, reply, true)
	}
}

// PendingCount reports pending_jobs + pending_results (RESEND_JOB_RESULTS:
// spec.md §4.4).
func (s *Service) PendingCount(c *types.Cluster) int {
	return c.PendingJobsCount + c.PendingResultsCount
}

// DoneUIDs lists up to 50 spooled-result uids for PENDING_JOBS: (spec.md
// §4.4's "done: [uids <= 50 from spool dir]").
func (s *Service) DoneUIDs(c *types.Cluster) ([]uint64, error) {
	entries, err := s.store.ListSpoolEntries(c.ComputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spool entries: %w", err)
	}
	if len(entries) > 50 {
		entries = entries[:50]
	}
	uids := make([]uint64, len(entries))
	for i, e := range entries {
		uids[i] = e.UID
	}
	return uids, nil
}

func (s *Service) maybeRetire(c *types.Cluster) {
	if cluster.ShouldRetire(c) && s.retire != nil {
		s.retire(c.ComputeID)
	}
}

// SendJobStatus pushes an out-of-band JOB_STATUS notification to the
// client's result channel (spec.md §4.6's "on success ... send JOB_STATUS
// to the client"). The original scheduler multiplexes this onto the same
// (client_ip_addr, client_job_result_port) connection used for job
// results (dispyscheduler.py's send_job_status/send_node_status both dial
// that address directly, never a separately configured endpoint), so this
// reuses c.ClientIP/c.ClientResultPort rather than a dedicated callback field.
func (s *Service) SendJobStatus(c *types.Cluster, uid uint64, status types.JobStatus, nodeIP string) error {
	addr := fmt.Sprintf("%s:%d", c.ClientIP, c.ClientResultPort)
	conn, err := s.dial(addr)
	if err != nil {
		return fmt.Errorf("failed to dial client for job status: %w", err)
	}
	defer conn.Close()
	return wire.WriteFrame(conn, "JOB_STATUS", types.JobStatusMsg{UID: uid, Status: string(status), NodeIP: nodeIP})
}

// SendNodeStatus pushes an Initialized/Closed node-status notification to
// the client's result channel (SPEC_FULL.md's supplemented node-status
// notifications, same channel as SendJobStatus).
func (s *Service) SendNodeStatus(c *types.Cluster, nodeIP, status string) error {
	addr := fmt.Sprintf("%s:%d", c.ClientIP, c.ClientResultPort)
	conn, err := s.dial(addr)
	if err != nil {
		return fmt.Errorf("failed to dial client for node status: %w", err)
	}
	defer conn.Close()
	return wire.WriteFrame(conn, "NODE_STATUS", types.NodeStatusMsg{NodeIP: nodeIP, Status: status})
}
