package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/cuemby/jobmesh/pkg/wire"
)

// Dialer delivers a job to a node (spec.md §4.6's run_job). Implementations
// must return a *DialError for connection-establishment failures so the
// scheduler can apply the EnvironmentError-class recovery path (drop node,
// requeue head) instead of the generic one (requeue tail).
type Dialer interface {
	Dispatch(ctx context.Context, node *types.Node, job *types.Job) error
}

// DialError wraps a connection-establishment failure — the Go analogue of
// the source's EnvironmentError-class dispatch failure (spec.md §4.6),
// which removes the node from the cluster's eligible set rather than
// merely requeuing the job at the tail.
type DialError struct{ Err error }

func (e *DialError) Error() string { return fmt.Sprintf("dial node failed: %v", e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// NetDialer is the real Dialer: it opens a TCP/TLS connection to the node's
// advertised endpoint, writes the node's auth token as an unframed prefix
// (pre-authenticated per node, spec.md §4.5), and sends a framed JOB
// message. Grounded on pkg/worker/worker.go's connectWithMTLS dial
// convention.
type NetDialer struct {
	TLS        *tls.Config
	MsgTimeout time.Duration
}

func (d *NetDialer) timeout() time.Duration {
	if d.MsgTimeout <= 0 {
		return 5 * time.Second
	}
	return d.MsgTimeout
}

func (d *NetDialer) Dispatch(ctx context.Context, node *types.Node, job *types.Job) error {
	addr := fmt.Sprintf("%s:%d", node.IPAddr, node.Port)
	dialer := net.Dialer{Timeout: d.timeout()}

	var conn net.Conn
	var err error
	if d.TLS != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, d.TLS)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return &DialError{Err: err}
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(d.timeout()))

	if err := wire.WriteAuthPrefix(conn, node.AuthToken); err != nil {
		return fmt.Errorf("failed to write auth prefix to node %s: %w", node.IPAddr, err)
	}
	msg := types.JobDispatchMsg{UID: job.UID, ComputeID: job.ComputeID, Hash: job.Hash, XferFiles: job.XferFiles}
	if err := wire.WriteFrame(conn, "JOB", msg); err != nil {
		return fmt.Errorf("failed to send job %d to node %s: %w", job.UID, node.IPAddr, err)
	}
	return nil
}
