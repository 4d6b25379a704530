// Package clientserver implements the client protocol server (spec.md
// §4.4, C4): the TLS/TCP listener clients use to create clusters, submit
// jobs, stage files, and manage in-flight computations. Grounded on the
// teacher's pkg/api/server.go listen/accept/TLS-config lifecycle and
// pkg/api/interceptor.go's check-before-dispatch shape, adapted from a
// gRPC service definition to the spec's own length-prefixed command
// protocol (spec.md §6).
package clientserver

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/security"
	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/cuemby/jobmesh/pkg/wire"
)

// authLen is the fixed length of a lowercase-hex SHA1 auth_code.
const authLen = 40

// Handler is the subset of scheduler behavior the client protocol needs.
// Implemented by pkg/app, kept narrow so this package depends only on
// pkg/types, never on pkg/scheduler or pkg/cluster directly.
type Handler interface {
	CreateCluster(req types.ComputeRequest, clientIP string, clientPort, clientResultPort int) (types.ComputeReply, error)
	AddCluster(req types.AddClusterRequest) error
	SubmitJob(req types.JobRequest) (uint64, error)
	StageFile(computeID uint64, auth string, meta types.XferFileMeta, body io.Reader) error
	CloseCluster(req types.CloseRequest) error
	TerminateJob(req types.TerminateJobRequest) error
	NodeJobs(req types.NodeJobsRequest) ([]uint64, error)
	ResendJobResults(req types.ResendJobResultsRequest) (int, error)
	PendingJobs(req types.PendingJobsRequest) (types.PendingJobsReply, error)
	RetrieveJob(req types.RetrieveJobRequest) (*types.JobReply, bool, error)
	AllocateNode(req types.AllocateNodeRequest) error
	SetNodeCPUs(req types.SetNodeCPUsRequest) (int, error)
}

// Config carries everything the server needs to authenticate and
// advertise itself.
type Config struct {
	ListenAddr    string
	TLS           *tls.Config
	ClusterSecret []byte
	Sign          string
	Version       string
}

// Server is the client-facing TCP/TLS listener.
type Server struct {
	cfg      Config
	handler  Handler
	authCode string
	logger   zerolog.Logger
	ln       net.Listener
}

// New builds a client protocol server. It does not start listening.
func New(cfg Config, handler Handler) *Server {
	return &Server{
		cfg:      cfg,
		handler:  handler,
		authCode: security.AuthCode(cfg.ClusterSecret, []byte(cfg.Sign)),
		logger:   log.WithComponent("clientserver"),
	}
}

// Serve binds cfg.ListenAddr and accepts connections until the listener
// is closed (via Close, typically from a shutdown goroutine).
func (s *Server) Serve() error {
	var ln net.Listener
	var err error
	if s.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("client server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remoteIP, remotePortStr, _ := net.SplitHostPort(conn.RemoteAddr().String())

	prefix, err := wire.ReadAuthPrefix(conn, authLen)
	if err != nil {
		return
	}

	if prefix != s.authCode {
		s.handleUnauthenticated(conn, remoteIP)
		return
	}

	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Str("node_ip", remoteIP).Msg("client connection closed")
			}
			return
		}
		if err := s.dispatch(conn, env, remoteIP, remotePortStr); err != nil {
			s.logger.Warn().Err(err).Str("cmd", env.Cmd).Msg("client command failed")
		}
	}
}

func (s *Server) handleUnauthenticated(conn net.Conn, remoteIP string) {
	env, err := wire.ReadFrame(conn)
	if err != nil || env.Cmd != "CLIENT" {
		return
	}
	port := 0
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	_ = wire.WriteFrame(conn, "HELLO", types.HelloReply{
		IPAddr:  remoteIP,
		Port:    port,
		Sign:    s.cfg.Sign,
		Version: s.cfg.Version,
	})
}

func (s *Server) dispatch(conn net.Conn, env wire.Envelope, remoteIP, remotePortStr string) error {
	switch env.Cmd {
	case "COMPUTE":
		var req types.ComputeRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		clientPort := atoiSafe(remotePortStr)
		reply, err := s.handler.CreateCluster(req, remoteIP, clientPort, req.Compute.ClientResultPort)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "COMPUTE_REPLY", reply)

	case "ADD_CLUSTER":
		var req types.AddClusterRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		err := s.handler.AddCluster(req)
		return replyOKOrErr(conn, req.ComputeID, err)

	case "JOB":
		var req types.JobRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		uid, err := s.handler.SubmitJob(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "UID", uid)

	case "FILEXFER":
		var meta types.XferFileMeta
		if err := env.Decode(&meta); err != nil {
			return err
		}
		limited := io.LimitReader(conn, meta.Size)
		err := s.handler.StageFile(meta.ComputeID, meta.Auth, meta, limited)
		if err != nil {
			return wire.WriteFrame(conn, "NAK", errPayload(err))
		}
		return wire.WriteFrame(conn, "ACK", nil)

	case "CLOSE":
		var req types.CloseRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return s.handler.CloseCluster(req)

	case "TERMINATE_JOB":
		var req types.TerminateJobRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return s.handler.TerminateJob(req)

	case "NODE_JOBS":
		var req types.NodeJobsRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		uids, err := s.handler.NodeJobs(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "UIDS", uids)

	case "RESEND_JOB_RESULTS":
		var req types.ResendJobResultsRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		count, err := s.handler.ResendJobResults(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "COUNT", count)

	case "PENDING_JOBS":
		var req types.PendingJobsRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		reply, err := s.handler.PendingJobs(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "PENDING_JOBS_REPLY", reply)

	case "RETRIEVE_JOB":
		var req types.RetrieveJobRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		reply, found, err := s.handler.RetrieveJob(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		if !found {
			return wire.WriteFrame(conn, "NONE", nil)
		}
		return wire.WriteFrame(conn, "JOB_REPLY", reply)

	case "ALLOCATE_NODE":
		var req types.AllocateNodeRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		err := s.handler.AllocateNode(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "RESULT", 0)

	case "SET_NODE_CPUS":
		var req types.SetNodeCPUsRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		cpus, err := s.handler.SetNodeCPUs(req)
		if err != nil {
			return wire.WriteFrame(conn, "ERROR", errPayload(err))
		}
		return wire.WriteFrame(conn, "CPUS", cpus)

	default:
		return fmt.Errorf("unknown client command %q", env.Cmd)
	}
}

func replyOKOrErr(conn net.Conn, computeID uint64, err error) error {
	if err != nil {
		return wire.WriteFrame(conn, "ERROR", errPayload(err))
	}
	return wire.WriteFrame(conn, "COMPUTE_ID", computeID)
}

func errPayload(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
