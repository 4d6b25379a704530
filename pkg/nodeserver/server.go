// Package nodeserver implements the node protocol server (spec.md §4.5,
// C5): the TLS/TCP listener worker nodes use to deliver job replies,
// re-announce themselves, and upload result files back to a client.
// Grounded the same way as pkg/clientserver (pkg/api/server.go's
// listen/accept shape) plus pkg/worker/worker.go's TLS dial conventions
// for the outbound client-forwarding leg of FILEXFER:.
package nodeserver

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/discovery"
	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/cuemby/jobmesh/pkg/wire"
)

const authLen = 40

// Handler is the subset of scheduler/delivery behavior the node protocol
// needs, implemented by pkg/app.
type Handler interface {
	// JobReply processes a terminal or provisional reply from a node
	// (spec.md §4.5's reply-handling rules).
	JobReply(nodeIP string, reply types.JobReply) error
	// ClientResultAddr resolves where a node-initiated FILEXFER: upload
	// should be forwarded.
	ClientResultAddr(computeID uint64) (ip string, port int, ok bool)
	// NodeTerminated handles a node's graceful TERMINATED: shutdown
	// notice (equivalent to dead-node handling, spec.md §4.5).
	NodeTerminated(nodeIP string) error
}

// Config carries the listener and TLS material for outbound
// client-forwarding connections.
type Config struct {
	ListenAddr string
	TLS        *tls.Config
	// ClientTLS is used when dialing out to a client's result port for
	// FILEXFER: forwarding; nil means plain TCP.
	ClientTLS *tls.Config
}

// Server is the node-facing TCP/TLS listener.
type Server struct {
	cfg       Config
	nodes     *registry.Registry
	discovery *discovery.Service
	handler   Handler
	logger    zerolog.Logger
	ln        net.Listener
}

// New builds a node protocol server. It does not start listening.
func New(cfg Config, nodes *registry.Registry, disc *discovery.Service, handler Handler) *Server {
	return &Server{cfg: cfg, nodes: nodes, discovery: disc, handler: handler, logger: log.WithComponent("nodeserver")}
}

// Serve binds cfg.ListenAddr and accepts connections until Close is
// called.
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
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("node server listening")

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
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	prefix, err := wire.ReadAuthPrefix(conn, authLen)
	if err != nil {
		return
	}

	node, known := s.nodes.Lookup(remoteIP)
	if !known || node.AuthToken != prefix {
		s.logger.Warn().Str("node_ip", remoteIP).Msg("node connection failed auth, dropping")
		return
	}

	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Str("node_ip", remoteIP).Msg("node connection closed")
			}
			return
		}
		if err := s.dispatch(conn, env, remoteIP); err != nil {
			s.logger.Warn().Err(err).Str("cmd", env.Cmd).Str("node_ip", remoteIP).Msg("node command failed")
		}
	}
}

func (s *Server) dispatch(conn net.Conn, env wire.Envelope, remoteIP string) error {
	switch env.Cmd {
	case "JOB_REPLY":
		var reply types.JobReply
		if err := env.Decode(&reply); err != nil {
			return err
		}
		if err := wire.WriteFrame(conn, "ACK", nil); err != nil {
			return err
		}
		return s.handler.JobReply(remoteIP, reply)

	case "PONG":
		var pong types.PongMsg
		if err := env.Decode(&pong); err != nil {
			return err
		}
		_, _, _, err := s.discovery.Register(pong)
		return err

	case "PING":
		// Symmetrical discovery (spec.md §4.5): an already-registered
		// node re-announcing itself without a full dial-based handshake.
		var ping types.PingMsg
		if err := env.Decode(&ping); err != nil {
			return err
		}
		if ping.Version != discovery.Version {
			return fmt.Errorf("node %s: discovery version mismatch %q", remoteIP, ping.Version)
		}
		return nil

	case "FILEXFER":
		var meta types.XferFileMeta
		if err := env.Decode(&meta); err != nil {
			return err
		}
		return s.forwardFilexfer(conn, meta)

	case "TERMINATED":
		return s.handler.NodeTerminated(remoteIP)

	default:
		return fmt.Errorf("unknown node command %q", env.Cmd)
	}
}

// forwardFilexfer implements the node->client result-file relay: dial
// the client's result port, forward the FILEXFER: frame and stream bytes
// straight through, then relay the client's ACK/NAK back to the node.
func (s *Server) forwardFilexfer(nodeConn net.Conn, meta types.XferFileMeta) error {
	ip, port, ok := s.handler.ClientResultAddr(meta.ComputeID)
	if !ok {
		_ = wire.WriteFrame(nodeConn, "NAK", nil)
		return fmt.Errorf("no client result address for compute_id %d", meta.ComputeID)
	}

	addr := fmt.Sprintf("%s:%d", ip, port)
	var clientConn net.Conn
	var err error
	if s.cfg.ClientTLS != nil {
		clientConn, err = tls.Dial("tcp", addr, s.cfg.ClientTLS)
	} else {
		clientConn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		_ = wire.WriteFrame(nodeConn, "NAK", nil)
		return fmt.Errorf("failed to dial client result port %s: %w", addr, err)
	}
	defer clientConn.Close()

	if err := wire.WriteFrame(clientConn, "FILEXFER", meta); err != nil {
		_ = wire.WriteFrame(nodeConn, "NAK", nil)
		return err
	}
	if _, err := io.CopyN(clientConn, nodeConn, meta.Size); err != nil {
		_ = wire.WriteFrame(nodeConn, "NAK", nil)
		return fmt.Errorf("failed to relay file bytes: %w", err)
	}

	env, err := wire.ReadFrame(clientConn)
	if err != nil {
		_ = wire.WriteFrame(nodeConn, "NAK", nil)
		return err
	}
	return wire.WriteFrame(nodeConn, env.Cmd, nil)
}
