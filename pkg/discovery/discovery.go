// Package discovery implements node discovery and the PING/PONG handshake
// (spec.md §4.3, C3): UDP broadcast/unicast probes out, a TCP dial-based
// handshake to validate and register whatever answers. Grounded on the
// periodic-probe-loop shape of the teacher's pkg/worker/health_monitor.go
// and the heartbeat-staleness pattern of pkg/reconciler/reconciler.go,
// adapted to raw sockets since the wire format here is the spec itself
// rather than an RPC stub.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/security"
	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/cuemby/jobmesh/pkg/wire"
)

// Version is the discovery protocol version string exchanged in every
// PING. A mismatch causes the peer to be silently dropped (spec.md §4.3).
const Version = "jobmesh-1"

// authPlaceholderLen is len(auth_code) — a lowercase hex SHA1 digest is
// always 40 bytes. The scheduler is not yet known to a node it is
// probing, so the leading auth-prefix bytes are filler (spec.md §4.3).
const authPlaceholderLen = 40

// Config bundles the identity and secrets a discovery Service needs.
type Config struct {
	SchedulerPort int
	NodeSecret    []byte
	ExtIPAddrs    []string
	Sign          string
	MsgTimeout    time.Duration
}

// OnDiscovered is invoked (from a private goroutine) whenever a node
// handshake succeeds, successfully or as a rediscovery.
type OnDiscovered func(node *types.Node, wasNew bool, deadJobs []uint64)

// Service runs the discovery protocol against the node registry.
type Service struct {
	cfg     Config
	nodes   *registry.Registry
	onFound OnDiscovered
	logger  zerolog.Logger
}

// New builds a discovery Service bound to reg, invoking onFound after
// every successful (re)discovery.
func New(cfg Config, reg *registry.Registry, onFound OnDiscovered) *Service {
	if cfg.MsgTimeout == 0 {
		cfg.MsgTimeout = 5 * time.Second
	}
	return &Service{cfg: cfg, nodes: reg, onFound: onFound, logger: log.WithComponent("discovery")}
}

// ListenUDP runs the broadcast listener until ctx is done: nodes that
// spontaneously announce themselves over UDP are handed to Handshake.
func (s *Service) ListenUDP(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 64*1024)
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("udp read failed")
			continue
		}
		var env wire.Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			continue
		}
		if env.Cmd != "PING" {
			continue
		}
		var ping types.PingMsg
		if err := env.Decode(&ping); err != nil {
			continue
		}
		go s.handleInboundPing(ctx, ping, addr)
	}
}

func (s *Service) handleInboundPing(ctx context.Context, ping types.PingMsg, from *net.UDPAddr) {
	if ping.Version != Version {
		s.logger.Debug().Str("node_ip", from.IP.String()).Str("version", ping.Version).Msg("discovery: version mismatch, dropping ping")
		return
	}
	ip := ping.IPAddr
	if ip == "" {
		ip = from.IP.String()
	}
	port := ping.Port
	if _, _, err := s.Handshake(ctx, ip, port); err != nil {
		s.logger.Warn().Str("node_ip", ip).Err(err).Msg("discovery: handshake after inbound ping failed")
	}
}

// BroadcastPing sends one UDP PING datagram to the limited broadcast
// address 255.255.255.255 on port — used for node specs containing "*"
// (spec.md §4.3). Per-interface broadcast addresses are not used.
func (s *Service) BroadcastPing(port int) error {
	conn, err := net.Dial("udp4", fmt.Sprintf("255.255.255.255:%d", port))
	if err != nil {
		return fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	defer conn.Close()
	return s.sendPingDatagram(conn)
}

// UnicastPing sends a UDP PING directly to ip:port (non-"*" node specs).
func (s *Service) UnicastPing(ip string, port int) error {
	conn, err := net.Dial("udp4", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("failed to dial node udp: %w", err)
	}
	defer conn.Close()
	return s.sendPingDatagram(conn)
}

func (s *Service) sendPingDatagram(conn net.Conn) error {
	env := wire.Envelope{Cmd: "PING"}
	payload, err := json.Marshal(types.PingMsg{
		Version: Version,
		Port:    s.cfg.SchedulerPort,
		Sign:    s.cfg.Sign,
		IPAddrs: s.cfg.ExtIPAddrs,
	})
	if err != nil {
		return err
	}
	env.Payload = payload
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// Handshake dials ip:port over TCP, completes the PING/PONG exchange, and
// on success registers the node (spec.md §4.3). It is the shared path
// used both by the UDP listener above and by pkg/app's pulse check;
// pkg/nodeserver registers node-initiated PONG: messages through Register
// instead.
func (s *Service) Handshake(ctx context.Context, ip string, port int) (*types.Node, bool, error) {
	dialer := net.Dialer{Timeout: s.cfg.MsgTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, false, fmt.Errorf("failed to dial node: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.MsgTimeout))

	if err := wire.WriteAuthPrefix(conn, strings.Repeat("x", authPlaceholderLen)); err != nil {
		return nil, false, fmt.Errorf("failed to write auth placeholder: %w", err)
	}
	if err := wire.WriteFrame(conn, "PING", types.PingMsg{
		Version: Version,
		Port:    s.cfg.SchedulerPort,
		Sign:    s.cfg.Sign,
		IPAddrs: s.cfg.ExtIPAddrs,
	}); err != nil {
		return nil, false, fmt.Errorf("failed to send ping: %w", err)
	}

	env, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read pong: %w", err)
	}
	if env.Cmd != "PONG" {
		return nil, false, fmt.Errorf("expected PONG, got %s", env.Cmd)
	}
	var pong types.PongMsg
	if err := env.Decode(&pong); err != nil {
		return nil, false, fmt.Errorf("failed to decode pong: %w", err)
	}

	node, wasNew, deadJobs, err := s.Register(pong)
	if err != nil {
		return nil, false, err
	}
	if s.onFound != nil {
		s.onFound(node, wasNew, deadJobs)
	}
	return node, wasNew, nil
}

// Register validates a PONG's auth and upserts the announcing node into
// the registry. Exported so pkg/nodeserver can register a node that
// connected to the scheduler on its own initiative rather than in
// response to a dialed Handshake.
func (s *Service) Register(pong types.PongMsg) (*types.Node, bool, []uint64, error) {
	expected := security.AuthCode(s.cfg.NodeSecret, []byte(pong.Sign))
	if pong.Auth != expected {
		return nil, false, nil, fmt.Errorf("pong auth mismatch for node %s:%d", pong.IPAddr, pong.Port)
	}
	candidate := types.NewNode(pong.IPAddr, pong.Port, pong.Name, expected, pong.CPUs)
	node, wasNew, deadJobs := s.nodes.Upsert(candidate)
	s.logger.Info().Str("node_ip", node.IPAddr).Bool("new", wasNew).Int("cpus", node.TotalCPUs).Msg("node discovered")
	return node, wasNew, deadJobs, nil
}
