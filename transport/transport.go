// Package transport wraps the encrypted, multiplexed peer-to-peer
// transport every other component rides on: commands, piece requests,
// and the DHT substrate all open libp2p streams over the same Host.
// The wrapping keeps libp2p's API surface out of the rest of the
// codebase, the way the teacher keeps its own wire-protocol details
// confined to bittorrent/.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/peer"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// Protocol IDs for the logical protocols this system requires, each a
// distinct libp2p stream protocol multiplexed over one Host.
const (
	ProtocolCommand = "/swarm-in-progress/command/1.0.0"
	ProtocolPiece   = "/swarm-in-progress/piece/1.0.0"
	ProtocolPing    = "/swarm-in-progress/ping/1.0.0"
)

// DefaultKeepaliveInterval and DefaultKeepaliveTimeout are the defaults from §5;
// callers may override via Config.
const (
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
)

// Config configures a Host.
type Config struct {
	Identity          *peer.Identity
	ListenPort        int
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// Host wraps a libp2p host.Host with the keepalive loop and address
// book bookkeeping this system layers on top of it.
type Host struct {
	cfg  Config
	host libp2phost.Host

	books *peer.AddressBook

	stopKeepalive chan struct{}
}

// New constructs a libp2p Host listening on cfg.ListenPort using
// cfg.Identity's keypair, wires up a keepalive ping handler, and
// returns a Host ready to Connect to bootstrap peers.
func New(cfg Config) (*Host, error) {
	if cfg.Identity == nil {
		var err error
		cfg.Identity, err = peer.NewIdentity()
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)
	h, err := libp2p.New(
		libp2p.Identity(cfg.Identity.PrivateKey),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	host := &Host{
		cfg:           cfg,
		host:          h,
		books:         peer.NewAddressBook(),
		stopKeepalive: make(chan struct{}),
	}

	h.SetStreamHandler(ProtocolPing, host.handlePing)
	return host, nil
}

// ID returns this host's peer identity.
func (h *Host) ID() peer.ID { return peer.FromLibp2p(h.host.ID()) }

// ListenAddresses returns the multiaddrs this host is reachable at.
func (h *Host) ListenAddresses() []string {
	addrs := h.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), h.host.ID().String()))
	}
	return out
}

// Libp2pHost exposes the underlying libp2p host for packages (dht,
// content, protocol) that need to register their own stream handlers or
// hand the host to a library constructor (e.g. go-libp2p-kad-dht.New).
func (h *Host) Libp2pHost() libp2phost.Host { return h.host }

// Connect dials a peer given its multiaddr string (which must include a
// /p2p/<peer_id> suffix), and records it in the local address book.
func (h *Host) Connect(ctx context.Context, addr string) (peer.ID, error) {
	info, err := libp2ppeer.AddrInfoFromString(addr)
	if err != nil {
		return "", fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}
	if err := h.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("transport: connect %q: %w", addr, err)
	}
	id := peer.FromLibp2p(info.ID)
	h.books.Add(id, addr)
	return id, nil
}

// AddressBook returns the host's local address book.
func (h *Host) AddressBook() *peer.AddressBook { return h.books }

// RegisterStreamHandler exposes libp2p's per-protocol stream handler
// registration, used by the command and piece protocols to plug their
// own framing on top of this Host without transport needing to know
// anything about protocol/content's wire formats.
func (h *Host) RegisterStreamHandler(protocolID string, handler func(network.Stream)) {
	h.host.SetStreamHandler(protocol.ID(protocolID), handler)
}

// OpenStream dials id (which must already be known to the host, e.g.
// via Connect) and opens a new stream under protocolID.
func (h *Host) OpenStream(ctx context.Context, id peer.ID, protocolID string) (network.Stream, error) {
	libp2pID, err := id.Libp2p()
	if err != nil {
		return nil, err
	}
	s, err := h.host.NewStream(ctx, libp2pID, protocol.ID(protocolID))
	if err != nil {
		return nil, fmt.Errorf("transport: open stream %s to %s: %w", protocolID, id, err)
	}
	return s, nil
}

func (h *Host) handlePing(s network.Stream) {
	defer s.Close()
	buf := make([]byte, 1)
	_ = s.SetDeadline(time.Now().Add(h.cfg.KeepaliveTimeout))
	if _, err := s.Read(buf); err != nil {
		log.Debug("transport: ping read failed", log.Err(err))
		return
	}
	_, _ = s.Write([]byte{1})
}

// Ping sends a single keepalive byte to id and waits for the echo,
// bounded by the configured keepalive timeout.
func (h *Host) Ping(ctx context.Context, id peer.ID) error {
	libp2pID, err := id.Libp2p()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.KeepaliveTimeout)
	defer cancel()

	s, err := h.host.NewStream(ctx, libp2pID, ProtocolPing)
	if err != nil {
		return fmt.Errorf("transport: ping %s: %w", id, err)
	}
	defer s.Close()

	if _, err := s.Write([]byte{1}); err != nil {
		return err
	}
	reply := make([]byte, 1)
	_, err = s.Read(reply)
	return err
}

// KeepaliveLoop pings every peer in peers every KeepaliveInterval until
// ctx is canceled, logging (but not otherwise acting on) failures; a
// failed ping's connection-level consequences are handled by whichever
// component owns correlation cleanup for that peer (see protocol.CorrelationTable).
func (h *Host) KeepaliveLoop(ctx context.Context, peers func() []peer.ID) {
	t := time.NewTicker(h.cfg.KeepaliveInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopKeepalive:
			return
		case <-t.C:
			for _, id := range peers() {
				go func(id peer.ID) {
					if err := h.Ping(ctx, id); err != nil {
						log.Debug("transport: keepalive ping failed", log.Fields{"peer": id.String(), "error": err.Error()})
					}
				}(id)
			}
		}
	}
}

// Close shuts down the host and its keepalive loop.
func (h *Host) Close() error {
	close(h.stopKeepalive)
	return h.host.Close()
}
