// Package node implements the node runtime (§4.C7): it wires identity,
// transport, the DHT substrate, shard announcement, content seeding,
// and the command dispatcher into the single process that runs one
// model shard, and drives its startup sequence end to end.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/content"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/content/metastore"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/inference"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/observability"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/peer"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/stop"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/transport"
)

// Deps bundles the collaborators a Node needs beyond config.Config: its
// external inference engine (§4.C9, an opaque collaborator by design),
// and, for tests, a pre-generated identity and metastore path so
// several Nodes can run in one process without colliding on disk.
type Deps struct {
	Engine        inference.Engine
	Identity      *peer.Identity
	MetastorePath string                // defaults to "<shards_dir>/.metadata.db"
	Observability *observability.Logger // defaults to a fresh Logger
}

// Node is one process's share of the fabric: one identity, one
// transport host, one DHT substrate view, one shard, one registry of
// locally hosted files.
type Node struct {
	cfg      *config.Config
	identity *peer.Identity

	host      *transport.Host
	substrate dht.Substrate

	registry *content.Registry
	meta     *metastore.Store
	seeder   *content.Seeder

	publisher *shard.Publisher

	commands *protocol.Dispatcher
	pieces   *protocol.Dispatcher

	engine inference.Engine
	obs    *observability.Logger
	gossip *pubsub.Topic

	reputationMu sync.Mutex
	reputation   float64

	shardLoaded    int32 // atomic bool
	activeRequests int32
	sem            chan struct{}

	// stopGroup holds every external resource (substrate, transport,
	// metastore, observability) Stop must close; it runs them down
	// concurrently the same way middleware.Logic.Stop shuts down hooks.
	stopGroup *stop.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// closerStopFunc adapts an io.Closer-shaped Close method into a
// stop.Func, for resources that don't themselves implement stop.Stopper.
func closerStopFunc(close func() error) stop.Func {
	return func() <-chan error {
		ch := make(chan error, 1)
		go func() { ch <- close() }()
		return ch
	}
}

// New constructs a Node from a validated config.Config. It opens the
// transport and DHT substrate (so ListenAddresses/ID are available
// immediately) but does not yet dial, scan, or publish anything; call
// Start for that.
func New(cfg *config.Config, deps Deps) (*Node, error) {
	identity := deps.Identity
	if identity == nil {
		var err error
		identity, err = peer.NewIdentity()
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
	}

	host, err := transport.New(transport.Config{
		Identity:          identity,
		ListenPort:        cfg.ListenPort,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveTimeout:  transport.DefaultKeepaliveTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	substrate, err := dht.New(context.Background(), host.Libp2pHost())
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("node: %w", err)
	}

	metaPath := deps.MetastorePath
	if metaPath == "" {
		metaPath = filepath.Join(cfg.ShardsDir, ".metadata.db")
	}
	meta, err := metastore.Open(metaPath)
	if err != nil {
		substrate.Close()
		host.Close()
		return nil, fmt.Errorf("node: %w", err)
	}

	registry := content.NewRegistry(cfg.ShardsDir, cfg.PieceSize)
	seeder := content.NewSeeder(substrate, registry, host.ID().String())
	publisher := shard.NewPublisher(substrate)
	publisher.SetInterval(cfg.AnnounceInterval)

	engine := deps.Engine
	if engine == nil {
		engine = inference.Echo{}
	}
	obs := deps.Observability
	if obs == nil {
		obs = observability.NewLogger(observability.DefaultBufferSize)
	}

	stopGroup := stop.NewGroup()
	stopGroup.AddFunc(closerStopFunc(substrate.Close))
	stopGroup.AddFunc(closerStopFunc(host.Close))
	stopGroup.AddFunc(closerStopFunc(meta.Close))
	stopGroup.AddFunc(func() <-chan error {
		ch := make(chan error, 1)
		go func() { obs.Close(); ch <- nil }()
		return ch
	})

	n := &Node{
		cfg:        cfg,
		identity:   identity,
		host:       host,
		substrate:  substrate,
		registry:   registry,
		meta:       meta,
		seeder:     seeder,
		publisher:  publisher,
		commands:   protocol.NewDispatcher(),
		pieces:     protocol.NewDispatcher(),
		engine:     engine,
		obs:        obs,
		reputation: 1.0,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		stopGroup:  stopGroup,
	}
	n.registerHandlers()
	return n, nil
}

// ID returns this node's stable peer identifier.
func (n *Node) ID() peer.ID { return n.host.ID() }

// ListenAddresses returns the multiaddrs this node is reachable at.
func (n *Node) ListenAddresses() []string { return n.host.ListenAddresses() }

// Start runs the startup sequence (§4.C7 steps 1-7) and then blocks,
// serving commands and piece requests, until ctx is canceled.
func (n *Node) Start(parent context.Context) error {
	n.ctx, n.cancel = context.WithCancel(parent)
	defer n.cancel()

	// Step 1 (identity + listening transport) already happened in New.

	n.host.RegisterStreamHandler(transport.ProtocolCommand, n.handleCommandStream)
	n.host.RegisterStreamHandler(transport.ProtocolPiece, n.handlePieceStream)

	if err := n.joinReputationGossip(n.ctx); err != nil {
		log.Warn("node: reputation gossip unavailable", log.Err(err))
	}

	// Step 2: dial bootstrap peers; register addresses in the substrate.
	for _, addr := range n.cfg.BootstrapAddr {
		id, err := n.host.Connect(n.ctx, addr)
		if err != nil {
			log.Warn("node: failed to connect to bootstrap peer", log.Fields{"addr": addr, "error": err.Error()})
			n.obs.Connection(observability.ConnectionEvent{Protocol: "bootstrap", Direction: "outbound", Result: "failed", Error: err.Error()})
			continue
		}
		n.substrate.AddAddress(id, addr)
		n.obs.Connection(observability.ConnectionEvent{PeerID: id.String(), Protocol: "bootstrap", Direction: "outbound", Result: "established"})
	}
	for _, addr := range n.host.ListenAddresses() {
		n.substrate.AddAddress(n.host.ID(), addr)
	}

	// Step 3: scan shards directory, persist metadata, log seed status.
	if err := n.registry.Scan(); err != nil {
		return fmt.Errorf("node: shard directory scan failed: %w", err)
	}
	for _, f := range n.registry.ListFiles() {
		if m, ok := n.registry.Lookup(f.InfoHash); ok {
			if err := n.meta.Put(m); err != nil {
				log.Warn("node: failed to persist metadata", log.Fields{"info_hash": f.InfoHash.String(), "error": err.Error()})
			}
		}
	}
	n.seeder.LogShardSeedStatus(n.cfg.TotalShards)

	// Step 4: attempt to load the locally assigned shard, if present.
	n.tryLoadLocalShard()

	// Step 5: bootstrap the DHT; publish on first RoutingUpdated or a
	// 10s fallback (shard.Publisher and content.Seeder each apply that
	// rule independently against the same shared signal).
	if err := n.substrate.Bootstrap(n.ctx); err != nil {
		log.Warn("node: dht bootstrap failed", log.Err(err))
	}
	routingReady := dht.FirstRoutingUpdated(n.ctx, n.substrate)

	n.spawn(func(ctx context.Context) { n.publisher.Run(ctx, n.announcement(), routingReady) })
	n.spawn(func(ctx context.Context) { n.seeder.Run(ctx, routingReady) })
	n.spawn(func(ctx context.Context) {
		select {
		case <-routingReady:
		case <-time.After(shard.FirstAnnounceTimeout):
		case <-ctx.Done():
			return
		}
		n.seeder.PublishShardRecords(ctx, n.cfg.ClusterName, n.cfg.TotalShards)
	})

	// Step 6: periodic keepalive.
	n.spawn(func(ctx context.Context) {
		n.host.KeepaliveLoop(ctx, func() []peer.ID { return n.host.AddressBook().Peers() })
	})

	// Step 7: serving is already live via the stream handlers registered
	// above; just block until shutdown.
	<-n.ctx.Done()
	n.wg.Wait()
	return nil
}

// spawn runs f in its own goroutine bound to n.ctx, tracked by n.wg so
// Stop can wait for every background loop to actually exit.
func (n *Node) spawn(f func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f(n.ctx)
	}()
}

// Stop cancels the node's context, waits for its background loops to
// exit, then runs its stopGroup: the DHT substrate, the transport host,
// the metastore, and the observability logger all close concurrently.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	for _, err := range n.stopGroup.Stop() {
		log.Warn("node: shutdown component error", log.Err(err))
	}
}

func (n *Node) tryLoadLocalShard() {
	if _, ok := n.registry.ShardMetadata(n.cfg.ShardID); ok {
		atomic.StoreInt32(&n.shardLoaded, 1)
		log.Info("node: locally assigned shard file present, loaded", log.Fields{"shard_id": n.cfg.ShardID})
		return
	}
	log.Warn("node: locally assigned shard file not present at startup", log.Fields{"shard_id": n.cfg.ShardID})
}

func (n *Node) handleCommandStream(s network.Stream) {
	defer s.Close()
	peerID := s.Conn().RemotePeer().String()
	n.obs.Connection(observability.ConnectionEvent{PeerID: peerID, Protocol: "command", Direction: "inbound", Result: "established"})
	n.commands.Serve(n.ctx, s)
	n.obs.Connection(observability.ConnectionEvent{PeerID: peerID, Protocol: "command", Direction: "inbound", Result: "closed"})
}

func (n *Node) handlePieceStream(s network.Stream) {
	defer s.Close()
	peerID := s.Conn().RemotePeer().String()
	n.obs.Connection(observability.ConnectionEvent{PeerID: peerID, Protocol: "piece", Direction: "inbound", Result: "established"})
	n.pieces.Serve(n.ctx, s)
	n.obs.Connection(observability.ConnectionEvent{PeerID: peerID, Protocol: "piece", Direction: "inbound", Result: "closed"})
}
