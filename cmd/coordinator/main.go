// Command coordinator runs the discovery and pipeline-dispatch half of
// the fabric (§4.C6): it never hosts a shard itself, instead querying
// the DHT for every cluster replica and assembling dispatchable
// pipelines for whatever front end calls Coordinator.Submit. The
// HTTP/WebSocket front end itself is an external collaborator this
// binary does not implement (§1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/observability"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/peer"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline/strategies"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/stop"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/transport"
)

func main() {
	var configPath string
	var metricsAddr string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Swarm pipeline coordinator",
		Long:  "Discovers shard replicas over the DHT and assembles dispatchable inference pipelines",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(configPath, metricsAddr, debug))
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "/etc/swarm/coordinator.yaml", "path to the coordinator's configuration file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address to serve Prometheus metrics on")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}

func run(configPath, metricsAddr string, debug bool) int {
	log.SetDebug(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("coordinator: failed to load config", log.Err(err))
		return 1
	}

	strategy, err := buildStrategy(cfg.Strategy)
	if err != nil {
		log.Error("coordinator: failed to build strategy", log.Err(err))
		return 1
	}

	identity, err := peer.NewIdentity()
	if err != nil {
		log.Error("coordinator: failed to generate identity", log.Err(err))
		return 1
	}
	host, err := transport.New(transport.Config{Identity: identity, ListenPort: cfg.ListenPort})
	if err != nil {
		log.Error("coordinator: failed to open transport", log.Err(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	substrate, err := dht.New(ctx, host.Libp2pHost())
	if err != nil {
		log.Error("coordinator: failed to construct dht substrate", log.Err(err))
		return 1
	}

	for _, addr := range cfg.BootstrapAddr {
		if _, err := host.Connect(ctx, addr); err != nil {
			log.Warn("coordinator: failed to connect to bootstrap peer", log.Fields{"addr": addr, "error": err.Error()})
		}
	}
	if err := substrate.Bootstrap(ctx); err != nil {
		log.Warn("coordinator: dht bootstrap failed", log.Err(err))
	}

	obs := observability.NewLogger(observability.DefaultBufferSize)

	table := shard.NewTable(cfg.ClusterName, cfg.TotalShards)
	table.SetReputationHalfLife(int64(cfg.ReputationHalfLife.Seconds()))
	dialer := newCachingDialer(host, obs)
	co := pipeline.NewCoordinator(table, dialer.dial, strategy, cfg.TotalShards, pipeline.DefaultQueueDepth)

	discoverer := shard.NewDiscoverer(substrate, table, cfg.TotalShards)
	discoverer.OnMutate(co.OnAnnouncementMutation)

	if err := subscribeReputationGossip(ctx, host, cfg.ClusterName, table); err != nil {
		log.Warn("coordinator: reputation gossip unavailable", log.Err(err))
	}

	// One Group closes every external resource concurrently on shutdown,
	// the same pattern middleware.Logic.Stop uses to run down hooks.
	shutdownGroup := stop.NewGroup()
	shutdownGroup.AddFunc(func() <-chan error {
		ch := make(chan error, 1)
		go func() { ch <- substrate.Close() }()
		return ch
	})
	shutdownGroup.AddFunc(func() <-chan error {
		ch := make(chan error, 1)
		go func() { ch <- host.Close() }()
		return ch
	})
	shutdownGroup.AddFunc(func() <-chan error {
		ch := make(chan error, 1)
		go func() { ch <- table.Stop() }()
		return ch
	})
	shutdownGroup.AddFunc(func() <-chan error {
		ch := make(chan error, 1)
		go func() { obs.Close(); ch <- nil }()
		return ch
	})
	defer func() {
		for _, err := range shutdownGroup.Stop() {
			log.Warn("coordinator: shutdown component error", log.Err(err))
		}
	}()

	metrics := observability.NewMetricsServer(metricsAddr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info("coordinator: shutdown signal received")
		cancel()
	}()

	go func() {
		if err := metrics.Run(ctx); err != nil && err != http.ErrServerClosed {
			log.Warn("coordinator: metrics server stopped", log.Err(err))
		}
	}()

	log.Info("coordinator: starting", log.Fields{
		"peer_id":      host.ID().String(),
		"cluster_name": cfg.ClusterName,
		"strategy":     strategy.Name(),
	})

	discoverer.Run(ctx)

	log.Info("coordinator: clean shutdown")
	return 0
}

// buildStrategy remarshals the configured strategy's untyped yaml params
// into the concrete config type its registered driver expects, mirroring
// the teacher's ConfigFile.CreateStorage type-switch-by-name pattern.
func buildStrategy(plugin config.Plugin) (pipeline.Strategy, error) {
	raw, err := yaml.Marshal(plugin.Params)
	if err != nil {
		return nil, fmt.Errorf("coordinator: remarshal strategy params: %w", err)
	}

	var params interface{}
	switch plugin.Name {
	case strategies.FailFastName:
		params = nil
	case strategies.WaitAndRetryName:
		var c strategies.WaitAndRetryConfig
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("coordinator: invalid wait_and_retry config: %w", err)
		}
		params = c
	case strategies.DynamicLoadingName:
		var c strategies.DynamicLoadingConfig
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("coordinator: invalid dynamic_loading config: %w", err)
		}
		params = c
	case strategies.SingleNodeFallbackName:
		var c strategies.SingleNodeFallbackConfig
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("coordinator: invalid single_node_fallback config: %w", err)
		}
		params = c
	case strategies.AdaptiveName:
		var c strategies.AdaptiveConfig
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("coordinator: invalid adaptive config: %w", err)
		}
		params = c
	default:
		return nil, fmt.Errorf("coordinator: unrecognized strategy %q", plugin.Name)
	}

	return pipeline.Open(plugin.Name, params)
}

// subscribeReputationGossip joins a cluster's reputation gossip channel
// and applies every delta it receives to the matching replica in table,
// the subscriber side of node's publishReputationDelta (§9 "Reputation
// feedback"). Runs its receive loop in its own goroutine; a subscribe
// failure is non-fatal, the coordinator just falls back to learning
// updated scores from each replica's next periodic re-announce.
func subscribeReputationGossip(ctx context.Context, host *transport.Host, clusterName string, table *shard.Table) error {
	ps, err := pubsub.NewGossipSub(ctx, host.Libp2pHost())
	if err != nil {
		return err
	}
	topic, err := ps.Join(shard.ReputationTopic(clusterName))
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			var update shard.ReputationUpdate
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				continue
			}
			table.Penalize(shard.ID(update.ShardID), update.PeerID, update.Delta)
		}
	}()
	return nil
}

// cachingDialer is the Dialer implementation pipeline.Coordinator's own
// doc comment expects: one protocol.Client per peer id, reused across
// calls rather than reopened for every dispatch.
type cachingDialer struct {
	host *transport.Host
	obs  *observability.Logger

	mu      sync.Mutex
	clients map[string]*protocol.Client
}

func newCachingDialer(host *transport.Host, obs *observability.Logger) *cachingDialer {
	return &cachingDialer{host: host, obs: obs, clients: make(map[string]*protocol.Client)}
}

func (d *cachingDialer) dial(ctx context.Context, a *shard.Announcement) (*protocol.Client, error) {
	d.mu.Lock()
	if c, ok := d.clients[a.PeerID]; ok {
		select {
		case <-c.Closed():
			delete(d.clients, a.PeerID)
		default:
			d.mu.Unlock()
			return c, nil
		}
	}
	d.mu.Unlock()

	id := peer.ID(a.PeerID)
	if len(d.host.AddressBook().Addresses(id)) == 0 && len(a.ListenAddresses) > 0 {
		if _, err := d.host.Connect(ctx, a.ListenAddresses[0]); err != nil {
			d.obs.Connection(observability.ConnectionEvent{PeerID: a.PeerID, Direction: "outbound", Result: "failed", Error: err.Error()})
			return nil, fmt.Errorf("coordinator: connect to %s: %w", a.PeerID, err)
		}
		d.obs.Connection(observability.ConnectionEvent{PeerID: a.PeerID, Direction: "outbound", Result: "established"})
	}

	s, err := d.host.OpenStream(ctx, id, transport.ProtocolCommand)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open command stream to %s: %w", a.PeerID, err)
	}
	client := protocol.NewClient(s)

	d.mu.Lock()
	d.clients[a.PeerID] = client
	d.mu.Unlock()
	return client, nil
}
