package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/node"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/observability"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

func main() {
	var configPath string
	var metricsAddr string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "shardnode",
		Short: "Swarm shard node",
		Long:  "Runs one shard of a distributed inference pipeline over a peer-to-peer DHT fabric",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(configPath, metricsAddr, debug))
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "/etc/swarm/shardnode.yaml", "path to the node's configuration file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}

// run returns the process exit code: 0 normal shutdown, 1 fatal
// startup error (bad config, cannot bind, unreadable shard dir).
func run(configPath, metricsAddr string, debug bool) int {
	log.SetDebug(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("shardnode: failed to load config", log.Err(err))
		return 1
	}

	n, err := node.New(cfg, node.Deps{})
	if err != nil {
		log.Error("shardnode: failed to construct node", log.Err(err))
		return 1
	}
	defer n.Stop()

	metrics := observability.NewMetricsServer(metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info("shardnode: shutdown signal received")
		cancel()
	}()

	go func() {
		if err := metrics.Run(ctx); err != nil && err != http.ErrServerClosed {
			log.Warn("shardnode: metrics server stopped", log.Err(err))
		}
	}()

	log.Info("shardnode: starting", log.Fields{
		"peer_id":      n.ID().String(),
		"cluster_name": cfg.ClusterName,
		"shard_id":     cfg.ShardID,
	})

	if err := n.Start(ctx); err != nil {
		log.Error("shardnode: fatal runtime error", log.Err(err))
		return 1
	}

	log.Info("shardnode: clean shutdown")
	return 0
}
