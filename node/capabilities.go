package node

import (
	"runtime"
	"sync/atomic"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

// capabilitiesSnapshot builds this node's self-reported Capabilities
// (§3) at the moment it is called. CPU/memory figures come from the Go
// runtime's own view of the process, not the host: a per-host sampler
// (e.g. reading /proc) is a legitimate enrichment an operator's engine
// integration can supply, but nothing in the retrieval pack offers a
// cross-platform host-stats library this module can reach for instead.
func (n *Node) capabilitiesSnapshot() shard.Capabilities {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	n.reputationMu.Lock()
	reputation := n.reputation
	n.reputationMu.Unlock()

	return shard.Capabilities{
		CPUCores:        runtime.NumCPU(),
		MemoryTotal:     mem.Sys,
		MemoryAvailable: memAvailable(mem),
		Reputation:      reputation,
		ShardLoaded:     atomic.LoadInt32(&n.shardLoaded) == 1,
		ActiveRequests:  int(atomic.LoadInt32(&n.activeRequests)),
		MaxConcurrent:   n.cfg.MaxConcurrent,
	}
}

func memAvailable(mem runtime.MemStats) uint64 {
	if mem.Sys <= mem.HeapInuse {
		return 0
	}
	return mem.Sys - mem.HeapInuse
}

// announcement builds this node's current ShardAnnouncement from its
// configuration and live capabilities.
func (n *Node) announcement() *shard.Announcement {
	id := shard.ID(n.cfg.ShardID)
	return shard.New(
		n.host.ID().String(),
		n.host.ListenAddresses(),
		id,
		n.cfg.TotalShards,
		n.cfg.TotalLayers,
		n.cfg.ModelName,
		n.cfg.ClusterName,
		n.capabilitiesSnapshot(),
	)
}

// republish pushes a fresh announcement immediately, e.g. after
// shard_loaded flips true or a reputation update changes the node's
// self-reported score.
func (n *Node) republish() {
	n.publisher.Republish(n.announcement())
}
