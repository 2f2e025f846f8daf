// Package shard defines the data model shared by publishers and
// discoverers of shard announcements: the wire type itself, the DHT key
// layout that both sides must derive identically, the layer-partition
// math, and the replica scoring formula. The same package also holds the
// Publisher and Discoverer, which talk to the dht.Substrate interface,
// and the replica Table; none of it depends on the transport, and the
// dht.Memory fake lets all of it be unit tested without a network.
package shard

import (
	"encoding/json"
	"fmt"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/timecache"
)

// ID identifies a shard within a cluster; valid values are [0,total_shards).
type ID uint32

// KeyPrefix namespaces shard announcement keys in the DHT so they cannot
// collide with torrent records or any future record kind sharing the
// same substrate.
const KeyPrefix = "/swarm-in-progress/shard"

// Capabilities is the self-reported resource snapshot a node attaches to
// its announcement. All fields are advisory; nothing here is verified by
// the receiver.
type Capabilities struct {
	CPUCores        int     `json:"cpu_cores"`
	CPUUsage        float64 `json:"cpu_usage"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryAvailable uint64  `json:"memory_available"`
	GPUMemory       uint64  `json:"gpu_memory"`
	LatencyHint     float64 `json:"latency_hint"`
	Reputation      float64 `json:"reputation"`
	ShardLoaded     bool    `json:"shard_loaded"`
	ActiveRequests  int     `json:"active_requests"`
	MaxConcurrent   int     `json:"max_concurrent"`
}

// Announcement is the DHT record value published by a node for one of
// its shards. See Key for how the corresponding record key is derived.
type Announcement struct {
	PeerID          string   `json:"peer_id"`
	ListenAddresses []string `json:"listen_addresses"`

	ShardID     ID     `json:"shard_id"`
	TotalShards uint32 `json:"total_shards"`
	TotalLayers uint32 `json:"total_layers"`

	LayerStart uint32 `json:"layer_start"`
	LayerEnd   uint32 `json:"layer_end"`

	ModelName   string `json:"model_name"`
	ClusterName string `json:"cluster_name"`

	Capabilities Capabilities `json:"capabilities"`

	// AnnouncedAt is monotonic seconds since the Unix epoch, taken from
	// the timecache rather than time.Now so high-frequency re-announces
	// don't each pay a syscall.
	AnnouncedAt int64 `json:"announced_at"`

	// ReputationAt is when Capabilities.Reputation was last explicitly
	// set, either here at construction or by Table.Penalize/Insert
	// noticing the value actually changed. Unlike AnnouncedAt it does
	// not reset on every periodic re-announce, since Table.Replicas
	// decays reputation toward neutral relative to this timestamp, not
	// to AnnouncedAt.
	ReputationAt int64 `json:"reputation_at"`
}

// Encode serializes an Announcement to the JSON bytes stored as a DHT
// record value.
func Encode(a *Announcement) ([]byte, error) {
	return json.Marshal(a)
}

// Decode parses a DHT record value into an Announcement.
func Decode(b []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("shard: decode announcement: %w", err)
	}
	return &a, nil
}

// Key derives the DHT key a publisher and a querier must agree on for a
// given cluster and shard id. cluster MUST be the same configuration
// value on both sides; a mismatch here is, per design, the most common
// cause of a split cluster.
func Key(cluster string, id ID) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", KeyPrefix, cluster, id))
}

// Partition computes the contiguous, half-open layer range owned by
// shard id out of totalShards shards spread across totalLayers layers.
// Ranges are assigned front-loaded: every shard gets ceil(totalLayers/
// totalShards) layers except however many trailing shards are needed to
// absorb the remainder, which get one fewer. The union of Partition(id)
// over id in [0,totalShards) exactly covers [0,totalLayers) with no gaps
// or overlap, for any totalShards <= totalLayers.
func Partition(totalLayers, totalShards uint32, id ID) (layerStart, layerEnd uint32) {
	base := totalLayers / totalShards
	remainder := totalLayers % totalShards

	start := uint32(id)*base + min32(uint32(id), remainder)
	size := base
	if uint32(id) < remainder {
		size++
	}
	return start, start + size
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// ReputationTopic names the gossip channel a cluster's reputation
// feedback is broadcast on (§9 "Reputation feedback"): nodes publish
// the delta an UPDATE_REPUTATION call just applied locally, and
// anything tracking that cluster's replica table can apply it without
// waiting for the next periodic re-announce.
func ReputationTopic(clusterName string) string {
	return "swarm/reputation/" + clusterName
}

// ReputationUpdate is the payload gossiped on a cluster's
// ReputationTopic: the same delta an UPDATE_REPUTATION call just
// applied locally, so a subscriber can apply it to its own cached
// Table entry for (ShardID, PeerID) via Table.Penalize.
type ReputationUpdate struct {
	PeerID  string  `json:"peer_id"`
	ShardID uint32  `json:"shard_id"`
	Delta   float64 `json:"delta"`
}

// IsEntry reports whether id is the entry shard (owns embeddings).
func IsEntry(id ID) bool { return id == 0 }

// IsExit reports whether id is the exit shard (owns the output head).
func IsExit(id ID, totalShards uint32) bool { return uint32(id) == totalShards-1 }

// New builds an Announcement for the local node's own shard, stamping
// AnnouncedAt with the current cached time.
func New(peerID string, addrs []string, id ID, totalShards, totalLayers uint32, model, cluster string, caps Capabilities) *Announcement {
	start, end := Partition(totalLayers, totalShards, id)
	now := timecache.NowUnix()
	return &Announcement{
		PeerID:          peerID,
		ListenAddresses: addrs,
		ShardID:         id,
		TotalShards:     totalShards,
		TotalLayers:     totalLayers,
		LayerStart:      start,
		LayerEnd:        end,
		ModelName:       model,
		ClusterName:     cluster,
		Capabilities:    caps,
		AnnouncedAt:     now,
		ReputationAt:    now,
	}
}
