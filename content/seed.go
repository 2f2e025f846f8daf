package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

// TorrentRecord is the DHT record value published for a seeded file,
// keyed by its info_hash bytes (§3).
type TorrentRecord struct {
	InfoHash     InfoHash `json:"info_hash"`
	Filename     string   `json:"filename"`
	Size         int64    `json:"size"`
	SeederPeerID string   `json:"seeder_peer_id"`
}

// Seeder publishes a TorrentRecord for every file in a Registry on the
// first RoutingUpdated event (or after shard.FirstAnnounceTimeout if that
// event never comes), mirroring shard.Publisher's publish-path
// timing so both kinds of record appear in the DHT at the same point in
// a node's startup sequence.
type Seeder struct {
	substrate dht.Substrate
	registry  *Registry
	peerID    string
}

// NewSeeder constructs a Seeder for registry's files, published under
// peerID as the seeder_peer_id.
func NewSeeder(substrate dht.Substrate, registry *Registry, peerID string) *Seeder {
	return &Seeder{substrate: substrate, registry: registry, peerID: peerID}
}

// Run publishes a torrent record for every currently-registered file
// once routingReady closes (or immediately, if it is already closed) or
// shard.FirstAnnounceTimeout elapses, whichever comes first, then
// returns. It does not loop: torrent records, unlike shard
// announcements, are published once and live as long as the file is
// hosted (§3); a node that starts seeding a new file later should call
// PublishOne directly instead of waiting for another Run.
func (s *Seeder) Run(ctx context.Context, routingReady <-chan struct{}) {
	select {
	case <-routingReady:
	case <-time.After(shard.FirstAnnounceTimeout):
	case <-ctx.Done():
		return
	}

	for _, f := range s.registry.ListFiles() {
		s.PublishOne(ctx, f.InfoHash)
	}
}

// ShardKey derives the DHT key a shard's torrent record is published
// under, scoped to a cluster. A node that needs to LOAD_SHARD a shard it
// doesn't hold a file for yet doesn't know that shard's info_hash (it
// never read the file, so it never computed one); ShardKey lets it find
// a seeder without already knowing it.
func ShardKey(cluster string, shardID uint32) []byte {
	return []byte(fmt.Sprintf("/swarm-in-progress/shard-file/%s/%d", cluster, shardID))
}

// PublishShardRecords publishes, in addition to whatever Run already
// published under each file's info_hash, one record per locally present
// shard file under its cluster-scoped ShardKey.
func (s *Seeder) PublishShardRecords(ctx context.Context, cluster string, totalShards uint32) {
	for id, present := range s.registry.ShardsPresent(totalShards) {
		if !present {
			continue
		}
		m, ok := s.registry.ShardMetadata(id)
		if !ok {
			continue
		}

		rec := TorrentRecord{InfoHash: m.InfoHash, Filename: m.Filename, Size: m.TotalSize, SeederPeerID: s.peerID}
		encoded, err := json.Marshal(rec)
		if err != nil {
			log.Error("content: failed to encode shard torrent record", log.Err(err))
			continue
		}
		if err := s.substrate.PutRecord(ctx, ShardKey(cluster, id), encoded); err != nil {
			log.Warn("content: failed to publish shard torrent record", log.Fields{"shard_id": id, "error": err.Error()})
			continue
		}
		log.Info("content: published shard torrent record", log.Fields{"shard_id": id, "filename": m.Filename})
	}
}

// LogShardSeedStatus logs, for every shard id in [0,totalShards), whether
// this node has a local file for it -- the explicit shard-0..shard-(N-1)
// seeding verification §4.C4 requires.
func (s *Seeder) LogShardSeedStatus(totalShards uint32) {
	for id, present := range s.registry.ShardsPresent(totalShards) {
		if present {
			log.Info("content: shard file present", log.Fields{"shard_id": id})
		} else {
			log.Warn("content: shard file missing", log.Fields{"shard_id": id})
		}
	}
}

// PublishOne publishes a torrent record for a single already-registered
// file.
func (s *Seeder) PublishOne(ctx context.Context, h InfoHash) {
	m, ok := s.registry.Lookup(h)
	if !ok {
		return
	}

	rec := TorrentRecord{InfoHash: h, Filename: m.Filename, Size: m.TotalSize, SeederPeerID: s.peerID}
	encoded, err := json.Marshal(rec)
	if err != nil {
		log.Error("content: failed to encode torrent record", log.Err(err))
		return
	}

	if err := s.substrate.PutRecord(ctx, h[:], encoded); err != nil {
		log.Warn("content: failed to publish torrent record", log.Fields{"info_hash": h.String(), "error": err.Error()})
		return
	}
	log.Info("content: published torrent record", log.Fields{"filename": m.Filename, "info_hash": h.String()})
}

// DecodeTorrentRecord parses a DHT record value published by PublishOne.
func DecodeTorrentRecord(b []byte) (*TorrentRecord, error) {
	var rec TorrentRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("content: decode torrent record: %w", err)
	}
	return &rec, nil
}
