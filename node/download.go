package node

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/content"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/peer"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/transport"
)

// handleLoadShard implements LOAD_SHARD (line 158 of the source
// specification): if the requested shard's file is already present
// locally it is a no-op beyond reporting shard_loaded; otherwise it
// locates a seeder via the DHT, downloads and verifies every piece,
// and writes the assembled file before reporting success.
func (n *Node) handleLoadShard(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	shardID, ok := asInt(req.Params["shard_id"])
	if !ok {
		return nil, errors.New(errors.InvalidParams, "shard_id must be a number")
	}

	if _, ok := n.registry.ShardMetadata(uint32(shardID)); ok {
		atomic.StoreInt32(&n.shardLoaded, 1)
		return map[string]interface{}{"shard_loaded": true, "shard_id": shardID}, nil
	}

	if err := n.loadRemoteShard(ctx, uint32(shardID)); err != nil {
		return nil, err
	}

	atomic.StoreInt32(&n.shardLoaded, 1)
	n.republish()
	return map[string]interface{}{"shard_loaded": true, "shard_id": shardID}, nil
}

// loadRemoteShard finds a replica already seeding shardID (by querying
// both the shard announcement -- for its addresses -- and the shard's
// torrent record -- for its info_hash/filename/size), then downloads
// and verifies every piece of that file via REQUEST_PIECE before
// registering it locally.
func (n *Node) loadRemoteShard(ctx context.Context, shardID uint32) error {
	seederAddr, seederID, err := n.findShardSeeder(ctx, shardID)
	if err != nil {
		return err
	}

	if _, err := n.host.Connect(ctx, seederAddr); err != nil {
		return errors.New(errors.Unavailable, fmt.Sprintf("connect to seeder %s: %v", seederID, err))
	}

	client, err := n.dialPiece(ctx, seederID)
	if err != nil {
		return errors.New(errors.Unavailable, err.Error())
	}

	rec, err := n.fetchShardRecord(ctx, shardID)
	if err != nil {
		return err
	}

	metaResp, err := client.Call(ctx, &protocol.Request{
		Command:   protocol.GetFileMetadata,
		RequestID: "req-meta-" + uuid.NewString(),
		From:      n.host.ID().String(),
		To:        seederID.String(),
		Timestamp: time.Now().Unix(),
		Params:    map[string]interface{}{"info_hash": rec.InfoHash.String()},
	})
	if err != nil {
		return errors.New(errors.Unavailable, err.Error())
	}
	if metaResp.Status != protocol.Success {
		return errors.New(errors.Kind(metaResp.ErrorKind), metaResp.Error)
	}
	metadata, err := decodeMetadata(metaResp.Result, rec.InfoHash)
	if err != nil {
		return errors.NewInternal(err.Error())
	}

	fetch := func(ctx context.Context, seeder string, h content.InfoHash, index int) ([]byte, error) {
		resp, err := client.Call(ctx, &protocol.Request{
			Command:   protocol.RequestPiece,
			RequestID: "req-piece-" + uuid.NewString(),
			From:      n.host.ID().String(),
			To:        seeder,
			Timestamp: time.Now().Unix(),
			Params:    map[string]interface{}{"info_hash": h.String(), "piece_index": float64(index)},
		})
		if err != nil {
			return nil, err
		}
		if resp.Status != protocol.Success {
			return nil, errors.New(errors.Kind(resp.ErrorKind), resp.Error)
		}
		encoded, _ := resp.Result["data"].(string)
		return base64Decode(encoded)
	}

	downloader := content.NewDownloader(fetch)
	data, err := downloader.Download(ctx, metadata, []string{seederID.String()})
	if err != nil {
		return err
	}

	path := filepath.Join(n.cfg.ShardsDir, metadata.Filename)
	if err := content.WriteAssembled(path, data); err != nil {
		return errors.NewInternal(err.Error())
	}
	n.registry.Register(metadata)
	log.Info("node: loaded remote shard", log.Fields{"shard_id": shardID, "filename": metadata.Filename})
	return nil
}

// findShardSeeder queries the DHT for the shard announcement published
// under the same (cluster, shard_id) key every replica for that shard
// publishes to, and returns the first responder's address and peer id.
func (n *Node) findShardSeeder(ctx context.Context, shardID uint32) (addr string, id peer.ID, err error) {
	records, err := n.substrate.GetRecord(ctx, shard.Key(n.cfg.ClusterName, shard.ID(shardID)))
	if err != nil {
		return "", "", errors.New(errors.Unavailable, err.Error())
	}
	for r := range records {
		a, decodeErr := shard.Decode(r.Value)
		if decodeErr != nil || len(a.ListenAddresses) == 0 {
			continue
		}
		return a.ListenAddresses[0], peer.ID(a.PeerID), nil
	}
	return "", "", errors.New(errors.NotFound, fmt.Sprintf("no announcement found for shard %d", shardID))
}

// fetchShardRecord queries the shard-file DHT key for shardID's
// TorrentRecord, published by content.Seeder.PublishShardRecords.
func (n *Node) fetchShardRecord(ctx context.Context, shardID uint32) (*content.TorrentRecord, error) {
	records, err := n.substrate.GetRecord(ctx, content.ShardKey(n.cfg.ClusterName, shardID))
	if err != nil {
		return nil, errors.New(errors.Unavailable, err.Error())
	}
	for r := range records {
		var rec content.TorrentRecord
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			continue
		}
		return &rec, nil
	}
	return nil, errors.New(errors.NotFound, fmt.Sprintf("no torrent record found for shard %d", shardID))
}

func (n *Node) dialPiece(ctx context.Context, id peer.ID) (*protocol.Client, error) {
	s, err := n.host.OpenStream(ctx, id, transport.ProtocolPiece)
	if err != nil {
		return nil, err
	}
	return protocol.NewClient(s), nil
}

func decodeMetadata(result map[string]interface{}, h content.InfoHash) (*content.Metadata, error) {
	filename, _ := result["filename"].(string)
	totalSize, _ := asFloat(result["total_size"])
	pieceSize, _ := asFloat(result["piece_size"])
	rawHashes, _ := result["piece_hashes"].([]interface{})

	pieces := make([][32]byte, 0, len(rawHashes))
	for _, raw := range rawHashes {
		s, _ := raw.(string)
		b, err := hexDecode(s)
		if err != nil {
			return nil, err
		}
		var arr [32]byte
		copy(arr[:], b)
		pieces = append(pieces, arr)
	}

	return &content.Metadata{
		InfoHash:  h,
		Filename:  filename,
		TotalSize: int64(totalSize),
		PieceSize: int(pieceSize),
		Pieces:    pieces,
	}, nil
}
