package node

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/content"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/inference"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/observability"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

func hexEncode(b []byte) string             { return hex.EncodeToString(b) }
func hexDecode(s string) ([]byte, error)    { return hex.DecodeString(s) }
func base64Encode(b []byte) string          { return base64.StdEncoding.EncodeToString(b) }
func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

type txStartKey struct{}

func (n *Node) registerHandlers() {
	for _, d := range []*protocol.Dispatcher{n.commands, n.pieces} {
		d.Use(n.logTransactionStart)
		d.UsePost(n.logTransactionEnd)
	}

	n.commands.Register(protocol.GetCapabilities, n.handleGetCapabilities)
	n.commands.Register(protocol.ExecuteTask, n.handleExecuteTask)
	n.commands.Register(protocol.GetReputation, n.handleGetReputation)
	n.commands.Register(protocol.UpdateReputation, n.handleUpdateReputation)
	n.commands.Register(protocol.FindNodes, n.handleFindNodes)
	n.commands.Register(protocol.LoadShard, n.handleLoadShard)

	n.pieces.Register(protocol.ListFiles, n.handleListFiles)
	n.pieces.Register(protocol.GetFileMetadata, n.handleGetFileMetadata)
	n.pieces.Register(protocol.RequestPiece, n.handleRequestPiece)
	n.pieces.Register(protocol.SyncTorrents, n.handleSyncTorrents)
}

func (n *Node) logTransactionStart(ctx context.Context, req *protocol.Request) (context.Context, error) {
	n.obs.Transaction(observability.TransactionEvent{PeerID: req.From, Command: string(req.Command), Direction: "inbound", Result: "started"})
	return context.WithValue(ctx, txStartKey{}, time.Now()), nil
}

func (n *Node) logTransactionEnd(ctx context.Context, req *protocol.Request, resp *protocol.Response) {
	var dur time.Duration
	if started, ok := ctx.Value(txStartKey{}).(time.Time); ok {
		dur = time.Since(started)
	}

	result := "completed"
	errMsg := ""
	if resp.Status == protocol.Failure {
		result = "failed"
		if resp.ErrorKind == string(errors.Timeout) {
			result = "timeout"
		}
		errMsg = resp.Error
	}

	n.obs.Transaction(observability.TransactionEvent{
		PeerID: req.From, Command: string(req.Command), Direction: "inbound",
		Result: result, Duration: dur, ResultSize: len(resp.Result), Error: errMsg,
	})
}

func (n *Node) handleGetCapabilities(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	caps := n.capabilitiesSnapshot()
	return map[string]interface{}{
		"cpu_cores":        caps.CPUCores,
		"cpu_usage":        caps.CPUUsage,
		"memory_total":     caps.MemoryTotal,
		"memory_available": caps.MemoryAvailable,
		"gpu_memory":       caps.GPUMemory,
		"latency_hint":     caps.LatencyHint,
		"reputation":       caps.Reputation,
		"shard_loaded":     caps.ShardLoaded,
		"active_requests":  caps.ActiveRequests,
		"max_concurrent":   caps.MaxConcurrent,
		"shard_id":         n.cfg.ShardID,
	}, nil
}

func (n *Node) handleExecuteTask(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	select {
	case n.sem <- struct{}{}:
	default:
		return nil, errors.New(errors.Overloaded, "max_concurrent reached")
	}
	defer func() { <-n.sem }()

	atomic.AddInt32(&n.activeRequests, 1)
	defer atomic.AddInt32(&n.activeRequests, -1)

	id := shard.ID(n.cfg.ShardID)
	layerStart, layerEnd := shard.Partition(n.cfg.TotalLayers, n.cfg.TotalShards, id)
	taskType, _ := req.Params["task_type"].(string)

	maxTokens, _ := asInt(req.Params["max_tokens"])
	temperature, _ := asFloat(req.Params["temperature"])
	topP, _ := asFloat(req.Params["top_p"])

	res, err := n.engine.RunLayerRange(ctx, inference.Request{
		ModelName:   n.cfg.ModelName,
		LayerStart:  layerStart,
		LayerEnd:    layerEnd,
		IsEntry:     shard.IsEntry(id),
		IsExit:      shard.IsExit(id, n.cfg.TotalShards),
		TaskType:    taskType,
		Input:       req.Params["input_data"],
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
	if err != nil {
		return nil, errors.NewInternal(err.Error())
	}

	out := map[string]interface{}{}
	if res.Activations != nil {
		out["activations"] = res.Activations
	}
	if shard.IsExit(id, n.cfg.TotalShards) {
		out["text"] = res.Text
		out["tokens_generated"] = res.TokensGenerated
	}
	return out, nil
}

func (n *Node) handleGetReputation(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	n.reputationMu.Lock()
	r := n.reputation
	n.reputationMu.Unlock()
	return map[string]interface{}{"reputation": r}, nil
}

func (n *Node) handleUpdateReputation(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	delta, _ := asFloat(req.Params["delta"])

	n.reputationMu.Lock()
	n.reputation = clamp01(n.reputation + delta)
	updated := n.reputation
	n.reputationMu.Unlock()

	n.republish()
	n.publishReputationDelta(ctx, delta)
	return map[string]interface{}{"reputation": updated}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// handleFindNodes answers with this node's known reachable peers, the
// same address-book view its own keepalive loop pings against. It is
// the closest analogue this system has to a Kademlia FIND_NODE RPC
// without duplicating the DHT substrate's own routing table.
func (n *Node) handleFindNodes(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	peers := n.host.AddressBook().Peers()
	out := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]interface{}{
			"peer_id":   p.String(),
			"addresses": n.host.AddressBook().Addresses(p),
		})
	}
	return map[string]interface{}{"nodes": out}, nil
}

func (n *Node) handleListFiles(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	files := n.registry.ListFiles()
	out := make([]map[string]interface{}, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]interface{}{
			"info_hash": f.InfoHash.String(),
			"filename":  f.Filename,
			"size":      f.Size,
		})
	}
	return map[string]interface{}{"files": out}, nil
}

func (n *Node) handleGetFileMetadata(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	h, err := content.ParseInfoHash(req.Params["info_hash"].(string))
	if err != nil {
		return nil, errors.New(errors.InvalidParams, err.Error())
	}
	m, ok := n.registry.Lookup(h)
	if !ok {
		return nil, errors.New(errors.NotFound, "unknown info_hash")
	}

	pieces := make([]string, len(m.Pieces))
	for i, p := range m.Pieces {
		pieces[i] = hexEncode(p[:])
	}
	return map[string]interface{}{
		"info_hash":    m.InfoHash.String(),
		"filename":     m.Filename,
		"total_size":   m.TotalSize,
		"piece_size":   m.PieceSize,
		"piece_hashes": pieces,
	}, nil
}

func (n *Node) handleRequestPiece(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	h, err := content.ParseInfoHash(req.Params["info_hash"].(string))
	if err != nil {
		return nil, errors.New(errors.InvalidParams, err.Error())
	}
	index, _ := asInt(req.Params["piece_index"])

	if _, ok := n.registry.Lookup(h); !ok {
		return nil, errors.New(errors.NotFound, "unknown info_hash "+h.String())
	}
	data, err := n.registry.ReadPiece(h, index)
	if err != nil {
		return nil, errors.New(errors.OutOfRange, err.Error())
	}
	return map[string]interface{}{
		"info_hash":   h.String(),
		"piece_index": index,
		"data":        base64Encode(data),
	}, nil
}

// handleSyncTorrents answers ListFiles plus, per file, the info-hash's
// currently known seeders (this node itself, plus any seeder discovered
// under the same DHT key content.Seeder.PublishOne publishes to), so a
// coordinator can warm a download's seeder set before its first
// REQUEST_PIECE.
func (n *Node) handleSyncTorrents(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
	files := n.registry.ListFiles()
	out := make([]map[string]interface{}, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]interface{}{
			"info_hash": f.InfoHash.String(),
			"filename":  f.Filename,
			"size":      f.Size,
			"seeders":   n.seedersFor(ctx, f.InfoHash),
		})
	}
	return map[string]interface{}{"files": out}, nil
}

func (n *Node) seedersFor(ctx context.Context, h content.InfoHash) []string {
	seeders := map[string]struct{}{n.host.ID().String(): {}}

	records, err := n.substrate.GetRecord(ctx, h[:])
	if err == nil {
		for r := range records {
			rec, err := content.DecodeTorrentRecord(r.Value)
			if err != nil || rec.SeederPeerID == "" {
				continue
			}
			seeders[rec.SeederPeerID] = struct{}{}
		}
	}

	out := make([]string, 0, len(seeders))
	for id := range seeders {
		out = append(out, id)
	}
	return out
}

func asInt(v interface{}) (int, bool) {
	f, ok := asFloat(v)
	return int(f), ok
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
