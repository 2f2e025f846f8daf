package node

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

func (n *Node) joinReputationGossip(ctx context.Context) error {
	ps, err := pubsub.NewGossipSub(ctx, n.host.Libp2pHost())
	if err != nil {
		return err
	}
	topic, err := ps.Join(shard.ReputationTopic(n.cfg.ClusterName))
	if err != nil {
		return err
	}
	n.gossip = topic
	return nil
}

// publishReputationDelta broadcasts the delta an UPDATE_REPUTATION call
// just applied locally. Best-effort: a publish failure only means peers
// fall back to learning the new score from the next periodic
// re-announce, so it is logged, not surfaced to the caller.
func (n *Node) publishReputationDelta(ctx context.Context, delta float64) {
	if n.gossip == nil {
		return
	}
	payload, err := json.Marshal(shard.ReputationUpdate{
		PeerID:  n.host.ID().String(),
		ShardID: n.cfg.ShardID,
		Delta:   delta,
	})
	if err != nil {
		return
	}
	if err := n.gossip.Publish(ctx, payload); err != nil {
		log.Warn("node: reputation gossip publish failed", log.Err(err))
	}
}
