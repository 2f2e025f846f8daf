package shard

import (
	"context"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// FirstAnnounceTimeout bounds how long a publisher waits for a
// RoutingUpdated event before publishing anyway; waiting unconditionally
// deadlocks in a small cluster where the routing table may never fire
// the event (design note, §9).
const FirstAnnounceTimeout = 10 * time.Second

// AnnounceInterval is the default periodic re-publish interval (§3).
const AnnounceInterval = 60 * time.Second

// Publisher republishes a node's own ShardAnnouncement into the DHT:
// once on the earlier of (first RoutingUpdated) or FirstAnnounceTimeout,
// then every AnnounceInterval, and immediately whenever Republish is
// called after a local capability change.
type Publisher struct {
	substrate dht.Substrate
	interval  time.Duration

	current chan *Announcement // most recent announcement to publish
}

// NewPublisher constructs a Publisher bound to a DHT substrate.
func NewPublisher(substrate dht.Substrate) *Publisher {
	return &Publisher{
		substrate: substrate,
		interval:  AnnounceInterval,
		current:   make(chan *Announcement, 1),
	}
}

// SetInterval overrides the periodic re-publish interval; intended for
// tests that can't wait 60 real seconds.
func (p *Publisher) SetInterval(d time.Duration) { p.interval = d }

func (p *Publisher) publishNow(ctx context.Context, a *Announcement) {
	encoded, err := Encode(a)
	if err != nil {
		log.Error("shard: failed to encode announcement", log.Err(err))
		return
	}
	key := Key(a.ClusterName, a.ShardID)
	if err := p.substrate.PutRecord(ctx, key, encoded); err != nil {
		log.Warn("shard: failed to publish announcement", log.Fields{"shard_id": a.ShardID, "error": err.Error()})
		return
	}
	log.Debug("shard: published announcement", log.Fields{"shard_id": a.ShardID, "cluster": a.ClusterName})
}

// Republish pushes a new announcement to be published immediately (used
// when a local capability changes, notably shard_loaded flipping true)
// and also on the next periodic tick.
func (p *Publisher) Republish(a *Announcement) {
	select {
	case p.current <- a:
	default:
		// drain the stale pending one and replace it
		select {
		case <-p.current:
		default:
		}
		p.current <- a
	}
}

// Run starts the publish loop: it blocks until ctx is canceled. initial
// is the announcement to publish on startup; it is refreshed by any
// call to Republish. routingReady should be dht.FirstRoutingUpdated's
// channel (shared with any other component on the node that also waits
// on the same one-shot signal).
func (p *Publisher) Run(ctx context.Context, initial *Announcement, routingReady <-chan struct{}) {
	latest := initial

	select {
	case <-routingReady:
	case <-time.After(FirstAnnounceTimeout):
	case <-ctx.Done():
		return
	}

	p.publishNow(ctx, latest)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case a := <-p.current:
			latest = a
			p.publishNow(ctx, latest)
		case <-ticker.C:
			p.publishNow(ctx, latest)
		}
	}
}
