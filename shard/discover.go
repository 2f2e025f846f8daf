package shard

import (
	"context"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// DiscoverInterval is the default period between discovery sweeps (§4.C3).
const DiscoverInterval = 10 * time.Second

// Discoverer runs the coordinator side of discovery: every
// DiscoverInterval it issues one get_record per expected shard id and
// merges valid results into a Table.
type Discoverer struct {
	substrate   dht.Substrate
	table       *Table
	totalShards uint32
	interval    time.Duration

	onMutate func() // called whenever the table changes, to rebuild the pipeline
}

// NewDiscoverer constructs a Discoverer that populates table by polling
// substrate for every shard id in [0,totalShards).
func NewDiscoverer(substrate dht.Substrate, table *Table, totalShards uint32) *Discoverer {
	return &Discoverer{
		substrate:   substrate,
		table:       table,
		totalShards: totalShards,
		interval:    DiscoverInterval,
	}
}

// SetInterval overrides the discovery polling interval; intended for
// tests.
func (d *Discoverer) SetInterval(i time.Duration) { d.interval = i }

// OnMutate registers a callback invoked after any sweep that changed
// the table, e.g. to rebuild and publish a fresh PipelineOrder.
func (d *Discoverer) OnMutate(f func()) { d.onMutate = f }

func (d *Discoverer) sweep(ctx context.Context) {
	mutated := false

	for id := ID(0); uint32(id) < d.totalShards; id++ {
		key := Key(d.table.clusterName, id)
		found, err := d.substrate.GetRecord(ctx, key)
		if err != nil {
			log.Warn("shard: get_record failed", log.Fields{"shard_id": id, "error": err.Error()})
			continue
		}
		for record := range found {
			a, err := Decode(record.Value)
			if err != nil {
				log.Warn("shard: discarding undecodable announcement", log.Fields{"shard_id": id, "error": err.Error()})
				continue
			}
			ok, err := d.table.Insert(a)
			if err != nil {
				log.Debug("shard: discarding invalid announcement", log.Fields{"shard_id": id, "peer": a.PeerID, "reason": err.Error()})
				continue
			}
			if ok {
				mutated = true
			}
		}
	}

	if mutated && d.onMutate != nil {
		d.onMutate()
	}
}

// Run starts the discovery loop: it sweeps immediately, then every
// interval, until ctx is canceled.
func (d *Discoverer) Run(ctx context.Context) {
	d.sweep(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}
