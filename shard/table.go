package shard

import (
	"math"
	"sort"
	"sync"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/timecache"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard/replicastore"

	// registers the "memory" replicastore driver as the default backend
	_ "github.com/danieljamesbertrand/swarm-in-progress-sub002/shard/replicastore/memory"
)

// TTL is the default announcement lifetime; a coordinator rejects any
// record older than this (spec default 3600s).
const TTL = 3600

// DefaultReputationHalfLife is how many seconds an untouched cached
// reputation score takes to decay halfway back to neutral (0.5),
// absent any further UPDATE_REPUTATION/gossip event.
const DefaultReputationHalfLife = 3600

// neutralReputation is the score an unreviewed replica decays toward.
const neutralReputation = 0.5

// defaultStoreDriver backs a Table when the caller doesn't supply one
// (e.g. unit tests, or a single-process coordinator).
const defaultStoreDriver = "memory"

// Table is the per-coordinator replica table: ShardId -> list of valid
// announcements, one per peer_id, newer replacing older for the same
// peer. The in-memory map is the hot read path the dispatcher consults;
// it is mirrored into a replicastore.Store so a fleet of coordinators
// sharing a redis-backed store can Reconcile records discovered by a
// sibling process. Per the concurrency model the table is read-biased
// so dispatch never blocks discovery for long.
type Table struct {
	mu          sync.RWMutex
	clusterName string
	totalShards uint32
	ttl         int64
	halfLife    int64
	byShard     map[ID]map[string]*Announcement // shard_id -> peer_id -> announcement

	store replicastore.Store
}

// NewTable constructs an empty replica table scoped to one cluster,
// backed by the in-process memory replicastore driver.
func NewTable(clusterName string, totalShards uint32) *Table {
	store, err := replicastore.Open(defaultStoreDriver, nil)
	if err != nil {
		// The memory driver validates its own config and never fails to
		// open; a failure here means the driver registration itself is
		// broken, which is a programmer error, not a runtime condition
		// callers should have to handle.
		panic("shard: default replicastore driver unavailable: " + err.Error())
	}
	return NewTableWithStore(clusterName, totalShards, store)
}

// NewTableWithStore constructs a replica table backed by an explicit
// replicastore.Store, e.g. a redis driver shared across a coordinator
// fleet.
func NewTableWithStore(clusterName string, totalShards uint32, store replicastore.Store) *Table {
	return &Table{
		clusterName: clusterName,
		totalShards: totalShards,
		ttl:         TTL,
		halfLife:    DefaultReputationHalfLife,
		byShard:     make(map[ID]map[string]*Announcement),
		store:       store,
	}
}

// SetTTL overrides the freshness TTL (seconds); intended for tests that
// need to exercise staleness deterministically.
func (t *Table) SetTTL(seconds int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ttl = seconds
}

// SetReputationHalfLife overrides the reputation decay half-life
// (seconds); intended for tests that need to exercise decay
// deterministically, and for cmd/coordinator to apply config.Config's
// reputation_half_life.
func (t *Table) SetReputationHalfLife(seconds int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halfLife = seconds
}

// Stop releases the table's backing store.
func (t *Table) Stop() error {
	if t.store == nil {
		return nil
	}
	return t.store.Stop()
}

// ValidationError explains why Insert rejected a record, so the caller
// can log it without guessing.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Validate checks a candidate record against the rules a coordinator
// must apply before trusting it: it decodes (caller's job), is fresh,
// belongs to this cluster, and names an in-range shard id.
func (t *Table) Validate(a *Announcement, now int64) error {
	if now-a.AnnouncedAt > t.ttl {
		return ValidationError("stale announcement")
	}
	if a.ClusterName != t.clusterName {
		return ValidationError("cluster name mismatch")
	}
	if uint32(a.ShardID) >= t.totalShards {
		return ValidationError("shard id out of range")
	}
	return nil
}

func bucketFor(id ID) string {
	return "shard:" + itoa(uint32(id))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Insert validates and, if valid, stores an announcement keyed by its
// peer_id; an existing entry for the same peer and shard is replaced.
// It reports true whenever the announcement is accepted and stored, a
// re-insert of an unchanged record included; callers use that to decide
// whether to rebuild the pipeline order. A first-seen peer keeps the
// announcement's own ReputationAt.
func (t *Table) Insert(a *Announcement) (bool, error) {
	now := timecache.NowUnix()
	if err := t.Validate(a, now); err != nil {
		return false, err
	}

	t.mu.Lock()
	peers, ok := t.byShard[a.ShardID]
	if !ok {
		peers = make(map[string]*Announcement)
		t.byShard[a.ShardID] = peers
	}
	if existing, ok := peers[a.PeerID]; ok && existing.Capabilities.Reputation == a.Capabilities.Reputation {
		a.ReputationAt = existing.ReputationAt
	} else if ok {
		a.ReputationAt = now
	}
	peers[a.PeerID] = a
	t.mu.Unlock()

	if t.store != nil {
		if encoded, err := Encode(a); err == nil {
			if err := t.store.Put(bucketFor(a.ShardID), a.PeerID, encoded); err != nil {
				log.Warn("shard: failed to mirror announcement to replicastore", log.Err(err))
			}
		}
	}
	return true, nil
}

// Remove drops a single peer's announcement for a shard, e.g. when a
// connection is reported gone.
func (t *Table) Remove(id ID, peerID string) {
	t.mu.Lock()
	if peers, ok := t.byShard[id]; ok {
		delete(peers, peerID)
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Delete(bucketFor(id), peerID); err != nil {
			log.Warn("shard: failed to remove announcement from replicastore", log.Err(err))
		}
	}
}

// Reconcile pulls every shard's bucket from the backing store and
// merges any announcement this table doesn't already hold (or holds an
// older copy of) into its in-memory cache. It is a no-op for the
// default in-process memory store, since Insert already wrote directly
// into the same process's map; it matters when Table is backed by a
// shared store and another coordinator process inserted a record this
// process hasn't seen over the DHT itself.
func (t *Table) Reconcile() {
	if t.store == nil {
		return
	}
	now := timecache.NowUnix()

	for id := ID(0); uint32(id) < t.totalShards; id++ {
		entries, err := t.store.List(bucketFor(id))
		if err != nil {
			log.Warn("shard: replicastore list failed during reconcile", log.Err(err))
			continue
		}
		for _, e := range entries {
			a, err := Decode(e.Value)
			if err != nil {
				continue
			}
			if err := t.Validate(a, now); err != nil {
				continue
			}

			t.mu.Lock()
			peers, ok := t.byShard[id]
			if !ok {
				peers = make(map[string]*Announcement)
				t.byShard[id] = peers
			}
			if existing, ok := peers[a.PeerID]; !ok || a.AnnouncedAt > existing.AnnouncedAt {
				if ok && existing.Capabilities.Reputation == a.Capabilities.Reputation {
					a.ReputationAt = existing.ReputationAt
				} else if ok {
					a.ReputationAt = now
				}
				peers[a.PeerID] = a
			}
			t.mu.Unlock()
		}
	}
}

// Replicas returns every currently-fresh announcement for a shard id,
// with Capabilities.Reputation decayed toward neutral (0.5) by however
// long it has been since that replica's reputation last actually
// changed. Stale entries are filtered out at read time as well as at
// insert time, since an entry can age past its TTL without ever being
// touched again.
func (t *Table) Replicas(id ID) []*Announcement {
	now := timecache.NowUnix()

	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := t.byShard[id]
	out := make([]*Announcement, 0, len(peers))
	for _, a := range peers {
		if now-a.AnnouncedAt > t.ttl {
			continue
		}
		decayed := *a
		decayed.Capabilities.Reputation = decayReputation(a.Capabilities.Reputation, now-a.ReputationAt, t.halfLife)
		out = append(out, &decayed)
	}
	return out
}

// decayReputation applies exponential decay toward neutralReputation
// over elapsed seconds, with the given half-life: every halfLife
// seconds the gap to neutral halves. A non-positive halfLife or
// elapsed disables decay (the cached value is returned unchanged).
func decayReputation(reputation float64, elapsed, halfLife int64) float64 {
	if halfLife <= 0 || elapsed <= 0 {
		return reputation
	}
	factor := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	return neutralReputation + (reputation-neutralReputation)*factor
}

// Best returns the highest-scoring fresh replica for a shard id, with
// ties broken by the freshest announced_at. It reports ok=false if no
// fresh replica exists.
func (t *Table) Best(id ID) (*Announcement, bool) {
	candidates := t.Replicas(id)
	if len(candidates) == 0 {
		return nil, false
	}

	best := candidates[0]
	bestScore := Score(best.Capabilities)
	for _, c := range candidates[1:] {
		s := Score(c.Capabilities)
		if s > bestScore || (s == bestScore && c.AnnouncedAt > best.AnnouncedAt) {
			best, bestScore = c, s
		}
	}
	return best, true
}

// Complete reports whether every shard id in [0,total_shards) has at
// least one fresh replica.
func (t *Table) Complete() bool {
	for id := ID(0); uint32(id) < t.totalShards; id++ {
		if len(t.Replicas(id)) == 0 {
			return false
		}
	}
	return true
}

// Missing returns the shard ids currently without any fresh replica.
func (t *Table) Missing() []ID {
	var missing []ID
	for id := ID(0); uint32(id) < t.totalShards; id++ {
		if len(t.Replicas(id)) == 0 {
			missing = append(missing, id)
		}
	}
	return missing
}

// PipelineEntry is one (shard_id, best replica) pair in a PipelineOrder.
type PipelineEntry struct {
	ShardID ID
	Replica *Announcement
}

// BuildPipelineOrder snapshots the table into the ordered list of best
// replicas, one per shard id, sorted by shard id. Entries for shards
// with no fresh replica are omitted; callers compare len(order) against
// total_shards to know whether the pipeline is complete without calling
// Complete again under a second lock acquisition.
func (t *Table) BuildPipelineOrder() []PipelineEntry {
	order := make([]PipelineEntry, 0, t.totalShards)
	for id := ID(0); uint32(id) < t.totalShards; id++ {
		if best, ok := t.Best(id); ok {
			order = append(order, PipelineEntry{ShardID: id, Replica: best})
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].ShardID < order[j].ShardID })
	return order
}

// Penalize nudges a replica's cached reputation down after it fails an
// EXECUTE_TASK; per design this is advisory only and does not persist
// beyond the announcement's own TTL/republish cycle. It also restarts
// that replica's decay clock, since Replicas decays relative to the
// last actual change, not the last re-announce.
func (t *Table) Penalize(id ID, peerID string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peers, ok := t.byShard[id]; ok {
		if a, ok := peers[peerID]; ok {
			a.Capabilities.Reputation = clamp01(a.Capabilities.Reputation + delta)
			a.ReputationAt = timecache.NowUnix()
		}
	}
}
