// Package memory implements replicastore.Store by keeping every bucket
// in a sharded in-process map, the same sharded-RWMutex layout the
// teacher uses for its own in-memory peer store.
package memory

import (
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/timecache"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard/replicastore"
)

// Name is the driver name this store is registered under.
const Name = "memory"

const (
	defaultShardCount                = 32
	defaultGarbageCollectionInterval = time.Minute
)

func init() {
	replicastore.RegisterDriver(Name, driver{})
}

type driver struct{}

func (driver) NewStore(params interface{}) (replicastore.Store, error) {
	bytes, err := yaml.Marshal(params)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// Config holds the configuration of a memory Store.
type Config struct {
	ShardCount                int           `yaml:"shard_count"`
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
}

func (cfg Config) validate() Config {
	valid := cfg
	if valid.ShardCount <= 0 {
		valid.ShardCount = defaultShardCount
	}
	if valid.GarbageCollectionInterval <= 0 {
		valid.GarbageCollectionInterval = defaultGarbageCollectionInterval
	}
	return valid
}

// LogFields implements log.Fielder.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":       Name,
		"shardCount": cfg.ShardCount,
		"gcInterval": cfg.GarbageCollectionInterval,
	}
}

type entryShard struct {
	sync.RWMutex
	buckets map[string]map[string]replicastore.Entry
}

type store struct {
	cfg    Config
	shards []*entryShard
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ replicastore.Store = &store{}

// New creates a Store backed by memory.
func New(provided Config) replicastore.Store {
	cfg := provided.validate()
	s := &store{
		cfg:    cfg,
		shards: make([]*entryShard, cfg.ShardCount),
		closed: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &entryShard{buckets: make(map[string]map[string]replicastore.Entry)}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(cfg.GarbageCollectionInterval)
		defer t.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-t.C:
				// Background sweep uses a generous bound; callers that
				// need a tighter cutoff call GC explicitly (shard.Table
				// relies on read-time filtering for its real TTL and
				// only uses this sweep to reclaim very old memory).
				if n, err := s.GC(24 * 3600); err != nil {
					log.Error("replicastore/memory: background GC failed", log.Err(err))
				} else if n > 0 {
					log.Debug("replicastore/memory: background GC reclaimed entries", log.Fields{"count": n})
				}
			}
		}
	}()

	return s
}

func (s *store) shardFor(bucket string) *entryShard {
	h := fnv32(bucket)
	return s.shards[h%uint32(len(s.shards))]
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func (s *store) Put(bucket, key string, value []byte) error {
	sh := s.shardFor(bucket)
	sh.Lock()
	defer sh.Unlock()

	b, ok := sh.buckets[bucket]
	if !ok {
		b = make(map[string]replicastore.Entry)
		sh.buckets[bucket] = b
	}
	b[key] = replicastore.Entry{Key: key, Value: value, StoredAt: timecache.NowUnix()}
	return nil
}

func (s *store) Get(bucket, key string) (replicastore.Entry, bool, error) {
	sh := s.shardFor(bucket)
	sh.RLock()
	defer sh.RUnlock()

	e, ok := sh.buckets[bucket][key]
	return e, ok, nil
}

func (s *store) Delete(bucket, key string) error {
	sh := s.shardFor(bucket)
	sh.Lock()
	defer sh.Unlock()

	delete(sh.buckets[bucket], key)
	return nil
}

func (s *store) List(bucket string) ([]replicastore.Entry, error) {
	sh := s.shardFor(bucket)
	sh.RLock()
	defer sh.RUnlock()

	b := sh.buckets[bucket]
	out := make([]replicastore.Entry, 0, len(b))
	for _, e := range b {
		out = append(out, e)
	}
	return out, nil
}

func (s *store) GC(maxAge int64) (int, error) {
	cutoff := timecache.NowUnix() - maxAge
	removed := 0

	for _, sh := range s.shards {
		sh.Lock()
		for bucketName, b := range sh.buckets {
			for key, e := range b {
				if e.StoredAt < cutoff {
					delete(b, key)
					removed++
				}
			}
			if len(b) == 0 {
				delete(sh.buckets, bucketName)
			}
		}
		sh.Unlock()
	}
	return removed, nil
}

func (s *store) Stop() error {
	close(s.closed)
	s.wg.Wait()
	return nil
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
