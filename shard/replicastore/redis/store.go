// Package redis implements replicastore.Store on top of Redis so
// several coordinator processes can share one replica table, following
// the teacher's redigo connection-pool pattern. A redsync mutex guards
// the periodic GC sweep so only one coordinator in a fleet runs it at a
// time.
package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	"github.com/gomodule/redigo/redis"
	yaml "gopkg.in/yaml.v2"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/timecache"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard/replicastore"
)

// Name is the driver name this store is registered under.
const Name = "redis"

const (
	defaultMaxIdleConns    = 8
	defaultIdleTimeout     = 5 * time.Minute
	defaultConnectTimeout  = 5 * time.Second
	defaultGCInterval      = time.Minute
	gcLockKey              = "gc-lock"
	gcLockExpiry           = 30 * time.Second
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
	return New(cfg)
}

// Config holds the configuration of a redis-backed Store.
type Config struct {
	Network               string        `yaml:"network"`
	Addr                  string        `yaml:"addr"`
	Prefix                string        `yaml:"prefix"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
}

func (cfg Config) validate() Config {
	valid := cfg
	if valid.Network == "" {
		valid.Network = "tcp"
	}
	if valid.Addr == "" {
		valid.Addr = "127.0.0.1:6379"
	}
	if valid.MaxIdleConns <= 0 {
		valid.MaxIdleConns = defaultMaxIdleConns
	}
	if valid.IdleTimeout <= 0 {
		valid.IdleTimeout = defaultIdleTimeout
	}
	if valid.ConnectTimeout <= 0 {
		valid.ConnectTimeout = defaultConnectTimeout
	}
	if valid.GarbageCollectionInterval <= 0 {
		valid.GarbageCollectionInterval = defaultGCInterval
	}
	return valid
}

// LogFields implements log.Fielder.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":    Name,
		"network": cfg.Network,
		"addr":    cfg.Addr,
		"prefix":  cfg.Prefix,
	}
}

type record struct {
	Value    []byte `json:"value"`
	StoredAt int64  `json:"stored_at"`
}

type store struct {
	cfg  Config
	pool *redis.Pool
	rs   *redsync.Redsync

	closed chan struct{}
	done   chan struct{}
}

var _ replicastore.Store = &store{}

// New creates a Store backed by a Redis server.
func New(provided Config) (replicastore.Store, error) {
	cfg := provided.validate()

	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdleConns,
		IdleTimeout: cfg.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			return redis.DialTimeout(cfg.Network, cfg.Addr, cfg.ConnectTimeout, cfg.ConnectTimeout, cfg.ConnectTimeout)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	s := &store{
		cfg:    cfg,
		pool:   pool,
		rs:     redsync.New(redsyncredigo.NewPool(pool)),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.gcLoop()

	return s, nil
}

func (s *store) key(bucket string) string {
	return s.cfg.Prefix + "replicastore:" + bucket
}

func (s *store) Put(bucket, key string, value []byte) error {
	conn := s.pool.Get()
	defer conn.Close()

	rec := record{Value: value, StoredAt: timecache.NowUnix()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = conn.Do("HSET", s.key(bucket), key, encoded)
	return err
}

func (s *store) Get(bucket, key string) (replicastore.Entry, bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	reply, err := redis.Bytes(conn.Do("HGET", s.key(bucket), key))
	if err == redis.ErrNil {
		return replicastore.Entry{}, false, nil
	}
	if err != nil {
		return replicastore.Entry{}, false, err
	}

	var rec record
	if err := json.Unmarshal(reply, &rec); err != nil {
		return replicastore.Entry{}, false, fmt.Errorf("replicastore/redis: decode %s/%s: %w", bucket, key, err)
	}
	return replicastore.Entry{Key: key, Value: rec.Value, StoredAt: rec.StoredAt}, true, nil
}

func (s *store) Delete(bucket, key string) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HDEL", s.key(bucket), key)
	return err
}

func (s *store) List(bucket string) ([]replicastore.Entry, error) {
	conn := s.pool.Get()
	defer conn.Close()

	raw, err := redis.StringMap(conn.Do("HGETALL", s.key(bucket)))
	if err != nil {
		return nil, err
	}

	out := make([]replicastore.Entry, 0, len(raw))
	for key, encoded := range raw {
		var rec record
		if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
			log.Warn("replicastore/redis: skipping undecodable entry", log.Fields{"bucket": bucket, "key": key})
			continue
		}
		out = append(out, replicastore.Entry{Key: key, Value: rec.Value, StoredAt: rec.StoredAt})
	}
	return out, nil
}

// GC scans every bucket key this process knows of via a Redis key-space
// pattern and drops hash fields older than maxAge. It acquires a
// redsync lock first so a fleet of coordinators sharing one Redis
// instance runs at most one sweep at a time.
func (s *store) GC(maxAge int64) (int, error) {
	mutex := s.rs.NewMutex(s.cfg.Prefix+"replicastore:"+gcLockKey, redsync.WithExpiry(gcLockExpiry))
	if err := mutex.Lock(); err != nil {
		// Another coordinator is already sweeping; not an error.
		return 0, nil
	}
	defer mutex.Unlock()

	conn := s.pool.Get()
	defer conn.Close()

	cutoff := timecache.NowUnix() - maxAge
	removed := 0

	keys, err := redis.Strings(conn.Do("KEYS", s.cfg.Prefix+"replicastore:*"))
	if err != nil {
		return removed, err
	}

	for _, bucketKey := range keys {
		if bucketKey == s.cfg.Prefix+"replicastore:"+gcLockKey {
			continue
		}
		raw, err := redis.StringMap(conn.Do("HGETALL", bucketKey))
		if err != nil {
			continue
		}
		for field, encoded := range raw {
			var rec record
			if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
				continue
			}
			if rec.StoredAt < cutoff {
				if _, err := conn.Do("HDEL", bucketKey, field); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func (s *store) gcLoop() {
	t := time.NewTicker(s.cfg.GarbageCollectionInterval)
	defer t.Stop()
	defer close(s.done)

	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			if _, err := s.GC(24 * 3600); err != nil {
				log.Error("replicastore/redis: background GC failed", log.Err(err))
			}
		}
	}
}

func (s *store) Stop() error {
	close(s.closed)
	<-s.done
	return s.pool.Close()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
