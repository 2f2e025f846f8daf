// Package replicastore defines the pluggable backing store for replica
// records, independent of what those records mean. shard.Table owns the
// domain semantics (scoring, freshness, completeness); a Store is just a
// bucketed key/value map with an age associated with every entry, so it
// can be garbage collected without understanding the payload.
//
// Two drivers are provided: memory (the default, an in-process sharded
// map) and redis (a shared store so several coordinator processes can
// see the same replica table). Selection follows the same named-driver,
// remarshal-by-config pattern used throughout this system.
package replicastore

import (
	"fmt"
	"sync"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// Entry is one stored record plus the metadata needed to garbage
// collect it.
type Entry struct {
	Key      string
	Value    []byte
	StoredAt int64 // unix seconds
}

// Store is a bucketed key/value store with age-based garbage collection.
// A bucket groups related keys (shard.Table uses one bucket per shard
// id) so List can return just that shard's replicas without scanning
// the whole store.
type Store interface {
	// Put upserts a value under (bucket, key), stamping it with the
	// current time for later GC.
	Put(bucket, key string, value []byte) error
	// Get returns a single entry, or ok=false if absent.
	Get(bucket, key string) (Entry, bool, error)
	// Delete removes a single entry; a missing entry is not an error.
	Delete(bucket, key string) error
	// List returns every entry currently stored in a bucket.
	List(bucket string) ([]Entry, error)
	// GC removes every entry across every bucket older than maxAge
	// seconds and reports how many it removed.
	GC(maxAge int64) (int, error)
	// Stop releases any background goroutines or connections.
	Stop() error
	// LogFields renders the store's configuration for structured logs.
	LogFields() log.Fields
}

// Driver constructs a Store from a driver-specific config, the same
// remarshal-by-name pattern config.Plugin feeds into.
type Driver interface {
	NewStore(params interface{}) (Store, error)
}

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// RegisterDriver makes a Driver available under name. It panics on
// duplicate registration, mirroring the rest of this system's plugin
// registries: a silently-shadowed driver is a configuration bug waiting
// to happen, not a valid override mechanism.
func RegisterDriver(name string, d Driver) {
	driversM.Lock()
	defer driversM.Unlock()

	if name == "" {
		panic("replicastore: could not register a Driver with an empty name")
	}
	if _, dup := drivers[name]; dup {
		panic("replicastore: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = d
}

// Open constructs a Store using the driver registered under name.
func Open(name string, params interface{}) (Store, error) {
	driversM.RLock()
	d, ok := drivers[name]
	driversM.RUnlock()

	if !ok {
		return nil, fmt.Errorf("replicastore: unknown driver %q (forgotten import?)", name)
	}
	return d.NewStore(params)
}
