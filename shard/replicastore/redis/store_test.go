package redis

import "testing"

func TestConfigValidateAppliesDefaults(t *testing.T) {
	cfg := Config{}.validate()
	if cfg.Network != "tcp" {
		t.Errorf("Network = %q, want tcp", cfg.Network)
	}
	if cfg.Addr == "" {
		t.Error("Addr should have a default")
	}
	if cfg.GarbageCollectionInterval <= 0 {
		t.Error("GarbageCollectionInterval should have a positive default")
	}
}

func TestKeyIncludesPrefix(t *testing.T) {
	s := &store{cfg: Config{Prefix: "swarm:"}}
	if got, want := s.key("shard:0"), "swarm:replicastore:shard:0"; got != want {
		t.Errorf("key(%q) = %q, want %q", "shard:0", got, want)
	}
}
