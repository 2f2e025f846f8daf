package peer

import "testing"

func TestNewIdentityRoundTripsThroughMarshal(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if id.ID == "" {
		t.Fatal("ID should not be empty")
	}

	marshaled, err := id.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	loaded, err := LoadIdentity(marshaled)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if loaded.ID != id.ID {
		t.Fatalf("loaded ID = %v, want %v", loaded.ID, id.ID)
	}
}

func TestAddressBookAddDeduplicatesAndRemove(t *testing.T) {
	b := NewAddressBook()
	b.Add("peer-a", "/ip4/127.0.0.1/tcp/4001")
	b.Add("peer-a", "/ip4/127.0.0.1/tcp/4001")
	b.Add("peer-a", "/ip4/127.0.0.1/tcp/4002")

	addrs := b.Addresses("peer-a")
	if len(addrs) != 2 {
		t.Fatalf("Addresses = %v, want 2 unique entries", addrs)
	}

	b.Remove("peer-a")
	if len(b.Addresses("peer-a")) != 0 {
		t.Fatal("Remove should clear all addresses")
	}
}

func TestAddressBookPeersListsKnownIDs(t *testing.T) {
	b := NewAddressBook()
	b.Add("peer-a", "/ip4/127.0.0.1/tcp/4001")
	b.Add("peer-b", "/ip4/127.0.0.1/tcp/4002")

	peers := b.Peers()
	if len(peers) != 2 {
		t.Fatalf("Peers = %v, want 2 entries", peers)
	}
}
