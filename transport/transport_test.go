package transport

import "testing"

func TestNewHostHasStableIdentity(t *testing.T) {
	h, err := New(Config{ListenPort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	if h.ID() == "" {
		t.Fatal("Host ID should not be empty")
	}
	if len(h.ListenAddresses()) == 0 {
		t.Fatal("Host should report at least one listen address")
	}
}

func TestConnectRejectsMalformedAddress(t *testing.T) {
	h, err := New(Config{ListenPort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	if _, err := h.Connect(nil, "not-a-multiaddr"); err == nil {
		t.Fatal("Connect should reject a malformed address")
	}
}
