// Package dht defines the substrate contract §4.C2 describes ("used,
// not re-specified") and the kbucket-backed implementation on top of
// go-libp2p-kad-dht. Higher layers (shard, content) only ever talk to
// the Substrate interface, never to *dht.IpfsDHT directly, so they can
// be unit tested against the in-memory fake in this package.
package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/peer"
)

// FoundRecord is one value returned from a Get. Source is the local peer
// that ran the query; neither substrate reports which remote peer
// supplied the value.
type FoundRecord struct {
	Value  []byte
	Source peer.ID
}

// Event is pushed to a Substrate's Events channel. RoutingUpdated fires
// the first time the routing table learns of a given peer; publishers
// wait for it (bounded by a timeout) before their first announcement.
type Event struct {
	Kind EventKind
	Peer peer.ID
}

// EventKind enumerates the substrate events a caller can observe.
type EventKind int

const (
	// RoutingUpdated fires when the routing table first includes a peer.
	RoutingUpdated EventKind = iota
)

// Substrate is the DHT contract consumed by the shard and content
// packages: opaque put/get of byte records, bootstrap, address-book
// registration, and a routing-table-updated event stream.
type Substrate interface {
	PutRecord(ctx context.Context, key, value []byte) error
	GetRecord(ctx context.Context, key []byte) (<-chan FoundRecord, error)
	Bootstrap(ctx context.Context) error
	AddAddress(id peer.ID, addr string)
	Events() <-chan Event
	Close() error
}

// QueryTimeout is the uniform DHT query timeout from §5; inconsistent
// per-node values here historically caused discovery failures.
const QueryTimeout = 120 * time.Second

// libp2pSubstrate adapts *kaddht.IpfsDHT to Substrate.
type libp2pSubstrate struct {
	host libp2phost.Host
	dht  *kaddht.IpfsDHT

	events chan Event
}

var _ routing.ValueStore = (*kaddht.IpfsDHT)(nil)

// New constructs a Substrate backed by go-libp2p-kad-dht running in
// client+server mode over host.
func New(ctx context.Context, host libp2phost.Host) (Substrate, error) {
	d, err := kaddht.New(ctx, host, kaddht.Mode(kaddht.ModeAutoServer))
	if err != nil {
		return nil, fmt.Errorf("dht: construct kademlia dht: %w", err)
	}

	s := &libp2pSubstrate{
		host:   host,
		dht:    d,
		events: make(chan Event, 32),
	}

	d.RoutingTable().PeerAdded = func(id libp2ppeer.ID) {
		select {
		case s.events <- Event{Kind: RoutingUpdated, Peer: peer.FromLibp2p(id)}:
		default:
			// The event is advisory (publishers also fall back to a
			// bounded timeout); a full buffer just means we drop one.
		}
	}

	return s, nil
}

func (s *libp2pSubstrate) PutRecord(ctx context.Context, key, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	return s.dht.PutValue(ctx, string(key), value)
}

func (s *libp2pSubstrate) GetRecord(ctx context.Context, key []byte) (<-chan FoundRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	out := make(chan FoundRecord, 8)

	found, err := s.dht.SearchValue(ctx, string(key))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dht: search value: %w", err)
	}

	go func() {
		defer cancel()
		defer close(out)
		for v := range found {
			out <- FoundRecord{Value: v, Source: peer.FromLibp2p(s.host.ID())}
		}
	}()

	return out, nil
}

func (s *libp2pSubstrate) Bootstrap(ctx context.Context) error {
	return s.dht.Bootstrap(ctx)
}

func (s *libp2pSubstrate) AddAddress(id peer.ID, addr string) {
	info, err := libp2ppeer.AddrInfoFromString(addr)
	if err != nil {
		return
	}
	s.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	_ = id // the address is keyed by the decoded info.ID; id is the caller's view of the same peer
}

func (s *libp2pSubstrate) Events() <-chan Event { return s.events }

func (s *libp2pSubstrate) Close() error { return s.dht.Close() }

// Memory is an in-process fake Substrate, used by tests that exercise
// the publish/discover loops without a real network. Puts from one
// Memory instance are visible to Get from any Memory instance sharing
// the same backing Network.
type Memory struct {
	net    *Network
	self   peer.ID
	events chan Event
}

// Network is the shared backing store a group of Memory substrates
// attach to, simulating a DHT's eventually-consistent storage.
type Network struct {
	mu      sync.RWMutex
	records map[string][][]byte // key -> all values ever put (most recent last)
}

// NewNetwork constructs an empty shared fake-DHT backing store.
func NewNetwork() *Network {
	return &Network{records: make(map[string][][]byte)}
}

// NewMemory attaches a new fake Substrate for peer self to net.
func NewMemory(net *Network, self peer.ID) *Memory {
	return &Memory{net: net, self: self, events: make(chan Event, 32)}
}

func (m *Memory) PutRecord(_ context.Context, key, value []byte) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	m.net.records[string(key)] = append(m.net.records[string(key)], append([]byte(nil), value...))
	return nil
}

func (m *Memory) GetRecord(_ context.Context, key []byte) (<-chan FoundRecord, error) {
	m.net.mu.RLock()
	values := append([][]byte(nil), m.net.records[string(key)]...)
	m.net.mu.RUnlock()

	out := make(chan FoundRecord, len(values))
	for _, v := range values {
		out <- FoundRecord{Value: v, Source: m.self}
	}
	close(out)
	return out, nil
}

func (m *Memory) Bootstrap(_ context.Context) error { return nil }

func (m *Memory) AddAddress(peer.ID, string) {}

func (m *Memory) Events() <-chan Event { return m.events }

// Fire lets a test simulate a RoutingUpdated event for a given peer.
func (m *Memory) Fire(id peer.ID) {
	select {
	case m.events <- Event{Kind: RoutingUpdated, Peer: id}:
	default:
	}
}

func (m *Memory) Close() error { return nil }

var _ Substrate = (*libp2pSubstrate)(nil)
var _ Substrate = (*Memory)(nil)

// FirstRoutingUpdated returns a channel that closes the first time
// substrate's event stream reports a RoutingUpdated event, and keeps
// draining the stream afterwards so later events don't block the
// substrate's (non-blocking, best-effort) delivery. Several components
// on the same node (the shard publisher, the torrent seeder) each need
// to know about "the first RoutingUpdated" independently; this lets
// them all derive from one read of the substrate's single event
// channel instead of racing each other for it.
func FirstRoutingUpdated(ctx context.Context, substrate Substrate) <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		var once sync.Once
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-substrate.Events():
				if !ok {
					return
				}
				if ev.Kind == RoutingUpdated {
					once.Do(func() { close(ready) })
				}
			}
		}
	}()
	return ready
}
