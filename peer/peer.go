// Package peer defines the stable, cryptographically derived node
// identity that every other component addresses a node by. It wraps
// libp2p's own peer.ID rather than inventing a parallel identifier
// scheme, since libp2p.ID already is exactly what the data model calls
// for: a hashable, comparable, string-convertible identifier derived
// from a keypair.
package peer

import (
	"crypto/rand"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

// ID is a node's stable identifier, the base58-encoded multihash of its
// public key. It is comparable and hashable, so it is used directly as
// a map key throughout the replica table, correlation table, and
// address book.
type ID string

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// FromLibp2p converts a native libp2p peer.ID to our ID type.
func FromLibp2p(id libp2ppeer.ID) ID { return ID(id.String()) }

// Libp2p decodes ID back into a native libp2p peer.ID, e.g. to dial or
// to look an entry up in a libp2p Peerstore.
func (id ID) Libp2p() (libp2ppeer.ID, error) {
	return libp2ppeer.Decode(string(id))
}

// Identity is a node's private keypair plus the ID derived from it.
type Identity struct {
	ID         ID
	PrivateKey libp2pcrypto.PrivKey
	PublicKey  libp2pcrypto.PubKey
}

// NewIdentity generates a fresh Ed25519 identity, the same key type the
// underlying transport defaults to when none is supplied.
func NewIdentity() (*Identity, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("peer: generate identity: %w", err)
	}
	libp2pID, err := libp2ppeer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("peer: derive id from key: %w", err)
	}
	return &Identity{
		ID:         FromLibp2p(libp2pID),
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

// LoadIdentity reconstructs an Identity from a previously marshaled
// private key, so a node keeps the same peer_id across restarts instead
// of generating a new one (and thereby orphaning its prior
// announcements) every time the process starts.
func LoadIdentity(marshaled []byte) (*Identity, error) {
	priv, err := libp2pcrypto.UnmarshalPrivateKey(marshaled)
	if err != nil {
		return nil, fmt.Errorf("peer: unmarshal identity: %w", err)
	}
	pub := priv.GetPublic()
	libp2pID, err := libp2ppeer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("peer: derive id from key: %w", err)
	}
	return &Identity{ID: FromLibp2p(libp2pID), PrivateKey: priv, PublicKey: pub}, nil
}

// Marshal serializes the identity's private key for on-disk persistence.
func (i *Identity) Marshal() ([]byte, error) {
	return libp2pcrypto.MarshalPrivateKey(i.PrivateKey)
}
