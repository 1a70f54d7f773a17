// Package libp2p adapts the secp256k1 peer identity derivation from the
// teacher's pkg/net/libp2p/key.go to this repo's own pkg/keys.PublicKey,
// in place of the keep-core-specific operator package: a signer's
// on-chain identity key doubles as its libp2p peer identity, so peers
// authenticate each other's gossip without a separate PKI.
package libp2p

import (
	"crypto/elliptic"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"

	"github.com/keep-network/sbtc-signer/pkg/keys"
)

// DefaultCurve is the curve libp2p peer identities use here: secp256k1,
// matching the signer cohort's own DKG-set and taproot keys.
var DefaultCurve elliptic.Curve = btcec.S256()

// GenerateStaticKey creates a fresh secp256k1 identity for a signer
// joining the peer bus for the first time; config.Config is expected to
// persist the resulting private key across restarts.
func GenerateStaticKey() (*btcec.PrivateKey, keys.PublicKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, keys.PublicKey{}, fmt.Errorf("generate peer identity: [%w]", err)
	}
	pub, err := keys.ParsePublicKey(priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, keys.PublicKey{}, fmt.Errorf("derive peer identity public key: [%w]", err)
	}
	return priv, pub, nil
}

// PrivateKeyToNetworkKeyPair converts a signer's secp256k1 identity key
// to the libp2p-specific key pair libp2p's transport security handshake
// requires.
func PrivateKeyToNetworkKeyPair(priv *btcec.PrivateKey) (
	*libp2pcrypto.Secp256k1PrivateKey,
	*libp2pcrypto.Secp256k1PublicKey,
	error,
) {
	if priv == nil {
		return nil, nil, fmt.Errorf("nil private key")
	}
	networkPrivateKey := libp2pcrypto.Secp256k1PrivateKey(*priv)
	networkPublicKey := libp2pcrypto.Secp256k1PublicKey(*priv.PubKey())
	return &networkPrivateKey, &networkPublicKey, nil
}

// PublicKeyToNetworkPublicKey converts a signer's identity public key to
// its libp2p network public key.
func PublicKeyToNetworkPublicKey(pub keys.PublicKey) (*libp2pcrypto.Secp256k1PublicKey, error) {
	btcecPublicKey, err := btcec.ParsePubKey(pub.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse identity public key: [%w]", err)
	}
	networkPublicKey := libp2pcrypto.Secp256k1PublicKey(*btcecPublicKey)
	return &networkPublicKey, nil
}

// NetworkPublicKeyToPublicKey converts a libp2p network public key
// observed on the wire back to a signer identity public key, rejecting
// any peer that isn't presenting a secp256k1 key.
func NetworkPublicKeyToPublicKey(networkPublicKey libp2pcrypto.PubKey) (keys.PublicKey, error) {
	switch publicKey := networkPublicKey.(type) {
	case *libp2pcrypto.Secp256k1PublicKey:
		btcecPublicKey := (*btcec.PublicKey)(publicKey)
		return keys.ParsePublicKey(btcecPublicKey.SerializeCompressed())
	}
	return keys.PublicKey{}, fmt.Errorf("unrecognized peer public key type")
}
