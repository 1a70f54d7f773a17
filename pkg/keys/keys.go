// Package keys wraps the secp256k1 key types used to identify DKG sets and
// derive the signers' taproot scriptPubKey, adapted from the key-handling
// idioms in pkg/net/libp2p/key.go.
package keys

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// PublicKey is a compressed secp256k1 public key: the aggregate key
// resulting from a DKG round, or an individual signer's key.
type PublicKey struct {
	inner *btcec.PublicKey
}

// ParsePublicKey parses a 33-byte compressed public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key: [%w]", err)
	}
	return PublicKey{inner: pk}, nil
}

// ParsePublicKeyHex parses a hex-encoded compressed public key, the form
// bootstrap_aggregate_key and the signer set are configured in.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key hex: [%w]", err)
	}
	return ParsePublicKey(b)
}

// XOnly returns the 32-byte x-only representation used to identify DKG
// sets in DepositRequest.signers_public_key.
func (p PublicKey) XOnly() [32]byte {
	var out [32]byte
	copy(out[:], schnorr.SerializePubKey(p.inner))
	return out
}

// Bytes returns the 33-byte compressed encoding.
func (p PublicKey) Bytes() []byte {
	return p.inner.SerializeCompressed()
}

func (p PublicKey) String() string {
	return hex.EncodeToString(p.Bytes())
}

// MarshalJSON encodes the key as a hex string, the form it travels in
// over the peer bus and in config files. The zero value encodes as "".
func (p PublicKey) MarshalJSON() ([]byte, error) {
	if p.inner == nil {
		return json.Marshal("")
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a hex-string-encoded public key.
func (p *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = PublicKey{}
		return nil
	}
	parsed, err := ParsePublicKeyHex(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Equal reports whether two public keys are the same point.
func (p PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(p.Bytes(), o.Bytes())
}

// SignersScriptPubKey derives the taproot key-spend-only scriptPubKey a
// DKG aggregate key locks, i.e. the "signers' scriptPubKey" referenced
// throughout spec §3/§4.2.
func (p PublicKey) SignersScriptPubKey() ([]byte, error) {
	tweaked := txscript.ComputeTaprootKeyNoScript(p.inner)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_1)
	builder.AddData(schnorr.SerializePubKey(tweaked))
	return builder.Script()
}

// TweakedXOnly returns the x-only tweaked output key, i.e.
// EncryptedDkgShares.tweaked_aggregate_key.
func (p PublicKey) TweakedXOnly() [32]byte {
	tweaked := txscript.ComputeTaprootKeyNoScript(p.inner)
	var out [32]byte
	copy(out[:], schnorr.SerializePubKey(tweaked))
	return out
}

// Fingerprint returns sha256(concat(sort(pubkeys))), the reclaim-pubkeys
// lookup key from spec §6/§8 scenario 6.
func Fingerprint(keys []PublicKey) [32]byte {
	xonly := make([][32]byte, len(keys))
	for i, k := range keys {
		xonly[i] = k.XOnly()
	}
	sort.Slice(xonly, func(i, j int) bool {
		return bytes.Compare(xonly[i][:], xonly[j][:]) < 0
	})
	var buf bytes.Buffer
	for _, x := range xonly {
		buf.Write(x[:])
	}
	return chainhash.HashH(buf.Bytes())
}
