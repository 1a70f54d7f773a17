package coordinator

import (
	"crypto/sha256"
	"bytes"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/keys"
)

// Elect deterministically picks the coordinator for tip: the signer set
// member minimizing H(tip || key) (spec §4.4). Every node runs this
// independently and arrives at the same answer without a vote.
func Elect(tip bitcoin.BlockHash, signerSet []keys.PublicKey) (keys.PublicKey, bool) {
	if len(signerSet) == 0 {
		return keys.PublicKey{}, false
	}

	var winner keys.PublicKey
	var winnerHash []byte
	for _, k := range signerSet {
		h := sha256.Sum256(append(append([]byte{}, tip[:]...), k.Bytes()...))
		if winnerHash == nil || bytes.Compare(h[:], winnerHash) < 0 {
			winner = k
			winnerHash = h[:]
		}
	}
	return winner, true
}

// IsElected reports whether self is the elected coordinator for tip.
func IsElected(tip bitcoin.BlockHash, signerSet []keys.PublicKey, self keys.PublicKey) bool {
	winner, ok := Elect(tip, signerSet)
	return ok && winner.Equal(self)
}
