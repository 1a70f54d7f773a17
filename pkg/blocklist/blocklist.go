// Package blocklist names the interface the signer core consumes from
// a blocklist/risk-screening client. The client itself — the HTTP
// wrapper around a risk-scoring API — is explicitly out of scope (spec
// §1); only the capability RequestDecider depends on is named here,
// the same way pkg/chain names BitcoinInteract/StacksInteract/
// EmilyInteract without owning those services' implementations.
package blocklist

import "context"

// Checker decides whether an address should be treated as blocked.
// IsBlocked returning an error (network failure, non-2xx response) is
// distinct from a negative verdict: callers treat the former as
// sbtcerr.KindTransient and the latter as an ordinary false vote,
// mirroring blocklist-client/src/common/error.rs's separation between
// a screening decision and a client-health failure.
type Checker interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
}
