// Package sbtcerr defines the error kinds the signer core must
// distinguish (spec §7) and a wrapping *Error type that carries one.
package sbtcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error along the lines spec §7 requires callers to
// distinguish. Kind is never used for string formatting; callers switch on
// it to decide retry/abort/surface behavior.
type Kind int

const (
	// KindTransient covers unreachable/5xx/timeout RPC failures. Retried
	// on the next tenure; logged at warn.
	KindTransient Kind = iota
	// KindNotFound covers absent data (deposit, block, chain tip). Benign
	// in most paths.
	KindNotFound
	// KindValidation covers malformed requests, bad scripts, nonce
	// mismatches, disabled locktimes. Fails the individual item, never
	// the tenure.
	KindValidation
	// KindConsensus covers an already-decided sighash or withdrawal
	// output going the other way. The coordinator drops the package; the
	// item is retried under a different tip.
	KindConsensus
	// KindReorg covers canonical-chain queries returning a different path
	// than the caller expected.
	KindReorg
	// KindInvariant covers programming-invariant violations (integer
	// conversions, malformed config hex). Callers should crash rather
	// than continue with corrupted state; see Invariant below.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConsensus:
		return "consensus"
	case KindReorg:
		return "reorg"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the wrapping error type used at every Store/RPC boundary.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: [%v]", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New constructs an *Error of the given kind with a stack trace attached to
// the detail via github.com/pkg/errors, so the originating site is
// preserved through logging.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: errors.New(detail)}
}

// Wrap attaches kind and detail to an existing cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	if cause == nil {
		return New(kind, detail)
	}
	return &Error{Kind: kind, Detail: detail, cause: errors.WithMessage(cause, detail)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound is a convenience constructor for the two fatal not-found cases
// spec §7 names explicitly.
func NotFound(detail string) *Error { return New(KindNotFound, detail) }

var (
	// ErrNoChainTip is returned when a query requires a canonical
	// Bitcoin tip and none is known yet.
	ErrNoChainTip = NotFound("no canonical bitcoin chain tip")
	// ErrUnknownBitcoinBlock is returned when a caller references a
	// Bitcoin block hash the store has never seen.
	ErrUnknownBitcoinBlock = NotFound("unknown bitcoin block")
)

// Invariant panics with an *Error of KindInvariant. Use this for integer
// conversions and config parsing that should never fail for well-formed
// data; per spec §7 these are programming bugs and the process should
// crash rather than continue with corrupted state.
func Invariant(detail string, cause error) {
	panic(Wrap(KindInvariant, detail, cause))
}
