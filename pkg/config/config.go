// Package config loads the sbtc-signer TOML configuration and exposes the
// compile-time constants referenced throughout the rest of the codebase.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Compile-time constants (spec §6). These are not configurable: changing
// them changes consensus-relevant behavior and every signer in the cohort
// must agree on them.
const (
	// DepositLocktimeBlockBuffer is the minimum number of Bitcoin blocks of
	// reclaim-locktime slack a deposit must retain before it is eligible
	// for a sweep.
	DepositLocktimeBlockBuffer = 6
	// MaxReorgBlockCount bounds how deep we walk to find a "deeply
	// confirmed" signer UTXO, and how long until a confirmed event is
	// treated as final.
	MaxReorgBlockCount = 10
	// MaxMempoolPackageTxCount bounds the signer-input/signer-output chain
	// walked when looking for a deeply confirmed UTXO.
	MaxMempoolPackageTxCount = 25
	// WithdrawalBlocksExpiry is the hard expiry window, in Bitcoin blocks,
	// after which a withdrawal request is eligible for rejection.
	WithdrawalBlocksExpiry = 1400
	// WithdrawalMinConfirmations is the minimum number of Bitcoin
	// confirmations a withdrawal request must have on the Stacks chain
	// side before it is eligible for a sweep.
	WithdrawalMinConfirmations = 6
	// WithdrawalExpiryBuffer is the soft-expiry safety margin applied when
	// the signers estimate there isn't enough time left to sign and
	// confirm before hard expiry.
	WithdrawalExpiryBuffer = 172
	// WithdrawalDustLimit is the minimum withdrawal amount, in satoshis.
	WithdrawalDustLimit = 546
)

// SignerConfig holds the `[signer]` TOML table (spec §6).
type SignerConfig struct {
	// Network identifies which Bitcoin/Stacks network this signer runs
	// against; it also selects the two-byte OP_RETURN magic.
	Network string `toml:"network"`

	BootstrapSigningSet       []string      `toml:"bootstrap_signing_set"`
	BootstrapSignaturesRequired uint16      `toml:"bootstrap_signatures_required"`
	BootstrapAggregateKey     string        `toml:"bootstrap_aggregate_key"`

	DkgTargetRounds         uint32        `toml:"dkg_target_rounds"`
	DkgMinBitcoinBlockHeight uint64       `toml:"dkg_min_bitcoin_block_height"`
	DkgVerificationWindow   uint32        `toml:"dkg_verification_window"`
	DkgMaxDuration          time.Duration `toml:"dkg_max_duration"`

	SigningRoundMaxDuration        time.Duration `toml:"signing_round_max_duration"`
	BitcoinPresignRequestMaxDuration time.Duration `toml:"bitcoin_presign_request_max_duration"`

	ContextWindow uint32 `toml:"context_window"`

	BitcoinProcessingDelay  time.Duration `toml:"bitcoin_processing_delay"`
	RequestsProcessingDelay time.Duration `toml:"requests_processing_delay"`

	// SbtcBitcoinStartHeight is normally left at zero and lazily
	// initialized from the Stacks node's Nakamoto activation height; it
	// can be pinned here for tests.
	SbtcBitcoinStartHeight uint64 `toml:"sbtc_bitcoin_start_height"`

	Deployer string `toml:"deployer"`
}

// Config is the top-level TOML document.
type Config struct {
	Signer SignerConfig `toml:"signer"`
}

func (s SignerConfig) IsMainnet() bool {
	return s.Network == "mainnet"
}

// Load decodes a Config from the TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("could not decode config at %q: [%w]", path, err)
	}
	return &cfg, nil
}

// Default returns a Config populated with reasonable defaults, suitable as
// a base that callers override field-by-field (tests, `show-config`).
func Default() *Config {
	return &Config{
		Signer: SignerConfig{
			Network:                          "regtest",
			BootstrapSignaturesRequired:      2,
			DkgTargetRounds:                  1,
			DkgVerificationWindow:            10,
			DkgMaxDuration:                   10 * time.Minute,
			SigningRoundMaxDuration:          2 * time.Minute,
			BitcoinPresignRequestMaxDuration: 2 * time.Minute,
			ContextWindow:                    1000,
			BitcoinProcessingDelay:           500 * time.Millisecond,
			RequestsProcessingDelay:          500 * time.Millisecond,
		},
	}
}
