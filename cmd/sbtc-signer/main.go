// Command sbtc-signer runs one member of the signer cohort: the block
// observer, request decider, coordinator, and non-leader signer
// components, all sharing one pkg/context.Context. Wiring style follows
// the teacher's keep-ecdsa sibling's urfave/cli entrypoint convention:
// flags bind directly to config fields, and subcommands stay thin.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/blocklist"
	"github.com/keep-network/sbtc-signer/pkg/blockobserver"
	"github.com/keep-network/sbtc-signer/pkg/chain"
	realbitcoin "github.com/keep-network/sbtc-signer/pkg/chain/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/chain/emily"
	"github.com/keep-network/sbtc-signer/pkg/chain/stacks"
	"github.com/keep-network/sbtc-signer/pkg/config"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/coordinator"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/net/libp2p"
	netlocal "github.com/keep-network/sbtc-signer/pkg/net/local"
	"github.com/keep-network/sbtc-signer/pkg/requestdecider"
	"github.com/keep-network/sbtc-signer/pkg/signer"
	"github.com/keep-network/sbtc-signer/pkg/storage"
	"github.com/keep-network/sbtc-signer/pkg/wsts"
)

var logger = log.Logger("cmd/sbtc-signer")

const (
	flagConfigPath   = "config"
	flagNetwork      = "network"
	flagIdentityKey  = "identity-key"
	flagBitcoinHost  = "bitcoin-rpc-host"
	flagBitcoinUser  = "bitcoin-rpc-user"
	flagBitcoinPass  = "bitcoin-rpc-pass"
	flagBitcoinNoTLS = "bitcoin-rpc-disable-tls"
	flagStacksURL    = "stacks-node-url"
	flagEmilyURL     = "emily-url"
	flagEmilyAPIKey  = "emily-api-key"
)

func main() {
	if err := buildApp().Run(os.Args); err != nil {
		logger.Fatalf("sbtc-signer: [%v]", err)
	}
}

func buildApp() *cli.App {
	return &cli.App{
		Name:  "sbtc-signer",
		Usage: "run or inspect a single sBTC signer cohort member",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagConfigPath, Usage: "path to a TOML config file; config.Default() is used when omitted"},
			&cli.StringFlag{Name: flagNetwork, Usage: "overrides [signer].network (mainnet, testnet, regtest)"},
			&cli.StringFlag{Name: flagIdentityKey, Usage: "hex-encoded secp256k1 private key identifying this signer; a fresh one is generated and logged when omitted"},
			&cli.StringFlag{Name: flagBitcoinHost, Usage: "bitcoin-core RPC host:port; a mock client is used when omitted"},
			&cli.StringFlag{Name: flagBitcoinUser},
			&cli.StringFlag{Name: flagBitcoinPass},
			&cli.BoolFlag{Name: flagBitcoinNoTLS},
			&cli.StringFlag{Name: flagStacksURL, Usage: "contract-chain node base URL; a mock client is used when omitted"},
			&cli.StringFlag{Name: flagEmilyURL, Usage: "Emily gateway base URL; a mock client is used when omitted"},
			&cli.StringFlag{Name: flagEmilyAPIKey},
		},
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "run the block observer, request decider, coordinator, and signer until interrupted",
				Action: startAction,
			},
			{
				Name:   "dkg",
				Usage:  "refresh chain state and run a single coordinator tenure, forcing a DKG round if one is due",
				Action: dkgAction,
			},
			{
				Name:   "show-config",
				Usage:  "print the effective configuration and exit",
				Action: showConfigAction,
			},
		},
	}
}

// loadConfig reads --config (falling back to config.Default) and applies
// --network if given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String(flagConfigPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if network := c.String(flagNetwork); network != "" {
		cfg.Signer.Network = network
	}
	return cfg, nil
}

// loadIdentity parses --identity-key, or generates and logs a fresh
// secp256k1 identity when the flag is omitted (a devnet/single-run
// convenience; a durable identity should be persisted by the operator
// and passed back in on every restart).
func loadIdentity(c *cli.Context) (keys.PublicKey, error) {
	hexKey := c.String(flagIdentityKey)
	if hexKey == "" {
		_, pub, err := libp2p.GenerateStaticKey()
		if err != nil {
			return keys.PublicKey{}, err
		}
		logger.Warnf("no identity key given, generated ephemeral identity: [%s]", pub.String())
		return pub, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return keys.PublicKey{}, fmt.Errorf("decode identity key: [%w]", err)
	}
	_, pub := btcec.PrivKeyFromBytes(raw)
	identity, err := keys.ParsePublicKey(pub.SerializeCompressed())
	if err != nil {
		return keys.PublicKey{}, fmt.Errorf("derive identity public key: [%w]", err)
	}
	return identity, nil
}

// buildBitcoinClient dials bitcoin-core over RPC when --bitcoin-rpc-host
// is set, and falls back to the in-memory mock otherwise (a convenience
// for show-config/dkg dry runs and local development).
func buildBitcoinClient(c *cli.Context) (chain.BitcoinInteract, error) {
	host := c.String(flagBitcoinHost)
	if host == "" {
		logger.Warn("no bitcoin RPC host given, using mock bitcoin client")
		return realbitcoin.NewMock(), nil
	}
	return realbitcoin.Dial(realbitcoin.Config{
		Host:       host,
		User:       c.String(flagBitcoinUser),
		Pass:       c.String(flagBitcoinPass),
		DisableTLS: c.Bool(flagBitcoinNoTLS),
	})
}

func buildStacksClient(c *cli.Context) chain.StacksInteract {
	url := c.String(flagStacksURL)
	if url == "" {
		logger.Warn("no stacks node URL given, using mock stacks client")
		return stacks.NewMock()
	}
	return stacks.New(url, http.DefaultClient)
}

func buildEmilyClient(c *cli.Context) chain.EmilyInteract {
	url := c.String(flagEmilyURL)
	if url == "" {
		logger.Warn("no emily gateway URL given, using mock emily client")
		return emily.NewMock()
	}
	return emily.New(url, c.String(flagEmilyAPIKey), http.DefaultClient)
}

// buildSignerContext wires the chain clients, the in-memory store, and
// the local peer-bus provider into one Context. A production deployment
// would dial a libp2p host over identity's network key pair
// (pkg/net/libp2p.PrivateKeyToNetworkKeyPair); no such host assembly
// exists in this repo yet, so every signer launched by this binary joins
// the process-local bus instead (see DESIGN.md's net-provider note).
func buildSignerContext(c *cli.Context, cfg config.Config, identity keys.PublicKey) (sbtccontext.Context, error) {
	btcClient, err := buildBitcoinClient(c)
	if err != nil {
		return nil, fmt.Errorf("build bitcoin client: [%w]", err)
	}

	deps := sbtccontext.Deps{
		Config:  cfg,
		Store:   storage.NewMemoryStore(),
		Bitcoin: btcClient,
		Stacks:  buildStacksClient(c),
		Emily:   buildEmilyClient(c),
		Net:     netlocal.ConnectWithKey(identity),
	}
	return sbtccontext.New(deps), nil
}

// watchBitcoinTip polls BestBlockHash at the configured processing delay
// and forwards every newly observed tip to out, until ctx is done. No
// ZMQ block-notification client exists in this codebase (spec §6 names
// it only as the production transport), so polling bitcoin-core's RPC is
// the stdlib-only fallback; a real deployment should replace this with a
// rawblock/hashblock ZMQ subscriber feeding the same channel.
func watchBitcoinTip(ctx context.Context, client chain.BitcoinInteract, delay time.Duration, out chan<- bitcoin.BlockHash) {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	var last bitcoin.BlockHash
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, err := client.BestBlockHash(ctx)
			if err != nil {
				logger.Warnf("poll bitcoin tip: [%v]", err)
				continue
			}
			if tip == last {
				continue
			}
			last = tip
			select {
			case out <- tip:
			case <-ctx.Done():
				return
			}
		}
	}
}

func startAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	identity, err := loadIdentity(c)
	if err != nil {
		return err
	}
	sbtcCtx, err := buildSignerContext(c, *cfg, identity)
	if err != nil {
		return err
	}

	observer := blockobserver.New(sbtcCtx)
	decider := requestdecider.New(sbtcCtx, identity, blocklist.NewMock())
	executor := wsts.NewExecutor()
	coord := coordinator.New(sbtcCtx, identity, executor, executor)
	sign := signer.New(sbtcCtx, identity, executor)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown requested")
		sbtcCtx.Shutdown()
		cancel()
	}()

	tips := make(chan bitcoin.BlockHash, 1)
	go watchBitcoinTip(runCtx, sbtcCtx.BitcoinClient(), cfg.Signer.BitcoinProcessingDelay, tips)

	var wg sync.WaitGroup
	errCh := make(chan error, 5)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: [%w]", name, err)
			}
		}()
	}

	run("block-observer", func(ctx context.Context) error { return observer.Run(ctx, tips) })
	run("request-decider", decider.Run)
	run("coordinator", coord.Run)
	run("signer", sign.Run)

	select {
	case err := <-errCh:
		logger.Errorf("component exited: [%v]", err)
		sbtcCtx.Shutdown()
		cancel()
	case <-runCtx.Done():
	}
	wg.Wait()
	return nil
}

// dkgAction runs one pass of state refresh followed by a single
// coordinator tenure attempt, for an operator bootstrapping (or
// rotating) the DKG round out-of-band from the usual per-tip cadence.
func dkgAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	identity, err := loadIdentity(c)
	if err != nil {
		return err
	}
	sbtcCtx, err := buildSignerContext(c, *cfg, identity)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tip, err := sbtcCtx.BitcoinClient().BestBlockHash(ctx)
	if err != nil {
		return fmt.Errorf("resolve bitcoin tip: [%w]", err)
	}

	observer := blockobserver.New(sbtcCtx)
	if err := observer.ProcessBitcoinBlocksUntil(ctx, tip); err != nil {
		return fmt.Errorf("catch up bitcoin blocks: [%w]", err)
	}
	if err := observer.UpdateSignerState(ctx, tip); err != nil {
		return fmt.Errorf("refresh signer state: [%w]", err)
	}

	executor := wsts.NewExecutor()
	coord := coordinator.New(sbtcCtx, identity, executor, executor)
	if err := coord.MaybeRunTenure(ctx); err != nil {
		return fmt.Errorf("run tenure: [%w]", err)
	}
	logger.Info("dkg tenure attempt complete")
	return nil
}

func showConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}
