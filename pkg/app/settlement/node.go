package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/config"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/ethereum"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
	"github.com/chainsafe/bridge-settlement/pkg/scheduler"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
	"github.com/chainsafe/bridge-settlement/pkg/watcher/bondwithdrawal"
	"github.com/chainsafe/bridge-settlement/pkg/watcher/commitbond"
	"github.com/chainsafe/bridge-settlement/pkg/watcher/xdomain"
)

// ChainClient is a chain adapter owned by the node.
type ChainClient interface {
	chain.Adapter
	Address() common.Address
	Close()
}

// ChainDialer connects to one chain with the contracts of one token bound.
type ChainDialer func(slug string, cfg *config.ChainConfig, contracts config.ContractsConfig, logger *zap.Logger) (ChainClient, error)

// ProverDialer connects to the relay proof service of one source chain.
type ProverDialer func(ctx context.Context, cfg *config.ChainConfig, logger *zap.Logger) (chain.RelayProver, func(), error)

func dialEthereum(slug string, cfg *config.ChainConfig, contracts config.ContractsConfig, logger *zap.Logger) (ChainClient, error) {
	c, err := ethereum.NewClient(slug, cfg, contracts, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func dialRPCProver(ctx context.Context, cfg *config.ChainConfig, logger *zap.Logger) (chain.RelayProver, func(), error) {
	p, err := ethereum.DialProver(ctx, cfg.ProverURL, cfg.RPCTimeout, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// managedWatcher is what the operational API can see and toggle.
type managedWatcher interface {
	watcher.Watcher
	ChainSlug() string
	TokenSymbol() string
	DryMode() bool
	PauseMode() bool
	SetDryMode(enabled bool)
	SetPauseMode(enabled bool)
}

// tokenNode is the settlement pipeline of one token.
type tokenNode struct {
	symbol   string
	db       *db.DB
	engine   *scheduler.Engine
	watchers []managedWatcher
}

// node owns every token pipeline and the connections behind them.
type node struct {
	tokens  map[string]*tokenNode
	closers []func()
	logger  *zap.Logger
}

type nodeBuilder struct {
	cfg        *config.Config
	registry   *kvstore.Registry
	logger     *zap.Logger
	notifier   notifier.Notifier
	dialChain  ChainDialer
	dialProver ProverDialer
}

func (b *nodeBuilder) build(ctx context.Context) (n *node, err error) {
	n = &node{tokens: make(map[string]*tokenNode), logger: b.logger}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	slugs := make(map[int64]string, len(b.cfg.Chains))
	for slug, ch := range b.cfg.Chains {
		slugs[ch.ChainID] = slug
	}
	resolver := chain.NewSlugResolver(slugs)
	policy := db.RetryPolicy{
		TxRetryDelay:    b.cfg.Retry.TxRetryDelay,
		BackoffUnit:     b.cfg.Retry.BackoffUnit,
		RetentionWindow: b.cfg.Retry.RetentionWindow,
		BondSettleDelay: b.cfg.Watchers.CommitSettleDelay,
	}

	for _, key := range sortedKeys(b.cfg.Tokens) {
		// viper lowercases map keys
		symbol := strings.ToUpper(key)
		store, err := db.New(b.registry, b.cfg.DB.Path, symbol, b.logger,
			db.WithRetryPolicy(policy),
			db.WithSlugResolver(resolver),
		)
		if err != nil {
			return nil, fmt.Errorf("open db for %s: %w", symbol, err)
		}

		tn, err := b.buildToken(ctx, n, symbol, b.cfg.Tokens[key], store)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", symbol, err)
		}
		n.tokens[symbol] = tn
	}
	return n, nil
}

func (b *nodeBuilder) buildToken(ctx context.Context, n *node, symbol string, token *config.TokenConfig, store *db.DB) (*tokenNode, error) {
	logger := b.logger.With(zap.String("token", symbol))
	l1Slug, _ := b.cfg.L1()

	adapters := make(map[string]ChainClient, len(token.Contracts))
	for _, slug := range sortedKeys(token.Contracts) {
		client, err := b.dialChain(slug, b.cfg.Chains[slug], token.Contracts[slug], logger)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", slug, err)
		}
		n.closers = append(n.closers, client.Close)
		adapters[slug] = client
	}
	l1, ok := adapters[l1Slug]
	if !ok {
		return nil, fmt.Errorf("no contracts on base chain %s", l1Slug)
	}

	tn := &tokenNode{
		symbol: symbol,
		db:     store,
		engine: scheduler.NewEngine(b.cfg.Watchers.SchedulerInterval, store, logger),
	}

	for _, slug := range sortedKeys(adapters) {
		ch := b.cfg.Chains[slug]
		base := watcher.Config{
			ChainSlug:   slug,
			TokenSymbol: symbol,
			IsL1:        ch.IsL1,
			DryMode:     b.cfg.Watchers.DryMode,
			PauseMode:   b.cfg.Watchers.PauseMode,
		}

		bw := bondwithdrawal.New(bondwithdrawal.Config{
			Config:             base,
			DestinationChainID: ch.ChainID,
			BonderAddress:      adapters[slug].Address().Hex(),
		}, adapters[slug], store, logger, b.notifier)
		tn.engine.AddWithdrawalBonder(bw)
		tn.watchers = append(tn.watchers, bw)

		if ch.IsL1 {
			continue
		}

		cb := commitbond.New(commitbond.Config{
			Config:      base,
			SettleDelay: b.cfg.Watchers.CommitSettleDelay,
		}, adapters[slug], l1, store, logger, b.notifier)
		tn.engine.AddRootBonder(ch.ChainID, cb)
		tn.watchers = append(tn.watchers, cb)

		if ch.ProverURL == "" {
			logger.Warn("No prover configured, cross-domain relay disabled", zap.String("chain", slug))
			continue
		}
		prover, closeProver, err := b.dialProver(ctx, ch, logger)
		if err != nil {
			return nil, fmt.Errorf("dial prover for %s: %w", slug, err)
		}
		if closeProver != nil {
			n.closers = append(n.closers, closeProver)
		}
		xd := xdomain.New(xdomain.Config{
			Config:        base,
			SourceChainID: ch.ChainID,
		}, l1, prover, store, logger, b.notifier)
		tn.engine.AddRootRelayer(xd)
		tn.watchers = append(tn.watchers, xd)
	}

	logger.Info("Token pipeline ready",
		zap.Int("chains", len(adapters)),
		zap.Int("watchers", len(tn.watchers)),
	)
	return tn, nil
}

// start starts every watcher and then the schedulers. A watcher that fails
// to start stays Stopped and is skipped by its scheduler.
func (n *node) start(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range n.allWatchers() {
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				n.logger.Error("Watcher did not start",
					zap.String("watcher", w.Name()),
					zap.String("chain", w.ChainSlug()),
					zap.String("token", w.TokenSymbol()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, tn := range n.tokens {
		if err := tn.engine.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler for %s: %w", tn.symbol, err)
		}
	}
	return nil
}

func (n *node) stop() {
	for _, tn := range n.tokens {
		tn.engine.Stop()
	}
	for _, w := range n.allWatchers() {
		w.Stop()
	}
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

func (n *node) isReady() bool {
	for _, tn := range n.tokens {
		if !tn.engine.IsReady() {
			return false
		}
	}
	return true
}

func (n *node) allWatchers() []managedWatcher {
	var out []managedWatcher
	for _, symbol := range sortedKeys(n.tokens) {
		out = append(out, n.tokens[symbol].watchers...)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
