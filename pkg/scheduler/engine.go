// Package scheduler periodically re-drives the idempotent settlement paths
// for work the event handlers left pending.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/bridge-settlement/internal/metrics"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

// DefaultInterval is the cycle period when none is configured.
const DefaultInterval = time.Minute

// RootBonder bonds committed transfer roots of one source chain and tracks
// them until settlement.
type RootBonder interface {
	State() watcher.State
	BondTransferRoot(ctx context.Context, transferRootHash string) error
	SyncTransferRoot(ctx context.Context, transferRootHash string) error
}

// RootRelayer relays commits of one source chain.
type RootRelayer interface {
	State() watcher.State
	SourceChainID() int64
	HandleCommitTxHash(ctx context.Context, commitTxHash, transferRootHash string) error
}

// WithdrawalBonder bonds pending transfers on one destination chain and
// records their settlement there.
type WithdrawalBonder interface {
	State() watcher.State
	BondPending(ctx context.Context) error
	SyncSettlements(ctx context.Context) error
}

// Engine runs settlement cycles for one token.
type Engine struct {
	interval time.Duration
	db       *db.DB
	logger   *zap.Logger

	rootBonders       map[int64]RootBonder
	rootRelayers      []RootRelayer
	withdrawalBonders []WithdrawalBonder

	ready  atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine cycling every interval.
func NewEngine(interval time.Duration, store *db.DB, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		interval:    interval,
		db:          store,
		logger:      logger.Named("scheduler"),
		rootBonders: make(map[int64]RootBonder),
		stopCh:      make(chan struct{}),
	}
}

// AddRootBonder registers the bonder of roots committed on sourceChainID.
func (e *Engine) AddRootBonder(sourceChainID int64, b RootBonder) {
	e.rootBonders[sourceChainID] = b
}

func (e *Engine) AddRootRelayer(r RootRelayer) {
	e.rootRelayers = append(e.rootRelayers, r)
}

func (e *Engine) AddWithdrawalBonder(b WithdrawalBonder) {
	e.withdrawalBonders = append(e.withdrawalBonders, b)
}

// IsReady reports whether the first cycle has completed.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

// Start runs a first cycle immediately and then one per interval until
// Stop is called or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting scheduler", zap.Duration("interval", e.interval))

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop waits for the running cycle to finish.
func (e *Engine) Stop() {
	e.logger.Info("Stopping scheduler")
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Scheduler stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.RunOnce(ctx); err != nil {
			e.logger.Error("Settlement cycle failed", zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("scheduler", "cycle").Inc()
		}
		e.ready.Store(true)

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one settlement cycle. The stages run concurrently and a
// failure in one does not cancel the others.
func (e *Engine) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	var g errgroup.Group
	g.Go(func() error { return e.bondRoots(ctx) })
	g.Go(func() error { return e.relayRoots(ctx) })
	g.Go(func() error { return e.bondWithdrawals(ctx) })
	g.Go(func() error { return e.syncRoots(ctx) })
	err := g.Wait()

	if perr := e.publishPending(); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

func (e *Engine) bondRoots(ctx context.Context) error {
	if len(e.rootBonders) == 0 {
		return nil
	}
	roots, err := e.db.TransferRoots.GetUnbondedTransferRoots(db.TransferRootsFilter{})
	if err != nil {
		return fmt.Errorf("unbonded transfer roots: %w", err)
	}

	var errs []error
	for _, root := range roots {
		b, ok := e.rootBonders[root.SourceChainID]
		if !ok || b.State() != watcher.StateWatching {
			continue
		}
		if err := b.BondTransferRoot(ctx, root.TransferRootHash); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// syncRoots follows bonded and relayed roots to confirmation and settlement.
func (e *Engine) syncRoots(ctx context.Context) error {
	if len(e.rootBonders) == 0 {
		return nil
	}
	roots, err := e.db.TransferRoots.GetUnsettledTransferRoots(db.TransferRootsFilter{})
	if err != nil {
		return fmt.Errorf("unsettled transfer roots: %w", err)
	}

	var errs []error
	for _, root := range roots {
		b, ok := e.rootBonders[root.SourceChainID]
		if !ok || b.State() != watcher.StateWatching {
			continue
		}
		if err := b.SyncTransferRoot(ctx, root.TransferRootHash); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) relayRoots(ctx context.Context) error {
	var errs []error
	for _, r := range e.rootRelayers {
		if r.State() != watcher.StateWatching {
			continue
		}
		roots, err := e.db.TransferRoots.GetUnconfirmedTransferRoots(db.TransferRootsFilter{SourceChainID: r.SourceChainID()})
		if err != nil {
			errs = append(errs, fmt.Errorf("unconfirmed transfer roots: %w", err))
			continue
		}
		for _, root := range roots {
			if err := r.HandleCommitTxHash(ctx, root.CommitTxHash, root.TransferRootHash); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) bondWithdrawals(ctx context.Context) error {
	var errs []error
	for _, b := range e.withdrawalBonders {
		if b.State() != watcher.StateWatching {
			continue
		}
		if err := b.BondPending(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := b.SyncSettlements(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) publishPending() error {
	transfers := e.db.Transfers
	roots := e.db.TransferRoots

	stages := []struct {
		name  string
		count func() (int, error)
	}{
		{"uncommitted_transfers", countOf(func() ([]*db.Transfer, error) {
			return transfers.GetUncommittedTransfers(db.TransfersFilter{})
		})},
		{"unbonded_transfers", countOf(func() ([]*db.Transfer, error) {
			return transfers.GetUnbondedSentTransfers(db.TransfersFilter{})
		})},
		{"bonded_transfers_without_root", countOf(func() ([]*db.Transfer, error) {
			return transfers.GetBondedTransfersWithoutRoots(db.TransfersFilter{})
		})},
		{"unbonded_roots", countOf(func() ([]*db.TransferRoot, error) {
			return roots.GetUnbondedTransferRoots(db.TransferRootsFilter{})
		})},
		{"unconfirmed_roots", countOf(func() ([]*db.TransferRoot, error) {
			return roots.GetUnconfirmedTransferRoots(db.TransferRootsFilter{})
		})},
		{"unsettled_roots", countOf(func() ([]*db.TransferRoot, error) {
			return roots.GetUnsettledTransferRoots(db.TransferRootsFilter{})
		})},
	}

	for _, s := range stages {
		n, err := s.count()
		if err != nil {
			return fmt.Errorf("count %s: %w", s.name, err)
		}
		metrics.PendingTransfers.WithLabelValues(s.name).Set(float64(n))
	}
	return nil
}

func countOf[T any](list func() ([]T, error)) func() (int, error) {
	return func() (int, error) {
		items, err := list()
		return len(items), err
	}
}
