// Package commitbond ingests transfers sent on a source chain and bonds the
// transfer roots committed there on the base chain.
package commitbond

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/internal/metrics"
	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

const (
	// Name identifies the watcher in logs and metrics.
	Name = "commit_bond_watcher"

	// DefaultSettleDelay is awaited after a commit event before bonding, to
	// ride out shallow reorgs of the emitting block.
	DefaultSettleDelay = 2 * time.Second

	methodBondTransferRoot      = "bondTransferRoot"
	methodTransferRootConfirmed = "transferRootConfirmed"
)

var (
	// ErrTransferRootNotFound is returned when bonding an unknown root.
	ErrTransferRootNotFound = errors.New("transfer root not found")

	// ErrMissingPayload is returned for events without their typed payload.
	ErrMissingPayload = errors.New("event payload missing")

	// ErrUnexpectedConfirmedResult is returned when the confirmation check
	// does not yield a boolean.
	ErrUnexpectedConfirmedResult = errors.New("unexpected transferRootConfirmed result")
)

// Config configures a Watcher.
type Config struct {
	watcher.Config
	SettleDelay time.Duration
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithSleep replaces the context-aware sleep used for the settle delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Watcher) {
		w.sleep = sleep
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// Watcher follows TransferSent and TransfersCommitted on one source chain
// and submits bondTransferRoot on the base chain.
type Watcher struct {
	*watcher.Base

	source      chain.Adapter
	l1          chain.Adapter
	db          *db.DB
	settleDelay time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	// linkMu serializes root assignment between the sent and commit handlers.
	linkMu sync.Mutex
}

// New creates a commit-and-bond watcher for the chain behind source.
func New(cfg Config, source, l1 chain.Adapter, store *db.DB, logger *zap.Logger, n notifier.Notifier, opts ...Option) *Watcher {
	w := &Watcher{
		Base:        watcher.NewBase(Name, cfg.Config, logger, n),
		source:      source,
		l1:          l1,
		db:          store,
		settleDelay: cfg.SettleDelay,
		sleep:       watcher.Sleep,
		now:         time.Now,
	}
	if w.settleDelay <= 0 {
		w.settleDelay = DefaultSettleDelay
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to the source chain events.
func (w *Watcher) Start(ctx context.Context) error {
	return w.StartWith(ctx, func(ctx context.Context) error {
		if err := w.Subscribe(ctx, w.source, chain.EventTransferSent, w.HandleTransferSent); err != nil {
			return err
		}
		return w.Subscribe(ctx, w.source, chain.EventTransfersCommitted, w.HandleTransfersCommitted)
	})
}

// HandleTransferSent records the sent phase of a transfer. The record is
// created by the first update.
func (w *Watcher) HandleTransferSent(_ context.Context, ev chain.Event) error {
	sent := ev.TransferSent
	if sent == nil {
		return fmt.Errorf("%s: %w", ev.Type, ErrMissingPayload)
	}
	transferID := sent.TransferID.Hex()

	logger := w.Logger().With(zap.String("transfer_id", transferID))
	logger.Debug("Received TransferSent event",
		zap.Uint64("block", ev.BlockNumber),
		zap.Int64("destination_chain_id", sent.DestinationChainID),
	)

	bonderFee := decimalFromBig(sent.BonderFee)
	update := db.TransferUpdate{
		SourceChainID:           db.Ptr(w.source.ChainID()),
		DestinationChainID:      db.Ptr(sent.DestinationChainID),
		TransferSentTxHash:      db.Ptr(ev.TxHash.Hex()),
		TransferSentBlockNumber: db.Ptr(ev.BlockNumber),
		TransferSentIndex:       db.Ptr(sent.Index),
		Recipient:               db.Ptr(sent.Recipient.Hex()),
		Amount:                  db.Ptr(decimalFromBig(sent.Amount)),
		AmountOutMin:            db.Ptr(decimalFromBig(sent.AmountOutMin)),
		BonderFee:               db.Ptr(bonderFee),
		TransferNonce:           db.Ptr(sent.TransferNonce.Hex()),
		IsBondable:              db.Ptr(bonderFee.IsPositive()),
	}
	if sent.Deadline != 0 {
		update.Deadline = db.Ptr(sent.Deadline)
	}
	if ev.Timestamp != 0 {
		update.TransferSentTimestamp = db.Ptr(int64(ev.Timestamp))
	}

	w.linkMu.Lock()
	defer w.linkMu.Unlock()

	if err := w.db.Transfers.Update(transferID, update); err != nil {
		return fmt.Errorf("store transfer sent: %w", err)
	}

	// a commit handled before this event may already cover the transfer
	t, err := w.db.Transfers.GetByTransferID(transferID)
	if err != nil {
		return err
	}
	if err := w.linkTransfers([]*db.Transfer{t}); err != nil {
		return fmt.Errorf("link transfer %s: %w", transferID, err)
	}
	return nil
}

// HandleTransfersCommitted stores the committed root, links the transfers
// it covers, waits the settle delay and bonds the root.
func (w *Watcher) HandleTransfersCommitted(ctx context.Context, ev chain.Event) error {
	committed := ev.TransfersCommitted
	if committed == nil {
		return fmt.Errorf("%s: %w", ev.Type, ErrMissingPayload)
	}
	rootHash := committed.TransferRootHash.Hex()

	logger := w.Logger().With(zap.String("transfer_root_hash", rootHash))
	logger.Debug("Received TransfersCommitted event",
		zap.Int64s("chain_ids", committed.DestinationChainIDs),
		zap.String("tx_hash", ev.TxHash.Hex()),
	)

	if len(committed.DestinationChainIDs) != len(committed.ChainAmounts) {
		return fmt.Errorf("root %s: %d chain ids but %d amounts",
			rootHash, len(committed.DestinationChainIDs), len(committed.ChainAmounts))
	}

	amounts := make([]decimal.Decimal, 0, len(committed.ChainAmounts))
	for _, amt := range committed.ChainAmounts {
		amounts = append(amounts, decimalFromBig(amt))
	}
	committedAt := w.now().UnixMilli()
	if ev.Timestamp != 0 {
		committedAt = int64(ev.Timestamp) * 1000
	}

	total := committed.TotalAmount()
	if err := w.storeRootAndLink(rootHash, db.TransferRootUpdate{
		TransferRootID:      db.Ptr(TransferRootID(committed.TransferRootHash, total).Hex()),
		SourceChainID:       db.Ptr(w.source.ChainID()),
		DestinationChainIDs: committed.DestinationChainIDs,
		ChainAmounts:        amounts,
		TotalAmount:         db.Ptr(decimalFromBig(total)),
		CommitTxHash:        db.Ptr(ev.TxHash.Hex()),
		CommitBlockNumber:   db.Ptr(ev.BlockNumber),
		CommittedAt:         db.Ptr(committedAt),
	}); err != nil {
		return err
	}

	if err := w.sleep(ctx, w.settleDelay); err != nil {
		return err
	}
	return w.BondTransferRoot(ctx, rootHash)
}

func (w *Watcher) storeRootAndLink(rootHash string, update db.TransferRootUpdate) error {
	w.linkMu.Lock()
	defer w.linkMu.Unlock()

	if err := w.db.TransferRoots.Update(rootHash, update); err != nil {
		return fmt.Errorf("store transfer root: %w", err)
	}
	transfers, err := w.db.Transfers.GetTransfersFromWeek()
	if err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}
	if err := w.linkTransfers(transfers); err != nil {
		return fmt.Errorf("link transfers to %s: %w", rootHash, err)
	}
	return nil
}

// linkTransfers moves each transfer to the root that owns it, fixing links
// made before an earlier commit of the same lane was known. The caller holds
// linkMu.
func (w *Watcher) linkTransfers(transfers []*db.Transfer) error {
	roots, err := w.db.TransferRoots.GetTransferRoots()
	if err != nil {
		return err
	}
	sourceRoots := make([]*db.TransferRoot, 0, len(roots))
	byHash := make(map[string]*db.TransferRoot, len(roots))
	for _, r := range roots {
		if r.SourceChainID == w.source.ChainID() && r.CommitBlockNumber != 0 {
			sourceRoots = append(sourceRoots, r)
			byHash[r.TransferRootHash] = r
		}
	}
	if len(sourceRoots) == 0 {
		return nil
	}

	added := make(map[string][]string)
	removed := make(map[string]map[string]struct{})
	for _, t := range transfers {
		if t == nil || t.SourceChainID != w.source.ChainID() || t.TransferSentTxHash == "" {
			continue
		}
		owner := ownerRoot(sourceRoots, t)
		if owner == nil || owner.TransferRootHash == t.TransferRootHash {
			continue
		}
		err := w.db.Transfers.Update(t.TransferID, db.TransferUpdate{
			Committed:        db.Ptr(true),
			TransferRootHash: db.Ptr(owner.TransferRootHash),
			TransferRootID:   db.Ptr(owner.TransferRootID),
		})
		if err != nil {
			return err
		}
		if prev := t.TransferRootHash; prev != "" {
			if removed[prev] == nil {
				removed[prev] = make(map[string]struct{})
			}
			removed[prev][t.TransferID] = struct{}{}
			w.Logger().Info("Moved transfer to earlier root",
				zap.String("transfer_id", t.TransferID),
				zap.String("from_root", prev),
				zap.String("to_root", owner.TransferRootHash),
			)
		}
		added[owner.TransferRootHash] = append(added[owner.TransferRootHash], t.TransferID)
	}

	changed := make([]string, 0, len(added)+len(removed))
	for hash := range added {
		changed = append(changed, hash)
	}
	for hash := range removed {
		if _, ok := added[hash]; !ok {
			changed = append(changed, hash)
		}
	}
	sort.Strings(changed)
	for _, hash := range changed {
		var existing []string
		if r, ok := byHash[hash]; ok {
			existing = r.TransferIDs
		}
		ids := make([]string, 0, len(existing))
		for _, id := range existing {
			if _, gone := removed[hash][id]; !gone {
				ids = append(ids, id)
			}
		}
		ids = mergeIDs(ids, added[hash])
		if err := w.db.TransferRoots.Update(hash, db.TransferRootUpdate{TransferIDs: &ids}); err != nil {
			return err
		}
		w.Logger().Debug("Linked transfers to root",
			zap.String("transfer_root_hash", hash),
			zap.Int("count", len(ids)),
		)
	}
	return nil
}

// ownerRoot returns the earliest root of the transfer's destination committed
// at or after the block the transfer was sent in.
func ownerRoot(roots []*db.TransferRoot, t *db.Transfer) *db.TransferRoot {
	if t.TransferSentBlockNumber == 0 {
		return nil
	}
	var owner *db.TransferRoot
	for _, r := range roots {
		if r.CommitBlockNumber < t.TransferSentBlockNumber || !containsChain(r.DestinationChainIDs, t.DestinationChainID) {
			continue
		}
		if owner == nil ||
			r.CommitBlockNumber < owner.CommitBlockNumber ||
			(r.CommitBlockNumber == owner.CommitBlockNumber && r.TransferRootHash < owner.TransferRootHash) {
			owner = r
		}
	}
	return owner
}

func containsChain(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// BondTransferRoot submits bondTransferRoot for a stored root. It is safe to
// call repeatedly and concurrently: bonded roots are skipped and only one
// caller per retry delay claims the submission.
func (w *Watcher) BondTransferRoot(ctx context.Context, rootHash string) error {
	logger := w.Logger().With(zap.String("transfer_root_hash", rootHash))

	root, err := w.db.TransferRoots.GetByTransferRootHash(rootHash)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("%w: %s", ErrTransferRootNotFound, rootHash)
	}
	if root.Bonded {
		logger.Debug("Transfer root already bonded")
		return nil
	}

	chainIDs := make([]*big.Int, 0, len(root.DestinationChainIDs))
	for _, id := range root.DestinationChainIDs {
		chainIDs = append(chainIDs, big.NewInt(id))
	}
	amounts := make([]*big.Int, 0, len(root.ChainAmounts))
	for _, amt := range root.ChainAmounts {
		amounts = append(amounts, amt.BigInt())
	}

	if w.IsDryOrPauseMode() {
		logger.Warn("Dry or pause mode enabled, skipping bondTransferRoot",
			zap.Bool("dry_mode", w.DryMode()),
			zap.Bool("pause_mode", w.PauseMode()),
			zap.Int64s("chain_ids", root.DestinationChainIDs),
			zap.String("total_amount", root.TotalAmount.String()),
		)
		return nil
	}

	claimed, err := w.db.TransferRoots.ClaimBondAttempt(rootHash)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("Bond attempt already in flight or not yet due")
		return nil
	}

	logger.Info("Bonding transfer root",
		zap.Int64s("chain_ids", root.DestinationChainIDs),
		zap.String("total_amount", root.TotalAmount.String()),
	)
	txHash, err := w.l1.SendTransaction(ctx, chain.Call{
		Contract: chain.ContractL1Bridge,
		Method:   methodBondTransferRoot,
		Args:     []any{common.HexToHash(rootHash), chainIDs, amounts},
	})
	if err != nil {
		metrics.TransactionsSent.WithLabelValues(w.ChainSlug(), methodBondTransferRoot, "failed").Inc()
		logger.Error("bondTransferRoot failed", zap.Error(err))
		w.Notifier().Error("bondTransferRoot failed",
			zap.String("chain", w.ChainSlug()),
			zap.String("transfer_root_hash", rootHash),
			zap.Error(err),
		)
		return fmt.Errorf("bond transfer root %s: %w", rootHash, err)
	}
	metrics.TransactionsSent.WithLabelValues(w.ChainSlug(), methodBondTransferRoot, "sent").Inc()

	err = w.db.TransferRoots.Update(rootHash, db.TransferRootUpdate{
		Bonded:     db.Ptr(true),
		BondTxHash: db.Ptr(txHash.Hex()),
	})
	if err != nil {
		return err
	}

	logger.Info("bondTransferRoot sent", zap.String("tx_hash", txHash.Hex()))
	w.Notifier().Info("bondTransferRoot sent",
		zap.String("chain", w.ChainSlug()),
		zap.String("transfer_root_hash", rootHash),
		zap.String("tx_hash", txHash.Hex()),
	)
	return nil
}

// SyncTransferRoot records confirmation of a root on the base chain and marks
// it settled once every linked transfer has settled or been spent.
func (w *Watcher) SyncTransferRoot(ctx context.Context, rootHash string) error {
	root, err := w.db.TransferRoots.GetByTransferRootHash(rootHash)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("%w: %s", ErrTransferRootNotFound, rootHash)
	}
	if root.Settled {
		return nil
	}
	logger := w.Logger().With(zap.String("transfer_root_hash", rootHash))

	if !root.Confirmed {
		confirmed, err := w.isConfirmed(ctx, root)
		if err != nil {
			return fmt.Errorf("check confirmation of %s: %w", rootHash, err)
		}
		if !confirmed {
			return nil
		}
		if err := w.db.TransferRoots.Update(rootHash, db.TransferRootUpdate{Confirmed: db.Ptr(true)}); err != nil {
			return err
		}
		logger.Info("Transfer root confirmed on L1")
	}

	settled, err := w.allTransfersSettled(root.TransferIDs)
	if err != nil || !settled {
		return err
	}
	if err := w.db.TransferRoots.Update(rootHash, db.TransferRootUpdate{Settled: db.Ptr(true)}); err != nil {
		return err
	}
	logger.Info("Transfer root settled", zap.Int("transfers", len(root.TransferIDs)))
	return nil
}

func (w *Watcher) isConfirmed(ctx context.Context, root *db.TransferRoot) (bool, error) {
	rootID := root.TransferRootID
	if rootID == "" {
		rootID = TransferRootID(common.HexToHash(root.TransferRootHash), root.TotalAmount.BigInt()).Hex()
	}
	out, err := w.l1.CallContract(ctx, chain.Call{
		Contract: chain.ContractL1Bridge,
		Method:   methodTransferRootConfirmed,
		Args:     []any{common.HexToHash(rootID)},
	})
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: %d values", ErrUnexpectedConfirmedResult, len(out))
	}
	confirmed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %T", ErrUnexpectedConfirmedResult, out[0])
	}
	return confirmed, nil
}

// allTransfersSettled reports whether every transfer was either paid out by
// a settled bond or withdrawn directly. A root without linked transfers is
// never considered settled.
func (w *Watcher) allTransfersSettled(ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	for _, id := range ids {
		t, err := w.db.Transfers.GetByTransferID(id)
		if err != nil {
			return false, err
		}
		if t == nil {
			return false, nil
		}
		if t.WithdrawalBonded && !t.WithdrawalBondSettled {
			return false, nil
		}
		if !t.WithdrawalBonded && !t.IsTransferSpent {
			return false, nil
		}
	}
	return true, nil
}

// TransferRootID is the key of a root in the base chain bridge:
// keccak256(rootHash ++ uint256(totalAmount)).
func TransferRootID(rootHash common.Hash, totalAmount *big.Int) common.Hash {
	if totalAmount == nil {
		totalAmount = new(big.Int)
	}
	return crypto.Keccak256Hash(rootHash.Bytes(), common.BigToHash(totalAmount).Bytes())
}

func decimalFromBig(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func mergeIDs(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
