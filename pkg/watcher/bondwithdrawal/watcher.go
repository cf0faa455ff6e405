// Package bondwithdrawal bonds sent transfers on their destination chain so
// recipients are paid ahead of root settlement.
package bondwithdrawal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/internal/metrics"
	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

// Name identifies the watcher in logs and metrics.
const Name = "bond_withdrawal_watcher"

const (
	methodBondWithdrawal              = "bondWithdrawal"
	methodBondWithdrawalAndDistribute = "bondWithdrawalAndDistribute"
	methodIsTransferIDSpent           = "isTransferIdSpent"
	methodGetBondedWithdrawalAmount   = "getBondedWithdrawalAmount"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrNotBondable      = errors.New("transfer is not bondable")

	// ErrUnexpectedCallResult is returned when a bridge view call yields an
	// unexpected value.
	ErrUnexpectedCallResult = errors.New("unexpected bridge call result")
)

// Config configures a Watcher.
type Config struct {
	watcher.Config
	// DestinationChainID is the chain this watcher bonds on.
	DestinationChainID int64
	// BonderAddress is recorded on bonded transfers.
	BonderAddress string
}

// Watcher submits withdrawal bonds for transfers headed to one chain.
type Watcher struct {
	*watcher.Base

	destChainID int64
	bonder      string
	dest        chain.Adapter
	db          *db.DB
	now         func() time.Time
}

// New creates a withdrawal bonder for the chain behind dest.
func New(cfg Config, dest chain.Adapter, store *db.DB, logger *zap.Logger, n notifier.Notifier) *Watcher {
	return &Watcher{
		Base:        watcher.NewBase(Name, cfg.Config, logger, n),
		destChainID: cfg.DestinationChainID,
		bonder:      cfg.BonderAddress,
		dest:        dest,
		db:          store,
		now:         time.Now,
	}
}

// DestinationChainID returns the chain this watcher bonds on.
func (w *Watcher) DestinationChainID() int64 {
	return w.destChainID
}

// Start marks the watcher as watching. Bonding is driven by the scheduler
// through BondPending.
func (w *Watcher) Start(ctx context.Context) error {
	return w.StartWith(ctx, func(context.Context) error { return nil })
}

// BondPending attempts every transfer due for bonding on the destination
// chain. Failures of single transfers do not stop the others.
func (w *Watcher) BondPending(ctx context.Context) error {
	transfers, err := w.db.Transfers.GetUnbondedSentTransfers(db.TransfersFilter{DestinationChainID: w.destChainID})
	if err != nil {
		return err
	}
	if len(transfers) > 0 {
		w.Logger().Debug("Bonding pending transfers", zap.Int("count", len(transfers)))
	}

	var errs []error
	for _, t := range transfers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := w.BondWithdrawal(ctx, t.TransferID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BondWithdrawal bonds one transfer. Bonded transfers are skipped; transfers
// that are not bondable or not sent are rejected.
func (w *Watcher) BondWithdrawal(ctx context.Context, transferID string) error {
	logger := w.Logger().With(zap.String("transfer_id", transferID))

	t, err := w.db.Transfers.GetByTransferID(transferID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if t.WithdrawalBonded {
		logger.Debug("Withdrawal already bonded")
		return nil
	}
	if !t.IsBondable || t.TransferSentTxHash == "" {
		return fmt.Errorf("%w: %s", ErrNotBondable, transferID)
	}

	spent, err := w.isTransferSpent(ctx, transferID)
	if err != nil {
		return fmt.Errorf("check transfer %s spent: %w", transferID, err)
	}
	if spent {
		logger.Info("Transfer already spent on destination, not bonding")
		return w.db.Transfers.Update(transferID, db.TransferUpdate{IsTransferSpent: db.Ptr(true)})
	}

	call := w.bondCall(t)
	if w.IsDryOrPauseMode() {
		logger.Warn("Dry or pause mode enabled, skipping "+call.Method,
			zap.Bool("dry_mode", w.DryMode()),
			zap.Bool("pause_mode", w.PauseMode()),
			zap.String("amount", t.Amount.String()),
			zap.String("recipient", t.Recipient),
		)
		return nil
	}

	attemptedAt := w.now().UnixMilli()
	if err := w.db.Transfers.Update(transferID, db.TransferUpdate{BondWithdrawalAttemptedAt: &attemptedAt}); err != nil {
		return err
	}

	logger.Info("Bonding withdrawal", zap.String("amount", t.Amount.String()))
	txHash, err := w.dest.SendTransaction(ctx, call)
	if err != nil {
		return w.recordFailure(logger, t, call.Method, err)
	}
	metrics.TransactionsSent.WithLabelValues(w.ChainSlug(), call.Method, "sent").Inc()

	err = w.db.Transfers.Update(transferID, db.TransferUpdate{
		WithdrawalBonded:           db.Ptr(true),
		WithdrawalBonder:           db.Ptr(w.bonder),
		WithdrawalBondTxHash:       db.Ptr(txHash.Hex()),
		WithdrawalBondTxError:      db.Ptr(db.TxError("")),
		WithdrawalBondBackoffIndex: db.Ptr(0),
	})
	if err != nil {
		return err
	}

	logger.Info("Withdrawal bonded", zap.String("tx_hash", txHash.Hex()))
	w.Notifier().Info("sent "+call.Method,
		zap.String("chain", w.ChainSlug()),
		zap.String("transfer_id", transferID),
		zap.String("tx_hash", txHash.Hex()),
	)
	return nil
}

// SyncSettlements records the destination chain outcome of transfers whose
// root has been confirmed: bonds this node made that were settled, and
// unbonded transfers that were withdrawn.
func (w *Watcher) SyncSettlements(ctx context.Context) error {
	transfers, err := w.db.Transfers.GetUnsettledTransfers(db.TransfersFilter{DestinationChainID: w.destChainID})
	if err != nil {
		return err
	}

	confirmed := make(map[string]bool)
	var errs []error
	for _, t := range transfers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, seen := confirmed[t.TransferRootHash]
		if !seen {
			root, err := w.db.TransferRoots.GetByTransferRootHash(t.TransferRootHash)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ok = root != nil && root.Confirmed
			confirmed[t.TransferRootHash] = ok
		}
		if !ok {
			continue
		}
		if err := w.syncSettlement(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("sync settlement of %s: %w", t.TransferID, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) syncSettlement(ctx context.Context, t *db.Transfer) error {
	logger := w.Logger().With(zap.String("transfer_id", t.TransferID))

	if !t.WithdrawalBonded {
		spent, err := w.isTransferSpent(ctx, t.TransferID)
		if err != nil || !spent {
			return err
		}
		logger.Debug("Transfer withdrawn on destination")
		return w.db.Transfers.Update(t.TransferID, db.TransferUpdate{IsTransferSpent: db.Ptr(true)})
	}

	// bonds made by other bonders are not tracked here
	if t.WithdrawalBonder == "" || !common.IsHexAddress(t.WithdrawalBonder) ||
		common.HexToAddress(t.WithdrawalBonder) != common.HexToAddress(w.bonder) {
		return nil
	}
	out, err := w.dest.CallContract(ctx, chain.Call{
		Contract: w.bridgeContract(),
		Method:   methodGetBondedWithdrawalAmount,
		Args:     []any{common.HexToAddress(w.bonder), common.HexToHash(t.TransferID)},
	})
	if err != nil {
		return err
	}
	amount, err := singleResult[*big.Int](out, methodGetBondedWithdrawalAmount)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() != 0 {
		return nil
	}
	logger.Info("Withdrawal bond settled")
	return w.db.Transfers.Update(t.TransferID, db.TransferUpdate{
		WithdrawalBondSettled: db.Ptr(true),
		IsTransferSpent:       db.Ptr(true),
	})
}

func (w *Watcher) isTransferSpent(ctx context.Context, transferID string) (bool, error) {
	out, err := w.dest.CallContract(ctx, chain.Call{
		Contract: w.bridgeContract(),
		Method:   methodIsTransferIDSpent,
		Args:     []any{common.HexToHash(transferID)},
	})
	if err != nil {
		return false, err
	}
	return singleResult[bool](out, methodIsTransferIDSpent)
}

func singleResult[T any](out []any, method string) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, fmt.Errorf("%w: %s returned %d values", ErrUnexpectedCallResult, method, len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrUnexpectedCallResult, method, out[0])
	}
	return v, nil
}

func (w *Watcher) bridgeContract() string {
	if w.IsL1() {
		return chain.ContractL1Bridge
	}
	return chain.ContractL2Bridge
}

func (w *Watcher) bondCall(t *db.Transfer) chain.Call {
	recipient := common.HexToAddress(t.Recipient)
	nonce := common.HexToHash(t.TransferNonce)
	if w.IsL1() {
		return chain.Call{
			Contract: chain.ContractL1Bridge,
			Method:   methodBondWithdrawal,
			Args:     []any{recipient, t.Amount.BigInt(), nonce, t.BonderFee.BigInt()},
		}
	}
	return chain.Call{
		Contract: chain.ContractL2Bridge,
		Method:   methodBondWithdrawalAndDistribute,
		Args: []any{
			recipient,
			t.Amount.BigInt(),
			nonce,
			t.BonderFee.BigInt(),
			t.AmountOutMin.BigInt(),
			big.NewInt(t.Deadline),
		},
	}
}

// recordFailure stores the classified error on the transfer. Consecutive
// fee-too-low failures raise the backoff index.
func (w *Watcher) recordFailure(logger *zap.Logger, t *db.Transfer, method string, err error) error {
	metrics.TransactionsSent.WithLabelValues(w.ChainSlug(), method, "failed").Inc()

	txErr := db.TxErrorFromCategory(chain.CategoryOf(err))
	backoff := 0
	if txErr == db.TxErrorBonderFeeTooLow && t.WithdrawalBondTxError == db.TxErrorBonderFeeTooLow {
		backoff = t.WithdrawalBondBackoffIndex + 1
	}

	update := db.TransferUpdate{
		WithdrawalBondTxError:      &txErr,
		WithdrawalBondBackoffIndex: &backoff,
	}
	if uerr := w.db.Transfers.Update(t.TransferID, update); uerr != nil {
		logger.Error("Failed to record bond failure", zap.Error(uerr))
	}

	if txErr == db.TxErrorBonderFeeTooLow {
		logger.Warn("Bonder fee too low, backing off", zap.Int("backoff_index", backoff))
	} else {
		logger.Error(method+" failed", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues(Name, "bond").Inc()
		w.Notifier().Error(method+" failed",
			zap.String("chain", w.ChainSlug()),
			zap.String("transfer_id", t.TransferID),
			zap.Error(err),
		)
	}
	return fmt.Errorf("bond withdrawal %s: %w", t.TransferID, err)
}
