// Package xdomain relays cross-domain messages that confirm committed
// transfer roots on the base chain once their challenge window has passed.
package xdomain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/internal/metrics"
	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

const (
	// Name identifies the watcher in logs and metrics.
	Name = "xdomain_relay_watcher"

	methodInsideFraudProofWindow = "insideFraudProofWindow"
	methodRelayMessage           = "relayMessage"
)

// ErrUnexpectedWindowResult is returned when the challenge window check does
// not yield a boolean.
var ErrUnexpectedWindowResult = errors.New("unexpected insideFraudProofWindow result")

// Config configures a Watcher.
type Config struct {
	watcher.Config
	// SourceChainID is the chain whose commits this watcher relays.
	SourceChainID int64
}

// Watcher relays the messages of commit transactions sent on one source
// chain through the base chain messenger.
type Watcher struct {
	*watcher.Base

	sourceChainID int64
	l1            chain.Adapter
	prover        chain.RelayProver
	db            *db.DB
	now           func() time.Time
}

// New creates a relay watcher.
func New(cfg Config, l1 chain.Adapter, prover chain.RelayProver, store *db.DB, logger *zap.Logger, n notifier.Notifier) *Watcher {
	return &Watcher{
		Base:          watcher.NewBase(Name, cfg.Config, logger, n),
		sourceChainID: cfg.SourceChainID,
		l1:            l1,
		prover:        prover,
		db:            store,
		now:           time.Now,
	}
}

// SourceChainID returns the chain whose commits are relayed.
func (w *Watcher) SourceChainID() int64 {
	return w.sourceChainID
}

// Start marks the watcher as watching. Relays are driven by the scheduler
// through HandleCommitTxHash.
func (w *Watcher) Start(ctx context.Context) error {
	return w.StartWith(ctx, func(context.Context) error {
		if w.prover == nil {
			return errors.New("relay prover is not configured")
		}
		return nil
	})
}

// HandleCommitTxHash relays the message sent by commitTxHash for
// transferRootHash if the commitment has left its challenge window.
//
// Not-yet-checkpointed state, already relayed messages and proof lookup gaps
// defer the root to a later cycle and return nil. Any other failure is
// logged, reported to the operator and returned.
func (w *Watcher) HandleCommitTxHash(ctx context.Context, commitTxHash, transferRootHash string) error {
	logger := w.Logger().With(
		zap.String("commit_tx_hash", commitTxHash),
		zap.String("transfer_root_hash", transferRootHash),
	)
	logger.Debug("Attempting to relay message for commit tx")

	if w.PauseMode() {
		logger.Debug("Pause mode enabled, skipping relay")
		return nil
	}

	pairs, err := w.prover.BuildRelayProof(ctx, common.HexToHash(commitTxHash))
	if err != nil {
		return w.handleRelayError(logger, err)
	}
	if len(pairs) == 0 {
		logger.Debug("No messages to relay for commit tx")
		return nil
	}
	if len(pairs) > 1 {
		logger.Debug("Commit tx sent several messages, relaying the first", zap.Int("count", len(pairs)))
	}
	pair := pairs[0]

	inside, err := w.insideChallengeWindow(ctx, pair.StateRootBatchHeader)
	if err != nil {
		return w.handleRelayError(logger, err)
	}
	if inside {
		logger.Debug("State root batch still inside challenge window")
		metrics.RelayOutcomes.WithLabelValues(w.ChainSlug(), "in_challenge_window").Inc()
		return nil
	}

	msg := pair.Message
	if w.IsDryOrPauseMode() {
		logger.Warn("Dry or pause mode enabled, skipping relayMessage",
			zap.Bool("dry_mode", w.DryMode()),
			zap.Bool("pause_mode", w.PauseMode()),
			zap.String("target", msg.Target.Hex()),
			zap.String("sender", msg.Sender.Hex()),
		)
		return nil
	}

	sentAt := w.now().UnixMilli()
	if err := w.db.TransferRoots.Update(transferRootHash, db.TransferRootUpdate{SentConfirmTxAt: &sentAt}); err != nil {
		return fmt.Errorf("record relay attempt: %w", err)
	}

	txHash, err := w.l1.SendTransaction(ctx, chain.Call{
		Contract: chain.ContractL1Messenger,
		Method:   methodRelayMessage,
		Args:     []any{msg.Target, msg.Sender, msg.Message, msg.MessageNonce, pair.Proof},
	})
	if err != nil {
		return w.handleRelayError(logger, err)
	}
	metrics.TransactionsSent.WithLabelValues(w.ChainSlug(), methodRelayMessage, "sent").Inc()
	metrics.RelayOutcomes.WithLabelValues(w.ChainSlug(), "relayed").Inc()

	if err := w.db.TransferRoots.Update(transferRootHash, db.TransferRootUpdate{ConfirmTxHash: db.Ptr(txHash.Hex())}); err != nil {
		return fmt.Errorf("record relay tx: %w", err)
	}

	logger.Info("Sent relayMessage", zap.String("tx_hash", txHash.Hex()))
	w.Notifier().Info("sent confirmTransferRoot relay tx",
		zap.String("chain", w.ChainSlug()),
		zap.String("transfer_root_hash", transferRootHash),
		zap.String("tx_hash", txHash.Hex()),
	)
	return nil
}

func (w *Watcher) insideChallengeWindow(ctx context.Context, header any) (bool, error) {
	out, err := w.l1.CallContract(ctx, chain.Call{
		Contract: chain.ContractStateCommitmentChain,
		Method:   methodInsideFraudProofWindow,
		Args:     []any{header},
	})
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: %d values", ErrUnexpectedWindowResult, len(out))
	}
	inside, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %T", ErrUnexpectedWindowResult, out[0])
	}
	return inside, nil
}

func (w *Watcher) handleRelayError(logger *zap.Logger, err error) error {
	cat := chain.CategoryOf(err)
	metrics.RelayOutcomes.WithLabelValues(w.ChainSlug(), cat.String()).Inc()

	switch cat {
	case chain.CategoryNotCheckpointed:
		logger.Debug("State root batch not yet on L1, cannot relay yet")
		return nil
	case chain.CategoryAlreadyRelayed:
		logger.Debug("Message has already been relayed")
		return nil
	case chain.CategoryProofUnavailable:
		logger.Debug("Relay proof events not found")
		return nil
	}

	logger.Error("Relay failed", zap.Error(err))
	metrics.ErrorsTotal.WithLabelValues(Name, "relay").Inc()
	w.Notifier().Error("relay failed",
		zap.String("chain", w.ChainSlug()),
		zap.Error(err),
	)
	return fmt.Errorf("relay message: %w", err)
}
