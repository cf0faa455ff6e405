package db

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
)

// ErrTransferRootHashRequired is returned when updating without a root hash.
var ErrTransferRootHashRequired = errors.New("transfer root hash is required")

// TransferRootsFilter narrows root queries. Zero fields match all.
type TransferRootsFilter struct {
	SourceChainID int64
}

// TransferRootsDB is the repository of TransferRoot records.
type TransferRootsDB struct {
	store  *kvstore.Store
	logger *zap.Logger
	now    func() time.Time
	slugs  chain.SlugResolver
	policy RetryPolicy
}

func newTransferRootsDB(store *kvstore.Store, logger *zap.Logger, o options) *TransferRootsDB {
	return &TransferRootsDB{
		store:  store,
		logger: logger.Named("transfer_roots_db"),
		now:    o.now,
		slugs:  o.slugs,
		policy: o.policy,
	}
}

// Update merges update into the root keyed by transferRootHash.
func (d *TransferRootsDB) Update(transferRootHash string, update TransferRootUpdate) error {
	if transferRootHash == "" {
		return ErrTransferRootHashRequired
	}
	update.TransferRootHash = &transferRootHash
	if err := d.store.Update(transferRootHash, update); err != nil {
		return fmt.Errorf("update transfer root %s: %w", transferRootHash, err)
	}
	return nil
}

func (d *TransferRootsDB) normalize(hash string, rec kvstore.Record) (*TransferRoot, error) {
	if rec == nil {
		return nil, nil
	}
	var r TransferRoot
	if err := rec.Decode(&r); err != nil {
		return nil, err
	}
	if r.TransferRootHash == "" {
		r.TransferRootHash = hash
	}
	r.SourceChainSlug = ""
	if r.SourceChainID != 0 {
		r.SourceChainSlug = d.slugs(r.SourceChainID)
	}
	return &r, nil
}

// GetByTransferRootHash returns the root, or nil if it does not exist.
func (d *TransferRootsDB) GetByTransferRootHash(hash string) (*TransferRoot, error) {
	rec, err := d.store.GetByID(hash, nil)
	if err != nil {
		return nil, fmt.Errorf("get transfer root %s: %w", hash, err)
	}
	return d.normalize(hash, rec)
}

// GetTransferRoots returns every root in key order.
func (d *TransferRootsDB) GetTransferRoots() ([]*TransferRoot, error) {
	kv, err := d.store.GetKeyValues(kvstore.KeyFilter{})
	if err != nil {
		return nil, fmt.Errorf("scan transfer roots: %w", err)
	}
	roots := make([]*TransferRoot, 0, len(kv))
	for _, item := range kv {
		r, err := d.normalize(item.Key, item.Value)
		if err != nil {
			return nil, err
		}
		if r != nil {
			roots = append(roots, r)
		}
	}
	return roots, nil
}

func (d *TransferRootsDB) filterRecent(filter TransferRootsFilter, pred func(*TransferRoot) bool) ([]*TransferRoot, error) {
	roots, err := d.GetTransferRoots()
	if err != nil {
		return nil, err
	}
	cutoff := d.now().Add(-d.policy.RetentionWindow).UnixMilli()
	out := make([]*TransferRoot, 0)
	for _, r := range roots {
		if filter.SourceChainID != 0 && filter.SourceChainID != r.SourceChainID {
			continue
		}
		if r.CommittedAt < cutoff {
			continue
		}
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *TransferRootsDB) retryDue(attemptedAt int64) bool {
	return attemptedAt == 0 || attemptedAt+d.policy.TxRetryDelay.Milliseconds() < d.now().UnixMilli()
}

// GetUnbondedTransferRoots returns committed roots whose bond is due. Roots
// committed less than BondSettleDelay ago are left to their commit handler.
func (d *TransferRootsDB) GetUnbondedTransferRoots(filter TransferRootsFilter) ([]*TransferRoot, error) {
	settledBefore := d.now().Add(-d.policy.BondSettleDelay).UnixMilli()
	return d.filterRecent(filter, func(r *TransferRoot) bool {
		return len(r.DestinationChainIDs) > 0 &&
			!r.Bonded &&
			r.CommittedAt <= settledBefore &&
			d.retryDue(r.BondAttemptedAt)
	})
}

// ClaimBondAttempt stamps bondAttemptedAt on an unbonded root whose bond is
// due and reports whether the stamp was made. Check and stamp happen in one
// critical section, so concurrent callers for a root get at most one claim
// per retry delay.
func (d *TransferRootsDB) ClaimBondAttempt(transferRootHash string) (bool, error) {
	claimed := false
	err := d.store.Transact(func(tx *kvstore.Store) ([]kvstore.Entry, error) {
		rec, err := tx.GetByID(transferRootHash, nil)
		if err != nil {
			return nil, err
		}
		root, err := d.normalize(transferRootHash, rec)
		if err != nil {
			return nil, err
		}
		if root == nil || root.Bonded || !d.retryDue(root.BondAttemptedAt) {
			return nil, nil
		}
		claimed = true
		attemptedAt := d.now().UnixMilli()
		return []kvstore.Entry{{
			Key: transferRootHash,
			Value: TransferRootUpdate{
				TransferRootHash: &transferRootHash,
				BondAttemptedAt:  &attemptedAt,
			},
		}}, nil
	})
	if err != nil {
		return false, fmt.Errorf("claim bond attempt %s: %w", transferRootHash, err)
	}
	return claimed, nil
}

// GetUnsettledTransferRoots returns committed roots that have not settled.
func (d *TransferRootsDB) GetUnsettledTransferRoots(filter TransferRootsFilter) ([]*TransferRoot, error) {
	return d.filterRecent(filter, func(r *TransferRoot) bool {
		return r.CommitTxHash != "" && !r.Settled
	})
}

// GetUnconfirmedTransferRoots returns committed roots with no relay
// transaction recorded whose next relay attempt is due.
func (d *TransferRootsDB) GetUnconfirmedTransferRoots(filter TransferRootsFilter) ([]*TransferRoot, error) {
	return d.filterRecent(filter, func(r *TransferRoot) bool {
		return r.CommitTxHash != "" &&
			!r.Confirmed &&
			r.ConfirmTxHash == "" &&
			d.retryDue(r.SentConfirmTxAt)
	})
}
