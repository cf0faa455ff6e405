package db

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
)

const (
	timestampedKeyPrefix = "transfer:"
	// timestampedKeyUpperSentinel sorts after every id sharing a second.
	timestampedKeyUpperSentinel = "~"
)

var (
	// ErrTransferIDRequired is returned when updating without a transfer id.
	ErrTransferIDRequired = errors.New("transfer id is required")
	// ErrTransferIDImmutable is returned when an update tries to change the id.
	ErrTransferIDImmutable = errors.New("transfer id is immutable")
)

// TransfersDateFilter restricts a query to transfers sent in
// [FromUnix, ToUnix], both inclusive, in unix seconds. Zero means unbounded.
type TransfersDateFilter struct {
	FromUnix int64
	ToUnix   int64
}

// TransfersFilter narrows the pending-work queries. Zero fields match all.
type TransfersFilter struct {
	SourceChainID      int64
	DestinationChainID int64
}

func (f TransfersFilter) match(t *Transfer) bool {
	if f.SourceChainID != 0 && f.SourceChainID != t.SourceChainID {
		return false
	}
	if f.DestinationChainID != 0 && f.DestinationChainID != t.DestinationChainID {
		return false
	}
	return true
}

type timestampedKeyValue struct {
	TransferID string `json:"transferId"`
}

// TransfersDB is the repository of Transfer records.
type TransfersDB struct {
	store  *kvstore.Store
	logger *zap.Logger
	now    func() time.Time
	slugs  chain.SlugResolver
	policy RetryPolicy
}

func newTransfersDB(store *kvstore.Store, logger *zap.Logger, o options) *TransfersDB {
	return &TransfersDB{
		store:  store,
		logger: logger.Named("transfers_db"),
		now:    o.now,
		slugs:  o.slugs,
		policy: o.policy,
	}
}

// timestampedKey formats unpadded unix seconds. Range scans over these keys
// compare strings, so they are exact only while every timestamp has the same
// number of digits, which holds for seconds between 2001 and 2286.
func timestampedKey(sentTimestamp int64, transferID string) string {
	return fmt.Sprintf("%s%d:%s", timestampedKeyPrefix, sentTimestamp, transferID)
}

// Update merges update into the transfer, creating it if needed. The first
// update that gives the transfer a sent timestamp also writes its timestamp
// index entry, atomically with the merge.
func (d *TransfersDB) Update(transferID string, update TransferUpdate) error {
	if transferID == "" {
		return ErrTransferIDRequired
	}
	if update.TransferID != nil && *update.TransferID != transferID {
		return fmt.Errorf("%w: %s != %s", ErrTransferIDImmutable, *update.TransferID, transferID)
	}
	update.TransferID = &transferID

	logger := d.logger.With(zap.String("transfer_id", transferID))
	logger.Debug("update called")

	err := d.store.Transact(func(tx *kvstore.Store) ([]kvstore.Entry, error) {
		current, err := tx.GetByID(transferID, nil)
		if err != nil {
			return nil, err
		}

		entries := make([]kvstore.Entry, 0, 2)
		key, err := d.timestampedKeyForUpdate(tx, transferID, current, update)
		if err != nil {
			return nil, err
		}
		if key != "" {
			logger.Debug("storing timestamped key", zap.String("key", key))
			entries = append(entries, kvstore.Entry{Key: key, Value: timestampedKeyValue{TransferID: transferID}})
		}
		return append(entries, kvstore.Entry{Key: transferID, Value: update}), nil
	})
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", transferID, err)
	}
	return nil
}

// timestampedKeyForUpdate returns the index key to create, or "" if the
// merged view has no sent timestamp or the entry already exists. The key is
// derived from the first timestamp the transfer carried, so each transfer
// gets at most one entry.
func (d *TransfersDB) timestampedKeyForUpdate(tx *kvstore.Store, transferID string, current kvstore.Record, update TransferUpdate) (string, error) {
	sentTimestamp := current.Int64("transferSentTimestamp")
	if sentTimestamp == 0 && update.TransferSentTimestamp != nil {
		sentTimestamp = *update.TransferSentTimestamp
	}
	if sentTimestamp == 0 {
		return "", nil
	}

	key := timestampedKey(sentTimestamp, transferID)
	existing, err := tx.GetByID(key, nil)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", nil
	}
	return key, nil
}

func (d *TransfersDB) normalize(transferID string, rec kvstore.Record) (*Transfer, error) {
	if rec == nil {
		return nil, nil
	}
	var t Transfer
	if err := rec.Decode(&t); err != nil {
		return nil, err
	}
	if t.TransferID == "" {
		t.TransferID = transferID
	}
	t.SourceChainSlug = ""
	if t.SourceChainID != 0 {
		t.SourceChainSlug = d.slugs(t.SourceChainID)
	}
	t.DestinationChainSlug = ""
	if t.DestinationChainID != 0 {
		t.DestinationChainSlug = d.slugs(t.DestinationChainID)
	}
	return &t, nil
}

// GetByTransferID returns the transfer, or nil if it does not exist.
func (d *TransfersDB) GetByTransferID(transferID string) (*Transfer, error) {
	rec, err := d.store.GetByID(transferID, nil)
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", transferID, err)
	}
	return d.normalize(transferID, rec)
}

// GetTransferIDs returns the ids of transfers sent within dateFilter via the
// timestamp index, or every transfer id when dateFilter is nil.
func (d *TransfersDB) GetTransferIDs(dateFilter *TransfersDateFilter) ([]string, error) {
	if dateFilter != nil {
		filter := kvstore.KeyFilter{
			GTE: timestampedKeyPrefix,
			LT:  strings.TrimSuffix(timestampedKeyPrefix, ":") + ";",
		}
		if dateFilter.FromUnix != 0 {
			filter.GTE = fmt.Sprintf("%s%d", timestampedKeyPrefix, dateFilter.FromUnix)
		}
		if dateFilter.ToUnix != 0 {
			filter.LT = ""
			filter.LTE = fmt.Sprintf("%s%d%s", timestampedKeyPrefix, dateFilter.ToUnix, timestampedKeyUpperSentinel)
		}
		kv, err := d.store.GetKeyValues(filter)
		if err != nil {
			return nil, fmt.Errorf("scan timestamp index: %w", err)
		}
		ids := make([]string, 0, len(kv))
		for _, item := range kv {
			if id := item.Value.String("transferId"); id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	keys, err := d.store.GetKeys(kvstore.KeyFilter{})
	if err != nil {
		return nil, fmt.Errorf("scan transfers: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, timestampedKeyPrefix) {
			ids = append(ids, key)
		}
	}
	return ids, nil
}

// GetTransfers returns the transfers matching dateFilter ordered by
// (transferSentBlockNumber, transferSentIndex).
func (d *TransfersDB) GetTransfers(dateFilter *TransfersDateFilter) ([]*Transfer, error) {
	ids, err := d.GetTransferIDs(dateFilter)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("transfer ids loaded", zap.Int("count", len(ids)))

	recs, err := d.store.BatchGetByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}

	transfers := make([]*Transfer, 0, len(recs))
	for _, rec := range recs {
		t, err := d.normalize(rec.String(kvstore.FieldID), rec)
		if err != nil {
			return nil, err
		}
		if t != nil {
			transfers = append(transfers, t)
		}
	}

	sort.SliceStable(transfers, func(i, j int) bool {
		a, b := transfers[i], transfers[j]
		if a.TransferSentBlockNumber != b.TransferSentBlockNumber {
			return a.TransferSentBlockNumber < b.TransferSentBlockNumber
		}
		return a.TransferSentIndex < b.TransferSentIndex
	})
	return transfers, nil
}

// GetTransfersFromWeek returns transfers sent within the retention window.
func (d *TransfersDB) GetTransfersFromWeek() ([]*Transfer, error) {
	from := d.now().Add(-d.policy.RetentionWindow).Unix()
	return d.GetTransfers(&TransfersDateFilter{FromUnix: from})
}

func (d *TransfersDB) filterFromWeek(pred func(*Transfer) bool) ([]*Transfer, error) {
	transfers, err := d.GetTransfersFromWeek()
	if err != nil {
		return nil, err
	}
	out := make([]*Transfer, 0, len(transfers))
	for _, t := range transfers {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetUncommittedTransfers returns sent transfers that belong to no root yet.
func (d *TransfersDB) GetUncommittedTransfers(filter TransfersFilter) ([]*Transfer, error) {
	return d.filterFromWeek(func(t *Transfer) bool {
		return filter.match(t) &&
			t.TransferID != "" &&
			t.TransferRootID == "" &&
			t.TransferSentTxHash != "" &&
			!t.Committed
	})
}

// GetUnbondedSentTransfers returns transfers due for a bonding attempt.
func (d *TransfersDB) GetUnbondedSentTransfers(filter TransfersFilter) ([]*Transfer, error) {
	now := d.now().UnixMilli()
	return d.filterFromWeek(func(t *Transfer) bool {
		return filter.match(t) &&
			t.TransferID != "" &&
			!t.WithdrawalBonded &&
			t.TransferSentTxHash != "" &&
			t.IsBondable &&
			!t.IsTransferSpent &&
			d.bondRetryDue(t, now)
	})
}

// bondRetryDue reports whether enough time has passed since the last failed
// bonding attempt. Fee-too-low failures back off exponentially and are
// abandoned once the delay exceeds the retention window.
func (d *TransfersDB) bondRetryDue(t *Transfer, nowMs int64) bool {
	if t.BondWithdrawalAttemptedAt == 0 {
		return true
	}
	delay := d.policy.TxRetryDelay
	if t.WithdrawalBondTxError == TxErrorBonderFeeTooLow {
		backoff, ok := d.policy.backoff(t.WithdrawalBondBackoffIndex)
		if !ok {
			return false
		}
		delay += backoff
		if delay > d.policy.RetentionWindow {
			return false
		}
	}
	return t.BondWithdrawalAttemptedAt+delay.Milliseconds() < nowMs
}

// GetUnsettledTransfers returns transfers linked to a root whose outcome on
// the destination chain is still open: bonded withdrawals not yet settled and
// unbonded transfers not yet spent.
func (d *TransfersDB) GetUnsettledTransfers(filter TransfersFilter) ([]*Transfer, error) {
	return d.filterFromWeek(func(t *Transfer) bool {
		if !filter.match(t) || t.TransferRootHash == "" {
			return false
		}
		if t.WithdrawalBonded {
			return !t.WithdrawalBondSettled
		}
		return !t.IsTransferSpent
	})
}

// GetBondedTransfersWithoutRoots returns bonded transfers not yet linked to a root.
func (d *TransfersDB) GetBondedTransfersWithoutRoots(filter TransfersFilter) ([]*Transfer, error) {
	return d.filterFromWeek(func(t *Transfer) bool {
		return filter.match(t) && t.WithdrawalBonded && t.TransferRootHash == ""
	})
}

// GetIncompleteItems returns transfers with a sent block but no sent
// timestamp. It scans every transfer since such items are absent from the
// timestamp index.
func (d *TransfersDB) GetIncompleteItems(filter TransfersFilter) ([]*Transfer, error) {
	transfers, err := d.GetTransfers(nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Transfer, 0)
	for _, t := range transfers {
		if filter.match(t) && t.TransferSentBlockNumber != 0 && t.TransferSentTimestamp == 0 {
			out = append(out, t)
		}
	}
	return out, nil
}
