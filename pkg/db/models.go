package db

import (
	"github.com/shopspring/decimal"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
)

// TxError classifies the last failed bonding attempt of a transfer.
type TxError string

const (
	TxErrorBonderFeeTooLow  TxError = "BonderFeeTooLow"
	TxErrorNotCheckpointed  TxError = "NotCheckpointed"
	TxErrorAlreadyRelayed   TxError = "AlreadyRelayed"
	TxErrorProofUnavailable TxError = "ProofUnavailable"
	TxErrorUnknown          TxError = "Unknown"
)

// TxErrorFromCategory maps a chain error category onto the persisted form.
func TxErrorFromCategory(c chain.Category) TxError {
	switch c {
	case chain.CategoryBonderFeeTooLow:
		return TxErrorBonderFeeTooLow
	case chain.CategoryNotCheckpointed:
		return TxErrorNotCheckpointed
	case chain.CategoryAlreadyRelayed:
		return TxErrorAlreadyRelayed
	case chain.CategoryProofUnavailable:
		return TxErrorProofUnavailable
	default:
		return TxErrorUnknown
	}
}

// Transfer is a cross-chain value move keyed by TransferID.
type Transfer struct {
	ID        string `json:"_id,omitempty"`
	CreatedAt int64  `json:"_createdAt,omitempty"`

	TransferID       string `json:"transferId"`
	TransferRootID   string `json:"transferRootId,omitempty"`
	TransferRootHash string `json:"transferRootHash,omitempty"`

	SourceChainID        int64  `json:"sourceChainId,omitempty"`
	SourceChainSlug      string `json:"sourceChainSlug,omitempty"`
	DestinationChainID   int64  `json:"destinationChainId,omitempty"`
	DestinationChainSlug string `json:"destinationChainSlug,omitempty"`

	TransferSentTxHash      string `json:"transferSentTxHash,omitempty"`
	TransferSentBlockNumber uint64 `json:"transferSentBlockNumber,omitempty"`
	TransferSentIndex       uint64 `json:"transferSentIndex,omitempty"`
	// TransferSentTimestamp is in unix seconds.
	TransferSentTimestamp int64 `json:"transferSentTimestamp,omitempty"`

	Committed bool `json:"committed"`

	IsBondable                 bool    `json:"isBondable,omitempty"`
	WithdrawalBonded           bool    `json:"withdrawalBonded,omitempty"`
	WithdrawalBonder           string  `json:"withdrawalBonder,omitempty"`
	WithdrawalBondTxError      TxError `json:"withdrawalBondTxError,omitempty"`
	WithdrawalBondBackoffIndex int     `json:"withdrawalBondBackoffIndex,omitempty"`
	// BondWithdrawalAttemptedAt is in epoch milliseconds.
	BondWithdrawalAttemptedAt int64  `json:"bondWithdrawalAttemptedAt,omitempty"`
	WithdrawalBondTxHash      string `json:"withdrawalBondTxHash,omitempty"`

	WithdrawalBondSettled bool   `json:"withdrawalBondSettled,omitempty"`
	IsTransferSpent       bool   `json:"isTransferSpent,omitempty"`
	TransferSpentTxHash   string `json:"transferSpentTxHash,omitempty"`

	Recipient     string          `json:"recipient,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	AmountOutMin  decimal.Decimal `json:"amountOutMin"`
	BonderFee     decimal.Decimal `json:"bonderFee"`
	TransferNonce string          `json:"transferNonce,omitempty"`
	Deadline      int64           `json:"deadline,omitempty"`
}

// TransferUpdate is a partial Transfer. Nil fields are left untouched by
// an update; slugs are derived on read and cannot be written.
type TransferUpdate struct {
	TransferID       *string `json:"transferId,omitempty"`
	TransferRootID   *string `json:"transferRootId,omitempty"`
	TransferRootHash *string `json:"transferRootHash,omitempty"`

	SourceChainID      *int64 `json:"sourceChainId,omitempty"`
	DestinationChainID *int64 `json:"destinationChainId,omitempty"`

	TransferSentTxHash      *string `json:"transferSentTxHash,omitempty"`
	TransferSentBlockNumber *uint64 `json:"transferSentBlockNumber,omitempty"`
	TransferSentIndex       *uint64 `json:"transferSentIndex,omitempty"`
	TransferSentTimestamp   *int64  `json:"transferSentTimestamp,omitempty"`

	Committed *bool `json:"committed,omitempty"`

	IsBondable                 *bool    `json:"isBondable,omitempty"`
	WithdrawalBonded           *bool    `json:"withdrawalBonded,omitempty"`
	WithdrawalBonder           *string  `json:"withdrawalBonder,omitempty"`
	WithdrawalBondTxError      *TxError `json:"withdrawalBondTxError,omitempty"`
	WithdrawalBondBackoffIndex *int     `json:"withdrawalBondBackoffIndex,omitempty"`
	BondWithdrawalAttemptedAt  *int64   `json:"bondWithdrawalAttemptedAt,omitempty"`
	WithdrawalBondTxHash       *string  `json:"withdrawalBondTxHash,omitempty"`

	WithdrawalBondSettled *bool   `json:"withdrawalBondSettled,omitempty"`
	IsTransferSpent       *bool   `json:"isTransferSpent,omitempty"`
	TransferSpentTxHash   *string `json:"transferSpentTxHash,omitempty"`

	Recipient     *string          `json:"recipient,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	AmountOutMin  *decimal.Decimal `json:"amountOutMin,omitempty"`
	BonderFee     *decimal.Decimal `json:"bonderFee,omitempty"`
	TransferNonce *string          `json:"transferNonce,omitempty"`
	Deadline      *int64           `json:"deadline,omitempty"`
}

// TransferRootState is the settlement stage of a root.
type TransferRootState string

const (
	TransferRootCommitted     TransferRootState = "Committed"
	TransferRootBondedOnL1    TransferRootState = "BondedOnL1"
	TransferRootConfirmedOnL1 TransferRootState = "ConfirmedOnL1"
	TransferRootSettled       TransferRootState = "Settled"
)

// TransferRoot aggregates a batch of transfers committed together.
type TransferRoot struct {
	ID        string `json:"_id,omitempty"`
	CreatedAt int64  `json:"_createdAt,omitempty"`

	TransferRootHash    string            `json:"transferRootHash"`
	TransferRootID      string            `json:"transferRootId,omitempty"`
	SourceChainID       int64             `json:"sourceChainId,omitempty"`
	SourceChainSlug     string            `json:"sourceChainSlug,omitempty"`
	DestinationChainIDs []int64           `json:"destinationChainIds,omitempty"`
	ChainAmounts        []decimal.Decimal `json:"chainAmounts,omitempty"`
	TotalAmount         decimal.Decimal   `json:"totalAmount"`
	TransferIDs         []string          `json:"transferIds,omitempty"`

	CommitTxHash      string `json:"commitTxHash,omitempty"`
	CommitBlockNumber uint64 `json:"commitBlockNumber,omitempty"`
	// CommittedAt is in epoch milliseconds.
	CommittedAt int64 `json:"committedAt,omitempty"`

	Bonded          bool   `json:"bonded,omitempty"`
	BondTxHash      string `json:"bondTxHash,omitempty"`
	BondAttemptedAt int64  `json:"bondAttemptedAt,omitempty"`

	Confirmed       bool   `json:"confirmed,omitempty"`
	SentConfirmTxAt int64  `json:"sentConfirmTxAt,omitempty"`
	ConfirmTxHash   string `json:"confirmTxHash,omitempty"`

	Settled bool `json:"settled,omitempty"`
}

// State derives the settlement stage from the phase flags.
func (r *TransferRoot) State() TransferRootState {
	switch {
	case r.Settled:
		return TransferRootSettled
	case r.Confirmed:
		return TransferRootConfirmedOnL1
	case r.Bonded:
		return TransferRootBondedOnL1
	default:
		return TransferRootCommitted
	}
}

// TransferRootUpdate is a partial TransferRoot.
type TransferRootUpdate struct {
	TransferRootHash    *string           `json:"transferRootHash,omitempty"`
	TransferRootID      *string           `json:"transferRootId,omitempty"`
	SourceChainID       *int64            `json:"sourceChainId,omitempty"`
	DestinationChainIDs []int64           `json:"destinationChainIds,omitempty"`
	ChainAmounts        []decimal.Decimal `json:"chainAmounts,omitempty"`
	TotalAmount         *decimal.Decimal  `json:"totalAmount,omitempty"`
	// TransferIDs replaces the stored list when set, including with an empty one.
	TransferIDs         *[]string         `json:"transferIds,omitempty"`

	CommitTxHash      *string `json:"commitTxHash,omitempty"`
	CommitBlockNumber *uint64 `json:"commitBlockNumber,omitempty"`
	CommittedAt       *int64  `json:"committedAt,omitempty"`

	Bonded          *bool   `json:"bonded,omitempty"`
	BondTxHash      *string `json:"bondTxHash,omitempty"`
	BondAttemptedAt *int64  `json:"bondAttemptedAt,omitempty"`

	Confirmed       *bool   `json:"confirmed,omitempty"`
	SentConfirmTxAt *int64  `json:"sentConfirmTxAt,omitempty"`
	ConfirmTxHash   *string `json:"confirmTxHash,omitempty"`

	Settled *bool `json:"settled,omitempty"`
}

// Ptr returns a pointer to v, for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}
