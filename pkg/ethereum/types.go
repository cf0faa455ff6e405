package ethereum

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StateBatchHeader is the state commitment chain batch header tuple.
type StateBatchHeader struct {
	BatchIndex        *big.Int
	BatchRoot         [32]byte
	BatchSize         *big.Int
	PrevTotalElements *big.Int
	ExtraData         []byte
}

// ChainInclusionProof proves a state root is part of a batch.
type ChainInclusionProof struct {
	Index    *big.Int
	Siblings [][32]byte
}

// MessageInclusionProof is the proof tuple accepted by relayMessage.
type MessageInclusionProof struct {
	StateRoot            [32]byte
	StateRootBatchHeader StateBatchHeader
	StateRootProof       ChainInclusionProof
	StateTrieWitness     []byte
	StorageTrieWitness   []byte
}

// transferSentLog is the decoded TransferSent log.
type transferSentLog struct {
	TransferId    [32]byte
	ChainId       *big.Int
	Recipient     common.Address
	Amount        *big.Int
	TransferNonce [32]byte
	BonderFee     *big.Int
	Index         *big.Int
	AmountOutMin  *big.Int
	Deadline      *big.Int
}

// transfersCommittedLog is the decoded TransfersCommitted log.
type transfersCommittedLog struct {
	RootHash     [32]byte
	ChainIds     []*big.Int
	ChainAmounts []*big.Int
}
