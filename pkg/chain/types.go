// Package chain defines the capabilities the settlement core consumes from
// chain access layers: submitting transactions, querying and subscribing to
// events, and building cross-domain relay proofs.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Contract names resolved by adapters to deployed addresses.
const (
	ContractL1Bridge             = "l1Bridge"
	ContractL2Bridge             = "l2Bridge"
	ContractL1Messenger          = "l1Messenger"
	ContractStateCommitmentChain = "stateCommitmentChain"
)

// EventType names a bridge event.
type EventType string

const (
	EventTransferSent       EventType = "TransferSent"
	EventTransfersCommitted EventType = "TransfersCommitted"
)

// Event is the envelope delivered to handlers. Exactly one of the typed
// payloads is set, matching Type.
type Event struct {
	Type        EventType
	ChainID     int64
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	// Timestamp is the block time in unix seconds.
	Timestamp uint64

	TransferSent       *TransferSentEvent
	TransfersCommitted *TransfersCommittedEvent
}

// TransferSentEvent is emitted on the source chain when a transfer is sent.
type TransferSentEvent struct {
	TransferID         common.Hash
	DestinationChainID int64
	Recipient          common.Address
	Amount             *big.Int
	TransferNonce      common.Hash
	BonderFee          *big.Int
	Index              uint64
	AmountOutMin       *big.Int
	Deadline           int64
}

// TransfersCommittedEvent is emitted on the source chain when a batch of
// transfers is committed under one root.
type TransfersCommittedEvent struct {
	TransferRootHash    common.Hash
	DestinationChainIDs []int64
	ChainAmounts        []*big.Int
}

// TotalAmount sums the per-destination amounts.
func (e *TransfersCommittedEvent) TotalAmount() *big.Int {
	total := new(big.Int)
	for _, amt := range e.ChainAmounts {
		if amt != nil {
			total.Add(total, amt)
		}
	}
	return total
}

// Handler processes one event. Handlers run concurrently.
type Handler func(ctx context.Context, ev Event) error

// EventFilter bounds an event query. A nil ToBlock means the latest block.
type EventFilter struct {
	Type      EventType
	FromBlock uint64
	ToBlock   *uint64
}

// CallOptions are per-call transaction overrides.
type CallOptions struct {
	GasLimit uint64
	Value    *big.Int
}

// Call identifies a contract method invocation.
type Call struct {
	Contract string
	Method   string
	Args     []any
	Options  CallOptions
}

// Subscription is an active event subscription.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Adapter is the chain access capability used by watchers. Implementations
// own signing, gas and nonce management, and RPC timeouts.
type Adapter interface {
	ChainID() int64
	SendTransaction(ctx context.Context, call Call) (common.Hash, error)
	CallContract(ctx context.Context, call Call) ([]any, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	Subscribe(ctx context.Context, eventType EventType, handler Handler) (Subscription, error)
}

// RelayMessage is a cross-domain message waiting to be relayed on the base chain.
type RelayMessage struct {
	Target       common.Address
	Sender       common.Address
	Message      []byte
	MessageNonce *big.Int
}

// MessagePair is a message together with the proof that finalizes it.
// StateRootBatchHeader and Proof are ABI-shaped values passed through to the
// challenge window check and the relay call.
type MessagePair struct {
	Message              RelayMessage
	StateRootBatchHeader any
	Proof                any
}

// RelayProver builds relay proofs for messages sent by a source transaction.
// When the state is not checkpointed yet it returns an *Error with
// CategoryNotCheckpointed.
type RelayProver interface {
	BuildRelayProof(ctx context.Context, sourceTxHash common.Hash) ([]MessagePair, error)
}
