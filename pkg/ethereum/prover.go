package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
)

// ProofMethod is the JSON-RPC method served by the relay proof service.
const ProofMethod = "relayer_getMessagesAndProofsForL2Transaction"

// RPCCaller is the subset of *rpc.Client used by RPCProver.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPCProver fetches relay proofs from an external proof service. The
// service reports missing checkpoints and relayed messages as error text,
// which is classified into chain error categories.
type RPCProver struct {
	client  RPCCaller
	closer  func()
	timeout time.Duration
	logger  *zap.Logger
}

var _ chain.RelayProver = (*RPCProver)(nil)

// DialProver connects to the proof service at url
func DialProver(ctx context.Context, url string, timeout time.Duration, logger *zap.Logger) (*RPCProver, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to prover: %w", err)
	}
	p := NewProver(client, timeout, logger)
	p.closer = client.Close
	return p, nil
}

// NewProver wraps an RPC client
func NewProver(client RPCCaller, timeout time.Duration, logger *zap.Logger) *RPCProver {
	return &RPCProver{
		client:  client,
		timeout: timeout,
		logger:  logger.Named("prover"),
	}
}

func (p *RPCProver) Close() {
	if p.closer != nil {
		p.closer()
	}
}

type rpcRelayMessage struct {
	Target       common.Address `json:"target"`
	Sender       common.Address `json:"sender"`
	Message      hexutil.Bytes  `json:"message"`
	MessageNonce *hexutil.Big   `json:"messageNonce"`
}

type rpcBatchHeader struct {
	BatchIndex        *hexutil.Big  `json:"batchIndex"`
	BatchRoot         common.Hash   `json:"batchRoot"`
	BatchSize         *hexutil.Big  `json:"batchSize"`
	PrevTotalElements *hexutil.Big  `json:"prevTotalElements"`
	ExtraData         hexutil.Bytes `json:"extraData"`
}

type rpcInclusionProof struct {
	StateRoot            common.Hash    `json:"stateRoot"`
	StateRootBatchHeader rpcBatchHeader `json:"stateRootBatchHeader"`
	StateRootProof       struct {
		Index    *hexutil.Big  `json:"index"`
		Siblings []common.Hash `json:"siblings"`
	} `json:"stateRootProof"`
	StateTrieWitness   hexutil.Bytes `json:"stateTrieWitness"`
	StorageTrieWitness hexutil.Bytes `json:"storageTrieWitness"`
}

type rpcMessagePair struct {
	Message rpcRelayMessage   `json:"message"`
	Proof   rpcInclusionProof `json:"proof"`
}

// BuildRelayProof returns the message pairs sent by sourceTxHash
func (p *RPCProver) BuildRelayProof(ctx context.Context, sourceTxHash common.Hash) ([]chain.MessagePair, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var resp []rpcMessagePair
	if err := p.client.CallContext(ctx, &resp, ProofMethod, sourceTxHash); err != nil {
		return nil, chain.ClassifyLegacy(fmt.Errorf("build relay proof for %s: %w", sourceTxHash.Hex(), err))
	}

	pairs := make([]chain.MessagePair, 0, len(resp))
	for _, r := range resp {
		header := StateBatchHeader{
			BatchIndex:        bigOf(r.Proof.StateRootBatchHeader.BatchIndex),
			BatchRoot:         r.Proof.StateRootBatchHeader.BatchRoot,
			BatchSize:         bigOf(r.Proof.StateRootBatchHeader.BatchSize),
			PrevTotalElements: bigOf(r.Proof.StateRootBatchHeader.PrevTotalElements),
			ExtraData:         r.Proof.StateRootBatchHeader.ExtraData,
		}
		siblings := make([][32]byte, len(r.Proof.StateRootProof.Siblings))
		for i, s := range r.Proof.StateRootProof.Siblings {
			siblings[i] = s
		}

		pairs = append(pairs, chain.MessagePair{
			Message: chain.RelayMessage{
				Target:       r.Message.Target,
				Sender:       r.Message.Sender,
				Message:      r.Message.Message,
				MessageNonce: bigOf(r.Message.MessageNonce),
			},
			StateRootBatchHeader: header,
			Proof: MessageInclusionProof{
				StateRoot:            r.Proof.StateRoot,
				StateRootBatchHeader: header,
				StateRootProof: ChainInclusionProof{
					Index:    bigOf(r.Proof.StateRootProof.Index),
					Siblings: siblings,
				},
				StateTrieWitness:   r.Proof.StateTrieWitness,
				StorageTrieWitness: r.Proof.StorageTrieWitness,
			},
		})
	}

	p.logger.Debug("Relay proof built",
		zap.String("tx_hash", sourceTxHash.Hex()),
		zap.Int("messages", len(pairs)))
	return pairs, nil
}

func bigOf(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}
