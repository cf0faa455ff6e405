package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/config"
	"github.com/chainsafe/bridge-settlement/pkg/ethereum/contracts"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	l1BridgeAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	l2BridgeAddr = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	sccAddr      = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

// fakeBackend serves the RPC calls the client makes. Calls it does not
// implement panic through the nil embedded interface.
type fakeBackend struct {
	Backend

	mu         sync.Mutex
	head       uint64
	nonce      uint64
	callResult []byte
	calls      []ethereum.CallMsg
	sendErr    error
	sent       []*types.Transaction
	logs       []types.Log
}

func (f *fakeBackend) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

func (f *fakeBackend) addLog(lg types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, lg)
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: 1_700_000_000 + n}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return f.callResult, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 0 && lg.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func newTestClient(t *testing.T, backend *fakeBackend, addrs config.ContractsConfig) *Client {
	t.Helper()
	cfg := &config.ChainConfig{
		ChainID:         10,
		PrivateKey:      "0x" + testKey,
		GasLimit:        300_000,
		PollingInterval: 10 * time.Millisecond,
		RPCTimeout:      time.Second,
	}
	c, err := NewClientWithBackend(backend, "optimism", cfg, addrs, zap.NewNop())
	require.NoError(t, err)
	return c
}

func newTransferSentLog(t *testing.T, block uint64, transferID common.Hash) types.Log {
	t.Helper()
	parsed, err := contracts.L2BridgeMetaData.GetAbi()
	require.NoError(t, err)
	ev := parsed.Events["TransferSent"]

	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(1000),
		[32]byte{0x01},
		big.NewInt(10),
		big.NewInt(3),
		big.NewInt(990),
		big.NewInt(1_700_003_600),
	)
	require.NoError(t, err)

	return types.Log{
		Address: l2BridgeAddr,
		Topics: []common.Hash{
			ev.ID,
			transferID,
			common.BigToHash(big.NewInt(1)),
			common.BytesToHash(common.HexToAddress("0xb0").Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x5e17"),
		Index:       2,
	}
}

func TestClient_SendTransaction(t *testing.T) {
	backend := &fakeBackend{nonce: 7}
	c := newTestClient(t, backend, config.ContractsConfig{L1Bridge: l1BridgeAddr.Hex()})

	txHash, err := c.SendTransaction(context.Background(), chain.Call{
		Contract: chain.ContractL1Bridge,
		Method:   "bondWithdrawal",
		Args:     []any{common.HexToAddress("0xb0"), big.NewInt(1000), common.HexToHash("0x01"), big.NewInt(10)},
	})
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, tx.Hash(), txHash)
	assert.Equal(t, l1BridgeAddr, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(300_000), tx.Gas())

	parsed, err := contracts.L1BridgeMetaData.GetAbi()
	require.NoError(t, err)
	assert.Equal(t, parsed.Methods["bondWithdrawal"].ID, tx.Data()[:4])

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Address(), from)
}

func TestClient_SendTransactionClassifiesFailures(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("execution reverted: BonderFeeTooLow")}
	c := newTestClient(t, backend, config.ContractsConfig{L1Bridge: l1BridgeAddr.Hex()})

	_, err := c.SendTransaction(context.Background(), chain.Call{
		Contract: chain.ContractL1Bridge,
		Method:   "bondWithdrawal",
		Args:     []any{common.HexToAddress("0xb0"), big.NewInt(1000), common.HexToHash("0x01"), big.NewInt(10)},
	})
	require.Error(t, err)
	assert.True(t, chain.Is(err, chain.CategoryBonderFeeTooLow))
	assert.Contains(t, err.Error(), "l1Bridge.bondWithdrawal")

	_, err = c.SendTransaction(context.Background(), chain.Call{Contract: chain.ContractL1Messenger, Method: "relayMessage"})
	require.ErrorIs(t, err, ErrContractNotConfigured)
}

func TestClient_CallContract(t *testing.T) {
	parsed, err := contracts.StateCommitmentChainMetaData.GetAbi()
	require.NoError(t, err)
	method := parsed.Methods["insideFraudProofWindow"]
	result, err := method.Outputs.Pack(true)
	require.NoError(t, err)

	backend := &fakeBackend{callResult: result}
	c := newTestClient(t, backend, config.ContractsConfig{StateCommitmentChain: sccAddr.Hex()})

	header := StateBatchHeader{
		BatchIndex:        big.NewInt(4),
		BatchRoot:         [32]byte{0xaa},
		BatchSize:         big.NewInt(1),
		PrevTotalElements: big.NewInt(100),
		ExtraData:         []byte{},
	}
	out, err := c.CallContract(context.Background(), chain.Call{
		Contract: chain.ContractStateCommitmentChain,
		Method:   "insideFraudProofWindow",
		Args:     []any{header},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{true}, out)

	require.Len(t, backend.calls, 1)
	assert.Equal(t, sccAddr, *backend.calls[0].To)
	assert.Equal(t, method.ID, backend.calls[0].Data[:4])
}

func TestClient_QueryEvents(t *testing.T) {
	backend := &fakeBackend{head: 20}
	c := newTestClient(t, backend, config.ContractsConfig{L2Bridge: l2BridgeAddr.Hex()})

	transferID := common.HexToHash("0x7a")
	backend.addLog(newTransferSentLog(t, 5, transferID))

	parsed, err := contracts.L2BridgeMetaData.GetAbi()
	require.NoError(t, err)
	committed := parsed.Events["TransfersCommitted"]
	data, err := committed.Inputs.NonIndexed().Pack(
		[]*big.Int{big.NewInt(1), big.NewInt(100)},
		[]*big.Int{big.NewInt(700), big.NewInt(300)},
	)
	require.NoError(t, err)
	backend.addLog(types.Log{
		Address:     l2BridgeAddr,
		Topics:      []common.Hash{committed.ID, common.HexToHash("0xabc")},
		Data:        data,
		BlockNumber: 9,
		TxHash:      common.HexToHash("0xc0"),
	})

	to := uint64(20)
	sent, err := c.QueryEvents(context.Background(), chain.EventFilter{Type: chain.EventTransferSent, FromBlock: 1, ToBlock: &to})
	require.NoError(t, err)
	require.Len(t, sent, 1)

	ev := sent[0]
	assert.Equal(t, chain.EventTransferSent, ev.Type)
	assert.Equal(t, int64(10), ev.ChainID)
	assert.Equal(t, uint64(5), ev.BlockNumber)
	assert.Equal(t, uint(2), ev.LogIndex)
	assert.Equal(t, uint64(1_700_000_005), ev.Timestamp)
	require.NotNil(t, ev.TransferSent)
	assert.Equal(t, transferID, ev.TransferSent.TransferID)
	assert.Equal(t, int64(1), ev.TransferSent.DestinationChainID)
	assert.Equal(t, common.HexToAddress("0xb0"), ev.TransferSent.Recipient)
	assert.Equal(t, int64(1000), ev.TransferSent.Amount.Int64())
	assert.Equal(t, int64(10), ev.TransferSent.BonderFee.Int64())
	assert.Equal(t, uint64(3), ev.TransferSent.Index)
	assert.Equal(t, int64(1_700_003_600), ev.TransferSent.Deadline)

	commits, err := c.QueryEvents(context.Background(), chain.EventFilter{Type: chain.EventTransfersCommitted})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.NotNil(t, commits[0].TransfersCommitted)
	assert.Equal(t, common.HexToHash("0xabc"), commits[0].TransfersCommitted.TransferRootHash)
	assert.Equal(t, []int64{1, 100}, commits[0].TransfersCommitted.DestinationChainIDs)
	assert.Equal(t, int64(1000), commits[0].TransfersCommitted.TotalAmount().Int64())
}

func TestClient_Subscribe(t *testing.T) {
	backend := &fakeBackend{head: 10}
	c := newTestClient(t, backend, config.ContractsConfig{L2Bridge: l2BridgeAddr.Hex()})

	// logs at or before the head when subscribing are not delivered
	backend.addLog(newTransferSentLog(t, 10, common.HexToHash("0x01")))

	received := make(chan chain.Event, 4)
	sub, err := c.Subscribe(context.Background(), chain.EventTransferSent, func(_ context.Context, ev chain.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	backend.addLog(newTransferSentLog(t, 12, common.HexToHash("0x02")))
	backend.setHead(12)

	select {
	case ev := <-received:
		assert.Equal(t, common.HexToHash("0x02"), ev.TransferSent.TransferID)
		assert.Equal(t, uint64(12), ev.BlockNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	sub.Unsubscribe()
	assert.Empty(t, received)

	select {
	case err := <-sub.Err():
		t.Fatalf("unexpected subscription error: %v", err)
	default:
	}
}
