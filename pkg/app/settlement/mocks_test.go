package settlement

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
)

// MockChainClient implements ChainClient. Subscriptions stay open until
// unsubscribed and never deliver events.
type MockChainClient struct {
	ID      int64
	Account common.Address

	SendTransactionFunc func(ctx context.Context, call chain.Call) (common.Hash, error)
	CallContractFunc    func(ctx context.Context, call chain.Call) ([]any, error)

	mu            sync.Mutex
	subscriptions []chain.EventType
	closed        int
}

func (m *MockChainClient) ChainID() int64          { return m.ID }
func (m *MockChainClient) Address() common.Address { return m.Account }

func (m *MockChainClient) SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error) {
	if m.SendTransactionFunc != nil {
		return m.SendTransactionFunc(ctx, call)
	}
	return common.Hash{}, nil
}

func (m *MockChainClient) CallContract(ctx context.Context, call chain.Call) ([]any, error) {
	if m.CallContractFunc != nil {
		return m.CallContractFunc(ctx, call)
	}
	return nil, nil
}

func (m *MockChainClient) QueryEvents(context.Context, chain.EventFilter) ([]chain.Event, error) {
	return nil, nil
}

func (m *MockChainClient) Subscribe(_ context.Context, eventType chain.EventType, _ chain.Handler) (chain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, eventType)
	return &mockSubscription{errCh: make(chan error)}, nil
}

func (m *MockChainClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *MockChainClient) Subscriptions() []chain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chain.EventType(nil), m.subscriptions...)
}

func (m *MockChainClient) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockSubscription struct {
	once  sync.Once
	errCh chan error
}

func (s *mockSubscription) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *mockSubscription) Err() <-chan error { return s.errCh }

// MockRelayProver implements chain.RelayProver.
type MockRelayProver struct {
	BuildRelayProofFunc func(ctx context.Context, sourceTxHash common.Hash) ([]chain.MessagePair, error)
}

func (m *MockRelayProver) BuildRelayProof(ctx context.Context, sourceTxHash common.Hash) ([]chain.MessagePair, error) {
	if m.BuildRelayProofFunc != nil {
		return m.BuildRelayProofFunc(ctx, sourceTxHash)
	}
	return nil, nil
}
