package scheduler

import (
	"context"
	"sync"

	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

// MockRootBonder is a mock implementation of RootBonder
type MockRootBonder struct {
	StateValue           watcher.State
	BondTransferRootFunc func(ctx context.Context, transferRootHash string) error

	mu     sync.Mutex
	bonded []string
	synced []string
}

func (m *MockRootBonder) State() watcher.State { return m.StateValue }

func (m *MockRootBonder) BondTransferRoot(ctx context.Context, transferRootHash string) error {
	m.mu.Lock()
	m.bonded = append(m.bonded, transferRootHash)
	m.mu.Unlock()
	if m.BondTransferRootFunc != nil {
		return m.BondTransferRootFunc(ctx, transferRootHash)
	}
	return nil
}

func (m *MockRootBonder) SyncTransferRoot(_ context.Context, transferRootHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, transferRootHash)
	return nil
}

func (m *MockRootBonder) Synced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.synced...)
}

func (m *MockRootBonder) Bonded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bonded...)
}

// MockRootRelayer is a mock implementation of RootRelayer
type MockRootRelayer struct {
	StateValue             watcher.State
	ChainID                int64
	HandleCommitTxHashFunc func(ctx context.Context, commitTxHash, transferRootHash string) error

	mu      sync.Mutex
	relayed [][2]string
}

func (m *MockRootRelayer) State() watcher.State { return m.StateValue }
func (m *MockRootRelayer) SourceChainID() int64 { return m.ChainID }

func (m *MockRootRelayer) HandleCommitTxHash(ctx context.Context, commitTxHash, transferRootHash string) error {
	m.mu.Lock()
	m.relayed = append(m.relayed, [2]string{commitTxHash, transferRootHash})
	m.mu.Unlock()
	if m.HandleCommitTxHashFunc != nil {
		return m.HandleCommitTxHashFunc(ctx, commitTxHash, transferRootHash)
	}
	return nil
}

func (m *MockRootRelayer) Relayed() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]string(nil), m.relayed...)
}

// MockWithdrawalBonder is a mock implementation of WithdrawalBonder
type MockWithdrawalBonder struct {
	StateValue      watcher.State
	BondPendingFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls int
	syncs int
}

func (m *MockWithdrawalBonder) State() watcher.State { return m.StateValue }

func (m *MockWithdrawalBonder) BondPending(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.BondPendingFunc != nil {
		return m.BondPendingFunc(ctx)
	}
	return nil
}

func (m *MockWithdrawalBonder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockWithdrawalBonder) SyncSettlements(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

func (m *MockWithdrawalBonder) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}
