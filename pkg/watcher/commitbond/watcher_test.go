package commitbond

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/chain/mocks"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

const (
	chainA int64 = 10
	chainB int64 = 100
)

var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	store  *db.DB
	source *mocks.Adapter
	l1     *mocks.Adapter
	slept  []time.Duration
	w      *Watcher
}

func newFixture(t *testing.T, cfg watcher.Config) *fixture {
	t.Helper()
	now := func() time.Time { return testNow }

	reg := kvstore.NewRegistry(zap.NewNop(), kvstore.WithClock(now))
	t.Cleanup(func() { _ = reg.Close() })
	store, err := db.New(reg, filepath.Join(t.TempDir(), "db"), "USDC", zap.NewNop(), db.WithClock(now))
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		source: mocks.NewAdapter(t),
		l1:     mocks.NewAdapter(t),
	}
	f.source.On("ChainID").Return(chainA).Maybe()

	cfg.ChainSlug = "optimism"
	cfg.TokenSymbol = "USDC"
	f.w = New(Config{Config: cfg}, f.source, f.l1, store, zap.NewNop(), notifier.Nop{},
		WithClock(now),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		}),
	)
	return f
}

func transferSentEvent(id common.Hash, dest int64, block uint64) chain.Event {
	return chain.Event{
		Type:        chain.EventTransferSent,
		ChainID:     chainA,
		TxHash:      common.HexToHash("0x5e17"),
		BlockNumber: block,
		Timestamp:   uint64(testNow.Unix() - 60),
		TransferSent: &chain.TransferSentEvent{
			TransferID:         id,
			DestinationChainID: dest,
			Recipient:          common.HexToAddress("0x00000000000000000000000000000000000000b0"),
			Amount:             big.NewInt(1000),
			TransferNonce:      common.HexToHash("0x01"),
			BonderFee:          big.NewInt(10),
			Index:              0,
			AmountOutMin:       big.NewInt(0),
		},
	}
}

func commitEvent(root common.Hash, block uint64, chainIDs []int64, amounts []*big.Int) chain.Event {
	return chain.Event{
		Type:        chain.EventTransfersCommitted,
		ChainID:     chainA,
		TxHash:      common.HexToHash("0xc0417"),
		BlockNumber: block,
		Timestamp:   uint64(testNow.Unix() - 30),
		TransfersCommitted: &chain.TransfersCommittedEvent{
			TransferRootHash:    root,
			DestinationChainIDs: chainIDs,
			ChainAmounts:        amounts,
		},
	}
}

func bondCall(root common.Hash, chainID int64, amount int64) interface{} {
	return mock.MatchedBy(func(call chain.Call) bool {
		if call.Contract != chain.ContractL1Bridge || call.Method != "bondTransferRoot" || len(call.Args) != 3 {
			return false
		}
		hash, ok := call.Args[0].(common.Hash)
		if !ok || hash != root {
			return false
		}
		ids, ok := call.Args[1].([]*big.Int)
		if !ok || len(ids) != 1 || ids[0].Int64() != chainID {
			return false
		}
		amounts, ok := call.Args[2].([]*big.Int)
		return ok && len(amounts) == 1 && amounts[0].Int64() == amount
	})
}

func TestWatcher_CommitAndBondEndToEnd(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: false})
	ctx := context.Background()
	transferID := common.HexToHash("0x7001")
	root := common.HexToHash("0xabc")

	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(transferID, chainB, 100)))
	require.NoError(t, f.store.Transfers.Update(transferID.Hex(), db.TransferUpdate{WithdrawalBonded: db.Ptr(true)}))

	withoutRoots, err := f.store.Transfers.GetBondedTransfersWithoutRoots(db.TransfersFilter{})
	require.NoError(t, err)
	require.Len(t, withoutRoots, 1)

	bondTx := common.HexToHash("0xb0dd")
	f.l1.On("SendTransaction", mock.Anything, bondCall(root, chainB, 1000)).Return(bondTx, nil).Once()

	err = f.w.HandleTransfersCommitted(ctx, commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)}))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, f.slept)

	stored, err := f.store.TransferRoots.GetByTransferRootHash(root.Hex())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, chainA, stored.SourceChainID)
	assert.Equal(t, []int64{chainB}, stored.DestinationChainIDs)
	assert.True(t, decimal.NewFromInt(1000).Equal(stored.TotalAmount))
	assert.Equal(t, common.HexToHash("0xc0417").Hex(), stored.CommitTxHash)
	assert.True(t, stored.Bonded)
	assert.Equal(t, bondTx.Hex(), stored.BondTxHash)
	assert.Equal(t, testNow.UnixMilli(), stored.BondAttemptedAt)
	assert.Equal(t, []string{transferID.Hex()}, stored.TransferIDs)
	assert.Equal(t, db.TransferRootBondedOnL1, stored.State())

	transfer, err := f.store.Transfers.GetByTransferID(transferID.Hex())
	require.NoError(t, err)
	assert.True(t, transfer.Committed)
	assert.Equal(t, root.Hex(), transfer.TransferRootHash)

	withoutRoots, err = f.store.Transfers.GetBondedTransfersWithoutRoots(db.TransfersFilter{})
	require.NoError(t, err)
	assert.Empty(t, withoutRoots)

	// bonding again is a no-op
	require.NoError(t, f.w.BondTransferRoot(ctx, root.Hex()))
}

func TestWatcher_HandleTransferSent(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	id := common.HexToHash("0x7001")

	require.NoError(t, f.w.HandleTransferSent(context.Background(), transferSentEvent(id, chainB, 100)))

	got, err := f.store.Transfers.GetByTransferID(id.Hex())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chainA, got.SourceChainID)
	assert.Equal(t, "optimism", got.SourceChainSlug)
	assert.Equal(t, chainB, got.DestinationChainID)
	assert.Equal(t, uint64(100), got.TransferSentBlockNumber)
	assert.Equal(t, testNow.Unix()-60, got.TransferSentTimestamp)
	assert.True(t, got.IsBondable)
	assert.False(t, got.Committed)
	assert.True(t, decimal.NewFromInt(10).Equal(got.BonderFee))

	ids, err := f.store.Transfers.GetTransferIDs(&db.TransfersDateFilter{FromUnix: testNow.Unix() - 60, ToUnix: testNow.Unix() - 60})
	require.NoError(t, err)
	assert.Equal(t, []string{id.Hex()}, ids)

	err = f.w.HandleTransferSent(context.Background(), chain.Event{Type: chain.EventTransferSent})
	require.ErrorIs(t, err, ErrMissingPayload)
}

func TestWatcher_LinksOnlyMatchingTransfers(t *testing.T) {
	f := newFixture(t, watcher.Config{DryMode: true})
	ctx := context.Background()

	inRoot := common.HexToHash("0x01")
	otherDest := common.HexToHash("0x02")
	later := common.HexToHash("0x03")
	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(inRoot, chainB, 100)))
	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(otherDest, 1, 100)))
	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(later, chainB, 130)))

	root := common.HexToHash("0xabc")
	require.NoError(t, f.w.HandleTransfersCommitted(ctx, commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)})))

	stored, err := f.store.TransferRoots.GetByTransferRootHash(root.Hex())
	require.NoError(t, err)
	assert.Equal(t, []string{inRoot.Hex()}, stored.TransferIDs)

	uncommitted, err := f.store.Transfers.GetUncommittedTransfers(db.TransfersFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(uncommitted))
	for _, tr := range uncommitted {
		ids = append(ids, tr.TransferID)
	}
	assert.ElementsMatch(t, []string{otherDest.Hex(), later.Hex()}, ids)
}

func TestWatcher_DryModeSkipsSubmission(t *testing.T) {
	f := newFixture(t, watcher.Config{DryMode: true})
	root := common.HexToHash("0xabc")

	err := f.w.HandleTransfersCommitted(context.Background(), commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)}))
	require.NoError(t, err)

	stored, err := f.store.TransferRoots.GetByTransferRootHash(root.Hex())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Bonded)
	assert.Zero(t, stored.BondAttemptedAt)
	f.l1.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestWatcher_PauseDuringSettleDelayIsHonoured(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	f.w.sleep = func(context.Context, time.Duration) error {
		f.w.SetPauseMode(true)
		return nil
	}
	root := common.HexToHash("0xabc")

	err := f.w.HandleTransfersCommitted(context.Background(), commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)}))
	require.NoError(t, err)
	f.l1.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)

	unbonded, err := f.store.TransferRoots.GetUnbondedTransferRoots(db.TransferRootsFilter{})
	require.NoError(t, err)
	require.Len(t, unbonded, 1)
	assert.Equal(t, root.Hex(), unbonded[0].TransferRootHash)
}

func TestWatcher_SubmissionFailureKeepsRootUnbonded(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	root := common.HexToHash("0xabc")
	f.l1.On("SendTransaction", mock.Anything, mock.Anything).Return(common.Hash{}, errors.New("nonce too low")).Once()

	err := f.w.HandleTransfersCommitted(context.Background(), commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")

	stored, err := f.store.TransferRoots.GetByTransferRootHash(root.Hex())
	require.NoError(t, err)
	assert.False(t, stored.Bonded)
	assert.Equal(t, testNow.UnixMilli(), stored.BondAttemptedAt)
	assert.Equal(t, db.TransferRootCommitted, stored.State())
}

func TestWatcher_RejectsMalformedCommit(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	ctx := context.Background()

	err := f.w.HandleTransfersCommitted(ctx, commitEvent(common.HexToHash("0xabc"), 120, []int64{chainB, 1}, []*big.Int{big.NewInt(1)}))
	require.Error(t, err)

	err = f.w.HandleTransfersCommitted(ctx, chain.Event{Type: chain.EventTransfersCommitted})
	require.ErrorIs(t, err, ErrMissingPayload)

	err = f.w.BondTransferRoot(ctx, common.HexToHash("0xdead").Hex())
	require.ErrorIs(t, err, ErrTransferRootNotFound)
}

func (f *fixture) root(t *testing.T, hash common.Hash) *db.TransferRoot {
	t.Helper()
	got, err := f.store.TransferRoots.GetByTransferRootHash(hash.Hex())
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func (f *fixture) transfer(t *testing.T, id common.Hash) *db.Transfer {
	t.Helper()
	got, err := f.store.Transfers.GetByTransferID(id.Hex())
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestWatcher_LateTransferSentJoinsItsOwnRoot(t *testing.T) {
	f := newFixture(t, watcher.Config{DryMode: true})
	ctx := context.Background()
	root1 := common.HexToHash("0x01aa")
	root2 := common.HexToHash("0x02bb")
	late := common.HexToHash("0x7001")
	next := common.HexToHash("0x7002")
	amounts := []*big.Int{big.NewInt(1000)}

	require.NoError(t, f.w.HandleTransfersCommitted(ctx, commitEvent(root1, 100, []int64{chainB}, amounts)))
	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(late, chainB, 99)))
	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(next, chainB, 150)))
	require.NoError(t, f.w.HandleTransfersCommitted(ctx, commitEvent(root2, 200, []int64{chainB}, amounts)))

	assert.Equal(t, root1.Hex(), f.transfer(t, late).TransferRootHash)
	assert.True(t, f.transfer(t, late).Committed)
	assert.Equal(t, root2.Hex(), f.transfer(t, next).TransferRootHash)
	assert.Equal(t, []string{late.Hex()}, f.root(t, root1).TransferIDs)
	assert.Equal(t, []string{next.Hex()}, f.root(t, root2).TransferIDs)
}

func TestWatcher_EarlierCommitHandledLastTakesItsTransfers(t *testing.T) {
	f := newFixture(t, watcher.Config{DryMode: true})
	ctx := context.Background()
	root1 := common.HexToHash("0x01aa")
	root2 := common.HexToHash("0x02bb")
	first := common.HexToHash("0x7001")
	second := common.HexToHash("0x7002")
	amounts := []*big.Int{big.NewInt(1000)}

	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(first, chainB, 99)))
	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(second, chainB, 150)))

	require.NoError(t, f.w.HandleTransfersCommitted(ctx, commitEvent(root2, 200, []int64{chainB}, amounts)))
	assert.ElementsMatch(t, []string{first.Hex(), second.Hex()}, f.root(t, root2).TransferIDs)

	require.NoError(t, f.w.HandleTransfersCommitted(ctx, commitEvent(root1, 100, []int64{chainB}, amounts)))
	assert.Equal(t, root1.Hex(), f.transfer(t, first).TransferRootHash)
	assert.Equal(t, root2.Hex(), f.transfer(t, second).TransferRootHash)
	assert.Equal(t, []string{first.Hex()}, f.root(t, root1).TransferIDs)
	assert.Equal(t, []string{second.Hex()}, f.root(t, root2).TransferIDs)
}

func TestWatcher_ConcurrentBondsSubmitOnce(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	ctx := context.Background()
	root := common.HexToHash("0xabc")

	var sends atomic.Int32
	f.l1.On("SendTransaction", mock.Anything, bondCall(root, chainB, 1000)).
		Run(func(mock.Arguments) { sends.Add(1) }).
		Return(common.HexToHash("0xb0dd"), nil)

	f.w.sleep = func(context.Context, time.Duration) error {
		due, err := f.store.TransferRoots.GetUnbondedTransferRoots(db.TransferRootsFilter{})
		require.NoError(t, err)
		assert.Empty(t, due, "roots inside the settle delay are not due")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.w.BondTransferRoot(ctx, root.Hex()))
			}()
		}
		wg.Wait()
		return nil
	}

	ev := commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)})
	ev.Timestamp = uint64(testNow.Unix())
	require.NoError(t, f.w.HandleTransfersCommitted(ctx, ev))

	assert.Equal(t, int32(1), sends.Load())
	assert.True(t, f.root(t, root).Bonded)
}

func TestWatcher_SyncTransferRoot(t *testing.T) {
	f := newFixture(t, watcher.Config{DryMode: true})
	ctx := context.Background()
	root := common.HexToHash("0xabc")
	id := common.HexToHash("0x7001")

	require.NoError(t, f.w.HandleTransferSent(ctx, transferSentEvent(id, chainB, 100)))
	require.NoError(t, f.w.HandleTransfersCommitted(ctx, commitEvent(root, 120, []int64{chainB}, []*big.Int{big.NewInt(1000)})))
	rootID := TransferRootID(root, big.NewInt(1000))
	assert.Equal(t, rootID.Hex(), f.root(t, root).TransferRootID)

	confirmedCall := mock.MatchedBy(func(call chain.Call) bool {
		return call.Contract == chain.ContractL1Bridge &&
			call.Method == "transferRootConfirmed" &&
			len(call.Args) == 1 && call.Args[0] == rootID
	})
	f.l1.On("CallContract", mock.Anything, confirmedCall).Return([]any{false}, nil).Once()
	f.l1.On("CallContract", mock.Anything, confirmedCall).Return([]any{true}, nil).Once()

	require.NoError(t, f.w.SyncTransferRoot(ctx, root.Hex()))
	assert.Equal(t, db.TransferRootCommitted, f.root(t, root).State())

	require.NoError(t, f.w.SyncTransferRoot(ctx, root.Hex()))
	assert.Equal(t, db.TransferRootConfirmedOnL1, f.root(t, root).State())

	require.NoError(t, f.store.Transfers.Update(id.Hex(), db.TransferUpdate{IsTransferSpent: db.Ptr(true)}))
	require.NoError(t, f.w.SyncTransferRoot(ctx, root.Hex()))
	assert.Equal(t, db.TransferRootSettled, f.root(t, root).State())

	unsettled, err := f.store.TransferRoots.GetUnsettledTransferRoots(db.TransferRootsFilter{})
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	require.ErrorIs(t, f.w.SyncTransferRoot(ctx, common.HexToHash("0xdead").Hex()), ErrTransferRootNotFound)
}
