package xdomain

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/chain/mocks"
	"github.com/chainsafe/bridge-settlement/pkg/db"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
	"github.com/chainsafe/bridge-settlement/pkg/watcher"
)

var testNow = time.Unix(1_700_000_000, 0)

type recordingNotifier struct {
	infos  []string
	errors []string
}

func (n *recordingNotifier) Info(msg string, _ ...zap.Field)  { n.infos = append(n.infos, msg) }
func (n *recordingNotifier) Error(msg string, _ ...zap.Field) { n.errors = append(n.errors, msg) }

var _ notifier.Notifier = (*recordingNotifier)(nil)

type fixture struct {
	store    *db.DB
	l1       *mocks.Adapter
	prover   *mocks.RelayProver
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
	w        *Watcher
}

func newFixture(t *testing.T, cfg watcher.Config) *fixture {
	t.Helper()
	now := func() time.Time { return testNow }

	reg := kvstore.NewRegistry(zap.NewNop(), kvstore.WithClock(now))
	t.Cleanup(func() { _ = reg.Close() })
	store, err := db.New(reg, filepath.Join(t.TempDir(), "db"), "USDC", zap.NewNop(), db.WithClock(now))
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		store:    store,
		l1:       mocks.NewAdapter(t),
		prover:   mocks.NewRelayProver(t),
		notifier: &recordingNotifier{},
		logs:     logs,
	}
	cfg.ChainSlug = "optimism"
	cfg.TokenSymbol = "USDC"
	f.w = New(Config{Config: cfg, SourceChainID: 10}, f.l1, f.prover, store, zap.New(core), f.notifier)
	f.w.now = now
	return f
}

func (f *fixture) seedRoot(t *testing.T, rootHash, commitTx string) *db.TransferRoot {
	t.Helper()
	require.NoError(t, f.store.TransferRoots.Update(rootHash, db.TransferRootUpdate{
		SourceChainID:       db.Ptr(int64(10)),
		DestinationChainIDs: []int64{1},
		ChainAmounts:        []decimal.Decimal{decimal.NewFromInt(1000)},
		TotalAmount:         db.Ptr(decimal.NewFromInt(1000)),
		CommitTxHash:        db.Ptr(commitTx),
		CommittedAt:         db.Ptr(testNow.Add(-time.Hour).UnixMilli()),
	}))
	root, err := f.store.TransferRoots.GetByTransferRootHash(rootHash)
	require.NoError(t, err)
	return root
}

func (f *fixture) root(t *testing.T, rootHash string) *db.TransferRoot {
	t.Helper()
	root, err := f.store.TransferRoots.GetByTransferRootHash(rootHash)
	require.NoError(t, err)
	require.NotNil(t, root)
	return root
}

func messagePair() chain.MessagePair {
	return chain.MessagePair{
		Message: chain.RelayMessage{
			Target:       common.HexToAddress("0x0000000000000000000000000000000000000a11"),
			Sender:       common.HexToAddress("0x4200000000000000000000000000000000000007"),
			Message:      []byte{0xde, 0xad},
			MessageNonce: big.NewInt(7),
		},
		StateRootBatchHeader: "batch-header",
		Proof:                "proof",
	}
}

func windowCall(header any) interface{} {
	return mock.MatchedBy(func(call chain.Call) bool {
		return call.Contract == chain.ContractStateCommitmentChain &&
			call.Method == "insideFraudProofWindow" &&
			len(call.Args) == 1 && call.Args[0] == header
	})
}

func relayCall() interface{} {
	return mock.MatchedBy(func(call chain.Call) bool {
		return call.Contract == chain.ContractL1Messenger &&
			call.Method == "relayMessage" &&
			len(call.Args) == 5 && call.Args[4] == "proof"
	})
}

func TestWatcher_RelaysAfterChallengeWindow(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	f.seedRoot(t, rootHash, commitTx)

	relayTx := common.HexToHash("0x7e1a")
	f.prover.On("BuildRelayProof", mock.Anything, common.HexToHash(commitTx)).Return([]chain.MessagePair{messagePair()}, nil).Once()
	f.l1.On("CallContract", mock.Anything, windowCall("batch-header")).Return([]interface{}{false}, nil).Once()
	f.l1.On("SendTransaction", mock.Anything, relayCall()).Return(relayTx, nil).Once()

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash))

	root := f.root(t, rootHash)
	assert.Equal(t, testNow.UnixMilli(), root.SentConfirmTxAt)
	assert.Equal(t, relayTx.Hex(), root.ConfirmTxHash)
	assert.Len(t, f.notifier.infos, 1)
	assert.Empty(t, f.notifier.errors)

	unconfirmed, err := f.store.TransferRoots.GetUnconfirmedTransferRoots(db.TransferRootsFilter{})
	require.NoError(t, err)
	assert.Empty(t, unconfirmed)
}

func TestWatcher_NotCheckpointedDefers(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	before := f.seedRoot(t, rootHash, commitTx)

	f.prover.On("BuildRelayProof", mock.Anything, common.HexToHash(commitTx)).
		Return(nil, chain.ClassifyLegacy(errors.New("unable to find state root batch for tx"))).Once()

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash))

	assert.Equal(t, before, f.root(t, rootHash))
	assert.Empty(t, f.notifier.errors)
	assert.Equal(t, 0, f.logs.FilterLevelExact(zap.ErrorLevel).Len())
	assert.Equal(t, 1, f.logs.FilterMessage("State root batch not yet on L1, cannot relay yet").Len())
	f.l1.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)

	unconfirmed, err := f.store.TransferRoots.GetUnconfirmedTransferRoots(db.TransferRootsFilter{SourceChainID: 10})
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)
}

func TestWatcher_InsideChallengeWindowDefersQuietly(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	before := f.seedRoot(t, rootHash, commitTx)

	f.prover.On("BuildRelayProof", mock.Anything, mock.Anything).Return([]chain.MessagePair{messagePair()}, nil).Once()
	f.l1.On("CallContract", mock.Anything, windowCall("batch-header")).Return([]interface{}{true}, nil).Once()

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash))

	assert.Equal(t, before, f.root(t, rootHash))
	assert.Equal(t, 0, f.logs.Filter(func(e observer.LoggedEntry) bool { return e.Level > zap.DebugLevel }).Len())
}

func TestWatcher_AlreadyRelayedIsNoop(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	f.seedRoot(t, rootHash, commitTx)

	f.prover.On("BuildRelayProof", mock.Anything, mock.Anything).Return([]chain.MessagePair{messagePair()}, nil).Once()
	f.l1.On("CallContract", mock.Anything, mock.Anything).Return([]interface{}{false}, nil).Once()
	f.l1.On("SendTransaction", mock.Anything, relayCall()).
		Return(common.Hash{}, chain.NewError(chain.CategoryAlreadyRelayed, "estimate gas", errors.New("message has already been received"))).Once()

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash))

	root := f.root(t, rootHash)
	assert.Empty(t, root.ConfirmTxHash)
	assert.False(t, root.Confirmed)
	assert.Empty(t, f.notifier.infos)
	assert.Empty(t, f.notifier.errors)
}

func TestWatcher_ProofGapDefers(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	f.seedRoot(t, rootHash, commitTx)

	f.prover.On("BuildRelayProof", mock.Anything, mock.Anything).
		Return(nil, chain.ClassifyLegacy(errors.New("Cannot read property 'length' of null"))).Once()

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash))
	assert.Equal(t, 1, f.logs.FilterMessage("Relay proof events not found").Len())
}

func TestWatcher_UnknownFailureSurfaces(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	f.seedRoot(t, rootHash, commitTx)

	f.prover.On("BuildRelayProof", mock.Anything, mock.Anything).Return([]chain.MessagePair{messagePair()}, nil).Once()
	f.l1.On("CallContract", mock.Anything, mock.Anything).Return([]interface{}{false}, nil).Once()
	f.l1.On("SendTransaction", mock.Anything, mock.Anything).Return(common.Hash{}, errors.New("insufficient funds for gas")).Once()

	err := f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")

	root := f.root(t, rootHash)
	assert.Equal(t, testNow.UnixMilli(), root.SentConfirmTxAt)
	assert.Empty(t, root.ConfirmTxHash)
	assert.Equal(t, []string{"relay failed"}, f.notifier.errors)
	assert.Equal(t, 1, f.logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestWatcher_DryModeComputesButDoesNotSubmit(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true, DryMode: true})
	const rootHash, commitTx = "0xabc", "0xdef"
	before := f.seedRoot(t, rootHash, commitTx)

	f.prover.On("BuildRelayProof", mock.Anything, mock.Anything).Return([]chain.MessagePair{messagePair()}, nil).Once()
	f.l1.On("CallContract", mock.Anything, mock.Anything).Return([]interface{}{false}, nil).Once()

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), commitTx, rootHash))
	assert.Equal(t, before, f.root(t, rootHash))
	f.l1.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestWatcher_PauseModeSkipsEverything(t *testing.T) {
	f := newFixture(t, watcher.Config{IsL1: true, PauseMode: true})

	require.NoError(t, f.w.HandleCommitTxHash(context.Background(), "0xdef", "0xabc"))
	f.prover.AssertNotCalled(t, "BuildRelayProof", mock.Anything, mock.Anything)
}

func TestWatcher_StartRequiresProver(t *testing.T) {
	f := newFixture(t, watcher.Config{})
	require.NoError(t, f.w.Start(context.Background()))
	assert.Equal(t, watcher.StateWatching, f.w.State())
	f.w.Stop()

	w := New(Config{SourceChainID: 10}, f.l1, nil, f.store, zap.NewNop(), nil)
	require.Error(t, w.Start(context.Background()))
	assert.Equal(t, watcher.StateStopped, w.State())
}
