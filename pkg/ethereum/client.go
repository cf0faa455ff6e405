package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/config"
	"github.com/chainsafe/bridge-settlement/pkg/ethereum/contracts"
)

// maxBlockRange bounds a single eth_getLogs request.
const maxBlockRange = 2000

var ErrContractNotConfigured = errors.New("contract not configured")

// Backend is the RPC surface the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

type boundContract struct {
	address  common.Address
	abi      *abi.ABI
	contract *bind.BoundContract
}

// Client is the chain adapter for one EVM chain and one token deployment
type Client struct {
	slug    string
	chainID int64
	backend Backend
	closer  func()
	logger  *zap.Logger

	privateKey  *ecdsa.PrivateKey
	address     common.Address
	gasLimit    uint64
	maxGasPrice *big.Int

	pollInterval time.Duration
	rpcTimeout   time.Duration
	startBlock   uint64

	contracts map[string]*boundContract

	// serializes nonce assignment
	txMu sync.Mutex
}

var _ chain.Adapter = (*Client)(nil)

// NewClient dials the chain RPC and binds the token's contracts on it
func NewClient(slug string, cfg *config.ChainConfig, addrs config.ContractsConfig, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", slug, err)
	}

	c, err := NewClientWithBackend(client, slug, cfg, addrs, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewClientWithBackend binds the token's contracts on an existing backend
func NewClientWithBackend(backend Backend, slug string, cfg *config.ChainConfig, addrs config.ContractsConfig, logger *zap.Logger) (*Client, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	var maxGasPrice *big.Int
	if cfg.MaxGasPrice != "" {
		var ok bool
		maxGasPrice, ok = new(big.Int).SetString(cfg.MaxGasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid max gas price %q", cfg.MaxGasPrice)
		}
	}

	c := &Client{
		slug:         slug,
		chainID:      cfg.ChainID,
		backend:      backend,
		logger:       logger.Named("ethereum").With(zap.String("chain", slug)),
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		gasLimit:     cfg.GasLimit,
		maxGasPrice:  maxGasPrice,
		pollInterval: cfg.PollingInterval,
		rpcTimeout:   cfg.RPCTimeout,
		startBlock:   cfg.StartBlock,
		contracts:    make(map[string]*boundContract),
	}

	bindings := []struct {
		name    string
		address string
		meta    *bind.MetaData
	}{
		{chain.ContractL1Bridge, addrs.L1Bridge, contracts.L1BridgeMetaData},
		{chain.ContractL2Bridge, addrs.L2Bridge, contracts.L2BridgeMetaData},
		{chain.ContractL1Messenger, addrs.L1Messenger, contracts.L1MessengerMetaData},
		{chain.ContractStateCommitmentChain, addrs.StateCommitmentChain, contracts.StateCommitmentChainMetaData},
	}
	for _, b := range bindings {
		if b.address == "" {
			continue
		}
		parsed, err := b.meta.GetAbi()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s ABI: %w", b.name, err)
		}
		address := common.HexToAddress(b.address)
		c.contracts[b.name] = &boundContract{
			address:  address,
			abi:      parsed,
			contract: bind.NewBoundContract(address, *parsed, backend, backend, backend),
		}
	}

	c.logger.Info("Connected to chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("bonder_address", c.address.Hex()),
		zap.Int("contracts", len(c.contracts)))

	return c, nil
}

// Close closes the RPC connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the configured chain id
func (c *Client) ChainID() int64 {
	return c.chainID
}

// Address returns the signer address
func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) contract(name string) (*boundContract, error) {
	bc, ok := c.contracts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrContractNotConfigured, name, c.slug)
	}
	return bc, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.rpcTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.rpcTimeout)
}

// transactor returns a transaction signer with the pending nonce assigned
func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, big.NewInt(c.chainID))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasLimit = c.gasLimit

	if c.maxGasPrice != nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}

		if gasPrice.Cmp(c.maxGasPrice) > 0 {
			c.logger.Warn("Suggested gas price exceeds maximum",
				zap.String("suggested", gasPrice.String()),
				zap.String("max", c.maxGasPrice.String()))
			auth.GasPrice = c.maxGasPrice
		} else {
			auth.GasPrice = gasPrice
		}
	}

	return auth, nil
}

// SendTransaction signs and submits a contract call. Revert and relay
// failures are returned as categorized chain errors.
func (c *Client) SendTransaction(ctx context.Context, call chain.Call) (common.Hash, error) {
	bc, err := c.contract(call.Contract)
	if err != nil {
		return common.Hash{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.txMu.Lock()
	defer c.txMu.Unlock()

	auth, err := c.transactor(ctx)
	if err != nil {
		return common.Hash{}, chain.ClassifyLegacy(err)
	}
	if call.Options.GasLimit > 0 {
		auth.GasLimit = call.Options.GasLimit
	}
	if call.Options.Value != nil {
		auth.Value = call.Options.Value
	}

	tx, err := bc.contract.Transact(auth, call.Method, call.Args...)
	if err != nil {
		return common.Hash{}, chain.ClassifyLegacy(fmt.Errorf("%s.%s: %w", call.Contract, call.Method, err))
	}

	c.logger.Info("Transaction submitted",
		zap.String("contract", call.Contract),
		zap.String("method", call.Method),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()))

	return tx.Hash(), nil
}

// CallContract performs a read-only call and returns the decoded outputs
func (c *Client) CallContract(ctx context.Context, call chain.Call) ([]any, error) {
	bc, err := c.contract(call.Contract)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out []any
	if err := bc.contract.Call(&bind.CallOpts{Context: ctx}, &out, call.Method, call.Args...); err != nil {
		return nil, chain.ClassifyLegacy(fmt.Errorf("%s.%s: %w", call.Contract, call.Method, err))
	}
	return out, nil
}

// eventSource returns the contract emitting settlement events: the rollup
// bridge when one is bound, the base chain bridge otherwise.
func (c *Client) eventSource() (*boundContract, error) {
	if bc, ok := c.contracts[chain.ContractL2Bridge]; ok {
		return bc, nil
	}
	return c.contract(chain.ContractL1Bridge)
}

// QueryEvents returns the events of one type in a block range, in log order
func (c *Client) QueryEvents(ctx context.Context, filter chain.EventFilter) ([]chain.Event, error) {
	bc, err := c.eventSource()
	if err != nil {
		return nil, err
	}
	ev, ok := bc.abi.Events[string(filter.Type)]
	if !ok {
		return nil, fmt.Errorf("event %s not emitted by %s", filter.Type, c.slug)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		Addresses: []common.Address{bc.address},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	if filter.ToBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*filter.ToBlock)
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s logs: %w", filter.Type, err)
	}

	blockTimes := make(map[uint64]uint64)
	events := make([]chain.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		event, err := c.decodeEvent(bc, filter.Type, lg)
		if err != nil {
			return nil, err
		}
		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("failed to get header %d: %w", lg.BlockNumber, err)
			}
			ts = header.Time
			blockTimes[lg.BlockNumber] = ts
		}
		event.Timestamp = ts
		events = append(events, event)
	}
	return events, nil
}

func (c *Client) decodeEvent(bc *boundContract, eventType chain.EventType, lg types.Log) (chain.Event, error) {
	event := chain.Event{
		Type:        eventType,
		ChainID:     c.chainID,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}

	switch eventType {
	case chain.EventTransferSent:
		var out transferSentLog
		if err := bc.contract.UnpackLog(&out, string(eventType), lg); err != nil {
			return event, fmt.Errorf("failed to unpack %s log in tx %s: %w", eventType, lg.TxHash.Hex(), err)
		}
		event.TransferSent = &chain.TransferSentEvent{
			TransferID:         out.TransferId,
			DestinationChainID: out.ChainId.Int64(),
			Recipient:          out.Recipient,
			Amount:             out.Amount,
			TransferNonce:      out.TransferNonce,
			BonderFee:          out.BonderFee,
			Index:              out.Index.Uint64(),
			AmountOutMin:       out.AmountOutMin,
			Deadline:           out.Deadline.Int64(),
		}
	case chain.EventTransfersCommitted:
		var out transfersCommittedLog
		if err := bc.contract.UnpackLog(&out, string(eventType), lg); err != nil {
			return event, fmt.Errorf("failed to unpack %s log in tx %s: %w", eventType, lg.TxHash.Hex(), err)
		}
		chainIDs := make([]int64, len(out.ChainIds))
		for i, id := range out.ChainIds {
			chainIDs[i] = id.Int64()
		}
		event.TransfersCommitted = &chain.TransfersCommittedEvent{
			TransferRootHash:    out.RootHash,
			DestinationChainIDs: chainIDs,
			ChainAmounts:        out.ChainAmounts,
		}
	default:
		return event, fmt.Errorf("unsupported event %s", eventType)
	}
	return event, nil
}
