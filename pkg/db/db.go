// Package db provides typed, indexed repositories for transfers and transfer
// roots on top of the kvstore package.
package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
)

const (
	transfersPrefix     = "transfers"
	transferRootsPrefix = "transferRoots"
)

// RetryPolicy bounds how pending work is retried.
type RetryPolicy struct {
	// TxRetryDelay is the base delay after any failed attempt.
	TxRetryDelay time.Duration
	// BackoffUnit is multiplied by 2^backoffIndex for fee-too-low failures.
	BackoffUnit time.Duration
	// RetentionWindow bounds pending-work queries; older items are not retried.
	RetentionWindow time.Duration
	// BondSettleDelay holds a committed root back from bonding until it is
	// this old.
	BondSettleDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TxRetryDelay:    10 * time.Minute,
		BackoffUnit:     time.Minute,
		RetentionWindow: 7 * 24 * time.Hour,
		BondSettleDelay: 2 * time.Second,
	}
}

// Option configures the repositories.
type Option func(*options)

type options struct {
	now    func() time.Time
	slugs  chain.SlugResolver
	policy RetryPolicy
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSlugResolver overrides chain id to slug resolution.
func WithSlugResolver(r chain.SlugResolver) Option {
	return func(o *options) {
		o.slugs = r
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// DB groups the repositories of one token namespace.
type DB struct {
	Transfers     *TransfersDB
	TransferRoots *TransferRootsDB
}

// New opens the transfer and transfer root repositories for namespace inside
// the database at path. Failure here is fatal for the process.
func New(registry *kvstore.Registry, path, namespace string, logger *zap.Logger, opts ...Option) (*DB, error) {
	o := options{
		now:    time.Now,
		slugs:  chain.SlugForID,
		policy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	transfersStore, err := registry.Store(path, transfersPrefix, namespace)
	if err != nil {
		return nil, fmt.Errorf("open transfers store: %w", err)
	}
	rootsStore, err := registry.Store(path, transferRootsPrefix, namespace)
	if err != nil {
		return nil, fmt.Errorf("open transfer roots store: %w", err)
	}

	return &DB{
		Transfers:     newTransfersDB(transfersStore, logger, o),
		TransferRoots: newTransferRootsDB(rootsStore, logger, o),
	}, nil
}

// backoff returns 2^index backoff units, or false when that exceeds the
// retention window.
func (p RetryPolicy) backoff(index int) (time.Duration, bool) {
	if index < 0 {
		index = 0
	}
	if p.BackoffUnit <= 0 {
		return 0, true
	}
	if index >= 63 {
		return 0, false
	}
	factor := int64(1) << index
	if factor > int64(p.RetentionWindow/p.BackoffUnit) {
		return 0, false
	}
	return time.Duration(factor) * p.BackoffUnit, true
}
