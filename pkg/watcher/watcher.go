// Package watcher holds the state and lifecycle shared by every settlement
// watcher: operating switches, the start/stop state machine and per-event
// handler isolation.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/internal/metrics"
	"github.com/chainsafe/bridge-settlement/pkg/chain"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
)

// State is the lifecycle stage of a watcher.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateWatching
	StateFatalError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateWatching:
		return "Watching"
	case StateFatalError:
		return "FatalError"
	default:
		return "Stopped"
	}
}

// Watcher is a long-running component reacting to chain events.
type Watcher interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	State() State
}

// Config is the static identity and initial switches of a watcher.
type Config struct {
	ChainSlug   string
	TokenSymbol string
	IsL1        bool
	DryMode     bool
	PauseMode   bool
}

// Base implements the parts of Watcher every concrete watcher shares.
// It is safe for concurrent use.
type Base struct {
	name        string
	chainSlug   string
	tokenSymbol string
	isL1        bool

	dryMode   atomic.Bool
	pauseMode atomic.Bool
	state     atomic.Int32

	logger   *zap.Logger
	notifier notifier.Notifier

	mu     sync.Mutex
	subs   []chain.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBase returns a stopped watcher base.
func NewBase(name string, cfg Config, logger *zap.Logger, n notifier.Notifier) *Base {
	if n == nil {
		n = notifier.Nop{}
	}
	b := &Base{
		name:        name,
		chainSlug:   cfg.ChainSlug,
		tokenSymbol: cfg.TokenSymbol,
		isL1:        cfg.IsL1,
		logger: logger.Named(name).With(
			zap.String("chain", cfg.ChainSlug),
			zap.String("token", cfg.TokenSymbol),
		),
		notifier: n,
	}
	b.dryMode.Store(cfg.DryMode)
	b.pauseMode.Store(cfg.PauseMode)
	return b
}

func (b *Base) Name() string        { return b.name }
func (b *Base) ChainSlug() string   { return b.chainSlug }
func (b *Base) TokenSymbol() string { return b.tokenSymbol }
func (b *Base) IsL1() bool          { return b.isL1 }

func (b *Base) Logger() *zap.Logger          { return b.logger }
func (b *Base) Notifier() notifier.Notifier { return b.notifier }

// SetDryMode toggles dry mode: actions are computed and logged but not submitted.
func (b *Base) SetDryMode(enabled bool) {
	if b.dryMode.Swap(enabled) != enabled {
		b.logger.Info("Dry mode changed", zap.Bool("enabled", enabled))
	}
}

// SetPauseMode toggles pause mode: actions are skipped entirely.
func (b *Base) SetPauseMode(enabled bool) {
	if b.pauseMode.Swap(enabled) != enabled {
		b.logger.Info("Pause mode changed", zap.Bool("enabled", enabled))
	}
}

func (b *Base) DryMode() bool   { return b.dryMode.Load() }
func (b *Base) PauseMode() bool { return b.pauseMode.Load() }

// IsDryOrPauseMode must be consulted immediately before every submission,
// not only when a handler starts.
func (b *Base) IsDryOrPauseMode() bool {
	return b.dryMode.Load() || b.pauseMode.Load()
}

// State returns the current lifecycle stage.
func (b *Base) State() State {
	return State(b.state.Load())
}

// StartWith moves the watcher from Stopped through Starting to Watching,
// running setup in between. A failing setup is logged, leaves the watcher
// Stopped and is returned to the caller.
func (b *Base) StartWith(ctx context.Context, setup func(ctx context.Context) error) error {
	if !b.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("watcher %s cannot start from state %s", b.name, b.State())
	}
	b.logger.Info("Starting watcher")

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	if err := setup(runCtx); err != nil {
		b.logger.Error("Watcher start failed", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues(b.name, "start").Inc()
		b.teardown()
		b.state.Store(int32(StateStopped))
		return fmt.Errorf("start %s: %w", b.name, err)
	}

	b.state.CompareAndSwap(int32(StateStarting), int32(StateWatching))
	b.logger.Info("Watcher started")
	return nil
}

// Subscribe attaches handler to eventType on adapter through SafeHandler.
// A subscription failure after start moves the watcher to FatalError.
func (b *Base) Subscribe(ctx context.Context, adapter chain.Adapter, eventType chain.EventType, handler chain.Handler) error {
	sub, err := adapter.Subscribe(ctx, eventType, b.SafeHandler(string(eventType), handler))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return
			}
			b.fail(fmt.Errorf("%s subscription: %w", eventType, err))
		}
	}()
	return nil
}

func (b *Base) fail(err error) {
	if !b.state.CompareAndSwap(int32(StateWatching), int32(StateFatalError)) &&
		!b.state.CompareAndSwap(int32(StateStarting), int32(StateFatalError)) {
		return
	}
	b.logger.Error("Watcher failed", zap.Error(err))
	b.notifier.Error("watcher failed",
		zap.String("watcher", b.name),
		zap.String("chain", b.chainSlug),
		zap.Error(err),
	)
	metrics.ErrorsTotal.WithLabelValues(b.name, "fatal").Inc()
}

// SafeHandler isolates one event: errors and panics are logged and counted
// and never reach the subscription. Events arriving after Stop are dropped;
// handlers already running are not interrupted.
func (b *Base) SafeHandler(label string, h chain.Handler) chain.Handler {
	return func(ctx context.Context, ev chain.Event) (err error) {
		if b.State() == StateStopped {
			b.logger.Debug("Dropping event, watcher stopped", zap.String("event", label))
			return nil
		}
		metrics.EventsDetected.WithLabelValues(b.chainSlug, label).Inc()

		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Handler panicked",
					zap.String("event", label),
					zap.String("tx_hash", ev.TxHash.Hex()),
					zap.Any("panic", r),
				)
				metrics.ErrorsTotal.WithLabelValues(b.name, "panic").Inc()
			}
			err = nil
		}()

		if herr := h(ctx, ev); herr != nil {
			b.logger.Error("Handler failed",
				zap.String("event", label),
				zap.String("tx_hash", ev.TxHash.Hex()),
				zap.Error(herr),
			)
			metrics.ErrorsTotal.WithLabelValues(b.name, "handler").Inc()
		}
		return nil
	}
}

// Stop unsubscribes and moves the watcher to Stopped.
func (b *Base) Stop() {
	prev := State(b.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return
	}
	b.logger.Info("Stopping watcher")
	b.teardown()
	b.logger.Info("Watcher stopped")
}

func (b *Base) teardown() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
