package ethereum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-settlement/pkg/chain"
)

const (
	defaultPollInterval = 10 * time.Second
	// maxPollFailures consecutive failed polls terminate the subscription.
	maxPollFailures = 10
)

// pollSubscription delivers events found by polling eth_getLogs. Each event
// is handled on its own goroutine.
type pollSubscription struct {
	client    *Client
	eventType chain.EventType
	handler   chain.Handler
	logger    *zap.Logger
	next      uint64

	cancel   context.CancelFunc
	errCh    chan error
	done     chan struct{}
	handlers sync.WaitGroup
	once     sync.Once
}

// Subscribe polls for new events of one type from the configured start
// block, or from the current head when none is configured
func (c *Client) Subscribe(ctx context.Context, eventType chain.EventType, handler chain.Handler) (chain.Subscription, error) {
	next := c.startBlock
	if next == 0 {
		latest, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest block: %w", err)
		}
		next = latest + 1
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{
		client:    c,
		eventType: eventType,
		handler:   handler,
		logger:    c.logger.With(zap.String("event", string(eventType))),
		next:      next,
		cancel:    cancel,
		errCh:     make(chan error, 1),
		done:      make(chan struct{}),
	}

	sub.logger.Info("Starting event poller", zap.Uint64("from_block", next))
	go sub.run(ctx)
	return sub, nil
}

// Unsubscribe stops polling and waits for running handlers
func (s *pollSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.handlers.Wait()
	})
}

func (s *pollSubscription) Err() <-chan error {
	return s.errCh
}

func (s *pollSubscription) run(ctx context.Context) {
	defer close(s.done)

	interval := s.client.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				s.logger.Warn("Event poll failed", zap.Error(err), zap.Int("failures", failures))
				if failures >= maxPollFailures {
					s.errCh <- fmt.Errorf("%s poller on %s: %w", s.eventType, s.client.slug, err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *pollSubscription) poll(ctx context.Context) error {
	latest, err := s.client.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}

	for s.next <= latest {
		to := s.next + maxBlockRange - 1
		if to > latest {
			to = latest
		}

		events, err := s.client.QueryEvents(ctx, chain.EventFilter{Type: s.eventType, FromBlock: s.next, ToBlock: &to})
		if err != nil {
			return err
		}
		for _, ev := range events {
			s.dispatch(ctx, ev)
		}
		s.next = to + 1
	}
	return nil
}

func (s *pollSubscription) dispatch(ctx context.Context, ev chain.Event) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		if err := s.handler(ctx, ev); err != nil {
			s.logger.Error("Failed to handle event",
				zap.Error(err),
				zap.String("tx_hash", ev.TxHash.Hex()))
		}
	}()
}
