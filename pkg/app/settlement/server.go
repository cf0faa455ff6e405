// Package settlement implements app.Runner for the settlement node.
package settlement

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	apphttp "github.com/chainsafe/bridge-settlement/pkg/app/http"
	"github.com/chainsafe/bridge-settlement/pkg/config"
	"github.com/chainsafe/bridge-settlement/pkg/kvstore"
	"github.com/chainsafe/bridge-settlement/pkg/notifier"
)

// Option customizes a Server.
type Option func(*Server)

// WithChainDialer replaces the go-ethereum chain client.
func WithChainDialer(d ChainDialer) Option {
	return func(s *Server) {
		s.dialChain = d
	}
}

// WithProverDialer replaces the JSON-RPC relay prover.
func WithProverDialer(d ProverDialer) Option {
	return func(s *Server) {
		s.dialProver = d
	}
}

// Server holds configuration for the settlement node process.
type Server struct {
	cfg        *config.Config
	dialChain  ChainDialer
	dialProver ProverDialer
}

// NewServer initializes a new settlement Server.
func NewServer(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		dialChain:  dialEthereum,
		dialProver: dialRPCProver,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the watchers, the schedulers and the operational HTTP server.
// It blocks until an OS shutdown signal is received or a fatal server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(s.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	return s.run(ctx, logger)
}

func (s *Server) run(ctx context.Context, logger *zap.Logger) error {
	cfg := s.cfg
	logger.Info("Starting bridge settlement node",
		zap.Int("chains", len(cfg.Chains)),
		zap.Int("tokens", len(cfg.Tokens)),
		zap.Bool("dry_mode", cfg.Watchers.DryMode),
		zap.Bool("pause_mode", cfg.Watchers.PauseMode),
	)

	registry := kvstore.NewRegistry(logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("Failed to close database", zap.Error(err))
		}
	}()

	b := &nodeBuilder{
		cfg:        cfg,
		registry:   registry,
		logger:     logger,
		notifier:   notifier.NewLogNotifier(logger, "settlement"),
		dialChain:  s.dialChain,
		dialProver: s.dialProver,
	}
	n, err := b.build(ctx)
	if err != nil {
		return fmt.Errorf("build settlement node: %w", err)
	}
	defer n.close()
	logger.Info("Database opened", zap.String("path", cfg.DB.Path))

	if err := n.start(ctx); err != nil {
		n.stop()
		return err
	}
	defer n.stop()

	router := newRouter(n, cfg, logger)
	return apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)
}
