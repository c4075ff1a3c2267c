package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ShardRecovery/internal/api"
	"ShardRecovery/internal/availability"
	"ShardRecovery/internal/backing"
	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/chain"
	"ShardRecovery/internal/importer"
	"ShardRecovery/internal/logger"
	"ShardRecovery/internal/metrics"
	"ShardRecovery/internal/network"
	"ShardRecovery/internal/pvf"
	"ShardRecovery/internal/recovery"
	"ShardRecovery/internal/storage"
	"ShardRecovery/internal/watcher"
)

// eventBuffer bounds host-chain notifications waiting for the watcher.
const eventBuffer = 256

// Node represents a running recovery node.
type Node struct {
	cfg       *Config
	storage   *storage.Storage
	avail     *availability.Store
	pvfPool   *pvf.Pool
	chain     *chain.Store
	network   *network.Node
	backing   *backing.Verifier
	metrics   *metrics.Metrics
	sequencer *importer.Sequencer
	scheduler *recovery.Scheduler
	watcher   *watcher.Watcher
	api       *api.Server

	relayID candidate.ValidatorID // relayID is the accepted notification source, zero for any
	events  chan watcher.Event    // events carries decoded relay notifications
	faults  *faults               // faults keeps the latest reported errors for /status

	ctx    context.Context    // ctx is cancelled on shutdown
	cancel context.CancelFunc // cancel stops background loops
	wg     sync.WaitGroup     // wg waits for background loops

	closeOnce sync.Once // closeOnce makes Close idempotent
	closeErr  error     // closeErr is the result of the first Close
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:    cfg,
		events: make(chan watcher.Event, eventBuffer),
		faults: &faults{},
		ctx:    ctx,
		cancel: cancel,
	}

	steps := []func() error{
		n.initStorage,
		n.initChain,
		n.initNetwork,
		n.initBacking,
		n.initRecovery,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.initWatcher()
	n.setupHandlers()

	n.api = api.New(cfg.HTTPAddress, api.Sources{
		Recovery: n.scheduler,
		Chain:    n.chain,
		Host:     n.watcher,
		Import:   n.sequencer,
		Peers:    n.network,
		Faults:   n.faults,
		Metrics:  n.metrics.Handler(),
	})

	return n, nil
}

// Start starts the network, the background loops and the HTTP API.
func (n *Node) Start() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.spawn(func() {
		if err := n.sequencer.Run(n.ctx); err != nil && n.ctx.Err() == nil {
			logger.Error("sequencer stopped", "error", err)
		}
	})

	n.spawn(func() {
		if err := n.watcher.Run(n.ctx, n.events); err != nil && n.ctx.Err() == nil {
			logger.Error("watcher stopped", "error", err)
		}
	})

	n.spawn(func() {
		n.faults.drain(n.ctx, n.scheduler.Errors(), n.sequencer.Errors())
	})

	if n.cfg.Relay.Address != "" {
		n.spawn(n.connectRelay)
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// spawn runs fn in a tracked goroutine.
func (n *Node) spawn(fn func()) {
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully. Later calls return the first result.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		if n.api != nil {
			n.api.Stop()
		}

		if n.scheduler != nil {
			n.scheduler.Close()
		}

		if n.network != nil {
			n.network.Close()
		}

		n.wg.Wait()

		if n.pvfPool != nil {
			n.pvfPool.Close(context.Background())
		}

		if n.storage != nil {
			n.closeErr = n.storage.Close()
		}
	})

	return n.closeErr
}
