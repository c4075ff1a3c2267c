package main

import (
	"time"

	"ShardRecovery/internal/availability"
	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
	"ShardRecovery/internal/network"
	"ShardRecovery/internal/watcher"
)

const (
	// relayRetryDelay is the first delay between relay dial attempts.
	relayRetryDelay = time.Second

	// relayMaxRetryDelay caps the backoff.
	relayMaxRetryDelay = 30 * time.Second
)

// setupHandlers wires availability requests and relay notifications.
func (n *Node) setupHandlers() {
	handler := availability.NewHandler(n.avail)

	n.network.OnRequest(handler.HandleRequest)
	n.network.OnMessage(n.handleRelayMessage)

	n.network.OnConnect(func(p *network.Peer) {
		logger.Debug("peer connected", "peer", p.ID().Short(), "addr", p.Address())
	})

	n.network.OnDisconnect(func(p *network.Peer) {
		logger.Debug("peer disconnected", "peer", p.ID().Short())
	})
}

// handleRelayMessage decodes a host-chain notification and queues it for the watcher.
func (n *Node) handleRelayMessage(peer *network.Peer, data []byte) {
	if n.relayID != (candidate.ValidatorID{}) && peer.ID() != n.relayID {
		logger.Debug("ignoring message from non-relay peer", "peer", peer.ID().Short())
		return
	}

	ev, err := watcher.DecodeNotification(data)
	if err != nil {
		logger.Warn("invalid host block notification", "peer", peer.ID().Short(), "error", err)
		return
	}

	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

// connectRelay dials the relay until the first connection succeeds.
// The network re-dials it after later drops.
func (n *Node) connectRelay() {
	delay := relayRetryDelay

	for {
		err := n.dialRelay()
		if err == nil {
			logger.Info("connected to relay", "addr", n.cfg.Relay.Address)
			return
		}

		logger.Debug("retrying relay connection", "addr", n.cfg.Relay.Address, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-n.ctx.Done():
			return
		}

		delay = min(delay*2, relayMaxRetryDelay)
	}
}

// dialRelay opens one connection to the relay.
func (n *Node) dialRelay() error {
	if n.relayID != (candidate.ValidatorID{}) {
		_, err := n.network.Dial(n.ctx, n.relayID)
		return err
	}

	peer, err := n.network.Connect(n.ctx, n.cfg.Relay.Address)
	if err != nil {
		return err
	}

	n.network.KeepDuplicates(peer.ID())

	return nil
}
