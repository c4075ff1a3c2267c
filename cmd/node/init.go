package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

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

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.avail = availability.NewStore(db)

	return nil
}

// initChain opens the local shard chain, validated by the PVF when one is configured.
func (n *Node) initChain() error {
	var validator chain.Validator

	if n.cfg.PVFPath != "" {
		pool, err := pvf.New(n.ctx)
		if err != nil {
			return fmt.Errorf("init pvf runtime:\n%w", err)
		}

		n.pvfPool = pool

		v, err := pvf.LoadValidator(n.ctx, pool, n.cfg.PVFPath, pvf.Options{})
		if err != nil {
			return fmt.Errorf("load pvf:\n%w", err)
		}

		logger.Info("validation function loaded", "code", v.Code().Short())

		validator = v
	}

	store, err := chain.Open(n.storage, validator)
	if err != nil {
		return fmt.Errorf("open chain:\n%w", err)
	}

	genesis, err := n.genesisBody()
	if err != nil {
		return err
	}

	if _, err := store.InitGenesis(genesis); err != nil {
		return fmt.Errorf("init genesis:\n%w", err)
	}

	n.chain = store

	return nil
}

// genesisBody reads the configured genesis or returns the built-in one.
func (n *Node) genesisBody() ([]byte, error) {
	if n.cfg.GenesisPath == "" {
		return chain.EncodeBlock(candidate.Hash{}, 0, nil), nil
	}

	body, err := os.ReadFile(n.cfg.GenesisPath)
	if err != nil {
		return nil, fmt.Errorf("read genesis:\n%w", err)
	}

	return body, nil
}

// initNetwork initializes the P2P network node and the validator directory.
func (n *Node) initNetwork() error {
	netCfg := network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	for _, v := range n.cfg.Validators {
		id, err := parseID(v.ID)
		if err != nil {
			return fmt.Errorf("validator %q:\n%w", v.ID, err)
		}

		if id == node.ID() || v.Address == "" {
			continue
		}

		node.AddAddress(id, v.Address, false)
	}

	if n.relayID, err = n.cfg.relayID(); err != nil {
		return fmt.Errorf("relay id:\n%w", err)
	}

	if n.relayID != (candidate.ValidatorID{}) {
		node.KeepDuplicates(n.relayID)

		if n.cfg.Relay.Address != "" {
			node.AddAddress(n.relayID, n.cfg.Relay.Address, true)
		}
	}

	return nil
}

// initBacking derives this node's backing key and loads the directory keys.
func (n *Node) initBacking() error {
	key, err := backing.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive backing key:\n%w", err)
	}

	logger.Info("backing key derived", "bls", hex.EncodeToString(key.PublicKey()))

	if !n.cfg.VerifyBacking {
		return nil
	}

	verifier, err := backing.NewVerifier()
	if err != nil {
		return fmt.Errorf("init backing verifier:\n%w", err)
	}

	for _, v := range n.cfg.Validators {
		if v.BLSKey == "" {
			continue
		}

		id, err := parseID(v.ID)
		if err != nil {
			return fmt.Errorf("validator %q:\n%w", v.ID, err)
		}

		pk, err := hex.DecodeString(v.BLSKey)
		if err != nil {
			return fmt.Errorf("validator %s bls key:\n%w", id.Short(), err)
		}

		if err := verifier.AddKey(id, pk); err != nil {
			return fmt.Errorf("validator %s bls key:\n%w", id.Short(), err)
		}
	}

	n.backing = verifier

	return nil
}

// initRecovery creates the metrics, the import sequencer and the recovery scheduler.
func (n *Node) initRecovery() error {
	n.metrics = metrics.New()

	seq, err := importer.New(n.chain, n.chain, n.metrics)
	if err != nil {
		return fmt.Errorf("init sequencer:\n%w", err)
	}

	n.sequencer = seq
	n.chain.OnImport(seq.NotifyImported)

	sched, err := recovery.NewScheduler(n.cfg.recoveryConfig(), availability.NewClient(n.network), seq, n.metrics)
	if err != nil {
		return fmt.Errorf("init scheduler:\n%w", err)
	}

	n.scheduler = sched

	return nil
}

// initWatcher creates the candidate watcher.
func (n *Node) initWatcher() {
	var attest watcher.Attestations
	if n.backing != nil {
		attest = n.backing
	}

	n.watcher = watcher.New(n.scheduler, n.chain, n.sequencer, attest)
}
