package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ShardRecovery/client"
	"ShardRecovery/internal/api"
	"ShardRecovery/internal/availability"
	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/chain"
	"ShardRecovery/internal/erasure"
	"ShardRecovery/internal/importer"
	"ShardRecovery/internal/metrics"
	"ShardRecovery/internal/network"
	"ShardRecovery/internal/recovery"
	"ShardRecovery/internal/storage"
	"ShardRecovery/internal/watcher"
)

// Validator is a validator serving chunks and bodies over QUIC.
type Validator struct {
	node  *network.Node       // node is the QUIC endpoint
	store *availability.Store // store holds this validator's chunks
}

// ID returns the validator identity.
func (v *Validator) ID() candidate.ValidatorID { return v.node.ID() }

// Recoverer is a full recovery node assembled the way cmd/node wires it.
type Recoverer struct {
	node      *network.Node       // node is the QUIC endpoint
	chain     *chain.Store        // chain is the local shard chain
	sequencer *importer.Sequencer // sequencer orders imports
	scheduler *recovery.Scheduler // scheduler runs recovery tasks
	watcher   *watcher.Watcher    // watcher follows the relay feed
	client    *client.Client      // client queries the status API
	genesis   candidate.Hash      // genesis is the shard genesis block
}

// Relay streams host-chain notifications to the recoverer.
type Relay struct {
	t    *testing.T    // t is the test context
	node *network.Node // node is the relay's QUIC endpoint
	peer *network.Peer // peer is the connection to the recoverer
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	validators int             // validators is the size of the validator set
	recovery   recovery.Config // recovery configures the recoverer's scheduler
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithValidators sets the validator set size.
func WithValidators(n int) ClusterOption { return func(o *clusterOpts) { o.validators = n } }

// WithoutFastPath disables full-body requests to backers.
func WithoutFastPath() ClusterOption {
	return func(o *clusterOpts) { o.recovery.DisableFastPath = true }
}

// Cluster is a set of validators, one recovering node and the relay feeding it.
type Cluster struct {
	t          *testing.T      // t is the test context
	validators []*Validator    // validators serve availability data
	rec        *Recoverer      // rec recovers missing candidates
	relay      *Relay          // relay sends host-chain notifications
	ctx        context.Context // ctx stops the recoverer's loops
}

// NewCluster starts the validators, the recoverer and the relay, and registers cleanup.
func NewCluster(t *testing.T, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{validators: 5, recovery: recovery.DefaultConfig()}
	opts.recovery.ChunkRequestTimeout = time.Second
	opts.recovery.FastPathTimeout = 500 * time.Millisecond

	for _, o := range options {
		o(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := &Cluster{t: t, ctx: ctx}

	for range opts.validators {
		c.validators = append(c.validators, c.startValidator())
	}

	c.rec = c.startRecoverer(opts.recovery)
	c.relay = c.startRelay()

	return c
}

// startNetwork creates and starts a QUIC node on loopback.
func (c *Cluster) startNetwork() *network.Node {
	c.t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		c.t.Fatalf("generate key: %v", err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:     priv,
		ListenAddr:     "127.0.0.1:0",
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		c.t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		c.t.Fatalf("start node: %v", err)
	}

	c.t.Cleanup(func() { node.Close() })

	return node
}

// openStorage opens a pebble database in a temp dir.
func (c *Cluster) openStorage(name string) *storage.Storage {
	c.t.Helper()

	db, err := storage.New(filepath.Join(c.t.TempDir(), name))
	if err != nil {
		c.t.Fatalf("open storage: %v", err)
	}

	c.t.Cleanup(func() { db.Close() })

	return db
}

// startValidator starts a validator answering availability requests.
func (c *Cluster) startValidator() *Validator {
	store := availability.NewStore(c.openStorage("validator"))

	node := c.startNetwork()
	node.OnRequest(availability.NewHandler(store).HandleRequest)

	return &Validator{node: node, store: store}
}

// startRecoverer wires chain, sequencer, scheduler and watcher behind a QUIC node and the status API.
func (c *Cluster) startRecoverer(cfg recovery.Config) *Recoverer {
	c.t.Helper()

	db := c.openStorage("recoverer")

	store, err := chain.Open(db, nil)
	if err != nil {
		c.t.Fatalf("open chain: %v", err)
	}

	genesis, err := store.InitGenesis(chain.EncodeBlock(candidate.Hash{}, 0, nil))
	if err != nil {
		c.t.Fatalf("genesis: %v", err)
	}

	node := c.startNetwork()
	for _, v := range c.validators {
		node.AddAddress(v.ID(), v.node.Addr(), false)
	}

	m := metrics.New()

	seq, err := importer.New(store, store, m)
	if err != nil {
		c.t.Fatalf("new sequencer: %v", err)
	}

	store.OnImport(seq.NotifyImported)

	sched, err := recovery.NewScheduler(cfg, availability.NewClient(node), seq, m)
	if err != nil {
		c.t.Fatalf("new scheduler: %v", err)
	}

	c.t.Cleanup(sched.Close)

	w := watcher.New(sched, store, seq, nil)

	events := make(chan watcher.Event, 64)
	node.OnMessage(func(_ *network.Peer, data []byte) {
		ev, err := watcher.DecodeNotification(data)
		if err != nil {
			c.t.Errorf("decode notification: %v", err)
			return
		}

		events <- ev
	})

	go seq.Run(c.ctx)
	go w.Run(c.ctx, events)

	srv := httptest.NewServer(api.New("", api.Sources{
		Recovery: sched,
		Chain:    store,
		Host:     w,
		Import:   seq,
		Peers:    node,
		Metrics:  m.Handler(),
	}).Handler())
	c.t.Cleanup(srv.Close)

	cl, err := client.NewClient(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		c.t.Fatalf("status client: %v", err)
	}

	return &Recoverer{
		node:      node,
		chain:     store,
		sequencer: seq,
		scheduler: sched,
		watcher:   w,
		client:    cl,
		genesis:   genesis,
	}
}

// startRelay connects a relay to the recoverer.
func (c *Cluster) startRelay() *Relay {
	c.t.Helper()

	node := c.startNetwork()

	// A repeated notification is a host chain switching back
	c.rec.node.KeepDuplicates(node.ID())

	peer, err := node.Connect(c.ctx, c.rec.node.Addr())
	if err != nil {
		c.t.Fatalf("relay connect: %v", err)
	}

	return &Relay{t: c.t, node: node, peer: peer}
}

// IDs returns the validator identities in set order.
func (c *Cluster) IDs() []candidate.ValidatorID {
	out := make([]candidate.ValidatorID, len(c.validators))
	for i, v := range c.validators {
		out[i] = v.ID()
	}

	return out
}

// Block builds a shard block body and its candidate over the cluster's validator set.
// backers are indices into the validator set.
func (c *Cluster) Block(parent candidate.Hash, number uint64, payload string, backers ...int) (*candidate.Candidate, []byte) {
	c.t.Helper()

	body := chain.EncodeBlock(parent, number, []byte(payload))
	ids := c.IDs()

	_, root, err := erasure.Encode(body, len(ids), erasure.RecoveryThreshold(len(ids)))
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}

	cand := &candidate.Candidate{
		Hash:             candidate.HashBody(body),
		ParentHash:       parent,
		ErasureRoot:      root,
		Validators:       ids,
		ValidatorSetSize: len(ids),
	}

	for _, i := range backers {
		cand.BackingGroup = append(cand.BackingGroup, ids[i])
	}

	return cand, body
}

// Distribute stores each validator's chunk, and the body on backers, for the listed validators.
// Every validator receives its data when holders is empty.
func (c *Cluster) Distribute(cand *candidate.Candidate, body []byte, holders ...int) {
	c.t.Helper()

	if len(holders) == 0 {
		for i := range c.validators {
			holders = append(holders, i)
		}
	}

	k := erasure.RecoveryThreshold(len(c.validators))

	for _, i := range holders {
		v := c.validators[i]
		if err := v.store.StoreCandidate(cand, body, v.ID(), k); err != nil {
			c.t.Fatalf("store on validator %d: %v", i, err)
		}
	}
}

// Corrupt makes validator i serve a chunk that fails its proof.
func (c *Cluster) Corrupt(cand *candidate.Candidate, body []byte, i int) {
	c.t.Helper()

	chunks, _, err := erasure.Encode(body, len(c.validators), erasure.RecoveryThreshold(len(c.validators)))
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}

	bad := chunks[i]
	bad.Data = append([]byte(nil), bad.Data...)
	bad.Data[0] ^= 0xff

	if err := c.validators[i].store.PutChunk(cand.Hash, &bad); err != nil {
		c.t.Fatalf("put chunk: %v", err)
	}
}

// hostHash names host block id.
func hostHash(id byte) candidate.Hash {
	return candidate.Hash{0xb0, id}
}

// Best announces host block id on top of parent, including cand when not nil.
func (r *Relay) Best(id, parent byte, number uint64, cand *candidate.Candidate) {
	r.t.Helper()

	r.send(watcher.Event{
		Kind: watcher.EventBestBlock,
		Block: watcher.HostBlock{
			Hash:       hostHash(id),
			ParentHash: hostHash(parent),
			Number:     number,
			Candidate:  cand,
		},
	})
}

// Finalize announces finality of host block id.
func (r *Relay) Finalize(id byte, number uint64) {
	r.t.Helper()

	r.send(watcher.Event{
		Kind:  watcher.EventFinalized,
		Block: watcher.HostBlock{Hash: hostHash(id), Number: number},
	})
}

// send encodes and sends one notification.
func (r *Relay) send(ev watcher.Event) {
	r.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.peer.Send(ctx, watcher.EncodeNotification(ev)); err != nil {
		r.t.Fatalf("relay send: %v", err)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
