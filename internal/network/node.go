package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
)

const (
	// defaultReconnectDelay is the initial delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// defaultDialTimeout bounds a single dial.
	defaultDialTimeout = 5 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "shardrecovery/1"
)

var (
	// ErrUnknownPeer is returned when dialing a validator with no known address.
	ErrUnknownPeer = errors.New("no address for validator")

	// ErrUnexpectedPeer is returned when the dialed endpoint holds another key.
	ErrUnexpectedPeer = errors.New("dialed endpoint has a different identity")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the validator's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	DialTimeout    time.Duration      // DialTimeout bounds a single dial
	DedupTTL       time.Duration      // DedupTTL is how long a uni-stream message suppresses duplicates
}

// dialCall is an in-progress dial shared by concurrent callers.
type dialCall struct {
	done chan struct{} // done is closed when the dial finished
	peer *Peer         // peer is the result on success
	err  error         // err is the result on failure
}

// Node is a QUIC endpoint identified by a validator key.
// Peers are reached by validator id through an address directory and dialed on demand.
type Node struct {
	privateKey ed25519.PrivateKey    // privateKey is the node's ed25519 private key
	id         candidate.ValidatorID // id is the node's public key
	listenAddr string                // listenAddr is the address to listen on
	tlsConfig  *tls.Config           // tlsConfig is the TLS configuration
	quicConfig *quic.Config          // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[candidate.ValidatorID]*Peer // peers maps validator id to live connection
	peersMu sync.RWMutex                    // peersMu protects peers

	addrs      map[candidate.ValidatorID]string    // addrs is the address directory
	persistent map[candidate.ValidatorID]bool      // persistent peers are reconnected after a drop
	dialing    map[candidate.ValidatorID]*dialCall // dialing holds in-progress dials
	verbatim   map[candidate.ValidatorID]bool      // verbatim peers bypass message dedup
	dirMu      sync.Mutex                          // dirMu protects addrs, persistent, dialing and verbatim

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay
	dialTimeout    time.Duration // dialTimeout bounds a single dial

	dedup *Dedup // dedup drops repeated uni-stream messages

	onConnect    func(*Peer)                         // onConnect is called when a peer connects
	onMessage    func(*Peer, []byte)                 // onMessage is called when a message is received
	onDisconnect func(*Peer)                         // onDisconnect is called when a peer disconnects
	onRequest    func(*Peer, []byte) ([]byte, error) // onRequest handles bidirectional request/response
	handlersMu   sync.RWMutex                        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	dedup, err := NewDedup(0, cfg.DedupTTL)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the certificate key, checked in setupPeer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	var id candidate.ValidatorID
	copy(id[:], cfg.PrivateKey.Public().(ed25519.PublicKey))

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		id:             id,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[candidate.ValidatorID]*Peer),
		addrs:          make(map[candidate.ValidatorID]string),
		persistent:     make(map[candidate.ValidatorID]bool),
		dialing:        make(map[candidate.ValidatorID]*dialCall),
		verbatim:       make(map[candidate.ValidatorID]bool),
		reconnectDelay: cfg.ReconnectDelay,
		dialTimeout:    cfg.DialTimeout,
		dedup:          dedup,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// ID returns the node's validator id.
func (n *Node) ID() candidate.ValidatorID {
	return n.id
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("network listening", "addr", n.Addr(), "id", n.id.Short())

	return nil
}

// AddAddress registers the address of a validator.
// Persistent peers are dialed again whenever their connection drops.
func (n *Node) AddAddress(id candidate.ValidatorID, addr string, persistent bool) {
	n.dirMu.Lock()
	defer n.dirMu.Unlock()

	n.addrs[id] = addr
	if persistent {
		n.persistent[id] = true
	}
}

// Connect dials addr and registers the resulting peer under the key it presents.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, n.dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(peer)

	return peer, nil
}

// Dial returns a live connection to id, dialing its directory address if needed.
// Concurrent calls for the same id share one dial.
func (n *Node) Dial(ctx context.Context, id candidate.ValidatorID) (*Peer, error) {
	if p := n.Peer(id); p != nil {
		return p, nil
	}

	n.dirMu.Lock()

	// A dial may have finished since the first check
	if p := n.Peer(id); p != nil {
		n.dirMu.Unlock()
		return p, nil
	}

	if call, ok := n.dialing[id]; ok {
		n.dirMu.Unlock()

		select {
		case <-call.done:
			return call.peer, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	addr, ok := n.addrs[id]
	if !ok {
		n.dirMu.Unlock()
		return nil, fmt.Errorf("%w %s", ErrUnknownPeer, id.Short())
	}

	call := &dialCall{done: make(chan struct{})}
	n.dialing[id] = call
	n.dirMu.Unlock()

	call.peer, call.err = n.Connect(ctx, addr)
	if call.err == nil && call.peer.ID() != id {
		call.peer.Close()
		call.peer, call.err = nil, fmt.Errorf("%w: %s at %s", ErrUnexpectedPeer, id.Short(), addr)
	}

	n.dirMu.Lock()
	delete(n.dialing, id)
	n.dirMu.Unlock()
	close(call.done)

	return call.peer, call.err
}

// Request dials id if needed and performs one request/response exchange.
func (n *Node) Request(ctx context.Context, id candidate.ValidatorID, data []byte) ([]byte, error) {
	peer, err := n.Dial(ctx, id)
	if err != nil {
		return nil, err
	}

	return peer.Request(ctx, data)
}

// Broadcast sends a message to all connected peers.
func (n *Node) Broadcast(ctx context.Context, data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(ctx, data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// KeepDuplicates delivers every uni-stream message from id, repeated or not.
// A relay announcing the same best block twice means the chain switched back to it.
func (n *Node) KeepDuplicates(id candidate.ValidatorID) {
	n.dirMu.Lock()
	defer n.dirMu.Unlock()

	n.verbatim[id] = true
}

// keepsDuplicates reports whether messages from id bypass dedup.
func (n *Node) keepsDuplicates(id candidate.ValidatorID) bool {
	n.dirMu.Lock()
	defer n.dirMu.Unlock()

	return n.verbatim[id]
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return len(n.peers)
}

// Peer returns the live connection to id, or nil.
func (n *Node) Peer(id candidate.ValidatorID) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a uni-stream message is received.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	for _, p := range n.Peers() {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming registers an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Debug("incoming connection refused", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection and starts its receive loop.
// A newer connection to the same validator replaces the older one.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	id, err := peerID(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("identify peer:\n%w", err)
	}

	peer := &Peer{
		id:      id,
		address: addr,
		conn:    conn,
		node:    n,
	}

	n.peersMu.Lock()
	n.peers[id] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop(n.ctx)
	}()

	return peer, nil
}

// handlePeerDisconnect unregisters p and schedules a reconnection for persistent peers.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	n.dirMu.Lock()
	persistent := n.persistent[p.id]
	n.dirMu.Unlock()

	if !persistent || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.id)
	}()
}

// reconnectPeer dials id with exponential backoff until connected or the node stops.
func (n *Node) reconnectPeer(id candidate.ValidatorID) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		if n.Peer(id) != nil {
			return
		}

		if _, err := n.Dial(n.ctx, id); err == nil {
			logger.Info("peer reconnected", "peer", id.Short())
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
