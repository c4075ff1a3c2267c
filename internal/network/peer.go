package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
)

const (
	// defaultRequestTimeout applies to requests whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// ErrPeerClosed is returned when using a closed connection.
var ErrPeerClosed = errors.New("peer is closed")

// Peer is a connection to a remote validator.
type Peer struct {
	id      candidate.ValidatorID // id is the remote validator's ed25519 public key
	address string                // address is the remote address
	conn    *quic.Conn            // conn is the underlying QUIC connection
	node    *Node                 // node is the parent node
	closed  atomic.Bool           // closed indicates if the peer is closed
	mu      sync.Mutex            // mu serializes uni-stream sends
}

// ID returns the remote validator id.
func (p *Peer) ID() candidate.ValidatorID {
	return p.id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send delivers data on a new unidirectional stream.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the answer.
// The stream is reset as soon as ctx is done.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	if err := writeMessage(stream, data); err != nil {
		return nil, requestError(ctx, "write request", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, requestError(ctx, "read response", err)
	}

	return response, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// requestError prefers the context error when ctx ended the request.
func requestError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s:\n%w", op, ctxErr)
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s:\n%w", op, context.DeadlineExceeded)
	}

	return fmt.Errorf("%s:\n%w", op, err)
}

// receiveLoop accepts incoming streams until the connection ends.
func (p *Peer) receiveLoop(ctx context.Context) {
	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.id.Short(), "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request/response streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.id.Short(), "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.id.Short(), "error", err)
	}
}

// handleUniStream reads one message and drops duplicates unless the peer keeps them.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.id.Short(), "error", err)
		return
	}

	if !p.node.keepsDuplicates(p.id) && !p.node.dedup.Check(data) {
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect closes the connection and unregisters the peer.
func (p *Peer) handleDisconnect() {
	if !p.closed.Swap(true) {
		p.conn.CloseWithError(0, "receive loop ended")
	}

	p.node.handlePeerDisconnect(p)
}
