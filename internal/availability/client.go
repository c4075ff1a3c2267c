package availability

import (
	"context"
	"errors"
	"fmt"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
	"ShardRecovery/internal/recovery"
)

// Requester performs one request/response exchange with a validator.
// network.Node implements it.
type Requester interface {
	Request(ctx context.Context, id candidate.ValidatorID, data []byte) ([]byte, error)
}

// Client fetches availability data over the network.
// It implements recovery.Network.
type Client struct {
	net Requester // net carries the requests
}

// NewClient creates a Client over net.
func NewClient(net Requester) *Client {
	return &Client{net: net}
}

// GetChunk asks from for chunk index of hash.
func (c *Client) GetChunk(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash, index uint32) (*erasure.Chunk, error) {
	resp, err := c.net.Request(ctx, from, EncodeChunkRequest(hash, index))
	if err != nil {
		return nil, transportError(ctx, err)
	}

	chunk, err := DecodeChunkResponse(resp)
	if err != nil {
		return nil, err
	}

	if chunk == nil {
		return nil, fmt.Errorf("%w: chunk %d of %s at %s", recovery.ErrNotFound, index, hash.Short(), from.Short())
	}

	return chunk, nil
}

// GetFullBody asks from for the full body of hash.
func (c *Client) GetFullBody(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash) ([]byte, error) {
	resp, err := c.net.Request(ctx, from, EncodeBodyRequest(hash))
	if err != nil {
		return nil, transportError(ctx, err)
	}

	body, err := DecodeBodyResponse(resp)
	if err != nil {
		return nil, err
	}

	if body == nil {
		return nil, fmt.Errorf("%w: body of %s at %s", recovery.ErrNotFound, hash.Short(), from.Short())
	}

	return body, nil
}

// transportError maps deadline errors to recovery.ErrRequestTimeout.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w:\n%w", recovery.ErrRequestTimeout, err)
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	return err
}
