package availability

import (
	"fmt"

	"ShardRecovery/internal/network"
)

// Handler answers availability requests from other validators.
type Handler struct {
	store *Store // store holds the chunks and bodies served
}

// NewHandler creates a Handler serving from store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// HandleRequest answers a chunk or body request.
// Designed to be used as network.Node.OnRequest handler.
func (h *Handler) HandleRequest(_ *network.Peer, data []byte) ([]byte, error) {
	msgType, err := MessageType(data)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case msgChunkRequest:
		return h.serveChunk(data)
	case msgBodyRequest:
		return h.serveBody(data)
	default:
		return nil, fmt.Errorf("%w: unknown request type 0x%02x", ErrMalformed, msgType)
	}
}

// serveChunk returns the stored chunk encoding, or not found.
func (h *Handler) serveChunk(data []byte) ([]byte, error) {
	hash, index, err := DecodeChunkRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode chunk request:\n%w", err)
	}

	raw, err := h.store.encodedChunk(hash, index)
	if err != nil {
		return nil, fmt.Errorf("read chunk:\n%w", err)
	}

	if raw == nil {
		return EncodeChunkResponse(nil), nil
	}

	return raw, nil
}

// serveBody returns the compressed body, or not found.
func (h *Handler) serveBody(data []byte) ([]byte, error) {
	hash, err := DecodeBodyRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode body request:\n%w", err)
	}

	body, err := h.store.Body(hash)
	if err != nil {
		return nil, fmt.Errorf("read body:\n%w", err)
	}

	resp, err := EncodeBodyResponse(body)
	if err != nil {
		return nil, fmt.Errorf("encode body response:\n%w", err)
	}

	return resp, nil
}
