package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxMessageSize bounds a single message, large enough for a full candidate body.
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// writeMessage writes data as [4 bytes big-endian length][payload] in one write.
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one length-prefixed message.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
