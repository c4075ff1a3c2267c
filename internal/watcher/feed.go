package watcher

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/types"
)

// EncodeNotification builds the relay feed message for ev.
func EncodeNotification(ev Event) []byte {
	builder := flatbuffers.NewBuilder(256)

	var record flatbuffers.UOffsetT
	if c := ev.Block.Candidate; c != nil && ev.Kind == EventBestBlock {
		record = encodeRecord(builder, c)
	}

	hashVec := builder.CreateByteVector(ev.Block.Hash[:])
	parentVec := builder.CreateByteVector(ev.Block.ParentHash[:])

	types.HostBlockNotificationStart(builder)
	types.HostBlockNotificationAddHash(builder, hashVec)
	types.HostBlockNotificationAddParentHash(builder, parentVec)
	types.HostBlockNotificationAddNumber(builder, ev.Block.Number)
	types.HostBlockNotificationAddFinalized(builder, ev.Kind == EventFinalized)
	if record != 0 {
		types.HostBlockNotificationAddCandidate(builder, record)
	}
	builder.Finish(types.HostBlockNotificationEnd(builder))

	return builder.FinishedBytes()
}

// encodeRecord writes a CandidateRecord table.
func encodeRecord(builder *flatbuffers.Builder, c *candidate.Candidate) flatbuffers.UOffsetT {
	hashVec := builder.CreateByteVector(c.Hash[:])
	parentVec := builder.CreateByteVector(c.ParentHash[:])
	rootVec := builder.CreateByteVector(c.ErasureRoot[:])
	validatorsVec := builder.CreateByteVector(joinIDs(c.Validators))
	backingVec := builder.CreateByteVector(joinIDs(c.BackingGroup))

	var sigVec, maskVec flatbuffers.UOffsetT
	if len(c.BackingSignature) > 0 {
		sigVec = builder.CreateByteVector(c.BackingSignature)
		maskVec = builder.CreateByteVector(c.BackingMask)
	}

	types.CandidateRecordStart(builder)
	types.CandidateRecordAddHash(builder, hashVec)
	types.CandidateRecordAddParentHash(builder, parentVec)
	types.CandidateRecordAddErasureRoot(builder, rootVec)
	types.CandidateRecordAddValidators(builder, validatorsVec)
	types.CandidateRecordAddValidatorSetSize(builder, uint32(c.ValidatorSetSize))
	types.CandidateRecordAddBackingGroup(builder, backingVec)
	if sigVec != 0 {
		types.CandidateRecordAddBackingSignature(builder, sigVec)
		types.CandidateRecordAddBackingMask(builder, maskVec)
	}

	return types.CandidateRecordEnd(builder)
}

// DecodeNotification parses a relay feed message.
func DecodeNotification(data []byte) (ev Event, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("malformed host block notification")
		}
	}()

	if len(data) < 8 {
		return ev, fmt.Errorf("notification too short: %d", len(data))
	}

	fb := types.GetRootAsHostBlockNotification(data, 0)

	if err := copyHash(&ev.Block.Hash, fb.HashBytes()); err != nil {
		return ev, fmt.Errorf("host hash:\n%w", err)
	}

	ev.Block.Number = fb.Number()

	if fb.Finalized() {
		ev.Kind = EventFinalized
		return ev, nil
	}

	ev.Kind = EventBestBlock

	if err := copyHash(&ev.Block.ParentHash, fb.ParentHashBytes()); err != nil {
		return ev, fmt.Errorf("host parent hash:\n%w", err)
	}

	record := fb.Candidate(nil)
	if record == nil {
		return ev, nil
	}

	c, err := decodeRecord(record)
	if err != nil {
		return ev, err
	}

	c.RelayParent = ev.Block.Hash
	c.RelayNumber = ev.Block.Number
	ev.Block.Candidate = c

	return ev, nil
}

// decodeRecord converts a CandidateRecord table and validates it.
func decodeRecord(r *types.CandidateRecord) (*candidate.Candidate, error) {
	c := &candidate.Candidate{ValidatorSetSize: int(r.ValidatorSetSize())}

	if err := copyHash(&c.Hash, r.HashBytes()); err != nil {
		return nil, fmt.Errorf("candidate hash:\n%w", err)
	}

	if err := copyHash(&c.ParentHash, r.ParentHashBytes()); err != nil {
		return nil, fmt.Errorf("candidate parent:\n%w", err)
	}

	if err := copyHash(&c.ErasureRoot, r.ErasureRootBytes()); err != nil {
		return nil, fmt.Errorf("erasure root:\n%w", err)
	}

	var err error

	if c.Validators, err = splitIDs(r.ValidatorsBytes()); err != nil {
		return nil, fmt.Errorf("validators:\n%w", err)
	}

	if c.BackingGroup, err = splitIDs(r.BackingGroupBytes()); err != nil {
		return nil, fmt.Errorf("backing group:\n%w", err)
	}

	if sig := r.BackingSignatureBytes(); len(sig) > 0 {
		c.BackingSignature = append([]byte(nil), sig...)
		c.BackingMask = append([]byte(nil), r.BackingMaskBytes()...)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("candidate %s:\n%w", c.Hash.Short(), err)
	}

	return c, nil
}

// copyHash copies a 32-byte vector into h.
func copyHash(h *candidate.Hash, b []byte) error {
	if len(b) != len(h) {
		return fmt.Errorf("invalid hash size: %d", len(b))
	}

	copy(h[:], b)

	return nil
}

// joinIDs concatenates validator ids.
func joinIDs(ids []candidate.ValidatorID) []byte {
	out := make([]byte, 0, len(ids)*32)
	for _, id := range ids {
		out = append(out, id[:]...)
	}

	return out
}

// splitIDs cuts a concatenation of 32-byte validator ids.
func splitIDs(b []byte) ([]candidate.ValidatorID, error) {
	if len(b)%32 != 0 {
		return nil, fmt.Errorf("invalid id list size: %d", len(b))
	}

	ids := make([]candidate.ValidatorID, len(b)/32)
	for i := range ids {
		copy(ids[i][:], b[i*32:])
	}

	return ids, nil
}
