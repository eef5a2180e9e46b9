package collab

import (
	"errors"
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/wire"
)

// EncoderVersion identifies the snapshot layout.
type EncoderVersion uint32

// EncoderVersionV1 is the only layout this build reads and writes.
const EncoderVersionV1 EncoderVersion = 1

var (
	// ErrInvalidSnapshot indicates that an encoded snapshot could not be decoded.
	ErrInvalidSnapshot = errors.New("collab: invalid snapshot")
	// ErrUnsupportedSnapshotVersion indicates a snapshot layout this build does not know.
	ErrUnsupportedSnapshotVersion = errors.New("collab: unsupported snapshot version")
)

// EncodedCollab is the durable, versioned snapshot of one object.
type EncodedCollab struct {
	StateVector []byte
	DocState    []byte
	Version     EncoderVersion
}

// NewEncodedCollab snapshots a replica.
func NewEncodedCollab(doc *crdt.Doc) EncodedCollab {
	return EncodedCollab{
		StateVector: doc.StateVector().Encode(),
		DocState:    doc.Snapshot(),
		Version:     EncoderVersionV1,
	}
}

// Encode serialises the snapshot.
func (encoded EncodedCollab) Encode() []byte {
	out := wire.AppendVarint(nil, 1, uint64(encoded.Version))
	out = wire.AppendBytes(out, 2, encoded.StateVector)
	return wire.AppendBytes(out, 3, encoded.DocState)
}

// Size returns the number of doc state bytes counted against storage quotas.
func (encoded EncodedCollab) Size() int64 {
	return int64(len(encoded.DocState))
}

// DecodeEncodedCollab parses a serialised snapshot and rejects unknown versions.
func DecodeEncodedCollab(data []byte) (EncodedCollab, error) {
	if len(data) == 0 {
		return EncodedCollab{}, fmt.Errorf("%w: empty payload", ErrInvalidSnapshot)
	}
	var (
		encoded    EncodedCollab
		hasVersion bool
	)
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case 1:
			encoded.Version = EncoderVersion(field.Varint)
			hasVersion = true
		case 2:
			encoded.StateVector = field.Bytes
		case 3:
			encoded.DocState = field.Bytes
		}
		return nil
	})
	if err != nil {
		return EncodedCollab{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if !hasVersion || encoded.Version != EncoderVersionV1 {
		return EncodedCollab{}, fmt.Errorf("%w: %d", ErrUnsupportedSnapshotVersion, encoded.Version)
	}
	if len(encoded.DocState) == 0 {
		return EncodedCollab{}, fmt.Errorf("%w: empty doc state", ErrInvalidSnapshot)
	}
	return encoded, nil
}

// Doc rebuilds a replica from the snapshot.
func (encoded EncodedCollab) Doc() (*crdt.Doc, error) {
	if encoded.Version != EncoderVersionV1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshotVersion, encoded.Version)
	}
	return crdt.LoadDoc(encoded.DocState)
}
