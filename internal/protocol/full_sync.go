// Package protocol defines the binary messages exchanged with clients over HTTP and the
// realtime stream.
package protocol

import (
	"errors"
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/wire"
)

const opDecodeFullSync = "protocol.decode_full_sync"

// ErrMalformedMessage indicates a message that could not be decoded.
var ErrMalformedMessage = errors.New("protocol: malformed message")

const (
	fullSyncFieldCollabType  = 1
	fullSyncFieldDocState    = 2
	fullSyncFieldStateVector = 3
	fullSyncFieldCompression = 4
)

// CollabDocStateParams is the body of a full-sync request. DocState carries the client's
// update, possibly compressed as indicated by Compression.
type CollabDocStateParams struct {
	CollabType  collab.CollabType
	DocState    []byte
	StateVector []byte
	Compression envelope.Compression
}

// Encode serialises the params. The caller frames the result.
func (params CollabDocStateParams) Encode() []byte {
	out := wire.AppendVarint(nil, fullSyncFieldCollabType, uint64(params.CollabType))
	out = wire.AppendBytes(out, fullSyncFieldDocState, params.DocState)
	out = wire.AppendBytes(out, fullSyncFieldStateVector, params.StateVector)
	return wire.AppendVarint(out, fullSyncFieldCompression, uint64(params.Compression.Algorithm))
}

// DecodeCollabDocStateParams parses a full-sync request payload. Only None and Zstd
// compression are accepted on this path.
func DecodeCollabDocStateParams(data []byte) (CollabDocStateParams, error) {
	var (
		params         CollabDocStateParams
		collabTypeRaw  uint64
		compressionTag uint64
	)
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case fullSyncFieldCollabType:
			collabTypeRaw = field.Varint
		case fullSyncFieldDocState:
			params.DocState = field.Bytes
		case fullSyncFieldStateVector:
			params.StateVector = field.Bytes
		case fullSyncFieldCompression:
			compressionTag = field.Varint
		}
		return nil
	})
	if err != nil {
		return CollabDocStateParams{}, collab.NewError(collab.ErrDecode, opDecodeFullSync, "malformed", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
	}
	if collabTypeRaw > uint64(^uint32(0)>>1) {
		return CollabDocStateParams{}, collab.NewError(collab.ErrDecode, opDecodeFullSync, "collab_type", fmt.Errorf("%w: %d", collab.ErrUnknownCollabType, collabTypeRaw))
	}
	collabType, err := collab.NewCollabType(int64(collabTypeRaw))
	if err != nil {
		return CollabDocStateParams{}, collab.NewError(collab.ErrDecode, opDecodeFullSync, "collab_type", err)
	}
	params.CollabType = collabType

	switch compressionTag {
	case uint64(envelope.AlgorithmNone):
		params.Compression = envelope.None
	case uint64(envelope.AlgorithmZstd):
		params.Compression = envelope.Zstd
	default:
		return CollabDocStateParams{}, collab.NewError(collab.ErrDecode, opDecodeFullSync, "compression",
			fmt.Errorf("%w: %d", envelope.ErrUnknownCompression, compressionTag))
	}
	return params, nil
}
