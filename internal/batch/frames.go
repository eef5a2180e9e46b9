// Package batch ingests streams of new objects. Each item is a JSON metadata frame followed
// by a payload frame; a zero-length metadata frame ends the stream.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/go-playground/validator/v10"
)

const opReadFrames = "batch.read_frames"

// ErrMissingPayload indicates a metadata frame without its payload frame.
var ErrMissingPayload = errors.New("batch: metadata frame without payload")

var metadataValidate = validator.New()

// Metadata describes one item of a batch.
type Metadata struct {
	ObjectID   string `json:"object_id" validate:"required,max=190"`
	CollabType *int64 `json:"collab_type" validate:"required,min=0,max=5"`
}

// Frame is one undecoded item of a batch.
type Frame struct {
	Metadata []byte
	Payload  []byte
}

// ReadFrames reads items until the terminator. A stream that ends cleanly at an item
// boundary is accepted as terminated. Framing errors fail the whole stream.
func ReadFrames(r io.Reader, limits envelope.Limits) ([]Frame, error) {
	var frames []Frame
	for {
		metadata, err := envelope.ReadFrame(r, limits.MetadataFrame)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		if len(metadata) == 0 {
			return frames, nil
		}
		payload, err := envelope.ReadFrame(r, limits.DataFrame)
		if errors.Is(err, io.EOF) {
			return nil, collab.NewError(collab.ErrDecode, opReadFrames, "missing_payload", ErrMissingPayload)
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Metadata: metadata, Payload: payload})
	}
}

// ParseMetadata decodes and validates a metadata frame.
func ParseMetadata(data []byte) (collab.ObjectID, collab.CollabType, error) {
	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return "", 0, fmt.Errorf("decode metadata: %w", err)
	}
	if err := metadataValidate.Struct(metadata); err != nil {
		return "", 0, fmt.Errorf("validate metadata: %w", err)
	}
	objectID, err := collab.NewObjectID(metadata.ObjectID)
	if err != nil {
		return "", 0, err
	}
	collabType, err := collab.NewCollabType(*metadata.CollabType)
	if err != nil {
		return "", 0, err
	}
	return objectID, collabType, nil
}

// AppendItem appends one item to a batch body.
func AppendItem(dst []byte, objectID collab.ObjectID, collabType collab.CollabType, payload []byte) ([]byte, error) {
	value := int64(collabType)
	metadata, err := json.Marshal(Metadata{ObjectID: objectID.String(), CollabType: &value})
	if err != nil {
		return nil, err
	}
	dst = envelope.AppendFrame(dst, metadata)
	return envelope.AppendFrame(dst, payload), nil
}

// AppendTerminator appends the zero-length metadata frame that ends a batch.
func AppendTerminator(dst []byte) []byte {
	return envelope.AppendFrame(dst, nil)
}
