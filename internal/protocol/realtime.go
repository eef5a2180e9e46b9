package protocol

import (
	"errors"
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/wire"
)

const opDecodeEnvelope = "protocol.decode_envelope"

// MessageType enumerates realtime messages. The numeric values are wire values.
type MessageType uint8

const (
	MessageInit            MessageType = 1
	MessageUpdate          MessageType = 2
	MessageAwarenessUpdate MessageType = 3
	MessageAck             MessageType = 4
	MessageError           MessageType = 5
)

// String returns the message type name used in logs and metrics.
func (t MessageType) String() string {
	switch t {
	case MessageInit:
		return "init"
	case MessageUpdate:
		return "update"
	case MessageAwarenessUpdate:
		return "awareness_update"
	case MessageAck:
		return "ack"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// FromClient reports whether clients may send this type.
func (t MessageType) FromClient() bool {
	return t == MessageInit || t == MessageUpdate || t == MessageAwarenessUpdate
}

const (
	messageFieldType        = 1
	messageFieldID          = 2
	messageFieldWorkspaceID = 3
	messageFieldObjectID    = 4
	messageFieldCollabType  = 5
	messageFieldPayload     = 6
	messageFieldStateVector = 7
	messageFieldCode        = 8
	messageFieldReason      = 9
	messageFieldResync      = 10
	messageFieldRetryable   = 11

	envelopeFieldDeviceID = 1
	envelopeFieldMessage  = 2
)

// Message is one typed realtime message. Payload carries an update, an awareness state or
// a diff depending on Type.
type Message struct {
	Type        MessageType
	MessageID   uint64
	WorkspaceID string
	ObjectID    string
	CollabType  collab.CollabType
	Payload     []byte
	StateVector []byte
	Code        string
	Reason      string
	Resync      bool
	Retryable   bool
}

// Envelope is the device-tagged outer realtime message.
type Envelope struct {
	DeviceID string
	Messages []Message
}

// Encode serialises the envelope.
func (env Envelope) Encode() []byte {
	var out []byte
	if env.DeviceID != "" {
		out = wire.AppendString(out, envelopeFieldDeviceID, env.DeviceID)
	}
	for _, message := range env.Messages {
		out = wire.AppendBytes(out, envelopeFieldMessage, message.encode())
	}
	return out
}

func (message Message) encode() []byte {
	out := wire.AppendVarint(nil, messageFieldType, uint64(message.Type))
	if message.MessageID != 0 {
		out = wire.AppendVarint(out, messageFieldID, message.MessageID)
	}
	if message.WorkspaceID != "" {
		out = wire.AppendString(out, messageFieldWorkspaceID, message.WorkspaceID)
	}
	if message.ObjectID != "" {
		out = wire.AppendString(out, messageFieldObjectID, message.ObjectID)
	}
	out = wire.AppendVarint(out, messageFieldCollabType, uint64(message.CollabType))
	if len(message.Payload) > 0 {
		out = wire.AppendBytes(out, messageFieldPayload, message.Payload)
	}
	if len(message.StateVector) > 0 {
		out = wire.AppendBytes(out, messageFieldStateVector, message.StateVector)
	}
	if message.Code != "" {
		out = wire.AppendString(out, messageFieldCode, message.Code)
	}
	if message.Reason != "" {
		out = wire.AppendString(out, messageFieldReason, message.Reason)
	}
	if message.Resync {
		out = wire.AppendBool(out, messageFieldResync, true)
	}
	if message.Retryable {
		out = wire.AppendBool(out, messageFieldRetryable, true)
	}
	return out
}

// DecodeEnvelope parses a realtime envelope. Message types and collab types are checked;
// the caller validates direction-specific requirements.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, collab.NewError(collab.ErrDecode, opDecodeEnvelope, "empty", ErrMalformedMessage)
	}
	var env Envelope
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case envelopeFieldDeviceID:
			env.DeviceID = string(field.Bytes)
		case envelopeFieldMessage:
			message, err := decodeMessage(field.Bytes)
			if err != nil {
				return err
			}
			env.Messages = append(env.Messages, message)
		}
		return nil
	})
	if err != nil {
		var typed *collab.Error
		if errors.As(err, &typed) {
			return Envelope{}, err
		}
		return Envelope{}, collab.NewError(collab.ErrDecode, opDecodeEnvelope, "malformed", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
	}
	return env, nil
}

func decodeMessage(data []byte) (Message, error) {
	var (
		message       Message
		typeRaw       uint64
		collabTypeRaw uint64
	)
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case messageFieldType:
			typeRaw = field.Varint
		case messageFieldID:
			message.MessageID = field.Varint
		case messageFieldWorkspaceID:
			message.WorkspaceID = string(field.Bytes)
		case messageFieldObjectID:
			message.ObjectID = string(field.Bytes)
		case messageFieldCollabType:
			collabTypeRaw = field.Varint
		case messageFieldPayload:
			message.Payload = field.Bytes
		case messageFieldStateVector:
			message.StateVector = field.Bytes
		case messageFieldCode:
			message.Code = string(field.Bytes)
		case messageFieldReason:
			message.Reason = string(field.Bytes)
		case messageFieldResync:
			message.Resync = field.Varint != 0
		case messageFieldRetryable:
			message.Retryable = field.Varint != 0
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if typeRaw < uint64(MessageInit) || typeRaw > uint64(MessageError) {
		return Message{}, collab.NewError(collab.ErrDecode, opDecodeEnvelope, "message_type", fmt.Errorf("%w: type %d", ErrMalformedMessage, typeRaw))
	}
	message.Type = MessageType(typeRaw)
	if collabTypeRaw > uint64(^uint32(0)>>1) {
		return Message{}, collab.NewError(collab.ErrDecode, opDecodeEnvelope, "collab_type", fmt.Errorf("%w: %d", collab.ErrUnknownCollabType, collabTypeRaw))
	}
	collabType, err := collab.NewCollabType(int64(collabTypeRaw))
	if err != nil {
		return Message{}, collab.NewError(collab.ErrDecode, opDecodeEnvelope, "collab_type", err)
	}
	message.CollabType = collabType
	return message, nil
}

// ValidateClient checks the requirements of a client-originated message.
func (message Message) ValidateClient() error {
	if !message.Type.FromClient() {
		return collab.NewError(collab.ErrDecode, opDecodeEnvelope, "direction", fmt.Errorf("%w: %s not accepted from clients", ErrMalformedMessage, message.Type))
	}
	if message.WorkspaceID == "" || message.ObjectID == "" {
		return collab.NewError(collab.ErrDecode, opDecodeEnvelope, "routing", fmt.Errorf("%w: missing workspace or object id", ErrMalformedMessage))
	}
	if message.Type == MessageUpdate && len(message.Payload) == 0 {
		return collab.NewError(collab.ErrDecode, opDecodeEnvelope, "empty_update", fmt.Errorf("%w: update without payload", ErrMalformedMessage))
	}
	return nil
}

// NewUpdateMessage builds a server update carrying a diff.
func NewUpdateMessage(workspaceID collab.WorkspaceID, objectID collab.ObjectID, collabType collab.CollabType, diff, stateVector []byte) Message {
	return Message{
		Type:        MessageUpdate,
		WorkspaceID: workspaceID.String(),
		ObjectID:    objectID.String(),
		CollabType:  collabType,
		Payload:     diff,
		StateVector: stateVector,
	}
}

// NewAwarenessMessage builds a relayed awareness message.
func NewAwarenessMessage(workspaceID collab.WorkspaceID, objectID collab.ObjectID, collabType collab.CollabType, payload []byte) Message {
	return Message{
		Type:        MessageAwarenessUpdate,
		WorkspaceID: workspaceID.String(),
		ObjectID:    objectID.String(),
		CollabType:  collabType,
		Payload:     payload,
	}
}

// NewAckMessage acknowledges a client message with the resulting state vector.
func NewAckMessage(request Message, stateVector []byte) Message {
	return Message{
		Type:        MessageAck,
		MessageID:   request.MessageID,
		WorkspaceID: request.WorkspaceID,
		ObjectID:    request.ObjectID,
		CollabType:  request.CollabType,
		StateVector: stateVector,
	}
}

// NewErrorMessage reports err for request. Decode and validation failures ask the client to
// resynchronize; Busy asks it to retry.
func NewErrorMessage(request Message, err error) Message {
	message := Message{
		Type:        MessageError,
		MessageID:   request.MessageID,
		WorkspaceID: request.WorkspaceID,
		ObjectID:    request.ObjectID,
		CollabType:  request.CollabType,
		Reason:      collab.KindOf(err).Error(),
		Resync:      collab.RequiresResync(err),
		Retryable:   collab.Retryable(err),
	}
	var typed *collab.Error
	if errors.As(err, &typed) {
		message.Code = typed.Code()
	}
	return message
}
