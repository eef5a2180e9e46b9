// Package realtime serves live sessions over WebSocket and the HTTP stream bridge.
package realtime

import (
	"context"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/actor"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/presence"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	directionIn           = "in"
	directionOut          = "out"
)

// Router is the subset of the actor router used by live sessions.
type Router interface {
	ApplyUpdate(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.UpdateRequest) (actor.UpdateResult, error)
	Subscribe(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.SubscribeRequest) (actor.SubscribeResult, error)
	Awareness(workspaceID collab.WorkspaceID, objectID collab.ObjectID, sessionID string, collabType collab.CollabType, payload []byte) error
}

// Authorizer decides whether uid may use a workspace.
type Authorizer interface {
	Authorize(ctx context.Context, uid int64, workspaceID collab.WorkspaceID) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Router         Router
	Access         Authorizer
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Dispatcher turns client messages into router calls and builds the replies for the sender.
type Dispatcher struct {
	router  Router
	access  Authorizer
	timeout time.Duration
	logger  *zap.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{router: cfg.Router, access: cfg.Access, timeout: timeout, logger: logger}
}

// Dispatch handles one client message from user and returns the replies for the sender.
// Failures are returned as error messages.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, user presence.RealtimeUser, message protocol.Message) []protocol.Message {
	replies, err := dispatcher.Handle(ctx, user, message)
	if err != nil {
		return []protocol.Message{protocol.NewErrorMessage(message, err)}
	}
	return replies
}

// Handle is Dispatch with the failure returned as an error.
func (dispatcher *Dispatcher) Handle(ctx context.Context, user presence.RealtimeUser, message protocol.Message) ([]protocol.Message, error) {
	metrics.RealtimeMessages.WithLabelValues(directionIn, message.Type.String()).Inc()
	if err := message.ValidateClient(); err != nil {
		return nil, err
	}
	workspaceID, objectID, err := routingKey(message)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, dispatcher.timeout)
	defer cancel()
	if dispatcher.access != nil {
		if err := dispatcher.access.Authorize(ctx, user.UID, workspaceID); err != nil {
			return nil, err
		}
	}

	replies, err := dispatcher.dispatch(ctx, user, workspaceID, objectID, message)
	if err != nil && collab.KindOf(err) == collab.ErrInternal {
		dispatcher.logger.Error("realtime message failed",
			zap.Int64("uid", user.UID),
			zap.String("session_id", user.SessionID),
			zap.String("object_id", objectID.String()),
			zap.String("type", message.Type.String()),
			zap.Error(err),
		)
	}
	return replies, err
}

func (dispatcher *Dispatcher) dispatch(ctx context.Context, user presence.RealtimeUser, workspaceID collab.WorkspaceID, objectID collab.ObjectID, message protocol.Message) ([]protocol.Message, error) {
	switch message.Type {
	case protocol.MessageInit:
		result, err := dispatcher.router.Subscribe(ctx, workspaceID, objectID, actor.SubscribeRequest{
			SessionID:   user.SessionID,
			CollabType:  message.CollabType,
			StateVector: message.StateVector,
		})
		if err != nil {
			return nil, err
		}
		catchUp := protocol.NewUpdateMessage(workspaceID, objectID, message.CollabType, result.Diff, result.StateVector)
		catchUp.MessageID = message.MessageID
		return []protocol.Message{catchUp}, nil
	case protocol.MessageUpdate:
		result, err := dispatcher.router.ApplyUpdate(ctx, workspaceID, objectID, actor.UpdateRequest{
			UID:         user.UID,
			CollabType:  message.CollabType,
			Update:      message.Payload,
			StateVector: message.StateVector,
			Origin:      user.SessionID,
			Compression: envelope.None,
		})
		if err != nil {
			return nil, err
		}
		ack := protocol.NewAckMessage(message, result.StateVector)
		if len(message.StateVector) > 0 {
			// Items the sender lacks, relative to the vector it sent.
			ack.Payload = result.Diff
		}
		return []protocol.Message{ack}, nil
	case protocol.MessageAwarenessUpdate:
		return nil, dispatcher.router.Awareness(workspaceID, objectID, user.SessionID, message.CollabType, message.Payload)
	default:
		return nil, collab.NewError(collab.ErrDecode, "realtime.dispatch", "message_type", protocol.ErrMalformedMessage)
	}
}

func routingKey(message protocol.Message) (collab.WorkspaceID, collab.ObjectID, error) {
	workspaceID, err := collab.NewWorkspaceID(message.WorkspaceID)
	if err != nil {
		return "", "", collab.NewError(collab.ErrDecode, "realtime.dispatch", "workspace_id", err)
	}
	objectID, err := collab.NewObjectID(message.ObjectID)
	if err != nil {
		return "", "", collab.NewError(collab.ErrDecode, "realtime.dispatch", "object_id", err)
	}
	return workspaceID, objectID, nil
}
