package actor

import (
	"context"
	"errors"
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"go.uber.org/zap"
)

const (
	opApply      = "actor.apply_update"
	opFullSync   = "actor.full_sync"
	opSubscribe  = "actor.subscribe"
	opRehydrate  = "actor.rehydrate"
	opAwareness  = "actor.awareness"
	opProvision  = "actor.provision"
	opDelete     = "actor.delete"
	opCompress   = "actor.compress"
	outcomeNoop  = "noop"
	outcomeApply = "changed"
	outcomeFail  = "rejected"
)

var (
	errEmptyUpdate      = errors.New("update is empty")
	errEmptyStateVector = errors.New("state vector is empty")
)

// replica is the state owned by the actor goroutine.
type replica struct {
	doc         *crdt.Doc
	loaded      bool
	typed       bool
	collabType  collab.CollabType
	subscribers map[string]struct{}
	version     uint64
}

func newReplica() replica {
	return replica{subscribers: make(map[string]struct{})}
}

func (r *replica) reset() {
	r.doc = nil
	r.loaded = false
}

// UpdateRequest merges a client update.
type UpdateRequest struct {
	UID        int64
	CollabType collab.CollabType
	Update     []byte
	// StateVector is the client's vector. When empty the result carries the full document.
	StateVector []byte
	// Origin is the session that sent the update; it is excluded from the broadcast.
	Origin      string
	Compression envelope.Compression
}

// UpdateResult is the outcome of ApplyUpdate.
type UpdateResult struct {
	StateVector []byte
	Diff        []byte
	Compression envelope.Compression
	Changed     bool
	Version     uint64
}

// FullSyncRequest carries the body of a full-sync call.
type FullSyncRequest struct {
	UID         int64
	CollabType  collab.CollabType
	Update      []byte
	StateVector []byte
}

// SubscribeRequest attaches a live session to the object.
type SubscribeRequest struct {
	SessionID   string
	CollabType  collab.CollabType
	StateVector []byte
}

// SubscribeResult carries the catch-up diff for a new subscriber.
type SubscribeResult struct {
	Diff        []byte
	StateVector []byte
	Version     uint64
}

// ApplyUpdate merges req.Update, persists the result and broadcasts the change to the
// other subscribers. A rejected persist rolls the merge back.
func (actor *Actor) ApplyUpdate(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	if len(req.Update) == 0 {
		return UpdateResult{}, collab.NewError(collab.ErrDecode, opApply, "empty_update", errEmptyUpdate)
	}
	return call(ctx, actor, func(ctx context.Context) (UpdateResult, error) {
		clientSV, err := decodeOptionalStateVector(opApply, req.StateVector)
		if err != nil {
			return UpdateResult{}, err
		}
		changed, err := actor.merge(ctx, req.UID, req.CollabType, req.Update, req.Origin)
		if err != nil {
			return UpdateResult{}, err
		}
		doc := actor.replica.doc
		diff, err := actor.codec.Compress(ctx, req.Compression, doc.EncodeStateAsUpdate(clientSV))
		if err != nil {
			return UpdateResult{}, collab.NewError(collab.ErrInternal, opCompress, "compress_failed", err)
		}
		return UpdateResult{
			StateVector: doc.StateVector().Encode(),
			Diff:        diff,
			Compression: req.Compression,
			Changed:     changed,
			Version:     actor.replica.version,
		}, nil
	})
}

// FullSync merges req.Update and returns the server state relative to the client vector.
// It returns nil when the merge changed nothing and the client already holds every item.
func (actor *Actor) FullSync(ctx context.Context, req FullSyncRequest) (*collab.EncodedCollab, error) {
	if len(req.Update) == 0 {
		return nil, collab.NewError(collab.ErrDecode, opFullSync, "empty_update", errEmptyUpdate)
	}
	if len(req.StateVector) == 0 {
		return nil, collab.NewError(collab.ErrDecode, opFullSync, "empty_state_vector", errEmptyStateVector)
	}
	return call(ctx, actor, func(ctx context.Context) (*collab.EncodedCollab, error) {
		clientSV, err := crdt.DecodeStateVector(req.StateVector)
		if err != nil {
			return nil, collab.NewError(collab.ErrDecode, opFullSync, "state_vector", err)
		}
		changed, err := actor.merge(ctx, req.UID, req.CollabType, req.Update, "")
		if err != nil {
			return nil, err
		}
		doc := actor.replica.doc
		serverSV := doc.StateVector()
		if !changed && clientSV.Dominates(serverSV) {
			return nil, nil
		}
		return &collab.EncodedCollab{
			StateVector: serverSV.Encode(),
			DocState:    doc.EncodeStateAsUpdate(clientSV),
			Version:     collab.EncoderVersionV1,
		}, nil
	})
}

// ProvisionRequest replaces the object with an encoded snapshot.
type ProvisionRequest struct {
	UID        int64
	CollabType collab.CollabType
	Encoded    collab.EncodedCollab
}

// Provision stores req.Encoded as the object's state and swaps the live replica in the same
// turn, so no queued merge can write the previous replica over it. Subscribers receive the
// provisioned state as an update.
func (actor *Actor) Provision(ctx context.Context, req ProvisionRequest) error {
	_, err := call(ctx, actor, func(ctx context.Context) (struct{}, error) {
		if !req.CollabType.Valid() {
			return struct{}{}, collab.NewError(collab.ErrDecode, opProvision, "collab_type",
				fmt.Errorf("%w: %d", collab.ErrUnknownCollabType, int32(req.CollabType)))
		}
		doc, err := req.Encoded.Doc()
		if err != nil {
			return struct{}{}, collab.NewError(collab.ErrDecode, opProvision, "snapshot", err)
		}
		err = actor.store.Persist(ctx, storage.PersistParams{
			UID:         req.UID,
			WorkspaceID: actor.workspaceID,
			ObjectID:    actor.objectID,
			CollabType:  req.CollabType,
			Encoded:     req.Encoded,
		})
		if err != nil {
			return struct{}{}, err
		}
		actor.replica.doc = doc
		actor.replica.loaded = true
		actor.replica.typed = true
		actor.replica.collabType = req.CollabType
		actor.replica.version++
		actor.broadcast(protocol.NewUpdateMessage(actor.workspaceID, actor.objectID, req.CollabType, doc.Snapshot(), doc.StateVector().Encode()), "")
		return struct{}{}, nil
	})
	return err
}

// Delete removes the stored object and leaves an empty replica behind. A later merge
// creates the object anew from that empty state.
func (actor *Actor) Delete(ctx context.Context) error {
	_, err := call(ctx, actor, func(ctx context.Context) (struct{}, error) {
		if err := actor.ensureLoaded(ctx); err != nil {
			return struct{}{}, err
		}
		if err := actor.store.Delete(ctx, actor.workspaceID, actor.objectID); err != nil {
			return struct{}{}, err
		}
		actor.replica.doc = crdt.NewDoc()
		actor.replica.typed = false
		actor.replica.version++
		actor.logger.Debug("object deleted")
		return struct{}{}, nil
	})
	if err != nil && !errors.Is(err, collab.ErrNotFound) && !errors.Is(err, collab.ErrBusy) {
		actor.logger.Warn("delete failed", zap.String("op", opDelete), zap.Error(err))
	}
	return err
}

// Subscribe adds a session to the broadcast set and returns what it is missing.
func (actor *Actor) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResult, error) {
	return call(ctx, actor, func(ctx context.Context) (SubscribeResult, error) {
		clientSV, err := decodeOptionalStateVector(opSubscribe, req.StateVector)
		if err != nil {
			return SubscribeResult{}, err
		}
		if err := actor.ensureLoaded(ctx); err != nil {
			return SubscribeResult{}, err
		}
		if err := actor.checkType(opSubscribe, req.CollabType); err != nil {
			return SubscribeResult{}, err
		}
		if _, ok := actor.replica.subscribers[req.SessionID]; !ok {
			actor.replica.subscribers[req.SessionID] = struct{}{}
			actor.subscribers.Add(1)
		}
		doc := actor.replica.doc
		return SubscribeResult{
			Diff:        doc.EncodeStateAsUpdate(clientSV),
			StateVector: doc.StateVector().Encode(),
			Version:     actor.replica.version,
		}, nil
	})
}

// Unsubscribe removes a session from the broadcast set.
func (actor *Actor) Unsubscribe(sessionID string) error {
	return cast(actor, func(context.Context) {
		actor.removeSubscriber(sessionID)
	})
}

// Awareness relays an ephemeral awareness payload to every other subscriber. Nothing is
// persisted.
func (actor *Actor) Awareness(sessionID string, collabType collab.CollabType, payload []byte) error {
	return cast(actor, func(context.Context) {
		if _, ok := actor.replica.subscribers[sessionID]; !ok {
			actor.logger.Debug("awareness from unsubscribed session dropped", zap.String("session_id", sessionID))
			return
		}
		actor.broadcast(protocol.NewAwarenessMessage(actor.workspaceID, actor.objectID, collabType, payload), sessionID)
	})
}

func (actor *Actor) removeSubscriber(sessionID string) {
	if _, ok := actor.replica.subscribers[sessionID]; ok {
		delete(actor.replica.subscribers, sessionID)
		actor.subscribers.Add(-1)
	}
}

// merge applies update and persists a changed replica.
func (actor *Actor) merge(ctx context.Context, uid int64, collabType collab.CollabType, update []byte, origin string) (bool, error) {
	if err := actor.ensureLoaded(ctx); err != nil {
		return false, err
	}
	if err := actor.checkType(opApply, collabType); err != nil {
		return false, err
	}
	doc := actor.replica.doc
	before := doc.StateVector()
	applied, err := doc.ApplyUpdate(update)
	if err != nil {
		metrics.UpdatesApplied.WithLabelValues(collabType.String(), outcomeFail).Inc()
		return false, collab.NewError(collab.ErrDecode, opApply, "malformed_update", err)
	}
	if !applied.Changed() {
		metrics.UpdatesApplied.WithLabelValues(collabType.String(), outcomeNoop).Inc()
		return false, nil
	}

	err = actor.store.Persist(ctx, storage.PersistParams{
		UID:         uid,
		WorkspaceID: actor.workspaceID,
		ObjectID:    actor.objectID,
		CollabType:  collabType,
		Encoded:     collab.NewEncodedCollab(doc),
	})
	if err != nil {
		doc.Rollback(applied)
		metrics.UpdatesApplied.WithLabelValues(collabType.String(), outcomeFail).Inc()
		actor.logger.Warn("merge rolled back", zap.Int("items", applied.Count()), zap.Error(err))
		return false, err
	}
	actor.replica.typed = true
	actor.replica.collabType = collabType
	actor.replica.version++
	metrics.UpdatesApplied.WithLabelValues(collabType.String(), outcomeApply).Inc()

	diff := doc.EncodeStateAsUpdate(before)
	actor.broadcast(protocol.NewUpdateMessage(actor.workspaceID, actor.objectID, collabType, diff, doc.StateVector().Encode()), origin)
	return true, nil
}

// broadcast pushes message to every subscriber except origin. Slow sinks are skipped and
// sessions that are no longer live are dropped.
func (actor *Actor) broadcast(message protocol.Message, origin string) {
	for sessionID := range actor.replica.subscribers {
		if sessionID == origin {
			continue
		}
		if actor.sinks == nil {
			continue
		}
		sink, ok := actor.sinks.Sink(sessionID)
		if !ok {
			actor.removeSubscriber(sessionID)
			continue
		}
		if !sink.Deliver(message) {
			actor.logger.Debug("subscriber queue full, broadcast skipped", zap.String("session_id", sessionID))
		}
	}
}

// ensureLoaded rehydrates the replica from storage. An object that was never stored starts
// from an empty replica.
func (actor *Actor) ensureLoaded(ctx context.Context) error {
	if actor.replica.loaded {
		return nil
	}
	stored, err := actor.store.Load(ctx, actor.workspaceID, actor.objectID)
	switch {
	case err == nil:
		doc, decodeErr := stored.Encoded.Doc()
		if decodeErr != nil {
			actor.logger.Error("stored snapshot unreadable", zap.Error(decodeErr))
			return collab.NewError(collab.ErrInternal, opRehydrate, "decode_failed", decodeErr)
		}
		actor.replica.doc = doc
		actor.replica.typed = true
		actor.replica.collabType = stored.CollabType
	case errors.Is(err, collab.ErrNotFound) && !errors.Is(err, storage.ErrWorkspaceMismatch):
		actor.replica.doc = crdt.NewDoc()
	default:
		return err
	}
	actor.replica.loaded = true
	return nil
}

func (actor *Actor) checkType(operation string, requested collab.CollabType) error {
	if !requested.Valid() {
		return collab.NewError(collab.ErrDecode, operation, "collab_type", fmt.Errorf("%w: %d", collab.ErrUnknownCollabType, int32(requested)))
	}
	if actor.replica.typed && actor.replica.collabType != requested {
		return collab.NewError(collab.ErrValidation, operation, "type_mismatch",
			fmt.Errorf("%w: live %s, requested %s", errTypeMismatch, actor.replica.collabType, requested))
	}
	return nil
}

func decodeOptionalStateVector(operation string, data []byte) (crdt.StateVector, error) {
	if len(data) == 0 {
		return nil, nil
	}
	sv, err := crdt.DecodeStateVector(data)
	if err != nil {
		return nil, collab.NewError(collab.ErrDecode, operation, "state_vector", err)
	}
	return sv, nil
}
