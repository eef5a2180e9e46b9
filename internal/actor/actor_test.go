package actor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/presence"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWorkspace collab.WorkspaceID = "workspace-1"
	testObject    collab.ObjectID    = "doc-1"
)

type memoryStore struct {
	mu         sync.Mutex
	records    map[collab.ObjectID]storage.Stored
	persistErr error
	panicOnce  bool
	loads      int
	persists   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[collab.ObjectID]storage.Stored)}
}

func (store *memoryStore) Load(_ context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) (storage.Stored, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.loads++
	record, ok := store.records[objectID]
	if !ok {
		return storage.Stored{}, collab.NewError(collab.ErrNotFound, "test.load", "unknown_object", nil)
	}
	if record.WorkspaceID != workspaceID {
		return storage.Stored{}, collab.NewError(collab.ErrNotFound, "test.load", "workspace_mismatch", storage.ErrWorkspaceMismatch)
	}
	return record, nil
}

func (store *memoryStore) Persist(_ context.Context, params storage.PersistParams) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.panicOnce {
		store.panicOnce = false
		panic("storage exploded")
	}
	if store.persistErr != nil {
		return store.persistErr
	}
	store.persists++
	store.records[params.ObjectID] = storage.Stored{
		WorkspaceID: params.WorkspaceID,
		ObjectID:    params.ObjectID,
		OwnerUID:    params.UID,
		CollabType:  params.CollabType,
		Encoded:     params.Encoded,
	}
	return nil
}

func (store *memoryStore) Delete(_ context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.records[objectID]
	if !ok || record.WorkspaceID != workspaceID {
		return collab.NewError(collab.ErrNotFound, "test.delete", "unknown_object", nil)
	}
	delete(store.records, objectID)
	return nil
}

func (store *memoryStore) stats() (int, int) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.loads, store.persists
}

type recordingSink struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (sink *recordingSink) Deliver(message protocol.Message) bool {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.messages = append(sink.messages, message)
	return true
}

func (sink *recordingSink) Close() {}

func (sink *recordingSink) received() []protocol.Message {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]protocol.Message(nil), sink.messages...)
}

type sinkTable map[string]*recordingSink

func (table sinkTable) Sink(sessionID string) (presence.Sink, bool) {
	sink, ok := table[sessionID]
	if !ok {
		return nil, false
	}
	return sink, true
}

func newTestActor(t *testing.T, store Store, sinks SinkLookup) *Actor {
	t.Helper()
	codec, err := envelope.NewCodec(envelope.CodecConfig{})
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	actor := New(Config{
		WorkspaceID: testWorkspace,
		ObjectID:    testObject,
		Store:       store,
		Sinks:       sinks,
		Codec:       codec,
		MailboxSize: 8,
	})
	actor.Start()
	t.Cleanup(actor.Stop)
	return actor
}

func templateUpdate(t *testing.T) []byte {
	t.Helper()
	doc, err := collab.NewTemplateDoc(collab.CollabTypeDocument, testObject, 1)
	require.NoError(t, err)
	return doc.Snapshot()
}

func blockUpdate(t *testing.T, client uint64, block, text string) []byte {
	t.Helper()
	update, err := crdt.NewDoc().Begin(client).Set("document/blocks", block, map[string]any{"text": text}).Commit()
	require.NoError(t, err)
	return update
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	actor := newTestActor(t, store, nil)
	ctx := context.Background()
	update := templateUpdate(t)

	first, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: update, Compression: envelope.None})
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, uint64(1), first.Version)

	second, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: update, Compression: envelope.None})
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.StateVector, second.StateVector)
	assert.Equal(t, uint64(1), second.Version)

	_, persists := store.stats()
	assert.Equal(t, 1, persists)
}

func TestApplyUpdateReturnsMinimalCompressedDiff(t *testing.T) {
	actor := newTestActor(t, newMemoryStore(), nil)
	ctx := context.Background()

	first, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t), Compression: envelope.None})
	require.NoError(t, err)

	result, err := actor.ApplyUpdate(ctx, UpdateRequest{
		UID:         1,
		CollabType:  collab.CollabTypeDocument,
		Update:      blockUpdate(t, 2, "b1", "hello"),
		StateVector: first.StateVector,
		Compression: envelope.Zstd,
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.Zstd, result.Compression)

	codec, err := envelope.NewCodec(envelope.CodecConfig{})
	require.NoError(t, err)
	defer codec.Close()
	raw, err := codec.Decompress(ctx, envelope.Zstd, result.Diff)
	require.NoError(t, err)
	items, err := crdt.DecodeUpdate(raw)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].ID.Client)
}

func TestRejectedPersistRollsBackMerge(t *testing.T) {
	store := newMemoryStore()
	store.persistErr = collab.NewError(collab.ErrCapacityExceeded, "test.persist", "limit", nil)
	actor := newTestActor(t, store, nil)
	ctx := context.Background()

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t)})
	require.ErrorIs(t, err, collab.ErrCapacityExceeded)

	result, err := actor.Subscribe(ctx, SubscribeRequest{SessionID: "s1", CollabType: collab.CollabTypeDocument})
	require.NoError(t, err)
	sv, err := crdt.DecodeStateVector(result.StateVector)
	require.NoError(t, err)
	assert.True(t, sv.IsEmpty(), "replica must not keep a rejected merge")
}

func TestMalformedUpdateIsRejectedWithoutMutation(t *testing.T) {
	store := newMemoryStore()
	actor := newTestActor(t, store, nil)
	ctx := context.Background()

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: []byte{0x0a, 0xff}})
	require.ErrorIs(t, err, collab.ErrDecode)

	// Depends on client 1 clock 0 which was never seen.
	_, err = actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: missingDependencyUpdate(t)})
	require.ErrorIs(t, err, collab.ErrDecode)

	_, persists := store.stats()
	assert.Zero(t, persists)
}

func missingDependencyUpdate(t *testing.T) []byte {
	t.Helper()
	doc := crdt.NewDoc()
	_, err := doc.Begin(1).Set("document", "blocks", map[string]any{}).Commit()
	require.NoError(t, err)
	before := doc.StateVector()
	_, err = doc.Begin(1).Set("document", "title", "x").Commit()
	require.NoError(t, err)
	return doc.EncodeStateAsUpdate(before)
}

func TestFullSyncRejectsEmptyPayloads(t *testing.T) {
	actor := newTestActor(t, newMemoryStore(), nil)
	ctx := context.Background()
	emptySV := crdt.StateVector{}.Encode()

	_, err := actor.FullSync(ctx, FullSyncRequest{CollabType: collab.CollabTypeDocument, StateVector: emptySV})
	require.ErrorIs(t, err, collab.ErrDecode)
	_, err = actor.FullSync(ctx, FullSyncRequest{CollabType: collab.CollabTypeDocument, Update: crdt.EncodeUpdate(nil)})
	require.ErrorIs(t, err, collab.ErrDecode)
}

func TestFullSyncReturnsNilWhenClientIsCurrent(t *testing.T) {
	actor := newTestActor(t, newMemoryStore(), nil)
	ctx := context.Background()

	encoded, err := actor.FullSync(ctx, FullSyncRequest{
		UID:         1,
		CollabType:  collab.CollabTypeDocument,
		Update:      templateUpdate(t),
		StateVector: crdt.StateVector{}.Encode(),
	})
	require.NoError(t, err)
	require.NotNil(t, encoded)

	again, err := actor.FullSync(ctx, FullSyncRequest{
		UID:         1,
		CollabType:  collab.CollabTypeDocument,
		Update:      crdt.EncodeUpdate(nil),
		StateVector: encoded.StateVector,
	})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestBroadcastSkipsOriginator(t *testing.T) {
	sinks := sinkTable{"s1": &recordingSink{}, "s2": &recordingSink{}}
	actor := newTestActor(t, newMemoryStore(), sinks)
	ctx := context.Background()

	for _, sessionID := range []string{"s1", "s2", "gone"} {
		_, err := actor.Subscribe(ctx, SubscribeRequest{SessionID: sessionID, CollabType: collab.CollabTypeDocument})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, actor.Subscribers())

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t), Origin: "s1"})
	require.NoError(t, err)

	assert.Empty(t, sinks["s1"].received())
	received := sinks["s2"].received()
	require.Len(t, received, 1)
	assert.Equal(t, protocol.MessageUpdate, received[0].Type)
	assert.Equal(t, 2, actor.Subscribers(), "sessions without a live sink are dropped")

	require.NoError(t, actor.Awareness("s2", collab.CollabTypeDocument, []byte("cursor")))
	require.NoError(t, actor.Unsubscribe("s2"))
	// Subscribe waits for the queued casts.
	_, err = actor.Subscribe(ctx, SubscribeRequest{SessionID: "s1", CollabType: collab.CollabTypeDocument})
	require.NoError(t, err)
	awareness := sinks["s1"].received()
	require.Len(t, awareness, 1)
	assert.Equal(t, protocol.MessageAwarenessUpdate, awareness[0].Type)
	assert.Equal(t, 1, actor.Subscribers())
}

func TestPanicIsRecoveredAndReplicaReloaded(t *testing.T) {
	store := newMemoryStore()
	actor := newTestActor(t, store, nil)
	ctx := context.Background()

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t)})
	require.NoError(t, err)

	store.mu.Lock()
	store.panicOnce = true
	store.mu.Unlock()
	_, err = actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 2, "b1", "lost")})
	require.ErrorIs(t, err, collab.ErrInternal)

	result, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 3, "b2", "kept")})
	require.NoError(t, err)
	assert.True(t, result.Changed)

	loads, _ := store.stats()
	assert.Equal(t, 2, loads, "replica is reloaded after a panic")
	sv, err := crdt.DecodeStateVector(result.StateVector)
	require.NoError(t, err)
	assert.Zero(t, sv.Get(2), "the update that panicked is not durable")
}

func TestTypeMismatchAndStoppedActor(t *testing.T) {
	actor := newTestActor(t, newMemoryStore(), nil)
	ctx := context.Background()

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t)})
	require.NoError(t, err)
	_, err = actor.Subscribe(ctx, SubscribeRequest{SessionID: "s1", CollabType: collab.CollabTypeFolder})
	require.ErrorIs(t, err, collab.ErrValidation)

	actor.Stop()
	_, err = actor.Subscribe(ctx, SubscribeRequest{SessionID: "s1", CollabType: collab.CollabTypeDocument})
	require.True(t, errors.Is(err, ErrStopped))
	require.ErrorIs(t, err, collab.ErrBusy)
}

func storedBlocks(t *testing.T, store *memoryStore) map[string]any {
	t.Helper()
	store.mu.Lock()
	record, ok := store.records[testObject]
	store.mu.Unlock()
	require.True(t, ok)
	doc, err := record.Encoded.Doc()
	require.NoError(t, err)
	root, ok := doc.Materialize().Map("document")
	require.True(t, ok)
	blocks, ok := root["blocks"].(map[string]any)
	require.True(t, ok)
	return blocks
}

func TestProvisionReplacesLiveReplica(t *testing.T) {
	store := newMemoryStore()
	sinks := sinkTable{"s1": &recordingSink{}}
	actor := newTestActor(t, store, sinks)
	ctx := context.Background()

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t)})
	require.NoError(t, err)
	_, err = actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 2, "a", "old")})
	require.NoError(t, err)
	_, err = actor.Subscribe(ctx, SubscribeRequest{SessionID: "s1", CollabType: collab.CollabTypeDocument})
	require.NoError(t, err)

	provisioned, err := collab.NewTemplateDoc(collab.CollabTypeDocument, testObject, 1)
	require.NoError(t, err)
	_, err = provisioned.Begin(5).Set("document/blocks", "p", map[string]any{"text": "provisioned"}).Commit()
	require.NoError(t, err)
	require.NoError(t, actor.Provision(ctx, ProvisionRequest{UID: 1, CollabType: collab.CollabTypeDocument, Encoded: collab.NewEncodedCollab(provisioned)}))

	_, err = actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 3, "b", "new")})
	require.NoError(t, err)

	blocks := storedBlocks(t, store)
	assert.Contains(t, blocks, "p")
	assert.Contains(t, blocks, "b")
	assert.NotContains(t, blocks, "a", "the replaced replica must not be written back")

	received := sinks["s1"].received()
	require.Len(t, received, 2)
	assert.Equal(t, protocol.MessageUpdate, received[0].Type)

	err = actor.Provision(ctx, ProvisionRequest{UID: 1, CollabType: collab.CollabTypeDocument, Encoded: collab.EncodedCollab{DocState: []byte{0xff}, Version: collab.EncoderVersionV1}})
	require.ErrorIs(t, err, collab.ErrDecode)
}

func TestDeleteLeavesEmptyReplica(t *testing.T) {
	store := newMemoryStore()
	actor := newTestActor(t, store, nil)
	ctx := context.Background()

	_, err := actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: templateUpdate(t)})
	require.NoError(t, err)
	require.NoError(t, actor.Delete(ctx))
	require.ErrorIs(t, actor.Delete(ctx), collab.ErrNotFound)

	// A merge after deletion starts from the empty replica instead of resurrecting the old state.
	_, err = actor.ApplyUpdate(ctx, UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 3, "b", "new")})
	require.NoError(t, err)
	store.mu.Lock()
	record, exists := store.records[testObject]
	store.mu.Unlock()
	require.True(t, exists)
	doc, err := record.Encoded.Doc()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Len())
}
