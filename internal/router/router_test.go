package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/actor"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/workpool"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	workspaceOne collab.WorkspaceID = "workspace-1"
	workspaceTwo collab.WorkspaceID = "workspace-2"
	objectDoc    collab.ObjectID    = "doc-1"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&storage.CollabRecord{}, &quota.UserPlan{}))
	quotaService, err := quota.NewService(quota.ServiceConfig{})
	require.NoError(t, err)
	store, err := storage.NewStore(storage.Config{Database: db, Quota: quotaService, Pool: workpool.New(4)})
	require.NoError(t, err)
	return store
}

func newRouter(t *testing.T, store actor.Store, cfg Config) *Router {
	t.Helper()
	codec, err := envelope.NewCodec(envelope.CodecConfig{})
	require.NoError(t, err)
	cfg.Store = store
	cfg.Codec = codec
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	router := New(cfg)
	t.Cleanup(func() {
		router.Close()
		codec.Close()
	})
	return router
}

func blockUpdate(t *testing.T, client uint64, block, text string) []byte {
	t.Helper()
	update, err := crdt.NewDoc().Begin(client).Set("document/blocks", block, map[string]any{"text": text}).Commit()
	require.NoError(t, err)
	return update
}

func storedBlocks(t *testing.T, store *storage.Store, objectID collab.ObjectID) map[string]any {
	t.Helper()
	stored, err := store.Load(context.Background(), workspaceOne, objectID)
	require.NoError(t, err)
	doc, err := stored.Encoded.Doc()
	require.NoError(t, err)
	root, ok := doc.Materialize().Map("document")
	require.True(t, ok)
	blocks, ok := root["blocks"].(map[string]any)
	require.True(t, ok)
	return blocks
}

func TestConcurrentUpdatesAreSerializedPerObject(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{MailboxSize: 64})
	ctx := context.Background()

	const writers = 24
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for client := 1; client <= writers; client++ {
		wg.Add(1)
		go func(client uint64) {
			defer wg.Done()
			_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, actor.UpdateRequest{
				UID:        1,
				CollabType: collab.CollabTypeDocument,
				Update:     blockUpdate(t, client, fmt.Sprintf("b%02d", client), "text"),
			})
			errs <- err
		}(uint64(client))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, storedBlocks(t, store, objectDoc), writers)
	assert.Equal(t, 1, router.ActiveActors())
}

func TestScenarioSnapshotMatchesFirstClientDiff(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{})
	ctx := context.Background()

	template, err := collab.NewTemplateDoc(collab.CollabTypeDocument, objectDoc, 7)
	require.NoError(t, err)
	applied, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, actor.UpdateRequest{
		UID:         1,
		CollabType:  collab.CollabTypeDocument,
		Update:      template.Snapshot(),
		Compression: envelope.None,
	})
	require.NoError(t, err)

	snapshot, err := router.FullSync(ctx, workspaceOne, objectDoc, actor.FullSyncRequest{
		UID:         2,
		CollabType:  collab.CollabTypeDocument,
		Update:      crdt.EncodeUpdate(nil),
		StateVector: crdt.StateVector{}.Encode(),
	})
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, applied.StateVector, snapshot.StateVector)

	fromDiff := crdt.NewDoc()
	_, err = fromDiff.ApplyUpdate(applied.Diff)
	require.NoError(t, err)
	fromSnapshot := crdt.NewDoc()
	_, err = fromSnapshot.ApplyUpdate(snapshot.DocState)
	require.NoError(t, err)
	assert.Equal(t, fromDiff.Materialize(), fromSnapshot.Materialize())
	assert.True(t, fromDiff.StateVector().Equal(fromSnapshot.StateVector()))
}

func TestScenarioConcurrentFullSyncsBothPersist(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for index, client := range []uint64{11, 12} {
		wg.Add(1)
		go func(index int, client uint64) {
			defer wg.Done()
			_, results[index] = router.FullSync(ctx, workspaceOne, objectDoc, actor.FullSyncRequest{
				UID:         1,
				CollabType:  collab.CollabTypeDocument,
				Update:      blockUpdate(t, client, fmt.Sprintf("block-%d", client), "content"),
				StateVector: crdt.StateVector{}.Encode(),
			})
		}(index, client)
	}
	wg.Wait()
	require.NoError(t, results[0])
	require.NoError(t, results[1])

	blocks := storedBlocks(t, store, objectDoc)
	assert.Contains(t, blocks, "block-11")
	assert.Contains(t, blocks, "block-12")
}

func TestFullSyncIsIdempotentAndMinimal(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{})
	ctx := context.Background()
	update := blockUpdate(t, 3, "b1", "once")

	first, err := router.FullSync(ctx, workspaceOne, objectDoc, actor.FullSyncRequest{
		UID: 1, CollabType: collab.CollabTypeDocument, Update: update, StateVector: crdt.StateVector{}.Encode(),
	})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := router.FullSync(ctx, workspaceOne, objectDoc, actor.FullSyncRequest{
		UID: 1, CollabType: collab.CollabTypeDocument, Update: update, StateVector: first.StateVector,
	})
	require.NoError(t, err)
	assert.Nil(t, second, "a repeated update from an up to date client yields no content")
	assert.Len(t, storedBlocks(t, store, objectDoc), 1)
}

func TestObjectOwnedByAnotherWorkspaceIsRefused(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{})
	ctx := context.Background()

	_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, actor.UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 1, "b", "x")})
	require.NoError(t, err)

	request := actor.FullSyncRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 2, "c", "y"), StateVector: crdt.StateVector{}.Encode()}
	_, err = router.FullSync(ctx, workspaceTwo, objectDoc, request)
	require.ErrorIs(t, err, collab.ErrNotFound)

	require.NoError(t, router.Evict(workspaceOne, objectDoc))
	assert.Zero(t, router.ActiveActors())
	_, err = router.FullSync(ctx, workspaceTwo, objectDoc, request)
	require.ErrorIs(t, err, collab.ErrNotFound, "storage refuses the foreign workspace after rehydration")
}

type gatedStore struct {
	*storage.Store
	entered chan struct{}
	gate    chan struct{}
}

func (store *gatedStore) Persist(ctx context.Context, params storage.PersistParams) error {
	store.entered <- struct{}{}
	<-store.gate
	return store.Store.Persist(ctx, params)
}

func TestAdmissionFailsFastWhenSaturated(t *testing.T) {
	store := &gatedStore{Store: newStore(t), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	router := newRouter(t, store, Config{MaxInFlight: 1, MailboxSize: 1})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, actor.UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 1, "b", "x")})
		done <- err
	}()
	<-store.entered

	_, err := router.ApplyUpdate(ctx, workspaceOne, "doc-2", actor.UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 1, "b", "x")})
	require.ErrorIs(t, err, collab.ErrBusy)
	assert.True(t, collab.Retryable(err))

	// The actor is stuck in persist; one cast fills its mailbox and the next is refused.
	require.NoError(t, router.Awareness(workspaceOne, objectDoc, "s1", collab.CollabTypeDocument, []byte("a")))
	err = router.Awareness(workspaceOne, objectDoc, "s1", collab.CollabTypeDocument, []byte("b"))
	require.ErrorIs(t, err, collab.ErrBusy)

	close(store.gate)
	require.NoError(t, <-done)
}

func TestIdleActorsAreEvictedAndRehydrated(t *testing.T) {
	store := newStore(t)
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	router := newRouter(t, store, Config{IdleTimeout: time.Minute, Clock: clock})
	ctx := context.Background()

	applied, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, actor.UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, 1, "b", "x")})
	require.NoError(t, err)
	assert.Zero(t, router.EvictIdle(clock()))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	assert.Equal(t, 1, router.EvictIdle(clock()))
	assert.Zero(t, router.ActiveActors())

	snapshot, err := router.FullSync(ctx, workspaceOne, objectDoc, actor.FullSyncRequest{
		UID: 1, CollabType: collab.CollabTypeDocument, Update: crdt.EncodeUpdate(nil), StateVector: crdt.StateVector{}.Encode(),
	})
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, applied.StateVector, snapshot.StateVector)
}

func TestSubscribedActorsAreNotEvicted(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{IdleTimeout: time.Nanosecond})
	ctx := context.Background()

	_, err := router.Subscribe(ctx, workspaceOne, objectDoc, actor.SubscribeRequest{SessionID: "s1", CollabType: collab.CollabTypeDocument})
	require.NoError(t, err)
	assert.Zero(t, router.EvictIdle(time.Now().Add(time.Hour)))

	router.UnsubscribeSession("s1")
	require.Eventually(t, func() bool {
		return router.EvictIdle(time.Now().Add(time.Hour)) == 1
	}, time.Second, 10*time.Millisecond)
}

func documentUpdate(t *testing.T, client uint64, block, text string) actor.UpdateRequest {
	return actor.UpdateRequest{UID: 1, CollabType: collab.CollabTypeDocument, Update: blockUpdate(t, client, block, text)}
}

func TestProvisionReplacesStateOfLiveActor(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{})
	ctx := context.Background()

	_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, documentUpdate(t, 1, "a", "before"))
	require.NoError(t, err)
	require.Equal(t, 1, router.ActiveActors())

	provisioned := crdt.NewDoc()
	_, err = provisioned.Begin(9).Set("document/blocks", "p", map[string]any{"text": "provisioned"}).Commit()
	require.NoError(t, err)
	require.NoError(t, router.Provision(ctx, workspaceOne, objectDoc, actor.ProvisionRequest{
		UID: 1, CollabType: collab.CollabTypeDocument, Encoded: collab.NewEncodedCollab(provisioned),
	}))

	_, err = router.ApplyUpdate(ctx, workspaceOne, objectDoc, documentUpdate(t, 3, "b", "after"))
	require.NoError(t, err)

	blocks := storedBlocks(t, store, objectDoc)
	assert.Contains(t, blocks, "p")
	assert.Contains(t, blocks, "b")
	assert.NotContains(t, blocks, "a")

	err = router.Provision(ctx, workspaceTwo, objectDoc, actor.ProvisionRequest{
		UID: 1, CollabType: collab.CollabTypeDocument, Encoded: collab.NewEncodedCollab(provisioned),
	})
	require.ErrorIs(t, err, collab.ErrNotFound)
}

func TestDeleteThroughActorDoesNotResurrectObject(t *testing.T) {
	store := newStore(t)
	router := newRouter(t, store, Config{})
	ctx := context.Background()

	_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, documentUpdate(t, 1, "a", "before"))
	require.NoError(t, err)

	require.NoError(t, router.Delete(ctx, workspaceOne, objectDoc))
	_, err = store.Load(ctx, workspaceOne, objectDoc)
	require.ErrorIs(t, err, collab.ErrNotFound)
	require.ErrorIs(t, router.Delete(ctx, workspaceOne, objectDoc), collab.ErrNotFound)

	_, err = router.ApplyUpdate(ctx, workspaceOne, objectDoc, documentUpdate(t, 3, "b", "after"))
	require.NoError(t, err)
	blocks := storedBlocks(t, store, objectDoc)
	assert.Contains(t, blocks, "b")
	assert.NotContains(t, blocks, "a", "the deleted state stays deleted")
}

func TestEvictedActorDrainsBeforeReplacementSpawns(t *testing.T) {
	store := &gatedStore{Store: newStore(t), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	router := newRouter(t, store, Config{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, documentUpdate(t, 1, "a", "queued"))
		first <- err
	}()
	<-store.entered

	evicted := make(chan error, 1)
	go func() { evicted <- router.Evict(workspaceOne, objectDoc) }()
	require.Eventually(t, func() bool { return router.ActiveActors() == 0 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := router.ApplyUpdate(ctx, workspaceOne, objectDoc, documentUpdate(t, 2, "b", "later"))
		second <- err
	}()
	assert.Never(t, func() bool { return router.ActiveActors() > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"no replacement while the evicted actor still holds queued work")

	close(store.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-evicted)
	require.NoError(t, <-second)

	blocks := storedBlocks(t, store.Store, objectDoc)
	assert.Contains(t, blocks, "a")
	assert.Contains(t, blocks, "b")
}
