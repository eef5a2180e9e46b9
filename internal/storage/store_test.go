package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/workpool"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testUID       int64              = 42
	testWorkspace collab.WorkspaceID = "workspace-1"
)

type recordingIndex struct {
	mu    sync.Mutex
	tasks []collab.PendingIndexTask
}

func (index *recordingIndex) TryEnqueue(task collab.PendingIndexTask) bool {
	return index.TryEnqueueBatch([]collab.PendingIndexTask{task})
}

func (index *recordingIndex) TryEnqueueBatch(tasks []collab.PendingIndexTask) bool {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.tasks = append(index.tasks, tasks...)
	return true
}

func (index *recordingIndex) snapshot() []collab.PendingIndexTask {
	index.mu.Lock()
	defer index.mu.Unlock()
	return append([]collab.PendingIndexTask(nil), index.tasks...)
}

func openStoreDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CollabRecord{}, &quota.UserPlan{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(testContext *testing.T, limit quota.Limit) (*Store, *recordingIndex) {
	testContext.Helper()
	quotaService, err := quota.NewService(quota.ServiceConfig{
		DefaultPlan: quota.PlanBasic,
		Overrides:   map[quota.Plan]quota.Limit{quota.PlanBasic: limit},
	})
	if err != nil {
		testContext.Fatalf("quota: %v", err)
	}
	index := &recordingIndex{}
	store, err := NewStore(Config{
		Database: openStoreDatabase(testContext),
		Quota:    quotaService,
		Pool:     workpool.New(2),
		Index:    index,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		testContext.Fatalf("store: %v", err)
	}
	return store, index
}

func documentSnapshot(testContext *testing.T, objectID collab.ObjectID, text string) collab.EncodedCollab {
	testContext.Helper()
	doc, err := collab.NewTemplateDoc(collab.CollabTypeDocument, objectID, 1)
	if err != nil {
		testContext.Fatalf("template: %v", err)
	}
	if text != "" {
		if _, err := doc.Begin(2).Set("document/blocks", "b1", map[string]any{"text": text}).Commit(); err != nil {
			testContext.Fatalf("commit: %v", err)
		}
	}
	return collab.NewEncodedCollab(doc)
}

func TestPersistAndLoadRoundTrip(testContext *testing.T) {
	store, index := newTestStore(testContext, quota.UnlimitedStorage())
	ctx := context.Background()
	encoded := documentSnapshot(testContext, "doc-1", "hello world")

	err := store.Persist(ctx, PersistParams{
		UID:         testUID,
		WorkspaceID: testWorkspace,
		ObjectID:    "doc-1",
		CollabType:  collab.CollabTypeDocument,
		Encoded:     encoded,
	})
	if err != nil {
		testContext.Fatalf("persist: %v", err)
	}

	stored, err := store.Load(ctx, testWorkspace, "doc-1")
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	if !bytes.Equal(stored.Encoded.DocState, encoded.DocState) || stored.CollabType != collab.CollabTypeDocument {
		testContext.Fatalf("unexpected stored snapshot: %+v", stored)
	}
	if stored.OwnerUID != testUID || stored.UpdatedAtSeconds != 1700000000 {
		testContext.Fatalf("unexpected metadata: %+v", stored)
	}

	tasks := index.snapshot()
	if len(tasks) != 1 || tasks[0].Text != "hello world" || tasks[0].ObjectID != "doc-1" {
		testContext.Fatalf("expected one index task, got %+v", tasks)
	}

	if _, err := store.Load(ctx, "workspace-2", "doc-1"); !errors.Is(err, collab.ErrNotFound) {
		testContext.Fatalf("expected not found for other workspace, got %v", err)
	}
	if _, err := store.Load(ctx, testWorkspace, "missing"); !errors.Is(err, collab.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestPersistRejectsInvalidSnapshots(testContext *testing.T) {
	store, _ := newTestStore(testContext, quota.UnlimitedStorage())
	ctx := context.Background()

	folder := crdt.NewDoc()
	if _, err := folder.Begin(1).Set("other", "k", "v").Commit(); err != nil {
		testContext.Fatalf("commit: %v", err)
	}
	err := store.Persist(ctx, PersistParams{
		UID:         testUID,
		WorkspaceID: testWorkspace,
		ObjectID:    "doc-1",
		CollabType:  collab.CollabTypeDocument,
		Encoded:     collab.NewEncodedCollab(folder),
	})
	if !errors.Is(err, collab.ErrValidation) {
		testContext.Fatalf("expected validation error, got %v", err)
	}

	err = store.Persist(ctx, PersistParams{
		UID:         testUID,
		WorkspaceID: testWorkspace,
		ObjectID:    "doc-1",
		CollabType:  collab.CollabTypeDocument,
		Encoded:     collab.EncodedCollab{DocState: []byte{0xff, 0xff}, Version: collab.EncoderVersionV1},
	})
	if !errors.Is(err, collab.ErrDecode) {
		testContext.Fatalf("expected decode error, got %v", err)
	}

	err = store.Persist(ctx, PersistParams{
		UID:         testUID,
		WorkspaceID: testWorkspace,
		ObjectID:    collab.ObjectID(testWorkspace),
		CollabType:  collab.CollabTypeDocument,
		Encoded:     documentSnapshot(testContext, "x", ""),
	})
	if !errors.Is(err, collab.ErrValidation) {
		testContext.Fatalf("expected reserved id rejection, got %v", err)
	}
}

func TestPersistEnforcesCapacityAndKeepsPriorSnapshot(testContext *testing.T) {
	small := documentSnapshot(testContext, "doc-1", "a")
	limit := quota.Bytes(small.Size() + 8)
	store, _ := newTestStore(testContext, limit)
	ctx := context.Background()

	params := PersistParams{UID: testUID, WorkspaceID: testWorkspace, ObjectID: "doc-1", CollabType: collab.CollabTypeDocument, Encoded: small}
	if err := store.Persist(ctx, params); err != nil {
		testContext.Fatalf("persist small: %v", err)
	}
	// Replacing the same object only counts the new size.
	if err := store.Persist(ctx, params); err != nil {
		testContext.Fatalf("replace with same size: %v", err)
	}

	params.Encoded = documentSnapshot(testContext, "doc-1", strings.Repeat("x", 256))
	if err := store.Persist(ctx, params); !errors.Is(err, collab.ErrCapacityExceeded) {
		testContext.Fatalf("expected capacity exceeded, got %v", err)
	}
	stored, err := store.Load(ctx, testWorkspace, "doc-1")
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	if !bytes.Equal(stored.Encoded.DocState, small.DocState) {
		testContext.Fatalf("expected prior doc state to survive the rejected write")
	}

	second := PersistParams{UID: testUID, WorkspaceID: testWorkspace, ObjectID: "doc-2", CollabType: collab.CollabTypeDocument, Encoded: documentSnapshot(testContext, "doc-2", "a")}
	if err := store.Persist(ctx, second); !errors.Is(err, collab.ErrCapacityExceeded) {
		testContext.Fatalf("expected capacity exceeded for second object, got %v", err)
	}
	used, err := store.UsageBytes(ctx, testUID)
	if err != nil || used != small.Size() {
		testContext.Fatalf("expected usage %d, got %d %v", small.Size(), used, err)
	}
}

func TestPersistChargesExistingObjectsToTheirOwner(testContext *testing.T) {
	const memberUID int64 = 7
	first := documentSnapshot(testContext, "doc-1", "a")
	second := documentSnapshot(testContext, "doc-2", "a")
	store, _ := newTestStore(testContext, quota.Bytes(first.Size()+second.Size()+8))
	ctx := context.Background()

	for objectID, encoded := range map[collab.ObjectID]collab.EncodedCollab{"doc-1": first, "doc-2": second} {
		if err := store.Persist(ctx, PersistParams{UID: testUID, WorkspaceID: testWorkspace, ObjectID: objectID, CollabType: collab.CollabTypeDocument, Encoded: encoded}); err != nil {
			testContext.Fatalf("persist %s: %v", objectID, err)
		}
	}

	// The member has no stored bytes, but doc-1 belongs to a nearly full owner.
	grown := PersistParams{UID: memberUID, WorkspaceID: testWorkspace, ObjectID: "doc-1", CollabType: collab.CollabTypeDocument, Encoded: documentSnapshot(testContext, "doc-1", strings.Repeat("x", 256))}
	if err := store.Persist(ctx, grown); !errors.Is(err, collab.ErrCapacityExceeded) {
		testContext.Fatalf("expected capacity exceeded against the owner, got %v", err)
	}
	used, err := store.UsageBytes(ctx, testUID)
	if err != nil || used != first.Size()+second.Size() {
		testContext.Fatalf("expected owner usage %d, got %d %v", first.Size()+second.Size(), used, err)
	}

	same := grown
	same.Encoded = first
	if err := store.Persist(ctx, same); err != nil {
		testContext.Fatalf("member edit within the owner's plan: %v", err)
	}
	stored, err := store.Load(ctx, testWorkspace, "doc-1")
	if err != nil || stored.OwnerUID != testUID {
		testContext.Fatalf("expected doc-1 to stay with owner %d, got %+v %v", testUID, stored, err)
	}

	fresh := PersistParams{UID: memberUID, WorkspaceID: testWorkspace, ObjectID: "doc-3", CollabType: collab.CollabTypeDocument, Encoded: documentSnapshot(testContext, "doc-3", "a")}
	if err := store.Persist(ctx, fresh); err != nil {
		testContext.Fatalf("new object is charged to its creator: %v", err)
	}
}

func TestPersistRefusesWorkspaceAndTypeChanges(testContext *testing.T) {
	store, _ := newTestStore(testContext, quota.UnlimitedStorage())
	ctx := context.Background()
	params := PersistParams{UID: testUID, WorkspaceID: testWorkspace, ObjectID: "doc-1", CollabType: collab.CollabTypeDocument, Encoded: documentSnapshot(testContext, "doc-1", "")}
	if err := store.Persist(ctx, params); err != nil {
		testContext.Fatalf("persist: %v", err)
	}

	moved := params
	moved.WorkspaceID = "workspace-2"
	if err := store.Persist(ctx, moved); !errors.Is(err, collab.ErrNotFound) {
		testContext.Fatalf("expected not found for foreign workspace, got %v", err)
	}

	folderDoc, err := collab.NewTemplateDoc(collab.CollabTypeFolder, "doc-1", 1)
	if err != nil {
		testContext.Fatalf("template: %v", err)
	}
	retyped := params
	retyped.CollabType = collab.CollabTypeFolder
	retyped.Encoded = collab.NewEncodedCollab(folderDoc)
	if err := store.Persist(ctx, retyped); !errors.Is(err, collab.ErrValidation) {
		testContext.Fatalf("expected validation error for type change, got %v", err)
	}
}

func TestDeleteAndWorkspaceUsage(testContext *testing.T) {
	store, _ := newTestStore(testContext, quota.UnlimitedStorage())
	ctx := context.Background()
	var total int64
	for _, objectID := range []collab.ObjectID{"doc-1", "doc-2"} {
		encoded := documentSnapshot(testContext, objectID, string(objectID))
		total += encoded.Size()
		if err := store.Persist(ctx, PersistParams{UID: testUID, WorkspaceID: testWorkspace, ObjectID: objectID, CollabType: collab.CollabTypeDocument, Encoded: encoded}); err != nil {
			testContext.Fatalf("persist %s: %v", objectID, err)
		}
	}
	bytesUsed, objects, err := store.WorkspaceUsage(ctx, testWorkspace)
	if err != nil || bytesUsed != total || objects != 2 {
		testContext.Fatalf("unexpected workspace usage %d/%d %v", bytesUsed, objects, err)
	}
	if err := store.Delete(ctx, testWorkspace, "doc-1"); err != nil {
		testContext.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, testWorkspace, "doc-1"); !errors.Is(err, collab.ErrNotFound) {
		testContext.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestInsertBatchSkipsExistingObjects(testContext *testing.T) {
	store, index := newTestStore(testContext, quota.UnlimitedStorage())
	ctx := context.Background()
	original := documentSnapshot(testContext, "doc-1", "original")
	if err := store.Persist(ctx, PersistParams{UID: testUID, WorkspaceID: testWorkspace, ObjectID: "doc-1", CollabType: collab.CollabTypeDocument, Encoded: original}); err != nil {
		testContext.Fatalf("persist: %v", err)
	}

	var items []Prepared
	for _, objectID := range []collab.ObjectID{"doc-1", "doc-2", "doc-3"} {
		prepared, err := store.Prepare(ctx, objectID, collab.CollabTypeDocument, documentSnapshot(testContext, objectID, "batch "+string(objectID)))
		if err != nil {
			testContext.Fatalf("prepare: %v", err)
		}
		items = append(items, prepared)
	}
	result, err := store.InsertBatch(ctx, testUID, testWorkspace, items)
	if err != nil {
		testContext.Fatalf("insert batch: %v", err)
	}
	if len(result.Inserted) != 2 || len(result.Skipped) != 1 || result.Skipped[0] != "doc-1" {
		testContext.Fatalf("unexpected batch result: %+v", result)
	}
	stored, err := store.Load(ctx, testWorkspace, "doc-1")
	if err != nil || !bytes.Equal(stored.Encoded.DocState, original.DocState) {
		testContext.Fatalf("expected existing object to stay untouched: %v", err)
	}
	if tasks := index.snapshot(); len(tasks) != 3 {
		testContext.Fatalf("expected three index tasks, got %d", len(tasks))
	}
}

func TestInsertBatchChecksAggregateCapacity(testContext *testing.T) {
	first := documentSnapshot(testContext, "doc-1", "a")
	store, _ := newTestStore(testContext, quota.Bytes(first.Size()+4))
	ctx := context.Background()

	var items []Prepared
	for _, objectID := range []collab.ObjectID{"doc-1", "doc-2"} {
		prepared, err := store.Prepare(ctx, objectID, collab.CollabTypeDocument, documentSnapshot(testContext, objectID, "a"))
		if err != nil {
			testContext.Fatalf("prepare: %v", err)
		}
		items = append(items, prepared)
	}
	if _, err := store.InsertBatch(ctx, testUID, testWorkspace, items); !errors.Is(err, collab.ErrCapacityExceeded) {
		testContext.Fatalf("expected capacity exceeded, got %v", err)
	}
	used, err := store.UsageBytes(ctx, testUID)
	if err != nil || used != 0 {
		testContext.Fatalf("expected no rows written, got %d %v", used, err)
	}
}
