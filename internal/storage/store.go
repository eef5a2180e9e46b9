// Package storage validates snapshots and persists them under the owner's plan limit.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/workpool"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrWorkspaceMismatch indicates an object owned by a different workspace.
	ErrWorkspaceMismatch = errors.New("storage: object belongs to another workspace")

	errMissingDatabase = errors.New("database handle is required")
	errMissingQuota    = errors.New("quota service is required")
	errTypeMismatch    = errors.New("collab type does not match stored object")
	errUnknownObject   = errors.New("object not found")
	errReservedID      = errors.New("object id equals workspace id")
)

const (
	opStoreNew       = "storage.new"
	opPrepare        = "storage.prepare"
	opPersist        = "storage.persist"
	opLoad           = "storage.load"
	opDelete         = "storage.delete"
	opUsage          = "storage.usage"
	opInsertBatch    = "storage.insert_batch"
	fieldObjectID    = "object_id"
	fieldWorkspaceID = "workspace_id"
	fieldUID         = "uid"
	queryObjectID    = "object_id = ?"
	queryOwnerOthers = "owner_uid = ? AND object_id <> ?"
	queryOwner       = "owner_uid = ?"
	queryWorkspace   = "workspace_id = ?"
	queryObjectIn    = "object_id IN ?"
	columnSizeSum    = "COALESCE(SUM(size_bytes), 0)"
)

// IndexQueue receives pending index tasks after commits.
type IndexQueue interface {
	TryEnqueue(task collab.PendingIndexTask) bool
	TryEnqueueBatch(tasks []collab.PendingIndexTask) bool
}

// Config configures a Store.
type Config struct {
	Database *gorm.DB
	Quota    *quota.Service
	Pool     *workpool.Pool
	Index    IndexQueue
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the only component that reads or writes collab records.
type Store struct {
	db     *gorm.DB
	quota  *quota.Service
	pool   *workpool.Pool
	index  IndexQueue
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore builds a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, collab.NewError(collab.ErrInternal, opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Quota == nil {
		return nil, collab.NewError(collab.ErrInternal, opStoreNew, "missing_quota", errMissingQuota)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     cfg.Database,
		quota:  cfg.Quota,
		pool:   cfg.Pool,
		index:  cfg.Index,
		clock:  clock,
		logger: logger,
	}, nil
}

// Prepared is a snapshot that passed decoding and structural validation.
type Prepared struct {
	ObjectID   collab.ObjectID
	CollabType collab.CollabType
	Encoded    collab.EncodedCollab
	// Text is the extracted plain text for indexable types.
	Text string
}

// Size returns the bytes counted against the plan limit.
func (prepared Prepared) Size() int64 {
	return prepared.Encoded.Size()
}

// Prepare decodes and validates a snapshot on the work pool.
func (store *Store) Prepare(ctx context.Context, objectID collab.ObjectID, collabType collab.CollabType, encoded collab.EncodedCollab) (Prepared, error) {
	if !collabType.Valid() {
		return Prepared{}, collab.NewError(collab.ErrDecode, opPrepare, "collab_type", fmt.Errorf("%w: %d", collab.ErrUnknownCollabType, int32(collabType)))
	}
	return workpool.Run(ctx, store.pool, func() (Prepared, error) {
		doc, err := encoded.Doc()
		if err != nil {
			return Prepared{}, collab.NewError(collab.ErrDecode, opPrepare, "decode_failed", err)
		}
		view := doc.Materialize()
		if err := collabType.Validate(view); err != nil {
			return Prepared{}, collab.NewError(collab.ErrValidation, opPrepare, "invalid_structure", err)
		}
		prepared := Prepared{ObjectID: objectID, CollabType: collabType, Encoded: encoded}
		if collabType.Indexable() {
			prepared.Text = collab.ExtractDocumentText(view)
		}
		return prepared, nil
	})
}

// PersistParams describes one snapshot write.
type PersistParams struct {
	UID         int64
	WorkspaceID collab.WorkspaceID
	ObjectID    collab.ObjectID
	CollabType  collab.CollabType
	Encoded     collab.EncodedCollab
}

// Persist validates and upserts a snapshot. The capacity check and the write share one
// transaction; a rejected write leaves the stored snapshot untouched.
func (store *Store) Persist(ctx context.Context, params PersistParams) error {
	start := time.Now()
	prepared, err := store.Prepare(ctx, params.ObjectID, params.CollabType, params.Encoded)
	if err != nil {
		metrics.ObserveSince(metrics.PersistDuration.WithLabelValues(outcomeLabel(err)), start)
		return err
	}
	err = store.write(ctx, params.UID, params.WorkspaceID, prepared)
	metrics.ObserveSince(metrics.PersistDuration.WithLabelValues(outcomeLabel(err)), start)
	if err != nil {
		return err
	}
	if prepared.CollabType.Indexable() && store.index != nil {
		store.index.TryEnqueue(collab.PendingIndexTask{
			WorkspaceID: params.WorkspaceID,
			ObjectID:    params.ObjectID,
			CollabType:  prepared.CollabType,
			Text:        prepared.Text,
		})
	}
	return nil
}

func (store *Store) write(ctx context.Context, uid int64, workspaceID collab.WorkspaceID, prepared Prepared) error {
	if err := checkReservedID(workspaceID, prepared); err != nil {
		return err
	}
	objectID := prepared.ObjectID.String()
	fields := []zap.Field{
		zap.Int64(fieldUID, uid),
		zap.String(fieldWorkspaceID, workspaceID.String()),
		zap.String(fieldObjectID, objectID),
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing CollabRecord
		lookupErr := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryObjectID, objectID).
			Take(&existing).Error
		found := lookupErr == nil
		if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			store.logError(opPersist, "lookup_failed", lookupErr, fields...)
			return collab.NewError(collab.ErrInternal, opPersist, "lookup_failed", lookupErr)
		}
		if found && existing.WorkspaceID != workspaceID.String() {
			return collab.NewError(collab.ErrNotFound, opPersist, "workspace_mismatch", ErrWorkspaceMismatch)
		}
		if found && existing.CollabType != int32(prepared.CollabType) {
			return collab.NewError(collab.ErrValidation, opPersist, "type_mismatch", errTypeMismatch)
		}

		// The owner of an existing object pays for it, whoever edits it.
		chargedUID := uid
		if found {
			chargedUID = existing.OwnerUID
		}
		limit, err := store.quota.LimitForUser(ctx, transaction, chargedUID)
		if err != nil {
			store.logError(opPersist, "limit_failed", err, fields...)
			return err
		}
		if !limit.Unlimited {
			var used int64
			if err := transaction.Model(&CollabRecord{}).
				Select(columnSizeSum).
				Where(queryOwnerOthers, chargedUID, objectID).
				Scan(&used).Error; err != nil {
				store.logError(opPersist, "usage_failed", err, fields...)
				return collab.NewError(collab.ErrInternal, opPersist, "usage_failed", err)
			}
			if err := quota.EnsureCapacity(limit, used, prepared.Size()); err != nil {
				return err
			}
		}

		now := store.clock().UTC().Unix()
		if found {
			existing.DocState = prepared.Encoded.DocState
			existing.StateVector = prepared.Encoded.StateVector
			existing.EncodingVersion = uint32(prepared.Encoded.Version)
			existing.SizeBytes = prepared.Size()
			existing.UpdatedAtSeconds = now
			if err := transaction.Save(&existing).Error; err != nil {
				store.logError(opPersist, "update_failed", err, fields...)
				return collab.NewError(collab.ErrInternal, opPersist, "update_failed", err)
			}
			return nil
		}
		record := newRecord(uid, workspaceID, prepared, now)
		if err := transaction.Create(&record).Error; err != nil {
			store.logError(opPersist, "insert_failed", err, fields...)
			return collab.NewError(collab.ErrInternal, opPersist, "insert_failed", err)
		}
		return nil
	})
}

// Only the folder of a workspace may reuse the workspace id.
func checkReservedID(workspaceID collab.WorkspaceID, prepared Prepared) error {
	if prepared.ObjectID.String() == workspaceID.String() && prepared.CollabType != collab.CollabTypeFolder {
		return collab.NewError(collab.ErrValidation, opPersist, "reserved_object_id", errReservedID)
	}
	return nil
}

func newRecord(uid int64, workspaceID collab.WorkspaceID, prepared Prepared, now int64) CollabRecord {
	return CollabRecord{
		ObjectID:         prepared.ObjectID.String(),
		WorkspaceID:      workspaceID.String(),
		OwnerUID:         uid,
		CollabType:       int32(prepared.CollabType),
		DocState:         prepared.Encoded.DocState,
		StateVector:      prepared.Encoded.StateVector,
		EncodingVersion:  uint32(prepared.Encoded.Version),
		SizeBytes:        prepared.Size(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
}

// Stored is a loaded snapshot.
type Stored struct {
	WorkspaceID      collab.WorkspaceID
	ObjectID         collab.ObjectID
	OwnerUID         int64
	CollabType       collab.CollabType
	Encoded          collab.EncodedCollab
	UpdatedAtSeconds int64
}

// Load returns the snapshot of objectID within workspaceID.
func (store *Store) Load(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) (Stored, error) {
	var record CollabRecord
	err := store.db.WithContext(ctx).Where(queryObjectID, objectID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Stored{}, collab.NewError(collab.ErrNotFound, opLoad, "unknown_object", errUnknownObject)
	}
	if err != nil {
		store.logError(opLoad, "query_failed", err, zap.String(fieldObjectID, objectID.String()))
		return Stored{}, collab.NewError(collab.ErrInternal, opLoad, "query_failed", err)
	}
	if record.WorkspaceID != workspaceID.String() {
		return Stored{}, collab.NewError(collab.ErrNotFound, opLoad, "workspace_mismatch", ErrWorkspaceMismatch)
	}
	collabType, err := collab.NewCollabType(int64(record.CollabType))
	if err != nil {
		store.logError(opLoad, "collab_type_invalid", err, zap.String(fieldObjectID, record.ObjectID))
		return Stored{}, collab.NewError(collab.ErrInternal, opLoad, "collab_type_invalid", err)
	}
	return Stored{
		WorkspaceID: workspaceID,
		ObjectID:    objectID,
		OwnerUID:    record.OwnerUID,
		CollabType:  collabType,
		Encoded: collab.EncodedCollab{
			StateVector: record.StateVector,
			DocState:    record.DocState,
			Version:     collab.EncoderVersion(record.EncodingVersion),
		},
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}, nil
}

// Delete removes objectID from workspaceID.
func (store *Store) Delete(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) error {
	result := store.db.WithContext(ctx).
		Where("object_id = ? AND workspace_id = ?", objectID.String(), workspaceID.String()).
		Delete(&CollabRecord{})
	if result.Error != nil {
		store.logError(opDelete, "delete_failed", result.Error, zap.String(fieldObjectID, objectID.String()))
		return collab.NewError(collab.ErrInternal, opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return collab.NewError(collab.ErrNotFound, opDelete, "unknown_object", errUnknownObject)
	}
	return nil
}

// UsageBytes returns the stored bytes owned by uid.
func (store *Store) UsageBytes(ctx context.Context, uid int64) (int64, error) {
	var used int64
	if err := store.db.WithContext(ctx).Model(&CollabRecord{}).Select(columnSizeSum).Where(queryOwner, uid).Scan(&used).Error; err != nil {
		store.logError(opUsage, "query_failed", err, zap.Int64(fieldUID, uid))
		return 0, collab.NewError(collab.ErrInternal, opUsage, "query_failed", err)
	}
	return used, nil
}

// WorkspaceUsage returns the stored bytes and object count of a workspace.
func (store *Store) WorkspaceUsage(ctx context.Context, workspaceID collab.WorkspaceID) (int64, int64, error) {
	var usage struct {
		Total   int64
		Objects int64
	}
	if err := store.db.WithContext(ctx).Model(&CollabRecord{}).
		Select("COALESCE(SUM(size_bytes), 0) AS total, COUNT(*) AS objects").
		Where(queryWorkspace, workspaceID.String()).
		Scan(&usage).Error; err != nil {
		store.logError(opUsage, "workspace_query_failed", err, zap.String(fieldWorkspaceID, workspaceID.String()))
		return 0, 0, collab.NewError(collab.ErrInternal, opUsage, "workspace_query_failed", err)
	}
	return usage.Total, usage.Objects, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch collab.KindOf(err) {
	case collab.ErrDecode:
		return "decode_error"
	case collab.ErrValidation:
		return "validation_error"
	case collab.ErrCapacityExceeded:
		return "capacity_exceeded"
	case collab.ErrNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if store == nil || store.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	store.logger.Error("storage operation failed", allFields...)
}
