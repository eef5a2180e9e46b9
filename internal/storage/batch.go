package storage

import (
	"context"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 100

// BatchResult reports the outcome of InsertBatch.
type BatchResult struct {
	Inserted []collab.ObjectID
	// Skipped lists objects that already existed and were left untouched.
	Skipped []collab.ObjectID
}

// InsertBatch creates the prepared objects in one transaction. Existing objects are skipped,
// never overwritten. The aggregate size of the new objects is checked against the plan
// limit before any row is written.
func (store *Store) InsertBatch(ctx context.Context, uid int64, workspaceID collab.WorkspaceID, items []Prepared) (BatchResult, error) {
	start := time.Now()
	result, err := store.insertBatch(ctx, uid, workspaceID, items)
	metrics.ObserveSince(metrics.PersistDuration.WithLabelValues(outcomeLabel(err)), start)
	if err != nil {
		return BatchResult{}, err
	}
	if store.index != nil {
		var tasks []collab.PendingIndexTask
		inserted := make(map[collab.ObjectID]struct{}, len(result.Inserted))
		for _, objectID := range result.Inserted {
			inserted[objectID] = struct{}{}
		}
		for _, item := range items {
			if _, ok := inserted[item.ObjectID]; !ok || !item.CollabType.Indexable() {
				continue
			}
			tasks = append(tasks, collab.PendingIndexTask{
				WorkspaceID: workspaceID,
				ObjectID:    item.ObjectID,
				CollabType:  item.CollabType,
				Text:        item.Text,
			})
		}
		if len(tasks) > 0 {
			store.index.TryEnqueueBatch(tasks)
		}
	}
	return result, nil
}

func (store *Store) insertBatch(ctx context.Context, uid int64, workspaceID collab.WorkspaceID, items []Prepared) (BatchResult, error) {
	fields := []zap.Field{
		zap.Int64(fieldUID, uid),
		zap.String(fieldWorkspaceID, workspaceID.String()),
		zap.Int("items", len(items)),
	}
	var result BatchResult
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		candidates := make([]Prepared, 0, len(items))
		seen := make(map[collab.ObjectID]struct{}, len(items))
		ids := make([]string, 0, len(items))
		for _, item := range items {
			if _, duplicate := seen[item.ObjectID]; duplicate {
				result.Skipped = append(result.Skipped, item.ObjectID)
				continue
			}
			if err := checkReservedID(workspaceID, item); err != nil {
				result.Skipped = append(result.Skipped, item.ObjectID)
				continue
			}
			seen[item.ObjectID] = struct{}{}
			candidates = append(candidates, item)
			ids = append(ids, item.ObjectID.String())
		}

		var existing []string
		if len(ids) > 0 {
			if err := transaction.Model(&CollabRecord{}).
				Where(queryObjectIn, ids).
				Pluck("object_id", &existing).Error; err != nil {
				store.logError(opInsertBatch, "lookup_failed", err, fields...)
				return collab.NewError(collab.ErrInternal, opInsertBatch, "lookup_failed", err)
			}
		}
		present := make(map[string]struct{}, len(existing))
		for _, objectID := range existing {
			present[objectID] = struct{}{}
		}

		now := store.clock().UTC().Unix()
		records := make([]CollabRecord, 0, len(candidates))
		var incoming int64
		for _, item := range candidates {
			if _, ok := present[item.ObjectID.String()]; ok {
				result.Skipped = append(result.Skipped, item.ObjectID)
				continue
			}
			records = append(records, newRecord(uid, workspaceID, item, now))
			result.Inserted = append(result.Inserted, item.ObjectID)
			incoming += item.Size()
		}
		if len(records) == 0 {
			return nil
		}

		limit, err := store.quota.LimitForUser(ctx, transaction, uid)
		if err != nil {
			store.logError(opInsertBatch, "limit_failed", err, fields...)
			return err
		}
		if !limit.Unlimited {
			var used int64
			if err := transaction.Model(&CollabRecord{}).
				Select(columnSizeSum).
				Where(queryOwner, uid).
				Scan(&used).Error; err != nil {
				store.logError(opInsertBatch, "usage_failed", err, fields...)
				return collab.NewError(collab.ErrInternal, opInsertBatch, "usage_failed", err)
			}
			if err := quota.EnsureCapacity(limit, used, incoming); err != nil {
				return err
			}
		}

		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&records, insertBatchSize).Error; err != nil {
			store.logError(opInsertBatch, "insert_failed", err, fields...)
			return collab.NewError(collab.ErrInternal, opInsertBatch, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}
