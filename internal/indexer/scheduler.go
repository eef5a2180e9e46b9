// Package indexer hands pending search index tasks to the external indexing collaborator.
// Submission is fire-and-forget: a full queue drops the task and failures are only logged.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultQueueCapacity = 256
	defaultSubmitTimeout = 10 * time.Second
)

// Sink consumes batches of pending index tasks.
type Sink interface {
	Submit(ctx context.Context, tasks []collab.PendingIndexTask) error
}

// PendingIndexRecord is the durable hand-off row read by the indexing service.
type PendingIndexRecord struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index"`
	ObjectID         string `gorm:"column:object_id;size:190;not null;index"`
	CollabType       int32  `gorm:"column:collab_type;not null"`
	Text             string `gorm:"column:text;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingIndexRecord) TableName() string {
	return "pending_index_tasks"
}

// GormSink appends tasks to the pending_index_tasks table.
type GormSink struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormSink builds a GormSink.
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db, clock: time.Now}
}

// Submit inserts tasks in one statement.
func (sink *GormSink) Submit(ctx context.Context, tasks []collab.PendingIndexTask) error {
	if len(tasks) == 0 {
		return nil
	}
	createdAt := sink.clock().UTC().Unix()
	records := make([]PendingIndexRecord, 0, len(tasks))
	for _, task := range tasks {
		records = append(records, PendingIndexRecord{
			WorkspaceID:      task.WorkspaceID.String(),
			ObjectID:         task.ObjectID.String(),
			CollabType:       int32(task.CollabType),
			Text:             task.Text,
			CreatedAtSeconds: createdAt,
		})
	}
	return sink.db.WithContext(ctx).Create(&records).Error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Sink          Sink
	QueueCapacity int
	SubmitTimeout time.Duration
	Logger        *zap.Logger
}

// Scheduler buffers task batches in a bounded queue drained by one worker.
type Scheduler struct {
	sink    Sink
	queue   chan []collab.PendingIndexTask
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewScheduler builds a Scheduler. Call Start to begin draining.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sink:    cfg.Sink,
		queue:   make(chan []collab.PendingIndexTask, capacity),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs the drain loop until Close is called or ctx ends.
func (scheduler *Scheduler) Start(ctx context.Context) {
	scheduler.mu.Lock()
	if scheduler.started || scheduler.closed {
		scheduler.mu.Unlock()
		return
	}
	scheduler.started = true
	scheduler.mu.Unlock()
	go func() {
		defer close(scheduler.done)
		for {
			select {
			case batch, ok := <-scheduler.queue:
				if !ok {
					return
				}
				scheduler.submit(batch)
			case <-ctx.Done():
				scheduler.drain()
				return
			}
		}
	}()
}

func (scheduler *Scheduler) drain() {
	for {
		select {
		case batch, ok := <-scheduler.queue:
			if !ok {
				return
			}
			scheduler.submit(batch)
		default:
			return
		}
	}
}

func (scheduler *Scheduler) submit(batch []collab.PendingIndexTask) {
	if scheduler.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), scheduler.timeout)
	defer cancel()
	if err := scheduler.sink.Submit(ctx, batch); err != nil {
		metrics.IndexTasks.WithLabelValues("failed").Add(float64(len(batch)))
		scheduler.logger.Warn("index task submission failed", zap.Int("tasks", len(batch)), zap.Error(err))
		return
	}
	metrics.IndexTasks.WithLabelValues("submitted").Add(float64(len(batch)))
}

// TryEnqueue queues one task without blocking.
func (scheduler *Scheduler) TryEnqueue(task collab.PendingIndexTask) bool {
	return scheduler.TryEnqueueBatch([]collab.PendingIndexTask{task})
}

// TryEnqueueBatch queues tasks as one submission without blocking. A full queue drops the
// batch.
func (scheduler *Scheduler) TryEnqueueBatch(tasks []collab.PendingIndexTask) bool {
	if scheduler == nil || len(tasks) == 0 {
		return false
	}
	scheduler.mu.RLock()
	defer scheduler.mu.RUnlock()
	if scheduler.closed {
		return false
	}
	select {
	case scheduler.queue <- tasks:
		return true
	default:
		metrics.IndexTasks.WithLabelValues("dropped").Add(float64(len(tasks)))
		scheduler.logger.Warn("index queue full, dropping tasks", zap.Int("tasks", len(tasks)))
		return false
	}
}

// Depth returns the number of queued batches.
func (scheduler *Scheduler) Depth() int {
	return len(scheduler.queue)
}

// Close stops accepting tasks and waits for queued batches to be submitted.
func (scheduler *Scheduler) Close() {
	scheduler.mu.Lock()
	if scheduler.closed {
		scheduler.mu.Unlock()
		return
	}
	scheduler.closed = true
	close(scheduler.queue)
	started := scheduler.started
	scheduler.mu.Unlock()
	if started {
		<-scheduler.done
	}
}
