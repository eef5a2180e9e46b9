package batch

import (
	"context"
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const opIngest = "batch.ingest"

// ErrNoValidItems indicates a batch in which every item was dropped.
var ErrNoValidItems = errors.New("batch: no valid items")

// Store prepares and inserts batch items.
type Store interface {
	Prepare(ctx context.Context, objectID collab.ObjectID, collabType collab.CollabType, encoded collab.EncodedCollab) (storage.Prepared, error)
	InsertBatch(ctx context.Context, uid int64, workspaceID collab.WorkspaceID, items []storage.Prepared) (storage.BatchResult, error)
}

// Config configures an Ingestor.
type Config struct {
	Store   Store
	Codec   *envelope.Codec
	Limits  envelope.Limits
	Workers int
	Logger  *zap.Logger
}

// Ingestor runs the batch pipeline.
type Ingestor struct {
	store   Store
	codec   *envelope.Codec
	limits  envelope.Limits
	workers int
	logger  *zap.Logger
}

// NewIngestor builds an Ingestor.
func NewIngestor(cfg Config) *Ingestor {
	limits := cfg.Limits
	if limits.MetadataFrame <= 0 || limits.DataFrame <= 0 {
		limits = envelope.DefaultLimits()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{store: cfg.Store, codec: cfg.Codec, limits: limits, workers: workers, logger: logger}
}

// Request is one batch upload.
type Request struct {
	UID         int64
	WorkspaceID collab.WorkspaceID
	// Compression applies to every payload frame.
	Compression envelope.Compression
	Body        io.Reader
}

// Result summarizes an ingested batch.
type Result struct {
	Inserted []collab.ObjectID
	Skipped  []collab.ObjectID
	Dropped  int
}

// Ingest reads, validates and stores a batch. Invalid items are dropped; the call fails only
// when the stream is malformed, nothing valid remains, or the write is rejected.
func (ingestor *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	frames, err := ReadFrames(req.Body, ingestor.limits)
	if err != nil {
		return Result{}, err
	}

	prepared := make([]*storage.Prepared, len(frames))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ingestor.workers)
	for index, frame := range frames {
		group.Go(func() error {
			item, err := ingestor.prepare(groupCtx, req.Compression, frame)
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				ingestor.logger.Debug("batch item dropped", zap.Int("index", index), zap.Error(err))
				return nil
			}
			prepared[index] = &item
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	valid := make([]storage.Prepared, 0, len(prepared))
	for _, item := range prepared {
		if item != nil {
			valid = append(valid, *item)
		}
	}
	dropped := len(frames) - len(valid)
	metrics.BatchFrames.WithLabelValues("dropped").Add(float64(dropped))
	if len(valid) == 0 {
		return Result{Dropped: dropped}, collab.NewError(collab.ErrValidation, opIngest, "no_valid_items", ErrNoValidItems)
	}

	inserted, err := ingestor.store.InsertBatch(ctx, req.UID, req.WorkspaceID, valid)
	if err != nil {
		return Result{Dropped: dropped}, err
	}
	metrics.BatchFrames.WithLabelValues("inserted").Add(float64(len(inserted.Inserted)))
	metrics.BatchFrames.WithLabelValues("skipped").Add(float64(len(inserted.Skipped)))
	ingestor.logger.Info("batch ingested",
		zap.String("workspace_id", req.WorkspaceID.String()),
		zap.Int("inserted", len(inserted.Inserted)),
		zap.Int("skipped", len(inserted.Skipped)),
		zap.Int("dropped", dropped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Result{Inserted: inserted.Inserted, Skipped: inserted.Skipped, Dropped: dropped}, nil
}

func (ingestor *Ingestor) prepare(ctx context.Context, compression envelope.Compression, frame Frame) (storage.Prepared, error) {
	objectID, collabType, err := ParseMetadata(frame.Metadata)
	if err != nil {
		return storage.Prepared{}, err
	}
	raw, err := ingestor.codec.Decompress(ctx, compression, frame.Payload)
	if err != nil {
		return storage.Prepared{}, err
	}
	encoded, err := collab.DecodeEncodedCollab(raw)
	if err != nil {
		return storage.Prepared{}, err
	}
	return ingestor.store.Prepare(ctx, objectID, collabType, encoded)
}
