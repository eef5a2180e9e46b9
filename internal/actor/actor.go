// Package actor owns the in-memory replica of one object. Every read and mutation of the
// replica runs on the actor goroutine, fed by a bounded mailbox.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/presence"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultMailboxSize    = 64
	defaultPersistTimeout = 30 * time.Second
)

var (
	// ErrStopped indicates a request offered to an actor that has already stopped.
	ErrStopped = errors.New("actor: stopped")
	// ErrMailboxFull indicates a saturated mailbox.
	ErrMailboxFull = errors.New("actor: mailbox full")

	errTypeMismatch = errors.New("collab type does not match the live object")
	errPanic        = errors.New("actor: recovered panic")
)

// Store is the durable side of an actor.
type Store interface {
	Load(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) (storage.Stored, error)
	Persist(ctx context.Context, params storage.PersistParams) error
	Delete(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) error
}

// SinkLookup resolves a session id to its live outbound sink.
type SinkLookup interface {
	Sink(sessionID string) (presence.Sink, bool)
}

// Config configures an Actor.
type Config struct {
	WorkspaceID    collab.WorkspaceID
	ObjectID       collab.ObjectID
	Store          Store
	Sinks          SinkLookup
	Codec          *envelope.Codec
	MailboxSize    int
	PersistTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

type request struct {
	run  func(ctx context.Context)
	fail func(err error)
}

// Actor serializes all operations on one object.
type Actor struct {
	workspaceID    collab.WorkspaceID
	objectID       collab.ObjectID
	store          Store
	sinks          SinkLookup
	codec          *envelope.Codec
	persistTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	mu      sync.RWMutex
	stopped bool
	mailbox chan request
	done    chan struct{}

	lastActive  atomic.Int64
	subscribers atomic.Int64

	// Owned by the actor goroutine.
	replica replica
}

// New builds an Actor. Call Start to run it.
func New(cfg Config) *Actor {
	size := cfg.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	actor := &Actor{
		workspaceID:    cfg.WorkspaceID,
		objectID:       cfg.ObjectID,
		store:          cfg.Store,
		sinks:          cfg.Sinks,
		codec:          cfg.Codec,
		persistTimeout: timeout,
		clock:          clock,
		logger: logger.With(
			zap.String("workspace_id", cfg.WorkspaceID.String()),
			zap.String("object_id", cfg.ObjectID.String()),
		),
		mailbox: make(chan request, size),
		done:    make(chan struct{}),
		replica: newReplica(),
	}
	actor.touch()
	return actor
}

// WorkspaceID returns the workspace that owns the object.
func (actor *Actor) WorkspaceID() collab.WorkspaceID {
	return actor.workspaceID
}

// ObjectID returns the object served by the actor.
func (actor *Actor) ObjectID() collab.ObjectID {
	return actor.objectID
}

// Start runs the actor goroutine.
func (actor *Actor) Start() {
	go actor.loop()
}

func (actor *Actor) loop() {
	defer close(actor.done)
	for req := range actor.mailbox {
		actor.handle(req)
		actor.touch()
	}
}

func (actor *Actor) handle(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), actor.persistTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.ActorPanics.Inc()
			actor.logger.Error("actor recovered from panic", zap.Any("panic", recovered))
			// Drop the replica so the next request reloads durable state.
			actor.replica.reset()
			req.fail(collab.NewError(collab.ErrInternal, "actor.handle", "panic", fmt.Errorf("%w: %v", errPanic, recovered)))
		}
	}()
	req.run(ctx)
}

// Stop closes the mailbox. Requests already queued still run; Stop waits for them.
func (actor *Actor) Stop() {
	actor.mu.Lock()
	if actor.stopped {
		actor.mu.Unlock()
		<-actor.done
		return
	}
	actor.stopped = true
	close(actor.mailbox)
	actor.mu.Unlock()
	<-actor.done
}

// Done is closed once the actor goroutine has drained its mailbox and exited.
func (actor *Actor) Done() <-chan struct{} {
	return actor.done
}

// Stopped reports whether Stop was called.
func (actor *Actor) Stopped() bool {
	actor.mu.RLock()
	defer actor.mu.RUnlock()
	return actor.stopped
}

// Idle reports whether the actor has no subscribers, no queued work and no activity since
// now minus timeout.
func (actor *Actor) Idle(now time.Time, timeout time.Duration) bool {
	if actor.subscribers.Load() > 0 || len(actor.mailbox) > 0 {
		return false
	}
	return now.Sub(time.Unix(0, actor.lastActive.Load())) >= timeout
}

// Subscribers returns the number of subscribed sessions.
func (actor *Actor) Subscribers() int {
	return int(actor.subscribers.Load())
}

func (actor *Actor) touch() {
	actor.lastActive.Store(actor.clock().UnixNano())
}

// enqueue offers req without blocking.
func (actor *Actor) enqueue(req request) error {
	actor.mu.RLock()
	defer actor.mu.RUnlock()
	if actor.stopped {
		return collab.NewError(collab.ErrBusy, "actor.enqueue", "stopped", ErrStopped)
	}
	select {
	case actor.mailbox <- req:
		return nil
	default:
		metrics.BusyRejections.WithLabelValues("mailbox").Inc()
		return collab.NewError(collab.ErrBusy, "actor.enqueue", "mailbox_full", ErrMailboxFull)
	}
}

type reply[T any] struct {
	value T
	err   error
}

// call runs fn on the actor goroutine and waits for its reply. Once queued, fn runs to
// completion even when ctx ends first.
func call[T any](ctx context.Context, actor *Actor, fn func(ctx context.Context) (T, error)) (T, error) {
	replies := make(chan reply[T], 1)
	err := actor.enqueue(request{
		run: func(ctx context.Context) {
			value, err := fn(ctx)
			replies <- reply[T]{value: value, err: err}
		},
		fail: func(err error) {
			select {
			case replies <- reply[T]{err: err}:
			default:
			}
		},
	})
	if err != nil {
		var zero T
		return zero, err
	}
	select {
	case result := <-replies:
		return result.value, result.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// cast runs fn on the actor goroutine without waiting.
func cast(actor *Actor, fn func(ctx context.Context)) error {
	return actor.enqueue(request{run: fn, fail: func(error) {}})
}
