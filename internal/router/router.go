// Package router maps objects to their live actors. It spawns actors on first use, evicts
// idle ones and rejects work with Busy instead of queueing without bound.
package router

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/actor"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultShards        = 32
	defaultIdleTimeout   = 10 * time.Minute
	defaultSweepInterval = time.Minute
	opRoute              = "router.route"
	spawnAttempts        = 2
)

var (
	// ErrClosed indicates a router that no longer accepts work.
	ErrClosed = errors.New("router: closed")
	// ErrBudgetExhausted indicates that the in-flight request budget is spent.
	ErrBudgetExhausted = errors.New("router: in-flight budget exhausted")

	errForeignWorkspace = errors.New("object is owned by another workspace")
)

// Config configures a Router.
type Config struct {
	Store          actor.Store
	Sinks          actor.SinkLookup
	Codec          *envelope.Codec
	Shards         int
	MailboxSize    int
	MaxInFlight    int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	PersistTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

type shard struct {
	mu     sync.Mutex
	actors map[collab.ObjectID]*actor.Actor
	// stopping holds actors draining their mailbox. No replacement is spawned until they exit.
	stopping map[collab.ObjectID]*actor.Actor
}

// retire moves live from the routing table to the stopping table. The caller holds mu.
func (target *shard) retire(objectID collab.ObjectID, live *actor.Actor) {
	delete(target.actors, objectID)
	target.stopping[objectID] = live
	metrics.ActiveActors.Dec()
}

func (target *shard) release(objectID collab.ObjectID, stopped *actor.Actor) {
	target.mu.Lock()
	defer target.mu.Unlock()
	if current, ok := target.stopping[objectID]; ok && current == stopped {
		delete(target.stopping, objectID)
	}
}

// Router routes requests to per-object actors.
type Router struct {
	cfg    Config
	shards []*shard
	budget chan struct{}
	clock  func() time.Time
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	sweeper   sync.WaitGroup
}

// New builds a Router and starts its idle sweeper.
func New(cfg Config) *Router {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = runtime.GOMAXPROCS(0) * 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := &Router{
		cfg:    cfg,
		shards: make([]*shard, shardCount),
		budget: make(chan struct{}, maxInFlight),
		clock:  clock,
		logger: logger,
		closed: make(chan struct{}),
	}
	for index := range router.shards {
		router.shards[index] = &shard{
			actors:   make(map[collab.ObjectID]*actor.Actor),
			stopping: make(map[collab.ObjectID]*actor.Actor),
		}
	}
	router.sweeper.Add(1)
	go router.sweep()
	return router
}

func (router *Router) shardFor(objectID collab.ObjectID) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(objectID))
	return router.shards[int(hasher.Sum32()%uint32(len(router.shards)))]
}

func (router *Router) isClosed() bool {
	select {
	case <-router.closed:
		return true
	default:
		return false
	}
}

// acquire takes one slot of the in-flight budget without blocking.
func (router *Router) acquire() (func(), error) {
	if router.isClosed() {
		return nil, collab.NewError(collab.ErrBusy, opRoute, "closed", ErrClosed)
	}
	select {
	case router.budget <- struct{}{}:
		return func() { <-router.budget }, nil
	default:
		metrics.BusyRejections.WithLabelValues("router").Inc()
		return nil, collab.NewError(collab.ErrBusy, opRoute, "budget_exhausted", ErrBudgetExhausted)
	}
}

// actorFor returns the live actor of objectID, spawning one when absent. While a previous
// actor of the object is still draining, it waits for that actor to exit first.
func (router *Router) actorFor(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) (*actor.Actor, error) {
	target := router.shardFor(objectID)
	for {
		live, draining, err := router.lookupOrSpawn(target, workspaceID, objectID)
		if err != nil || live != nil {
			return live, err
		}
		select {
		case <-draining.Done():
			target.release(objectID, draining)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (router *Router) lookupOrSpawn(target *shard, workspaceID collab.WorkspaceID, objectID collab.ObjectID) (*actor.Actor, *actor.Actor, error) {
	target.mu.Lock()
	defer target.mu.Unlock()
	if router.isClosed() {
		return nil, nil, collab.NewError(collab.ErrBusy, opRoute, "closed", ErrClosed)
	}
	if live, ok := target.actors[objectID]; ok {
		if live.WorkspaceID() != workspaceID {
			return nil, nil, collab.NewError(collab.ErrNotFound, opRoute, "workspace_mismatch", errForeignWorkspace)
		}
		return live, nil, nil
	}
	if draining, ok := target.stopping[objectID]; ok {
		return nil, draining, nil
	}
	spawned := actor.New(actor.Config{
		WorkspaceID:    workspaceID,
		ObjectID:       objectID,
		Store:          router.cfg.Store,
		Sinks:          router.cfg.Sinks,
		Codec:          router.cfg.Codec,
		MailboxSize:    router.cfg.MailboxSize,
		PersistTimeout: router.cfg.PersistTimeout,
		Clock:          router.clock,
		Logger:         router.logger,
	})
	spawned.Start()
	target.actors[objectID] = spawned
	metrics.ActiveActors.Inc()
	return spawned, nil, nil
}

// retireIf retires stale if it is still the registered actor of objectID.
func (router *Router) retireIf(objectID collab.ObjectID, stale *actor.Actor) bool {
	target := router.shardFor(objectID)
	target.mu.Lock()
	defer target.mu.Unlock()
	if current, ok := target.actors[objectID]; ok && current == stale {
		target.retire(objectID, stale)
		return true
	}
	return false
}

// stop drains a retired actor and clears its stopping entry.
func (router *Router) stop(objectID collab.ObjectID, retired *actor.Actor) {
	retired.Stop()
	router.shardFor(objectID).release(objectID, retired)
}

// dispatch admits one request and hands it to the object's actor. A request that races
// with an eviction is retried once on a fresh actor.
func dispatch[T any](ctx context.Context, router *Router, workspaceID collab.WorkspaceID, objectID collab.ObjectID, fn func(*actor.Actor) (T, error)) (T, error) {
	var zero T
	release, err := router.acquire()
	if err != nil {
		return zero, err
	}
	defer release()
	for attempt := 0; attempt < spawnAttempts; attempt++ {
		target, err := router.actorFor(ctx, workspaceID, objectID)
		if err != nil {
			return zero, err
		}
		value, err := fn(target)
		if errors.Is(err, actor.ErrStopped) {
			continue
		}
		if errors.Is(err, storage.ErrWorkspaceMismatch) {
			// The spawned actor can never load its object; release the slot for the owner.
			if router.retireIf(objectID, target) {
				go router.stop(objectID, target)
			}
		}
		return value, err
	}
	return zero, collab.NewError(collab.ErrBusy, opRoute, "actor_stopped", actor.ErrStopped)
}

// ApplyUpdate routes an update to its object.
func (router *Router) ApplyUpdate(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.UpdateRequest) (actor.UpdateResult, error) {
	return dispatch(ctx, router, workspaceID, objectID, func(target *actor.Actor) (actor.UpdateResult, error) {
		return target.ApplyUpdate(ctx, req)
	})
}

// FullSync routes a full-sync request to its object.
func (router *Router) FullSync(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.FullSyncRequest) (*collab.EncodedCollab, error) {
	return dispatch(ctx, router, workspaceID, objectID, func(target *actor.Actor) (*collab.EncodedCollab, error) {
		return target.FullSync(ctx, req)
	})
}

// Subscribe attaches a session to an object.
func (router *Router) Subscribe(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.SubscribeRequest) (actor.SubscribeResult, error) {
	return dispatch(ctx, router, workspaceID, objectID, func(target *actor.Actor) (actor.SubscribeResult, error) {
		return target.Subscribe(ctx, req)
	})
}

// Provision replaces an object's state through its actor.
func (router *Router) Provision(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID, req actor.ProvisionRequest) error {
	_, err := dispatch(ctx, router, workspaceID, objectID, func(target *actor.Actor) (struct{}, error) {
		return struct{}{}, target.Provision(ctx, req)
	})
	return err
}

// Delete removes an object through its actor, so no queued merge can write it back.
func (router *Router) Delete(ctx context.Context, workspaceID collab.WorkspaceID, objectID collab.ObjectID) error {
	_, err := dispatch(ctx, router, workspaceID, objectID, func(target *actor.Actor) (struct{}, error) {
		return struct{}{}, target.Delete(ctx)
	})
	return err
}

// Awareness relays an awareness payload. Objects without a live actor have no subscribers
// and the payload is dropped.
func (router *Router) Awareness(workspaceID collab.WorkspaceID, objectID collab.ObjectID, sessionID string, collabType collab.CollabType, payload []byte) error {
	live, err := router.live(workspaceID, objectID)
	if err != nil || live == nil {
		return err
	}
	return live.Awareness(sessionID, collabType, payload)
}

// Unsubscribe detaches a session from one object.
func (router *Router) Unsubscribe(workspaceID collab.WorkspaceID, objectID collab.ObjectID, sessionID string) error {
	live, err := router.live(workspaceID, objectID)
	if err != nil || live == nil {
		return err
	}
	return live.Unsubscribe(sessionID)
}

// UnsubscribeSession detaches a session from every live actor. Actors whose mailbox is full
// drop the session lazily on their next broadcast.
func (router *Router) UnsubscribeSession(sessionID string) {
	for _, live := range router.snapshot() {
		if live.Subscribers() == 0 {
			continue
		}
		_ = live.Unsubscribe(sessionID)
	}
}

func (router *Router) live(workspaceID collab.WorkspaceID, objectID collab.ObjectID) (*actor.Actor, error) {
	target := router.shardFor(objectID)
	target.mu.Lock()
	defer target.mu.Unlock()
	live, ok := target.actors[objectID]
	if !ok {
		return nil, nil
	}
	if live.WorkspaceID() != workspaceID {
		return nil, collab.NewError(collab.ErrNotFound, opRoute, "workspace_mismatch", errForeignWorkspace)
	}
	return live, nil
}

// Evict stops the actor of objectID after its queued work completes. Requests for the object
// wait until it has exited before a new actor is spawned.
func (router *Router) Evict(workspaceID collab.WorkspaceID, objectID collab.ObjectID) error {
	live, err := router.live(workspaceID, objectID)
	if err != nil || live == nil {
		return err
	}
	if router.retireIf(objectID, live) {
		metrics.ActorEvictions.WithLabelValues("explicit").Inc()
		router.stop(objectID, live)
	}
	return nil
}

// ActiveActors returns the number of live actors.
func (router *Router) ActiveActors() int {
	total := 0
	for _, target := range router.shards {
		target.mu.Lock()
		total += len(target.actors)
		target.mu.Unlock()
	}
	return total
}

func (router *Router) snapshot() []*actor.Actor {
	var actors []*actor.Actor
	for _, target := range router.shards {
		target.mu.Lock()
		for _, live := range target.actors {
			actors = append(actors, live)
		}
		target.mu.Unlock()
	}
	return actors
}

func (router *Router) sweep() {
	defer router.sweeper.Done()
	ticker := time.NewTicker(router.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-router.closed:
			return
		case <-ticker.C:
			router.EvictIdle(router.clock())
		}
	}
}

// EvictIdle stops every actor idle since now minus the idle timeout and returns how many
// were stopped.
func (router *Router) EvictIdle(now time.Time) int {
	var idle []*actor.Actor
	for _, target := range router.shards {
		target.mu.Lock()
		for objectID, live := range target.actors {
			if live.Idle(now, router.cfg.IdleTimeout) {
				target.retire(objectID, live)
				idle = append(idle, live)
			}
		}
		target.mu.Unlock()
	}
	for _, live := range idle {
		metrics.ActorEvictions.WithLabelValues("idle").Inc()
		router.stop(live.ObjectID(), live)
	}
	if len(idle) > 0 {
		router.logger.Debug("idle actors evicted", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Close stops admitting work, stops the sweeper and drains every actor.
func (router *Router) Close() {
	router.closeOnce.Do(func() {
		for _, target := range router.shards {
			target.mu.Lock()
		}
		close(router.closed)
		for _, target := range router.shards {
			target.mu.Unlock()
		}
		router.sweeper.Wait()
		var wg sync.WaitGroup
		for _, target := range router.shards {
			target.mu.Lock()
			for objectID, live := range target.actors {
				delete(target.actors, objectID)
				metrics.ActiveActors.Dec()
				wg.Add(1)
				go func(live *actor.Actor) {
					defer wg.Done()
					live.Stop()
				}(live)
			}
			for _, draining := range target.stopping {
				wg.Add(1)
				go func(draining *actor.Actor) {
					defer wg.Done()
					<-draining.Done()
				}(draining)
			}
			target.mu.Unlock()
		}
		wg.Wait()
	})
}
