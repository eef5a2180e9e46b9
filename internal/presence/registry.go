package presence

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"go.uber.org/zap"
)

const (
	opRegister   = "presence.register"
	opUnregister = "presence.unregister"
	opLookup     = "presence.lookup"
	defaultShard = 32
)

// Sink delivers server messages to one live connection. Deliver must not block; it reports
// false when the message was dropped. Close must be idempotent.
type Sink interface {
	Deliver(message protocol.Message) bool
	Close()
}

// Session is a registered realtime user and its outbound sink.
type Session struct {
	User RealtimeUser
	Sink Sink
}

// TeardownHook runs after a session leaves the registry, either explicitly or by eviction.
type TeardownHook func(session Session)

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

type deviceShard struct {
	mu      sync.Mutex
	devices map[string]string
}

// Registry is the process-wide session table. Lock order is device shard, then session shard.
type Registry struct {
	sessionShards []*sessionShard
	deviceShards  []*deviceShard
	hooksMu       sync.RWMutex
	hooks         []TeardownHook
	logger        *zap.Logger
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Shards int
	Logger *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	shards := cfg.Shards
	if shards <= 0 {
		shards = defaultShard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		sessionShards: make([]*sessionShard, shards),
		deviceShards:  make([]*deviceShard, shards),
		logger:        logger,
	}
	for index := 0; index < shards; index++ {
		registry.sessionShards[index] = &sessionShard{sessions: make(map[string]Session)}
		registry.deviceShards[index] = &deviceShard{devices: make(map[string]string)}
	}
	return registry
}

// OnTeardown adds a hook that runs whenever a session leaves the registry.
func (registry *Registry) OnTeardown(hook TeardownHook) {
	registry.hooksMu.Lock()
	registry.hooks = append(registry.hooks, hook)
	registry.hooksMu.Unlock()
}

func shardIndex(key string, count int) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(count))
}

func (registry *Registry) sessionShardFor(sessionID string) *sessionShard {
	return registry.sessionShards[shardIndex(sessionID, len(registry.sessionShards))]
}

func (registry *Registry) deviceShardFor(userDevice string) *deviceShard {
	return registry.deviceShards[shardIndex(userDevice, len(registry.deviceShards))]
}

// Register adds user with its sink. A prior session of the same device is evicted: its sink
// is closed and the teardown hooks run for it. The evicted session is returned, if any.
func (registry *Registry) Register(user RealtimeUser, sink Sink) (string, *Session, error) {
	if user.UID <= 0 || user.DeviceID == "" || user.SessionID == "" {
		return "", nil, collab.NewError(collab.ErrValidation, opRegister, "invalid_user", fmt.Errorf("%w: %+v", ErrInvalidUser, user))
	}
	session := Session{User: user, Sink: sink}
	key := user.UserDevice()

	devices := registry.deviceShardFor(key)
	devices.mu.Lock()
	sessions := registry.sessionShardFor(user.SessionID)
	sessions.mu.Lock()
	if _, exists := sessions.sessions[user.SessionID]; exists {
		sessions.mu.Unlock()
		devices.mu.Unlock()
		return "", nil, collab.NewError(collab.ErrValidation, opRegister, "duplicate_session", ErrSessionExists)
	}
	sessions.sessions[user.SessionID] = session
	sessions.mu.Unlock()

	var evicted *Session
	if previousID, ok := devices.devices[key]; ok && previousID != user.SessionID {
		previousShard := registry.sessionShardFor(previousID)
		previousShard.mu.Lock()
		if previous, found := previousShard.sessions[previousID]; found {
			delete(previousShard.sessions, previousID)
			evicted = &previous
		}
		previousShard.mu.Unlock()
	}
	devices.devices[key] = user.SessionID
	devices.mu.Unlock()

	if evicted == nil {
		metrics.PresenceSessions.Inc()
	} else {
		registry.logger.Info("realtime session replaced",
			zap.Int64("uid", user.UID),
			zap.String("device_id", user.DeviceID),
			zap.String("evicted_session_id", evicted.User.SessionID),
			zap.String("session_id", user.SessionID))
		registry.teardown(*evicted)
	}
	return user.SessionID, evicted, nil
}

// Unregister removes a session and runs the teardown hooks.
func (registry *Registry) Unregister(sessionID string) error {
	session, err := registry.Lookup(sessionID)
	if err != nil {
		return collab.NewError(collab.ErrNotFound, opUnregister, "unknown_session", ErrUnknownSession)
	}
	key := session.User.UserDevice()

	devices := registry.deviceShardFor(key)
	devices.mu.Lock()
	sessions := registry.sessionShardFor(sessionID)
	sessions.mu.Lock()
	_, stillPresent := sessions.sessions[sessionID]
	if stillPresent {
		delete(sessions.sessions, sessionID)
	}
	sessions.mu.Unlock()
	if devices.devices[key] == sessionID {
		delete(devices.devices, key)
	}
	devices.mu.Unlock()

	if !stillPresent {
		return collab.NewError(collab.ErrNotFound, opUnregister, "unknown_session", ErrUnknownSession)
	}
	metrics.PresenceSessions.Dec()
	registry.teardown(session)
	return nil
}

func (registry *Registry) teardown(session Session) {
	if session.Sink != nil {
		session.Sink.Close()
	}
	registry.hooksMu.RLock()
	hooks := append([]TeardownHook(nil), registry.hooks...)
	registry.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(session)
	}
}

// Lookup returns the session registered under sessionID.
func (registry *Registry) Lookup(sessionID string) (Session, error) {
	sessions := registry.sessionShardFor(sessionID)
	sessions.mu.RLock()
	session, ok := sessions.sessions[sessionID]
	sessions.mu.RUnlock()
	if !ok {
		return Session{}, collab.NewError(collab.ErrNotFound, opLookup, "unknown_session", ErrUnknownSession)
	}
	return session, nil
}

// LookupDevice returns the live session of a user's device.
func (registry *Registry) LookupDevice(uid int64, deviceID string) (Session, error) {
	key := UserDeviceKey(uid, deviceID)
	devices := registry.deviceShardFor(key)
	devices.mu.Lock()
	sessionID, ok := devices.devices[key]
	devices.mu.Unlock()
	if !ok {
		return Session{}, collab.NewError(collab.ErrNotFound, opLookup, "unknown_device", ErrUnknownSession)
	}
	return registry.Lookup(sessionID)
}

// SessionsForUser returns every live session of uid.
func (registry *Registry) SessionsForUser(uid int64) ([]Session, error) {
	var result []Session
	for _, shard := range registry.sessionShards {
		shard.mu.RLock()
		for _, session := range shard.sessions {
			if session.User.UID == uid {
				result = append(result, session)
			}
		}
		shard.mu.RUnlock()
	}
	if len(result) == 0 {
		return nil, collab.NewError(collab.ErrNotFound, opLookup, "unknown_user", ErrUnknownSession)
	}
	return result, nil
}

// Sink returns the outbound sink of a live session.
func (registry *Registry) Sink(sessionID string) (Sink, bool) {
	session, err := registry.Lookup(sessionID)
	if err != nil || session.Sink == nil {
		return nil, false
	}
	return session.Sink, true
}

// Count returns the number of registered sessions.
func (registry *Registry) Count() int {
	total := 0
	for _, shard := range registry.sessionShards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}
