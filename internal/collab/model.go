// Package collab defines the synchronized object model shared by every layer of the engine.
package collab

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidObjectID indicates that an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("collab: invalid object id")
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("collab: invalid workspace id")
	// ErrUnknownCollabType indicates a collab type outside the supported set.
	ErrUnknownCollabType = errors.New("collab: unknown collab type")
)

// ObjectID represents a validated object identifier.
type ObjectID string

// NewObjectID validates raw input and returns an ObjectID.
func NewObjectID(rawInput string) (ObjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectID, maxIdentifierLength)
	}
	return ObjectID(trimmed), nil
}

// String returns the underlying identifier.
func (id ObjectID) String() string {
	return string(id)
}

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// CollabType enumerates the supported object kinds. The numeric values are wire values.
type CollabType int32

const (
	CollabTypeDocument          CollabType = 0
	CollabTypeDatabase          CollabType = 1
	CollabTypeWorkspaceDatabase CollabType = 2
	CollabTypeFolder            CollabType = 3
	CollabTypeDatabaseRow       CollabType = 4
	CollabTypeUserAwareness     CollabType = 5
)

var collabTypeNames = map[CollabType]string{
	CollabTypeDocument:          "document",
	CollabTypeDatabase:          "database",
	CollabTypeWorkspaceDatabase: "workspace_database",
	CollabTypeFolder:            "folder",
	CollabTypeDatabaseRow:       "database_row",
	CollabTypeUserAwareness:     "user_awareness",
}

// NewCollabType validates a wire value.
func NewCollabType(value int64) (CollabType, error) {
	collabType := CollabType(value)
	if int64(collabType) != value {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCollabType, value)
	}
	if _, ok := collabTypeNames[collabType]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCollabType, value)
	}
	return collabType, nil
}

// ParseCollabType resolves a collab type from its name.
func ParseCollabType(name string) (CollabType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for collabType, candidate := range collabTypeNames {
		if candidate == normalized {
			return collabType, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCollabType, name)
}

// String returns the collab type name.
func (t CollabType) String() string {
	if name, ok := collabTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// Valid reports whether the value belongs to the supported set.
func (t CollabType) Valid() bool {
	_, ok := collabTypeNames[t]
	return ok
}

// Indexable reports whether writes of this type produce search index tasks.
func (t CollabType) Indexable() bool {
	return t == CollabTypeDocument
}

// PendingIndexTask is queued after a successful document write.
type PendingIndexTask struct {
	WorkspaceID WorkspaceID
	ObjectID    ObjectID
	CollabType  CollabType
	Text        string
}
