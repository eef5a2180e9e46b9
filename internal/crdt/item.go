// Package crdt implements the replicated document engine used by the document actors.
//
// A document is a set of immutable items. Merging two replicas is set union and every
// observable value is computed from the item set alone, so merge is idempotent,
// commutative and associative. A state vector summarises which items a replica holds and
// drives minimal diff computation between replicas.
package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedStateVector indicates that a state vector payload could not be decoded.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
	// ErrUnsupportedVersion indicates an encoding version this engine does not understand.
	ErrUnsupportedVersion = errors.New("crdt: unsupported encoding version")
	// ErrInvalidItem indicates that an item violates its structural rules.
	ErrInvalidItem = errors.New("crdt: invalid item")
	// ErrConflictingItem indicates two different items claiming the same identifier.
	ErrConflictingItem = errors.New("crdt: conflicting item")
	// ErrMissingDependency indicates an update that is not causally complete for this replica.
	ErrMissingDependency = errors.New("crdt: missing dependency")
)

// ID identifies an item: the replica that created it and that replica's logical clock.
type ID struct {
	Client uint64
	Clock  uint64
}

// String renders the identifier for logs.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// Kind enumerates the item operations.
type Kind uint8

const (
	// KindMapSet writes a value into a last-writer-wins map register.
	KindMapSet Kind = 1
	// KindMapDelete clears a map register.
	KindMapDelete Kind = 2
	// KindArrayInsert inserts a value into a sequence after its origin.
	KindArrayInsert Kind = 3
	// KindArrayDelete tombstones a previously inserted sequence element.
	KindArrayDelete Kind = 4
)

func (k Kind) valid() bool {
	return k >= KindMapSet && k <= KindArrayDelete
}

// PathSeparator separates nested map segments in an item parent path.
const PathSeparator = "/"

// Item is the unit of replication.
type Item struct {
	ID      ID
	Lamport uint64
	Kind    Kind
	// Parent is the map path ("document/blocks") for map items and the array name for
	// array inserts. It is unused for array deletes.
	Parent string
	Key    string
	Origin *ID
	Target *ID
	Value  []byte
}

func (item Item) validate() error {
	if !item.Kind.valid() {
		return fmt.Errorf("%w: %s: unknown kind %d", ErrInvalidItem, item.ID, item.Kind)
	}
	switch item.Kind {
	case KindMapSet, KindMapDelete:
		if !validPath(item.Parent) {
			return fmt.Errorf("%w: %s: invalid map path %q", ErrInvalidItem, item.ID, item.Parent)
		}
		if item.Key == "" {
			return fmt.Errorf("%w: %s: empty map key", ErrInvalidItem, item.ID)
		}
		if item.Origin != nil || item.Target != nil {
			return fmt.Errorf("%w: %s: map item with sequence references", ErrInvalidItem, item.ID)
		}
		if item.Kind == KindMapSet && !json.Valid(item.Value) {
			return fmt.Errorf("%w: %s: value is not json", ErrInvalidItem, item.ID)
		}
	case KindArrayInsert:
		if item.Parent == "" || strings.Contains(item.Parent, PathSeparator) {
			return fmt.Errorf("%w: %s: invalid array name %q", ErrInvalidItem, item.ID, item.Parent)
		}
		if item.Target != nil {
			return fmt.Errorf("%w: %s: insert with delete target", ErrInvalidItem, item.ID)
		}
		if !json.Valid(item.Value) {
			return fmt.Errorf("%w: %s: value is not json", ErrInvalidItem, item.ID)
		}
		if item.Origin != nil && *item.Origin == item.ID {
			return fmt.Errorf("%w: %s: insert after itself", ErrInvalidItem, item.ID)
		}
	case KindArrayDelete:
		if item.Target == nil {
			return fmt.Errorf("%w: %s: delete without target", ErrInvalidItem, item.ID)
		}
		if item.Origin != nil {
			return fmt.Errorf("%w: %s: delete with origin", ErrInvalidItem, item.ID)
		}
	}
	return nil
}

func (item Item) equal(other Item) bool {
	return item.ID == other.ID &&
		item.Lamport == other.Lamport &&
		item.Kind == other.Kind &&
		item.Parent == other.Parent &&
		item.Key == other.Key &&
		equalIDRef(item.Origin, other.Origin) &&
		equalIDRef(item.Target, other.Target) &&
		bytes.Equal(item.Value, other.Value)
}

// wins reports whether item takes precedence over other in a last-writer-wins register.
func (item Item) wins(other Item) bool {
	if item.Lamport != other.Lamport {
		return item.Lamport > other.Lamport
	}
	if item.ID.Client != other.ID.Client {
		return item.ID.Client > other.ID.Client
	}
	return item.ID.Clock > other.ID.Clock
}

func equalIDRef(a, b *ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func validPath(path string) bool {
	if path == "" {
		return false
	}
	for _, segment := range strings.Split(path, PathSeparator) {
		if segment == "" {
			return false
		}
	}
	return true
}
