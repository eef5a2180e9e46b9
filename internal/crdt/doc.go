package crdt

import (
	"fmt"
	"sort"
)

// Doc is one replica. It is not safe for concurrent use; the owning actor serialises access.
type Doc struct {
	items   map[ID]Item
	sv      StateVector
	lamport uint64
}

// Applied records the effect of one ApplyUpdate call so it can be reverted.
type Applied struct {
	ids         []ID
	prevClocks  map[uint64]uint64
	prevLamport uint64
}

// Changed reports whether the update added any item.
func (applied Applied) Changed() bool {
	return len(applied.ids) > 0
}

// Count returns the number of items the update added.
func (applied Applied) Count() int {
	return len(applied.ids)
}

// NewDoc returns an empty replica.
func NewDoc() *Doc {
	return &Doc{items: make(map[ID]Item), sv: StateVector{}}
}

// LoadDoc builds a replica from an encoded full-state update.
func LoadDoc(snapshot []byte) (*Doc, error) {
	doc := NewDoc()
	if _, err := doc.ApplyUpdate(snapshot); err != nil {
		return nil, err
	}
	return doc, nil
}

// Len returns the number of items in the replica.
func (doc *Doc) Len() int {
	return len(doc.items)
}

// StateVector returns a copy of the replica's state vector.
func (doc *Doc) StateVector() StateVector {
	return doc.sv.Clone()
}

// ApplyUpdate merges an encoded update. Items already present are skipped, so applying the
// same update twice is a no-op. The update is validated as a whole before the replica is
// touched; a rejected update leaves the replica unchanged.
func (doc *Doc) ApplyUpdate(data []byte) (Applied, error) {
	items, err := DecodeUpdate(data)
	if err != nil {
		return Applied{}, err
	}
	return doc.applyItems(items)
}

func (doc *Doc) applyItems(items []Item) (Applied, error) {
	incoming := make(map[ID]Item, len(items))
	for _, item := range items {
		if err := item.validate(); err != nil {
			return Applied{}, err
		}
		if seen, ok := incoming[item.ID]; ok {
			if !seen.equal(item) {
				return Applied{}, fmt.Errorf("%w: %s repeated with different content", ErrConflictingItem, item.ID)
			}
			continue
		}
		if existing, ok := doc.items[item.ID]; ok {
			if !existing.equal(item) {
				return Applied{}, fmt.Errorf("%w: %s differs from stored item", ErrConflictingItem, item.ID)
			}
			continue
		}
		if doc.sv.Contains(item.ID) {
			return Applied{}, fmt.Errorf("%w: %s below state vector but unknown", ErrConflictingItem, item.ID)
		}
		incoming[item.ID] = item
	}
	if len(incoming) == 0 {
		return Applied{prevLamport: doc.lamport}, nil
	}

	byClient := make(map[uint64][]uint64)
	for id := range incoming {
		byClient[id.Client] = append(byClient[id.Client], id.Clock)
	}
	for client, clocks := range byClient {
		sort.Slice(clocks, func(i, j int) bool { return clocks[i] < clocks[j] })
		next := doc.sv.Get(client)
		for _, clock := range clocks {
			if clock != next {
				return Applied{}, fmt.Errorf("%w: client %d expected clock %d, got %d", ErrMissingDependency, client, next, clock)
			}
			next++
		}
	}

	lookup := func(id ID) (Item, bool) {
		if item, ok := doc.items[id]; ok {
			return item, true
		}
		item, ok := incoming[id]
		return item, ok
	}
	for _, item := range incoming {
		if item.Origin != nil {
			origin, ok := lookup(*item.Origin)
			if !ok {
				return Applied{}, fmt.Errorf("%w: %s origin %s", ErrMissingDependency, item.ID, *item.Origin)
			}
			if origin.Kind != KindArrayInsert || origin.Parent != item.Parent {
				return Applied{}, fmt.Errorf("%w: %s origin %s is not an element of %q", ErrInvalidItem, item.ID, *item.Origin, item.Parent)
			}
		}
		if item.Target != nil {
			target, ok := lookup(*item.Target)
			if !ok {
				return Applied{}, fmt.Errorf("%w: %s target %s", ErrMissingDependency, item.ID, *item.Target)
			}
			if target.Kind != KindArrayInsert {
				return Applied{}, fmt.Errorf("%w: %s target %s is not a sequence element", ErrInvalidItem, item.ID, *item.Target)
			}
		}
	}

	if err := checkOriginChains(incoming); err != nil {
		return Applied{}, err
	}
	if err := doc.checkLamport(incoming); err != nil {
		return Applied{}, err
	}

	applied := Applied{
		ids:         make([]ID, 0, len(incoming)),
		prevClocks:  make(map[uint64]uint64, len(byClient)),
		prevLamport: doc.lamport,
	}
	for client, clocks := range byClient {
		applied.prevClocks[client] = doc.sv[client]
		doc.sv[client] = clocks[len(clocks)-1] + 1
	}
	for id, item := range incoming {
		doc.items[id] = item
		applied.ids = append(applied.ids, id)
		if item.Lamport > doc.lamport {
			doc.lamport = item.Lamport
		}
	}
	return applied, nil
}

// checkOriginChains rejects inserts whose origin chain loops inside the update instead of
// reaching the start of the sequence or an item the replica already holds.
func checkOriginChains(incoming map[ID]Item) error {
	grounded := make(map[ID]bool, len(incoming))
	for id := range incoming {
		path := make(map[ID]struct{})
		current := id
		for !grounded[current] {
			item, ok := incoming[current]
			if !ok || item.Origin == nil {
				break
			}
			if _, seen := path[current]; seen {
				return fmt.Errorf("%w: origin cycle through %s", ErrInvalidItem, current)
			}
			path[current] = struct{}{}
			current = *item.Origin
		}
		for visited := range path {
			grounded[visited] = true
		}
	}
	return nil
}

// checkLamport bounds incoming Lamport timestamps. An honest author never exceeds the number
// of items it has seen, and every one of those is either held here or part of the update.
func (doc *Doc) checkLamport(incoming map[ID]Item) error {
	limit := uint64(len(doc.items)) + uint64(len(incoming))
	if doc.lamport > uint64(len(doc.items)) {
		limit = doc.lamport + uint64(len(incoming))
	}
	for id, item := range incoming {
		if item.Lamport > limit {
			return fmt.Errorf("%w: %s lamport %d exceeds %d", ErrInvalidItem, id, item.Lamport, limit)
		}
	}
	return nil
}

// Rollback reverts an Applied record. It must be the most recent change to the replica.
func (doc *Doc) Rollback(applied Applied) {
	for _, id := range applied.ids {
		delete(doc.items, id)
	}
	for client, clock := range applied.prevClocks {
		if clock == 0 {
			delete(doc.sv, client)
			continue
		}
		doc.sv[client] = clock
	}
	doc.lamport = applied.prevLamport
}

// EncodeStateAsUpdate returns exactly the items not covered by sv. A nil or empty vector
// yields the full document.
func (doc *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	missing := make([]Item, 0, len(doc.items))
	for id, item := range doc.items {
		if sv.Contains(id) {
			continue
		}
		missing = append(missing, item)
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].ID.Client != missing[j].ID.Client {
			return missing[i].ID.Client < missing[j].ID.Client
		}
		return missing[i].ID.Clock < missing[j].ID.Clock
	})
	return EncodeUpdate(missing)
}

// Snapshot encodes the whole replica.
func (doc *Doc) Snapshot() []byte {
	return doc.EncodeStateAsUpdate(nil)
}

// Clone returns an independent replica with the same content.
func (doc *Doc) Clone() *Doc {
	clone := &Doc{items: make(map[ID]Item, len(doc.items)), sv: doc.sv.Clone(), lamport: doc.lamport}
	for id, item := range doc.items {
		clone.items[id] = item
	}
	return clone
}
