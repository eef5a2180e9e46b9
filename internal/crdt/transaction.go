package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyTransaction indicates a commit without any operation.
var ErrEmptyTransaction = errors.New("crdt: empty transaction")

// Transaction accumulates local operations for one client and commits them as one update.
type Transaction struct {
	doc       *Doc
	client    uint64
	nextClock uint64
	lamport   uint64
	items     []Item
	tails     map[string]*ID
	err       error
}

// Begin starts a transaction that authors items as client.
func (doc *Doc) Begin(client uint64) *Transaction {
	return &Transaction{
		doc:       doc,
		client:    client,
		nextClock: doc.sv.Get(client),
		lamport:   doc.lamport,
		tails:     make(map[string]*ID),
	}
}

func (tx *Transaction) next(kind Kind) Item {
	tx.lamport++
	item := Item{ID: ID{Client: tx.client, Clock: tx.nextClock}, Lamport: tx.lamport, Kind: kind}
	tx.nextClock++
	return item
}

func (tx *Transaction) fail(err error) *Transaction {
	if tx.err == nil {
		tx.err = err
	}
	return tx
}

// Set writes value (JSON encoded) under key in the map at path.
func (tx *Transaction) Set(path, key string, value any) *Transaction {
	if tx.err != nil {
		return tx
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return tx.fail(fmt.Errorf("crdt: encode value for %s/%s: %w", path, key, err))
	}
	item := tx.next(KindMapSet)
	item.Parent = path
	item.Key = key
	item.Value = raw
	tx.items = append(tx.items, item)
	return tx
}

// Delete clears key in the map at path.
func (tx *Transaction) Delete(path, key string) *Transaction {
	if tx.err != nil {
		return tx
	}
	item := tx.next(KindMapDelete)
	item.Parent = path
	item.Key = key
	tx.items = append(tx.items, item)
	return tx
}

// Push appends value to the end of the named sequence.
func (tx *Transaction) Push(array string, value any) *Transaction {
	if tx.err != nil {
		return tx
	}
	tail, ok := tx.tails[array]
	if !ok {
		if order := tx.doc.arrayOrder(array); len(order) > 0 {
			last := order[len(order)-1].ID
			tail = &last
		}
	}
	id := tx.insert(array, tail, value)
	if tx.err == nil {
		tx.tails[array] = &id
	}
	return tx
}

// InsertAfter inserts value directly after origin; a nil origin inserts at the front.
func (tx *Transaction) InsertAfter(array string, origin *ID, value any) *Transaction {
	if tx.err != nil {
		return tx
	}
	tx.insert(array, origin, value)
	return tx
}

func (tx *Transaction) insert(array string, origin *ID, value any) ID {
	raw, err := json.Marshal(value)
	if err != nil {
		tx.fail(fmt.Errorf("crdt: encode element for %s: %w", array, err))
		return ID{}
	}
	item := tx.next(KindArrayInsert)
	item.Parent = array
	item.Value = raw
	if origin != nil {
		originCopy := *origin
		item.Origin = &originCopy
	}
	tx.items = append(tx.items, item)
	return item.ID
}

// Remove tombstones a sequence element.
func (tx *Transaction) Remove(target ID) *Transaction {
	if tx.err != nil {
		return tx
	}
	item := tx.next(KindArrayDelete)
	item.Target = &target
	tx.items = append(tx.items, item)
	return tx
}

// Commit applies the accumulated items to the replica and returns them as an encoded update.
func (tx *Transaction) Commit() ([]byte, error) {
	if tx.err != nil {
		return nil, tx.err
	}
	if len(tx.items) == 0 {
		return nil, ErrEmptyTransaction
	}
	if _, err := tx.doc.applyItems(tx.items); err != nil {
		return nil, err
	}
	return EncodeUpdate(tx.items), nil
}

// ElementIDs returns the identifiers of the visible elements of a sequence in order.
func (doc *Doc) ElementIDs(array string) []ID {
	order := doc.arrayOrder(array)
	ids := make([]ID, 0, len(order))
	for _, item := range order {
		ids = append(ids, item.ID)
	}
	return ids
}
