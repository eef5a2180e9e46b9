package crdt

import (
	"fmt"
	"sort"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/wire"
)

const stateVectorVersion = 1

// StateVector maps a client to the next clock this replica expects from it.
type StateVector map[uint64]uint64

// Get returns the next expected clock for client.
func (sv StateVector) Get(client uint64) uint64 {
	return sv[client]
}

// Contains reports whether the item identified by id is covered by the vector.
func (sv StateVector) Contains(id ID) bool {
	return id.Clock < sv[id.Client]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	clone := make(StateVector, len(sv))
	for client, clock := range sv {
		clone[client] = clock
	}
	return clone
}

// Equal reports whether both vectors describe the same replica content.
func (sv StateVector) Equal(other StateVector) bool {
	for client, clock := range sv {
		if clock != 0 && other[client] != clock {
			return false
		}
	}
	for client, clock := range other {
		if clock != 0 && sv[client] != clock {
			return false
		}
	}
	return true
}

// Dominates reports whether sv covers every item covered by other.
func (sv StateVector) Dominates(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the vector covers no items.
func (sv StateVector) IsEmpty() bool {
	for _, clock := range sv {
		if clock != 0 {
			return false
		}
	}
	return true
}

func (sv StateVector) sortedClients() []uint64 {
	clients := make([]uint64, 0, len(sv))
	for client, clock := range sv {
		if clock != 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// Encode serialises the vector. The encoding is deterministic.
func (sv StateVector) Encode() []byte {
	out := wire.AppendVarint(nil, 1, stateVectorVersion)
	for _, client := range sv.sortedClients() {
		entry := wire.AppendVarint(nil, 1, client)
		entry = wire.AppendVarint(entry, 2, sv[client])
		out = wire.AppendBytes(out, 2, entry)
	}
	return out
}

// DecodeStateVector parses an encoded vector. An empty payload is rejected; an encoded
// empty vector is accepted.
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedStateVector)
	}
	sv := StateVector{}
	var version uint64
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case 1:
			version = field.Varint
		case 2:
			var client, clock uint64
			if err := wire.Walk(field.Bytes, func(entry wire.Field) error {
				switch entry.Number {
				case 1:
					client = entry.Varint
				case 2:
					clock = entry.Varint
				}
				return nil
			}); err != nil {
				return err
			}
			if clock != 0 {
				sv[client] = clock
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	if version != stateVectorVersion {
		return nil, fmt.Errorf("%w: state vector version %d", ErrUnsupportedVersion, version)
	}
	return sv, nil
}
