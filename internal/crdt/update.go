package crdt

import (
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/wire"
)

const updateVersion = 1

const (
	itemFieldClient  = 1
	itemFieldClock   = 2
	itemFieldLamport = 3
	itemFieldKind    = 4
	itemFieldParent  = 5
	itemFieldKey     = 6
	itemFieldOrigin  = 7
	itemFieldTarget  = 8
	itemFieldValue   = 9
)

// EncodeUpdate serialises items into an update payload.
func EncodeUpdate(items []Item) []byte {
	out := wire.AppendVarint(nil, 1, updateVersion)
	for _, item := range items {
		out = wire.AppendBytes(out, 2, encodeItem(item))
	}
	return out
}

// DecodeUpdate parses an update payload. The items are not validated against any replica.
func DecodeUpdate(data []byte) ([]Item, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var (
		version uint64
		items   []Item
	)
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case 1:
			version = field.Varint
		case 2:
			item, err := decodeItem(field.Bytes)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if version != updateVersion {
		return nil, fmt.Errorf("%w: update version %d", ErrUnsupportedVersion, version)
	}
	return items, nil
}

func encodeItem(item Item) []byte {
	out := wire.AppendVarint(nil, itemFieldClient, item.ID.Client)
	out = wire.AppendVarint(out, itemFieldClock, item.ID.Clock)
	out = wire.AppendVarint(out, itemFieldLamport, item.Lamport)
	out = wire.AppendVarint(out, itemFieldKind, uint64(item.Kind))
	if item.Parent != "" {
		out = wire.AppendString(out, itemFieldParent, item.Parent)
	}
	if item.Key != "" {
		out = wire.AppendString(out, itemFieldKey, item.Key)
	}
	if item.Origin != nil {
		out = wire.AppendBytes(out, itemFieldOrigin, encodeID(*item.Origin))
	}
	if item.Target != nil {
		out = wire.AppendBytes(out, itemFieldTarget, encodeID(*item.Target))
	}
	if len(item.Value) > 0 {
		out = wire.AppendBytes(out, itemFieldValue, item.Value)
	}
	return out
}

func decodeItem(data []byte) (Item, error) {
	var item Item
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case itemFieldClient:
			item.ID.Client = field.Varint
		case itemFieldClock:
			item.ID.Clock = field.Varint
		case itemFieldLamport:
			item.Lamport = field.Varint
		case itemFieldKind:
			if field.Varint > 255 {
				return fmt.Errorf("item kind %d out of range", field.Varint)
			}
			item.Kind = Kind(field.Varint)
		case itemFieldParent:
			item.Parent = string(field.Bytes)
		case itemFieldKey:
			item.Key = string(field.Bytes)
		case itemFieldOrigin:
			id, err := decodeID(field.Bytes)
			if err != nil {
				return err
			}
			item.Origin = &id
		case itemFieldTarget:
			id, err := decodeID(field.Bytes)
			if err != nil {
				return err
			}
			item.Target = &id
		case itemFieldValue:
			item.Value = append([]byte(nil), field.Bytes...)
		}
		return nil
	})
	return item, err
}

func encodeID(id ID) []byte {
	out := wire.AppendVarint(nil, 1, id.Client)
	return wire.AppendVarint(out, 2, id.Clock)
}

func decodeID(data []byte) (ID, error) {
	var id ID
	err := wire.Walk(data, func(field wire.Field) error {
		switch field.Number {
		case 1:
			id.Client = field.Varint
		case 2:
			id.Clock = field.Varint
		}
		return nil
	})
	return id, err
}
