package crdt

import (
	"encoding/json"
	"sort"
	"strings"
)

// View is the materialised content of a replica: named map roots and named sequence roots.
type View struct {
	Maps   map[string]map[string]any
	Arrays map[string][]any
}

// Map returns the map root with the given name.
func (view View) Map(name string) (map[string]any, bool) {
	root, ok := view.Maps[name]
	return root, ok
}

// Array returns the sequence root with the given name.
func (view View) Array(name string) ([]any, bool) {
	root, ok := view.Arrays[name]
	return root, ok
}

type registerKey struct {
	parent string
	key    string
}

// Materialize computes the current content from the item set.
func (doc *Doc) Materialize() View {
	view := View{Maps: make(map[string]map[string]any), Arrays: make(map[string][]any)}

	winners := make(map[registerKey]Item)
	arrays := make(map[string]struct{})
	for _, item := range doc.items {
		switch item.Kind {
		case KindMapSet, KindMapDelete:
			key := registerKey{parent: item.Parent, key: item.Key}
			if current, ok := winners[key]; !ok || item.wins(current) {
				winners[key] = item
			}
		case KindArrayInsert:
			arrays[item.Parent] = struct{}{}
		}
	}

	keys := make([]registerKey, 0, len(winners))
	for key, item := range winners {
		if item.Kind == KindMapSet {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		depthI := strings.Count(keys[i].parent, PathSeparator)
		depthJ := strings.Count(keys[j].parent, PathSeparator)
		if depthI != depthJ {
			return depthI < depthJ
		}
		if keys[i].parent != keys[j].parent {
			return keys[i].parent < keys[j].parent
		}
		return keys[i].key < keys[j].key
	})
	for _, key := range keys {
		container := ensurePath(view.Maps, key.parent)
		container[key.key] = decodeValue(winners[key].Value)
	}

	for name := range arrays {
		order := doc.arrayOrder(name)
		values := make([]any, 0, len(order))
		for _, item := range order {
			values = append(values, decodeValue(item.Value))
		}
		view.Arrays[name] = values
	}
	return view
}

// ensurePath returns the map at path, creating intermediate maps and replacing scalars.
func ensurePath(roots map[string]map[string]any, path string) map[string]any {
	segments := strings.Split(path, PathSeparator)
	current, ok := roots[segments[0]]
	if !ok {
		current = make(map[string]any)
		roots[segments[0]] = current
	}
	for _, segment := range segments[1:] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	return current
}

func decodeValue(raw []byte) any {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

// arrayOrder returns the visible elements of a sequence in document order.
func (doc *Doc) arrayOrder(name string) []Item {
	deleted := make(map[ID]struct{})
	children := make(map[ID][]Item)
	var roots []Item
	for _, item := range doc.items {
		switch {
		case item.Kind == KindArrayDelete:
			deleted[*item.Target] = struct{}{}
		case item.Kind == KindArrayInsert && item.Parent == name:
			if item.Origin == nil {
				roots = append(roots, item)
			} else {
				children[*item.Origin] = append(children[*item.Origin], item)
			}
		}
	}

	siblingOrder := func(siblings []Item) {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].Lamport != siblings[j].Lamport {
				return siblings[i].Lamport > siblings[j].Lamport
			}
			if siblings[i].ID.Client != siblings[j].ID.Client {
				return siblings[i].ID.Client > siblings[j].ID.Client
			}
			return siblings[i].ID.Clock > siblings[j].ID.Clock
		})
	}

	siblingOrder(roots)
	stack := make([]Item, 0, len(roots))
	for index := len(roots) - 1; index >= 0; index-- {
		stack = append(stack, roots[index])
	}

	var ordered []Item
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, gone := deleted[item.ID]; !gone {
			ordered = append(ordered, item)
		}
		next := children[item.ID]
		siblingOrder(next)
		for index := len(next) - 1; index >= 0; index-- {
			stack = append(stack, next[index])
		}
	}
	return ordered
}
