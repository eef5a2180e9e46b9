package collab

import (
	"sort"
	"strings"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
)

// ExtractDocumentText returns the plain text of a document's blocks in block id order.
func ExtractDocumentText(view crdt.View) string {
	root, ok := view.Map(rootDocument)
	if !ok {
		return ""
	}
	blocks, ok := root[fieldBlocks].(map[string]any)
	if !ok {
		return ""
	}

	ids := make([]string, 0, len(blocks))
	for id := range blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		if text := blockText(blocks[id]); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func blockText(block any) string {
	switch value := block.(type) {
	case string:
		return strings.TrimSpace(value)
	case map[string]any:
		if text, ok := value["text"].(string); ok {
			return strings.TrimSpace(text)
		}
		if delta, ok := value["delta"].([]any); ok {
			var builder strings.Builder
			for _, op := range delta {
				fields, ok := op.(map[string]any)
				if !ok {
					continue
				}
				if insert, ok := fields["insert"].(string); ok {
					builder.WriteString(insert)
				}
			}
			return strings.TrimSpace(builder.String())
		}
		if data, ok := value["data"].(map[string]any); ok {
			return blockText(data)
		}
	}
	return ""
}
