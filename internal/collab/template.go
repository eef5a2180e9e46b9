package collab

import (
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
)

// NewTemplateDoc returns a minimal replica that satisfies the structure of t, authored by
// client. It seeds objects provisioned without content.
func NewTemplateDoc(t CollabType, objectID ObjectID, client uint64) (*crdt.Doc, error) {
	doc := crdt.NewDoc()
	tx := doc.Begin(client)
	switch t {
	case CollabTypeDocument:
		tx.Set(rootDocument, fieldBlocks, map[string]any{}).
			Set(rootDocument, "page_id", objectID.String())
	case CollabTypeDatabase:
		tx.Set(rootDatabase, fieldID, objectID.String()).
			Set(rootDatabase, fieldViews, map[string]any{})
	case CollabTypeWorkspaceDatabase:
		tx.Push(rootViews, map[string]any{"database_id": objectID.String()})
	case CollabTypeFolder:
		tx.Set(rootFolder, fieldViews, map[string]any{})
	case CollabTypeDatabaseRow:
		tx.Set(rootDatabaseRow, fieldID, objectID.String())
	case CollabTypeUserAwareness:
		tx.Set(rootUserAwareness, "appearance", map[string]any{})
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCollabType, int32(t))
	}
	if _, err := tx.Commit(); err != nil {
		return nil, err
	}
	return doc, nil
}
