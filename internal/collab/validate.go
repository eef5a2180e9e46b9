package collab

import (
	"errors"
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/crdt"
)

// ErrInvalidStructure indicates a replica that lacks the structure its collab type requires.
var ErrInvalidStructure = errors.New("collab: invalid structure")

const (
	rootDocument      = "document"
	rootDatabase      = "database"
	rootViews         = "views"
	rootFolder        = "folder"
	rootDatabaseRow   = "data"
	rootUserAwareness = "user_awareness"
	fieldBlocks       = "blocks"
	fieldID           = "id"
	fieldViews        = "views"
)

type structureValidator func(view crdt.View) error

var validators = map[CollabType]structureValidator{
	CollabTypeDocument:          validateDocument,
	CollabTypeDatabase:          validateDatabase,
	CollabTypeWorkspaceDatabase: validateWorkspaceDatabase,
	CollabTypeFolder:            validateFolder,
	CollabTypeDatabaseRow:       validateDatabaseRow,
	CollabTypeUserAwareness:     validateUserAwareness,
}

// Validate checks that the materialised replica has the structure required by t.
func (t CollabType) Validate(view crdt.View) error {
	validator, ok := validators[t]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCollabType, int32(t))
	}
	return validator(view)
}

// ValidateDoc materialises doc and validates it.
func (t CollabType) ValidateDoc(doc *crdt.Doc) error {
	return t.Validate(doc.Materialize())
}

func validateDocument(view crdt.View) error {
	root, err := requireMap(view, rootDocument)
	if err != nil {
		return err
	}
	if _, ok := root[fieldBlocks].(map[string]any); !ok {
		return fmt.Errorf("%w: %s.%s must be a map", ErrInvalidStructure, rootDocument, fieldBlocks)
	}
	return nil
}

func validateDatabase(view crdt.View) error {
	root, err := requireMap(view, rootDatabase)
	if err != nil {
		return err
	}
	if err := requireField(root, rootDatabase, fieldID); err != nil {
		return err
	}
	return requireField(root, rootDatabase, fieldViews)
}

func validateWorkspaceDatabase(view crdt.View) error {
	if _, ok := view.Array(rootViews); !ok {
		return fmt.Errorf("%w: missing %s list", ErrInvalidStructure, rootViews)
	}
	return nil
}

func validateFolder(view crdt.View) error {
	root, err := requireMap(view, rootFolder)
	if err != nil {
		return err
	}
	return requireField(root, rootFolder, fieldViews)
}

func validateDatabaseRow(view crdt.View) error {
	root, err := requireMap(view, rootDatabaseRow)
	if err != nil {
		return err
	}
	return requireField(root, rootDatabaseRow, fieldID)
}

func validateUserAwareness(view crdt.View) error {
	_, err := requireMap(view, rootUserAwareness)
	return err
}

func requireMap(view crdt.View, name string) (map[string]any, error) {
	root, ok := view.Map(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s map", ErrInvalidStructure, name)
	}
	return root, nil
}

func requireField(root map[string]any, rootName, field string) error {
	value, ok := root[field]
	if !ok || value == nil {
		return fmt.Errorf("%w: missing %s.%s", ErrInvalidStructure, rootName, field)
	}
	return nil
}
