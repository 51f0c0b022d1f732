package media

import (
	"encoding/json"
	"fmt"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic writes data to path via a temp sibling and rename, fsynced
// before the swap. Readers never observe partial contents.
func WriteFileAtomic(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// RewriteJSONAtomic merges updates into the existing JSON document at path,
// preserving unknown top-level keys, then writes atomically. The existing
// document may be absent.
func RewriteJSONAtomic(path string, existing map[string]json.RawMessage, updates map[string]any) error {
	doc := make(map[string]json.RawMessage, len(existing)+len(updates))
	for k, v := range existing {
		doc[k] = v
	}
	for k, v := range updates {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling key %q: %w", k, err)
		}
		doc[k] = raw
	}
	return WriteJSONAtomic(path, doc)
}
