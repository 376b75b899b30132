// Package jsonfile implements the atomic-replace persistence primitive used
// by every JSON-backed store in the broker: project records, operator
// accounts, and the append-only telemetry streams all go through WriteAtomic
// so that readers never observe a partially written file. Guardrail rules
// are only read, through ReadInto.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic marshals v as indented JSON and replaces path with the
// result: write to a temporary file on the same filesystem, fsync, then
// rename over the target. A crash at any point before the rename leaves
// the original file untouched.
func WriteAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonfile: create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("jsonfile: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonfile: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonfile: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonfile: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("jsonfile: rename into place: %w", err)
	}
	return nil
}

// ReadInto unmarshals the JSON file at path into v. A missing file is not
// an error; v is left unmodified and ok is reported false.
func ReadInto(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("jsonfile: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("jsonfile: unmarshal %s: %w", path, err)
	}
	return true, nil
}
