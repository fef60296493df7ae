// Package atomicfile writes files so that readers observe either the complete
// previous content or the complete new content, never a partial write.
//
// Content goes to a uniquely named temporary sibling in the target's directory,
// is synced to disk, and is then renamed over the target. Any failure removes
// the temporary file and leaves the target exactly as it was.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileMode is the permission applied to written files.
const FileMode os.FileMode = 0644

// DirMode is the permission used when creating missing parent directories.
const DirMode os.FileMode = 0755

// rename is swapped in tests to simulate a crash between write and rename.
var rename = os.Rename

// Write atomically replaces path with content, creating parent directories
// as needed.
func Write(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// WriteJSON marshals v as indented JSON with a trailing newline and writes it
// atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal json: %w", err)
	}
	return Write(path, append(data, '\n'))
}

// WriteYAML marshals v as YAML and writes it atomically.
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal yaml: %w", err)
	}
	return Write(path, data)
}
