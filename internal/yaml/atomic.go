// Package yaml writes slawarden's YAML files atomically. New content must
// parse before it replaces the target, and the replaced version is kept as
// <path>.bak so `slawarden config restore` can roll back.
package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

const defaultMode fs.FileMode = 0o644

// Marshal encodes data with two-space indentation.
func Marshal(data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("yaml marshal: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("yaml marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func AtomicWrite(path string, data any) error {
	return AtomicWriteWithHeader(path, "", data)
}

// AtomicWriteWithHeader is AtomicWrite with header emitted as leading
// "# " comment lines.
func AtomicWriteWithHeader(path, header string, data any) error {
	content, err := Marshal(data)
	if err != nil {
		return err
	}
	if header != "" {
		var b strings.Builder
		for _, line := range strings.Split(strings.TrimRight(header, "\n"), "\n") {
			b.WriteString(strings.TrimRight("# "+line, " "))
			b.WriteByte('\n')
		}
		content = append([]byte(b.String()), content...)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with content. An existing file keeps its
// permissions and is copied to path.bak first.
func AtomicWriteRaw(path string, content []byte) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	mode := defaultMode
	prev, err := os.ReadFile(path)
	switch {
	case err == nil:
		if info, statErr := os.Stat(path); statErr == nil {
			mode = info.Mode().Perm()
		}
		if err := os.WriteFile(path+".bak", prev, mode); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read current %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".slawarden-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(dir)
}

// RestoreFromBackup replaces path with its .bak copy when the backup parses.
func RestoreFromBackup(path string) error {
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup is not valid yaml: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// syncDir makes the rename durable. Some filesystems refuse fsync on a
// directory; that is not an error for the write.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer func() { _ = d.Close() }()
	_ = d.Sync()
	return nil
}
