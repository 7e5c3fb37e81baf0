// Package unpack detects and extracts the archive formats tender portals publish:
// zip (with legacy OEM-encoded names), rar (including multi-volume sets) and 7z.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupported = errors.New("unsupported archive format")
	ErrEmpty       = errors.New("archive contains no files")
	ErrUnsafePath  = errors.New("archive entry escapes destination")
)

// Extract unpacks the archive at path into dest and returns the written files.
func Extract(ctx context.Context, path, dest string) ([]string, error) {
	kind, err := Sniff(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	var files []string
	switch kind {
	case KindZip, KindOOXML:
		files, err = extractZip(ctx, path, dest)
	case KindRar:
		files, err = extractRar(ctx, path, dest)
	case Kind7z:
		files, err = extract7z(ctx, path, dest)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}
	if err != nil {
		return files, err
	}
	if len(files) == 0 {
		return nil, ErrEmpty
	}
	return files, nil
}

// Check lists the archive without extracting it.
func Check(path string) error {
	kind, err := Sniff(path)
	if err != nil {
		return err
	}
	switch kind {
	case KindZip, KindOOXML:
		return listZip(path)
	case KindRar:
		return listRar(path)
	case Kind7z:
		return list7z(path)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
}

// safeJoin maps an entry name into dest, rejecting absolute paths and parent traversal.
func safeJoin(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

func writeEntry(ctx context.Context, dest, name string, src io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := safeJoin(dest, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return "", err
	}
	return out, f.Close()
}
