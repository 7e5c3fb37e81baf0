package unpack

import (
	"archive/zip"
	"context"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// entryName decodes names written without the UTF-8 flag. Russian Windows
// archivers store them in the OEM code page (CP866).
func entryName(f *zip.File) string {
	if !f.NonUTF8 || utf8.ValidString(f.Name) {
		return f.Name
	}
	if s, err := charmap.CodePage866.NewDecoder().String(f.Name); err == nil {
		return s
	}
	return f.Name
}

func extractZip(ctx context.Context, path, dest string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var files []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return files, err
		}
		out, err := writeEntry(ctx, dest, entryName(f), rc)
		_ = rc.Close()
		if err != nil {
			return files, err
		}
		files = append(files, out)
	}
	return files, nil
}

func listZip(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	return r.Close()
}
