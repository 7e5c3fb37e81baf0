package unpack

import (
	"context"
	"fmt"

	"github.com/bodgit/sevenzip"
)

func extract7z(ctx context.Context, path, dest string) ([]string, error) {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open 7z: %w", err)
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
		out, err := writeEntry(ctx, dest, f.Name, rc)
		_ = rc.Close()
		if err != nil {
			return files, err
		}
		files = append(files, out)
	}
	return files, nil
}

func list7z(path string) error {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return err
	}
	return r.Close()
}
