package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nwaples/rardecode/v2"
)

// extractRar follows multi-volume sets (name.part1.rar, name.part2.rar) on its own.
func extractRar(ctx context.Context, path, dest string) ([]string, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open rar: %w", err)
	}
	defer r.Close()

	var files []string
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		if hdr.IsDir {
			continue
		}
		out, err := writeEntry(ctx, dest, hdr.Name, r)
		if err != nil {
			return files, err
		}
		files = append(files, out)
	}
}

func listRar(path string) error {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = r.Next()
	if errors.Is(err, io.EOF) {
		return ErrEmpty
	}
	return err
}
