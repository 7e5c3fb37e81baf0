package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDownload     = errors.New("download failed")
	ErrExtraction   = errors.New("extraction failed")
	ErrValidation   = errors.New("validation failed")
	ErrMatchTimeout = errors.New("match timeout")
	ErrPersistence  = errors.New("persistence failed")
	ErrLockConflict = errors.New("tender owned by another worker")
	ErrNoDocuments  = errors.New("no suitable documents")
	ErrFatal        = errors.New("fatal processing error")
)

// FileError is a failure local to one file.
type FileError struct {
	Kind error
	Path string
	Err  error
}

func (e *FileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *FileError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func NewFileError(kind error, path string, err error) error {
	return &FileError{Kind: kind, Path: path, Err: err}
}
