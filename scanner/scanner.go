// Package scanner turns spreadsheets, word documents and PDFs into lazy
// streams of scannable units for the keyword engine.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"tenderscan/domain"
	"tenderscan/unpack"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatSpreadsheet
	FormatWord
	FormatPDF
)

func (f Format) String() string {
	switch f {
	case FormatSpreadsheet:
		return "spreadsheet"
	case FormatWord:
		return "word"
	case FormatPDF:
		return "pdf"
	}
	return "unknown"
}

// FormatOf classifies by extension only.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xls":
		return FormatSpreadsheet
	case ".docx", ".doc":
		return FormatWord
	case ".pdf":
		return FormatPDF
	}
	return FormatUnknown
}

type Scanner struct {
	conv *Converter
	ocr  OCR
	log  *slog.Logger
}

type Option func(*Scanner)

func WithConverter(c *Converter) Option { return func(s *Scanner) { s.conv = c } }

// WithOCR enables the OCR fallback for PDFs without a text layer.
func WithOCR(o OCR) Option { return func(s *Scanner) { s.ocr = o } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.log = l
		}
	}
}

func New(opts ...Option) *Scanner {
	s := &Scanner{log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open returns a unit stream for path. The caller must Close it.
func (s *Scanner) Open(ctx context.Context, path string) (domain.UnitStream, error) {
	switch FormatOf(path) {
	case FormatSpreadsheet:
		return s.openSpreadsheet(ctx, path)
	case FormatWord:
		return s.openWord(ctx, path)
	case FormatPDF:
		src, err := openPDF(ctx, path, s.ocr, s.log)
		if err != nil {
			return nil, domain.NewFileError(domain.ErrValidation, path, err)
		}
		return newWordStream(src), nil
	}
	return nil, domain.NewFileError(domain.ErrValidation, path, fmt.Errorf("unsupported document type %q", filepath.Ext(path)))
}

func (s *Scanner) openSpreadsheet(ctx context.Context, path string) (domain.UnitStream, error) {
	src, cleanup, err := s.ooxml(ctx, path, ".xlsx")
	if err != nil {
		return nil, err
	}
	st, err := openXLSX(src)
	if err != nil {
		cleanup()
		return nil, domain.NewFileError(domain.ErrValidation, path, err)
	}
	st.onDone = cleanup
	return st, nil
}

func (s *Scanner) openWord(ctx context.Context, path string) (domain.UnitStream, error) {
	src, cleanup, err := s.ooxml(ctx, path, ".docx")
	if err != nil {
		return nil, err
	}
	defer cleanup()
	text, err := docxText(src)
	if err != nil {
		return nil, domain.NewFileError(domain.ErrValidation, path, err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return newWordStream(&textBlock{b: block{label: stem, text: text}}), nil
}

// ooxml returns a path readable as OOXML, converting OLE2 content whatever the
// extension says. cleanup removes the converted copy.
func (s *Scanner) ooxml(ctx context.Context, path, target string) (string, func(), error) {
	noop := func() {}
	kind, err := unpack.Sniff(path)
	if err != nil {
		return "", noop, domain.NewFileError(domain.ErrValidation, path, err)
	}
	switch kind {
	case unpack.KindOOXML:
		return path, noop, nil
	case unpack.KindOLE2:
		out, err := s.conv.Convert(ctx, path, target)
		if err != nil {
			return "", noop, domain.NewFileError(domain.ErrValidation, path, err)
		}
		s.log.Debug("converted legacy office file", "from", path, "to", out)
		return out, func() { _ = os.Remove(out) }, nil
	}
	return "", noop, domain.NewFileError(domain.ErrValidation, path, fmt.Errorf("not an office document (%s)", kind))
}
