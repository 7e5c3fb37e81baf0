package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfSource yields one block per page from the text layer. When the whole text
// layer turns out empty it starts over with OCR, one page at a time; pages that
// fail to render or recognise are skipped.
type pdfSource struct {
	ctx     context.Context
	path    string
	file    *os.File
	r       *pdf.Reader
	pages   int
	page    int
	sawText bool
	ocr     OCR
	ocrPage int
	log     *slog.Logger
}

func openPDF(ctx context.Context, path string, ocr OCR, log *slog.Logger) (*pdfSource, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &pdfSource{ctx: ctx, path: path, file: f, r: r, pages: r.NumPage(), ocr: ocr, log: log}, nil
}

func (s *pdfSource) next() (block, bool, error) {
	for s.page < s.pages {
		s.page++
		text, err := s.pageText(s.page)
		if err != nil {
			s.log.Warn("pdf page text failed", "file", s.path, "page", s.page, "err", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		s.sawText = true
		return block{label: pageLabel(s.page), text: text}, true, nil
	}
	if s.sawText || s.ocr == nil {
		return block{}, false, nil
	}
	if s.ocrPage == 0 {
		s.log.Info("pdf has no text layer, using ocr", "file", s.path, "pages", s.pages)
	}
	for s.ocrPage < s.pages {
		if err := s.ctx.Err(); err != nil {
			return block{}, false, err
		}
		s.ocrPage++
		text, err := s.ocr.RecognizePage(s.ctx, s.path, s.ocrPage)
		if err != nil {
			s.log.Warn("ocr page skipped", "file", s.path, "page", s.ocrPage, "err", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		return block{label: pageLabel(s.ocrPage), text: text}, true, nil
	}
	return block{}, false, nil
}

// pageText guards against panics inside the pdf parser on malformed content streams.
func (s *pdfSource) pageText(n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()
	p := s.r.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

func (s *pdfSource) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func pageLabel(n int) string { return fmt.Sprintf("page %d", n) }
