package scanner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// OCR recognises the text of a single PDF page.
type OCR interface {
	RecognizePage(ctx context.Context, pdfPath string, page int) (string, error)
}

// Tesseract renders the page with pdftoppm and feeds the image to tesseract.
type Tesseract struct {
	PdftoppmBin  string
	TesseractBin string
	Lang         string
	DPI          int
	Timeout      time.Duration
}

func (t *Tesseract) RecognizePage(ctx context.Context, pdfPath string, page int) (string, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	dir, err := os.MkdirTemp("", "ocr-page-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	dpi := t.DPI
	if dpi <= 0 {
		dpi = 300
	}
	p := strconv.Itoa(page)
	if err := run(ctx, orDefault(t.PdftoppmBin, "pdftoppm"),
		"-r", strconv.Itoa(dpi), "-f", p, "-l", p, "-png", "-singlefile", pdfPath, prefix); err != nil {
		return "", fmt.Errorf("render page %d: %w", page, err)
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, orDefault(t.TesseractBin, "tesseract"), prefix+".png", "stdout", "-l", orDefault(t.Lang, "rus+eng"))
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract page %d: %w: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

func run(ctx context.Context, bin string, args ...string) error {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
