package scanner

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// docxText returns the body paragraphs followed by one line per table row,
// cells joined with " | ".
func docxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != docxBody {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		paras, rows, err := parseDocumentXML(rc)
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", docxBody, err)
		}
		return strings.Join(append(paras, rows...), "\n"), nil
	}
	return "", errors.New("docx has no " + docxBody)
}

func parseDocumentXML(r io.Reader) (paras, rows []string, err error) {
	var (
		dec    = xml.NewDecoder(r)
		para   strings.Builder
		inText bool
		cells  [][]string
		cell   []*strings.Builder
	)
	// cells and cell hold the open rows and cells of nested tables, innermost last.
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return paras, rows, nil
		}
		if err != nil {
			return nil, nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			case "tr":
				cells = append(cells, nil)
			case "tc":
				cell = append(cell, &strings.Builder{})
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := para.String()
				if n := len(cell); n > 0 {
					if cell[n-1].Len() > 0 {
						cell[n-1].WriteByte('\n')
					}
					cell[n-1].WriteString(text)
				} else if strings.TrimSpace(text) != "" {
					paras = append(paras, text)
				}
			case "tc":
				if n := len(cell); n > 0 {
					text := strings.TrimSpace(cell[n-1].String())
					cell = cell[:n-1]
					if m := len(cells); m > 0 {
						cells[m-1] = append(cells[m-1], text)
					}
				}
			case "tr":
				if m := len(cells); m > 0 {
					row := cells[m-1]
					cells = cells[:m-1]
					line := strings.Join(row, " | ")
					if strings.TrimSpace(strings.ReplaceAll(line, "|", "")) != "" {
						rows = append(rows, line)
					}
				}
			}
		}
	}
}
