package scanner

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"tenderscan/domain"
)

// xlsxStream walks every sheet row by row through the excelize Rows iterator,
// so only one row is materialised at a time.
type xlsxStream struct {
	f      *excelize.File
	sheets []string
	next   int
	sheet  string
	rows   *excelize.Rows
	row    int
	cols   []string
	col    int
	cur    domain.ScannableUnit
	err    error
	onDone func()
}

func openXLSX(path string) (*xlsxStream, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	return &xlsxStream{f: f, sheets: f.GetSheetList()}, nil
}

func (s *xlsxStream) Next() bool {
	if s.err != nil || s.f == nil {
		return false
	}
	for {
		if s.rows != nil && s.col < len(s.cols) {
			raw := s.cols[s.col]
			s.col++
			text := normalizeCell(raw)
			if text == "" {
				continue
			}
			addr, _ := excelize.CoordinatesToCellName(s.col, s.row)
			s.cur = domain.ScannableUnit{
				Text:        text,
				DisplayText: strings.TrimSpace(raw),
				SheetOrPage: s.sheet,
				Row:         s.row,
				Column:      s.col,
				Address:     addr,
			}
			return true
		}
		if s.rows != nil && s.rows.Next() {
			s.row++
			cols, err := s.rows.Columns()
			if err != nil {
				s.err = fmt.Errorf("sheet %q row %d: %w", s.sheet, s.row, err)
				return false
			}
			s.cols, s.col = cols, 0
			continue
		}
		if s.rows != nil {
			err := s.rows.Error()
			_ = s.rows.Close()
			s.rows = nil
			if err != nil {
				s.err = fmt.Errorf("sheet %q: %w", s.sheet, err)
				return false
			}
		}
		if s.next >= len(s.sheets) {
			return false
		}
		s.sheet = s.sheets[s.next]
		s.next++
		rows, err := s.f.Rows(s.sheet)
		if err != nil {
			s.err = fmt.Errorf("sheet %q: %w", s.sheet, err)
			return false
		}
		s.rows, s.row, s.cols, s.col = rows, 0, nil, 0
	}
}

func (s *xlsxStream) Unit() domain.ScannableUnit { return s.cur }
func (s *xlsxStream) Err() error                 { return s.err }

func (s *xlsxStream) Close() error {
	if s.f == nil {
		return nil
	}
	if s.rows != nil {
		_ = s.rows.Close()
		s.rows = nil
	}
	err := s.f.Close()
	s.f = nil
	if s.onDone != nil {
		s.onDone()
	}
	return err
}
