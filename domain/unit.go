package domain

// ScannableUnit is one cell, paragraph fragment or page chunk produced by a document scanner.
type ScannableUnit struct {
	Text        string
	DisplayText string
	SheetOrPage string
	Row         int
	Column      int
	Address     string
}

func (u ScannableUnit) Location() Location {
	return Location{SheetOrPage: u.SheetOrPage, Row: u.Row, Column: u.Column, Address: u.Address}
}

// UnitStream is a lazy, forward-only sequence of units. It cannot be restarted.
//
//	for s.Next() {
//		u := s.Unit()
//	}
//	if err := s.Err(); err != nil { ... }
type UnitStream interface {
	Next() bool
	Unit() ScannableUnit
	Err() error
	Close() error
}
