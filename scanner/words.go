package scanner

import (
	"strconv"
	"strings"

	"tenderscan/domain"
)

// block is one chunk of running text: a whole word document or one PDF page.
type block struct {
	label string
	text  string
}

// blockSource yields blocks lazily. ok=false ends the stream.
type blockSource interface {
	next() (b block, ok bool, err error)
	close() error
}

// wordStream splits each block into lines and each line into whitespace-separated
// words; every word becomes one unit addressed "row:col". Line numbers count blank lines.
type wordStream struct {
	src   blockSource
	label string
	lines []string
	line  int
	words []string
	word  int
	cur   domain.ScannableUnit
	err   error
	done  bool
}

func newWordStream(src blockSource) *wordStream { return &wordStream{src: src} }

func (s *wordStream) Next() bool {
	if s.done {
		return false
	}
	for {
		if s.word < len(s.words) {
			w := s.words[s.word]
			s.word++
			s.cur = domain.ScannableUnit{
				Text:        strings.ToLower(w),
				DisplayText: w,
				SheetOrPage: s.label,
				Row:         s.line,
				Column:      s.word,
				Address:     strconv.Itoa(s.line) + ":" + strconv.Itoa(s.word),
			}
			return true
		}
		if s.line < len(s.lines) {
			s.words = strings.Fields(s.lines[s.line])
			s.word = 0
			s.line++
			continue
		}
		b, ok, err := s.src.next()
		if err != nil {
			s.err = err
		}
		if !ok || err != nil {
			s.done = true
			return false
		}
		s.label = b.label
		s.lines = strings.Split(b.text, "\n")
		s.line = 0
		s.words = nil
		s.word = 0
	}
}

func (s *wordStream) Unit() domain.ScannableUnit { return s.cur }
func (s *wordStream) Err() error                 { return s.err }

func (s *wordStream) Close() error {
	s.done = true
	return s.src.close()
}

// textBlock serves a single pre-extracted block.
type textBlock struct {
	b    block
	used bool
}

func (t *textBlock) next() (block, bool, error) {
	if t.used {
		return block{}, false, nil
	}
	t.used = true
	return t.b, true, nil
}

func (t *textBlock) close() error { return nil }
