// Package queue orders a run's tenders so small ones go first while sizes are
// discovered lazily.
package queue

import (
	"log/slog"
	"sync"

	"tenderscan/domain"
)

const DefaultThreshold int64 = 20 << 20

// SizeFunc reports the current size in bytes of a tender's local data.
type SizeFunc func(t domain.Tender) int64

type entry struct {
	tender  domain.Tender
	size    int64
	checked bool
	failed  bool
	reason  string
}

type Manager struct {
	mu           sync.Mutex
	entries      []entry
	cur          int
	firstChecked bool
	threshold    int64
	sizeOf       SizeFunc
	log          *slog.Logger
}

// New returns a Manager. threshold <= 0 selects DefaultThreshold.
func New(sizeOf SizeFunc, threshold int64, log *slog.Logger) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{sizeOf: sizeOf, threshold: threshold, log: log}
}

// AddTenders appends without checking sizes.
func (m *Manager) AddTenders(ts []domain.Tender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		m.entries = append(m.entries, entry{tender: t})
	}
}

// GetNextTender returns the tender to process now. Repeated calls without
// MarkProcessed return the same tender.
func (m *Manager) GetNextTender() (domain.Tender, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return domain.Tender{}, 0, false
	}
	if !m.firstChecked && m.cur == 0 {
		return m.first()
	}
	if m.cur >= len(m.entries) {
		return domain.Tender{}, 0, false
	}
	e := m.check(m.cur)
	if e.size > m.threshold {
		return m.handleLarge()
	}
	return e.tender, e.size, true
}

func (m *Manager) first() (domain.Tender, int64, bool) {
	e := m.check(0)
	m.firstChecked = true
	if e.size <= m.threshold {
		return e.tender, e.size, true
	}
	m.log.Info("first tender is large, moving it to the back", "tender", e.tender.Key().String(), "size_mb", mb(e.size))
	m.entries = append(m.entries[1:], m.entries[0])
	return m.handleLarge()
}

// handleLarge looks past the cursor for the first entry under the threshold,
// else the smallest one seen, and swaps it to the cursor. When the cursor
// entry itself is the smallest it is returned as is, so a large tender is
// never starved.
func (m *Manager) handleLarge() (domain.Tender, int64, bool) {
	if m.cur >= len(m.entries) {
		return domain.Tender{}, 0, false
	}
	smallest, smallestSize := m.cur, m.check(m.cur).size
	for i := m.cur + 1; i < len(m.entries); i++ {
		e := m.check(i)
		if e.size <= m.threshold {
			m.swap(m.cur, i)
			return e.tender, e.size, true
		}
		if e.size < smallestSize {
			smallest, smallestSize = i, e.size
		}
	}
	if smallest != m.cur {
		m.log.Info("all checked tenders are large, taking the smallest", "size_mb", mb(smallestSize))
		m.swap(m.cur, smallest)
	} else {
		m.log.Warn("no smaller tender available, taking the large one", "tender", m.entries[m.cur].tender.Key().String(), "size_mb", mb(smallestSize))
	}
	e := m.entries[m.cur]
	return e.tender, e.size, true
}

// MarkProcessed advances the cursor and pushes the next entry to the back
// when it is larger than the current last one.
func (m *Manager) MarkProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markProcessed()
}

func (m *Manager) markProcessed() {
	if m.cur >= len(m.entries) {
		return
	}
	m.cur++
	if m.cur >= len(m.entries) || len(m.entries) < 2 {
		return
	}
	next := m.check(m.cur)
	last := m.check(len(m.entries) - 1)
	if next.size > last.size {
		moved := m.entries[m.cur]
		m.entries = append(m.entries[:m.cur], m.entries[m.cur+1:]...)
		m.entries = append(m.entries, moved)
	}
}

// MarkFailed annotates the tender and advances when it is the current head.
func (m *Manager) MarkFailed(key domain.TenderKey, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].tender.Key() != key {
			continue
		}
		m.entries[i].failed = true
		m.entries[i].reason = reason
		m.log.Warn("tender marked failed", "tender", key.String(), "reason", reason)
		if i == m.cur {
			m.markProcessed()
		}
		return
	}
	m.log.Warn("mark failed for unknown tender", "tender", key.String())
}

func (m *Manager) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur < len(m.entries)
}

type Info struct {
	Total     int
	Processed int
	Remaining int
	Checked   int
	Large     int
	Small     int
	Failed    int
}

func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := Info{Total: len(m.entries), Processed: m.cur, Remaining: len(m.entries) - m.cur}
	for _, e := range m.entries {
		if e.failed {
			in.Failed++
		}
		if !e.checked {
			continue
		}
		in.Checked++
		if e.size > m.threshold {
			in.Large++
		} else {
			in.Small++
		}
	}
	return in
}

func (m *Manager) check(i int) entry {
	if !m.entries[i].checked {
		if m.sizeOf != nil {
			m.entries[i].size = m.sizeOf(m.entries[i].tender)
		}
		m.entries[i].checked = true
	}
	return m.entries[i]
}

func (m *Manager) swap(i, j int) { m.entries[i], m.entries[j] = m.entries[j], m.entries[i] }

func mb(n int64) float64 { return float64(n) / (1 << 20) }
