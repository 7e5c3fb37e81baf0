package runner

import (
	"sync"
	"time"

	"tenderscan/processor"
)

type Stats struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Conflicts int
	Errors    int
	Matches   int
	Duration  time.Duration
	Results   []processor.Result
}

func (s *Stats) add(r processor.Result) {
	s.Total++
	switch r.Status {
	case processor.StatusCompleted:
		s.Completed++
		s.Matches += len(r.Outcome.Matches)
	case processor.StatusFailed:
		s.Failed++
	case processor.StatusSkipped:
		s.Skipped++
	case processor.StatusConflict:
		s.Conflicts++
	default:
		s.Errors++
	}
	s.Results = append(s.Results, r)
}

func (s *Stats) merge(o Stats) {
	s.Total += o.Total
	s.Completed += o.Completed
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
	s.Matches += o.Matches
	s.Results = append(s.Results, o.Results...)
}

type collector struct {
	mu sync.Mutex
	s  Stats
}

func (c *collector) add(r processor.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.add(r)
}

func (c *collector) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
