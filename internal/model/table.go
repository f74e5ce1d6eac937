package model

import (
	"sort"
	"sync"
)

// ResultTable collects outcomes from concurrent workers. Add is the only
// synchronization point between tasks.
type ResultTable struct {
	mu       sync.Mutex
	outcomes []Outcome
}

// NewResultTable creates a table sized for n outcomes.
func NewResultTable(n int) *ResultTable {
	return &ResultTable{outcomes: make([]Outcome, 0, n)}
}

// Add appends an outcome.
func (t *ResultTable) Add(o Outcome) {
	t.mu.Lock()
	t.outcomes = append(t.outcomes, o)
	t.mu.Unlock()
}

// Len returns the number of outcomes collected so far.
func (t *ResultTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outcomes)
}

// Sorted returns a copy of the outcomes in input order.
func (t *ResultTable) Sorted() []Outcome {
	t.mu.Lock()
	out := append([]Outcome(nil), t.outcomes...)
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Rows returns every outcome row in input order.
func (t *ResultTable) Rows() [][]string {
	outcomes := t.Sorted()
	rows := make([][]string, len(outcomes))
	for i, o := range outcomes {
		rows[i] = o.Row()
	}
	return rows
}

// StageCounts tallies statuses per stage name.
type StageCounts map[string]map[Status]int

// Counts returns the number of stage results per status across all outcomes.
func (t *ResultTable) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, o := range t.Sorted() {
		for _, r := range o.Results {
			counts[r.Status]++
		}
	}
	return counts
}

// CountsByStage returns status counts per stage.
func (t *ResultTable) CountsByStage() StageCounts {
	counts := make(StageCounts)
	for _, o := range t.Sorted() {
		for _, r := range o.Results {
			if counts[r.Stage] == nil {
				counts[r.Stage] = make(map[Status]int)
			}
			counts[r.Stage][r.Status]++
		}
	}
	return counts
}
