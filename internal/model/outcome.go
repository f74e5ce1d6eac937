package model

import "time"

// Status is the outcome of one stage for one entity.
type Status string

const (
	StatusFound    Status = "found"
	StatusNotFound Status = "not_found"
	StatusUpdated  Status = "updated"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Statuses lists every status in reporting order.
var Statuses = []Status{StatusFound, StatusNotFound, StatusUpdated, StatusFailed, StatusSkipped}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Halts reports whether the status ends a structural stage's pipeline.
func (s Status) Halts() bool {
	return s == StatusNotFound || s == StatusFailed
}

// StageResult is produced once per stage per entity.
type StageResult struct {
	Stage  string `json:"stage"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the finalized, ordered list of stage results for one key.
type Outcome struct {
	Index    int           `json:"index"`
	Key      Key           `json:"-"`
	Results  []StageResult `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Row flattens the outcome to key values followed by one status per stage
// result. Synthesized outcomes may carry fewer results than the pipeline
// has stages, so rows are not guaranteed to be schema-wide.
func (o Outcome) Row() []string {
	row := o.Key.Values()
	for _, r := range o.Results {
		row = append(row, string(r.Status))
	}
	return row
}

// Failed reports whether any stage failed.
func (o Outcome) Failed() bool {
	for _, r := range o.Results {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Last returns the status of the last executed (non-skipped) stage.
func (o Outcome) Last() Status {
	last := StatusSkipped
	for _, r := range o.Results {
		if r.Status != StatusSkipped {
			last = r.Status
		}
	}
	return last
}
