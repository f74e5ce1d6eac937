// Package workflow runs staged bulk workflows: a Pipeline of dependent API
// calls executed once per entity key by a bounded worker pool.
package workflow

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contract-toolkit/internal/model"
)

// Mode controls how a stage's failure affects the rest of the pipeline.
type Mode int

const (
	// Structural stages halt the pipeline when they end not_found or failed.
	Structural Mode = iota
	// FanOut stages act on each source record independently and never halt.
	FanOut
)

func (m Mode) String() string {
	if m == FanOut {
		return "fanout"
	}
	return "structural"
}

// ParseMode parses "structural" or "fanout". Empty means structural.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "structural":
		return Structural, nil
	case "fanout", "fan-out", "fan_out":
		return FanOut, nil
	default:
		return Structural, eris.Errorf("workflow: unknown mode %q", s)
	}
}

// Record is one JSON object returned by, or sent to, the API.
type Record = map[string]any

// URLFunc builds a stage URL from the key and, when the stage reads from an
// earlier stage, one of that stage's selected records.
type URLFunc func(key model.Key, rec Record) (string, error)

// MatchFunc reports whether a fetched record belongs to the key.
type MatchFunc func(key model.Key, rec Record) bool

// PayloadFunc builds a PUT body from the key and a source record.
type PayloadFunc func(key model.Key, rec Record) (Record, error)

// Stage is one dependent step of a workflow.
type Stage struct {
	Name   string
	Mode   Mode
	Method string // GET or PUT
	// From names an earlier stage whose selected records feed this one.
	From    string
	URL     URLFunc
	Match   MatchFunc   // GET only; nil keeps every record
	Payload PayloadFunc // PUT only
}

// Pipeline is an immutable workflow: key columns and ordered stages.
type Pipeline struct {
	Name       string
	KeyColumns []string
	Stages     []Stage
}

// Schema returns the output header: key columns then stage names.
func (p *Pipeline) Schema() []string {
	header := make([]string, 0, len(p.KeyColumns)+len(p.Stages))
	header = append(header, p.KeyColumns...)
	for _, s := range p.Stages {
		header = append(header, s.Name)
	}
	return header
}

// StageNames returns the stage names in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// Validate checks that the pipeline can be executed.
func (p *Pipeline) Validate() error {
	if len(p.KeyColumns) == 0 {
		return eris.Errorf("workflow %s: no key columns", p.Name)
	}
	if len(p.Stages) == 0 {
		return eris.Errorf("workflow %s: no stages", p.Name)
	}

	seen := make(map[string]string, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			return eris.Errorf("workflow %s: stage without name", p.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return eris.Errorf("workflow %s: duplicate stage %q", p.Name, s.Name)
		}
		if s.URL == nil {
			return eris.Errorf("workflow %s: stage %q has no url", p.Name, s.Name)
		}
		switch s.Method {
		case http.MethodGet:
		case http.MethodPut:
			if s.Payload == nil {
				return eris.Errorf("workflow %s: PUT stage %q has no payload", p.Name, s.Name)
			}
		default:
			return eris.Errorf("workflow %s: stage %q: method %q not supported", p.Name, s.Name, s.Method)
		}
		if s.From != "" {
			if _, ok := seen[s.From]; !ok {
				return eris.Errorf("workflow %s: stage %q reads from %q, which is not an earlier stage", p.Name, s.Name, s.From)
			}
		}
		seen[s.Name] = s.Method
	}
	return nil
}
