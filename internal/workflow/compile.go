package workflow

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contract-toolkit/internal/model"
)

// Env supplies the per-deployment values a definition refers to.
type Env struct {
	Endpoints map[string]string
	Vars      map[string]any
	// KeyColumns overrides the definition's key columns when set. Columns
	// are matched by position.
	KeyColumns []string
	// Now is used for $now. Defaults to time.Now.
	Now func() time.Time
}

// nowLayout is the timestamp format the API expects for $now.
const nowLayout = "2006-01-02T15:04:05"

// urlData is the template context of a stage URL.
type urlData struct {
	Key       map[string]string
	Endpoints map[string]string
	Vars      map[string]any
	Record    Record
}

// Compile turns a definition into an executable Pipeline. Every endpoint and
// var the definition declares must be present in env.
func Compile(d *Definition, env Env) (*Pipeline, error) {
	endpoints := lowerKeys(env.Endpoints)
	vars := lowerKeysAny(env.Vars)
	now := env.Now
	if now == nil {
		now = time.Now
	}

	var missing []string
	for _, name := range d.Endpoints {
		if strings.TrimSpace(endpoints[name]) == "" {
			missing = append(missing, "endpoints."+name)
		}
	}
	for _, name := range d.Vars {
		if _, ok := vars[name]; !ok {
			missing = append(missing, "vars."+name)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("workflow %s: missing configuration: %s", d.Name, strings.Join(missing, ", "))
	}

	columns := d.KeyColumns
	rename := map[string]string{}
	if len(env.KeyColumns) > 0 {
		if len(env.KeyColumns) != len(d.KeyColumns) {
			return nil, eris.Errorf("workflow %s: expected %d key column(s), got %d", d.Name, len(d.KeyColumns), len(env.KeyColumns))
		}
		for i, c := range d.KeyColumns {
			rename[c] = env.KeyColumns[i]
		}
		columns = env.KeyColumns
	}
	col := func(c string) string {
		if r, ok := rename[c]; ok {
			return r
		}
		return c
	}

	p := &Pipeline{Name: d.Name, KeyColumns: append([]string(nil), columns...)}
	for _, sd := range d.Stages {
		mode, err := ParseMode(sd.Mode)
		if err != nil {
			return nil, err
		}

		urlFn, err := compileURL(d.Name, sd, d.KeyColumns, col, endpoints, vars)
		if err != nil {
			return nil, err
		}

		st := Stage{
			Name:   sd.Name,
			Mode:   mode,
			Method: sd.Method,
			From:   sd.From,
			URL:    urlFn,
		}
		if len(sd.Match) > 0 {
			st.Match = compileMatch(sd.Match, col)
		}
		if sd.Payload != nil {
			st.Payload = compilePayload(*sd.Payload, col, vars, now)
		}
		p.Stages = append(p.Stages, st)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func compileURL(workflow string, sd StageDef, defColumns []string, col func(string) string, endpoints map[string]string, vars map[string]any) (URLFunc, error) {
	tmpl, err := template.New(sd.Name).Option("missingkey=error").Parse(sd.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow %s: stage %q url", workflow, sd.Name)
	}

	return func(key model.Key, rec Record) (string, error) {
		// Templates refer to the definition's column names even when the
		// input file uses different ones. Key values land in a path segment.
		keyMap := make(map[string]string, len(defColumns))
		for _, c := range defColumns {
			keyMap[c] = url.PathEscape(key.Get(col(c)))
		}

		var buf bytes.Buffer
		err := tmpl.Execute(&buf, urlData{
			Key:       keyMap,
			Endpoints: endpoints,
			Vars:      vars,
			Record:    rec,
		})
		if err != nil {
			return "", eris.Wrapf(err, "stage %s: build url", sd.Name)
		}
		return strings.TrimSpace(buf.String()), nil
	}, nil
}

func compileMatch(defs []MatchDef, col func(string) string) MatchFunc {
	conds := append([]MatchDef(nil), defs...)
	return func(key model.Key, rec Record) bool {
		for _, c := range conds {
			want := c.Value
			if c.Key != "" {
				want = key.Get(col(c.Key))
			}
			if stringify(rec[c.Field]) != want {
				return false
			}
		}
		return true
	}
}

func compilePayload(pd PayloadDef, col func(string) string, vars map[string]any, now func() time.Time) PayloadFunc {
	return func(key model.Key, rec Record) (Record, error) {
		out := make(Record, len(rec)+len(pd.Set)+len(pd.Keys))
		if pd.CopyAll {
			for k, v := range rec {
				out[k] = v
			}
		}
		for _, f := range pd.Copy {
			if v, ok := rec[f]; ok {
				out[f] = v
			} else {
				out[f] = ""
			}
		}
		for field, c := range pd.Keys {
			out[field] = coerceInt(key.Get(col(c)))
		}
		for field, v := range pd.Set {
			resolved, err := resolve(v, key, col, vars, now)
			if err != nil {
				return nil, eris.Wrapf(err, "payload field %s", field)
			}
			out[field] = resolved
		}
		for _, f := range pd.NullifyEmpty {
			if isEmpty(out[f]) {
				out[f] = nil
			}
		}
		return out, nil
	}
}

// resolve expands $now, $var.<name> and $key.<column> references. Nested
// maps and lists are resolved recursively; other values are literals.
func resolve(v any, key model.Key, col func(string) string, vars map[string]any, now func() time.Time) (any, error) {
	switch val := v.(type) {
	case string:
		switch {
		case val == "$now":
			return now().Format(nowLayout), nil
		case strings.HasPrefix(val, "$var."):
			name := strings.ToLower(strings.TrimPrefix(val, "$var."))
			resolved, ok := vars[name]
			if !ok {
				return nil, eris.Errorf("unknown var %q", name)
			}
			return resolved, nil
		case strings.HasPrefix(val, "$key."):
			return key.Get(col(strings.TrimPrefix(val, "$key."))), nil
		default:
			return val, nil
		}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolve(item, key, col, vars, now)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolve(item, key, col, vars, now)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func coerceInt(s string) any {
	if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
		return n
	}
	return s
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func lowerKeysAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
