package workflow

import (
	"embed"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var builtinFS embed.FS

// Definition is the declarative form of a Pipeline, loaded from YAML.
type Definition struct {
	Name        string     `yaml:"name" json:"name" validate:"required"`
	Description string     `yaml:"description" json:"description,omitempty"`
	KeyColumns  []string   `yaml:"key_columns" json:"key_columns" validate:"required,min=1,dive,required"`
	Endpoints   []string   `yaml:"endpoints" json:"endpoints,omitempty" validate:"dive,required"`
	Vars        []string   `yaml:"vars" json:"vars,omitempty" validate:"dive,required"`
	Stages      []StageDef `yaml:"stages" json:"stages" validate:"required,min=1,dive"`
}

// StageDef declares one stage.
type StageDef struct {
	Name    string      `yaml:"name" json:"name" validate:"required"`
	Method  string      `yaml:"method" json:"method" validate:"required,oneof=GET PUT"`
	Mode    string      `yaml:"mode" json:"mode,omitempty" validate:"omitempty,oneof=structural fanout"`
	From    string      `yaml:"from" json:"from,omitempty"`
	URL     string      `yaml:"url" json:"url" validate:"required"`
	Match   []MatchDef  `yaml:"match" json:"match,omitempty" validate:"dive"`
	Payload *PayloadDef `yaml:"payload" json:"payload,omitempty"`
}

// MatchDef keeps records whose Field equals either a key column's value or a
// literal. Comparison is on the string form.
type MatchDef struct {
	Field string `yaml:"field" json:"field" validate:"required"`
	Key   string `yaml:"key" json:"key,omitempty" validate:"required_without=Value,excluded_with=Value"`
	Value string `yaml:"value" json:"value,omitempty"`
}

// PayloadDef describes how a PUT body is derived from a source record.
type PayloadDef struct {
	CopyAll      bool              `yaml:"copy_all" json:"copy_all,omitempty"`
	Copy         []string          `yaml:"copy" json:"copy,omitempty"`
	NullifyEmpty []string          `yaml:"nullify_empty" json:"nullify_empty,omitempty"`
	Keys         map[string]string `yaml:"keys" json:"keys,omitempty"`
	Set          map[string]any    `yaml:"set" json:"set,omitempty"`
}

// ParseDefinition decodes and validates one YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, eris.Wrap(err, "workflow: parse definition")
	}
	d.normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Definition) normalize() {
	d.Name = strings.ToLower(strings.TrimSpace(d.Name))
	for i := range d.Endpoints {
		d.Endpoints[i] = strings.ToLower(d.Endpoints[i])
	}
	for i := range d.Vars {
		d.Vars[i] = strings.ToLower(d.Vars[i])
	}
	for i := range d.Stages {
		d.Stages[i].Method = strings.ToUpper(strings.TrimSpace(d.Stages[i].Method))
		d.Stages[i].Mode = strings.ToLower(strings.TrimSpace(d.Stages[i].Mode))
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-references between stages.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed '"+fe.Tag()+"'")
			}
			return eris.Errorf("workflow %s: invalid definition: %s", d.Name, strings.Join(msgs, "; "))
		}
		return eris.Wrapf(err, "workflow %s: validate", d.Name)
	}

	columns := make(map[string]bool, len(d.KeyColumns))
	for _, c := range d.KeyColumns {
		columns[c] = true
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if seen[s.Name] {
			return eris.Errorf("workflow %s: duplicate stage %q", d.Name, s.Name)
		}
		if s.From != "" && !seen[s.From] {
			return eris.Errorf("workflow %s: stage %q reads from %q, which is not an earlier stage", d.Name, s.Name, s.From)
		}
		if s.Method == "PUT" && s.Payload == nil {
			return eris.Errorf("workflow %s: PUT stage %q has no payload", d.Name, s.Name)
		}
		if s.Method == "GET" && s.Payload != nil {
			return eris.Errorf("workflow %s: GET stage %q cannot have a payload", d.Name, s.Name)
		}
		if s.Method == "PUT" && len(s.Match) > 0 {
			return eris.Errorf("workflow %s: PUT stage %q cannot have match conditions", d.Name, s.Name)
		}
		for _, m := range s.Match {
			if m.Key != "" && !columns[m.Key] {
				return eris.Errorf("workflow %s: stage %q matches on unknown key column %q", d.Name, s.Name, m.Key)
			}
		}
		if s.Payload != nil {
			for field, col := range s.Payload.Keys {
				if !columns[col] {
					return eris.Errorf("workflow %s: stage %q maps %s to unknown key column %q", d.Name, s.Name, field, col)
				}
			}
		}
		seen[s.Name] = true
	}
	return nil
}

// Builtins returns the definitions shipped with the binary, keyed by name.
func Builtins() (map[string]*Definition, error) {
	entries, err := builtinFS.ReadDir("definitions")
	if err != nil {
		return nil, eris.Wrap(err, "workflow: read built-in definitions")
	}

	defs := make(map[string]*Definition, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile("definitions/" + e.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "workflow: read %s", e.Name())
		}
		d, err := ParseDefinition(data)
		if err != nil {
			return nil, eris.Wrapf(err, "workflow: built-in %s", e.Name())
		}
		defs[d.Name] = d
	}
	return defs, nil
}

// LoadDefinitions returns the built-in definitions overlaid with every
// *.yaml/*.yml file in dir. A definition in dir replaces a built-in of the
// same name. An empty dir yields the built-ins only.
func LoadDefinitions(dir string) (map[string]*Definition, error) {
	defs, err := Builtins()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return defs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: read definitions dir %s", dir)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		d, err := LoadDefinitionFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs[d.Name] = d
	}
	return defs, nil
}

// LoadDefinitionFile reads and validates a single definition file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: read %s", path)
	}
	d, err := ParseDefinition(data)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: %s", path)
	}
	return d, nil
}

// Names returns the sorted names of defs.
func Names(defs map[string]*Definition) []string {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
