// Package sink writes result tables to spreadsheet, delimited and columnar
// files, and reads them back.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contract-toolkit/internal/model"
)

// Format selects the output file type.
type Format string

const (
	FormatXLSX    Format = "xlsx"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Formats lists the supported formats.
var Formats = []Format{FormatXLSX, FormatCSV, FormatParquet}

// ParseFormat accepts a format name. "excel" and "" mean xlsx.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xlsx", "excel":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return "", eris.Errorf("sink: unknown format %q", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Ext returns the file extension for f, including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// OutputPath replaces the extension of path to match f.
func OutputPath(path string, f Format) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + f.Ext()
}

// ErrEmptyTable is returned when there is nothing to write. Callers treat it
// as a warning.
var ErrEmptyTable = eris.New("sink: empty result table")

// OutputError reports a destination that could not be written. The results
// are still available in memory.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}

// Table is a header and rows of cell values. A nil cell is null.
type Table struct {
	Header []string
	Rows   [][]*string
}

// Strings returns the rows with nulls as empty strings.
func (t *Table) Strings() [][]string {
	out := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = make([]string, len(row))
		for j, c := range row {
			if c != nil {
				out[i][j] = *c
			}
		}
	}
	return out
}

// FromResults builds a Table from outcomes in input order. Rows shorter than
// schema are padded with nulls; rows longer than schema widen the header.
func FromResults(results *model.ResultTable, schema []string) *Table {
	rows := results.Rows()

	width := len(schema)
	for _, r := range rows {
		width = max(width, len(r))
	}

	header := append([]string(nil), schema...)
	for i := len(header); i < width; i++ {
		header = append(header, fmt.Sprintf("column_%d", i+1))
	}

	t := &Table{Header: header, Rows: make([][]*string, len(rows))}
	for i, r := range rows {
		cells := make([]*string, width)
		for j := range r {
			v := r[j]
			cells[j] = &v
		}
		t.Rows[i] = cells
	}
	return t
}

// Write renders results to path in format and returns the path actually
// written, whose extension always matches format. The parent directory is
// created when missing.
func Write(results *model.ResultTable, schema []string, path string, format Format) (string, error) {
	if results == nil || results.Len() == 0 {
		return "", ErrEmptyTable
	}

	out := OutputPath(path, format)
	if err := WriteTable(FromResults(results, schema), out, format); err != nil {
		return out, err
	}

	zap.L().Info("results written",
		zap.String("path", out),
		zap.String("format", string(format)),
		zap.Int("rows", results.Len()),
	)
	return out, nil
}

// WriteTable writes t to path in format.
func WriteTable(t *Table, path string, format Format) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &OutputError{Path: path, Err: eris.Wrap(err, "sink: create directory")}
		}
	}

	var err error
	switch format {
	case FormatXLSX:
		err = writeXLSX(t, path)
	case FormatCSV:
		err = writeCSV(t, path)
	case FormatParquet:
		err = writeParquet(t, path)
	default:
		err = eris.Errorf("sink: unknown format %q", format)
	}
	if err != nil {
		return &OutputError{Path: path, Err: err}
	}
	return nil
}

// Read loads a file written by Write, choosing the reader by extension.
func Read(path string) (*Table, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatCSV:
		return readCSV(path)
	case FormatParquet:
		return readParquet(path)
	default:
		return readXLSX(path)
	}
}

// StageCounts tallies statuses per stage column of a table read back from
// disk. Key columns are the first keyColumns columns.
func StageCounts(t *Table, keyColumns int) model.StageCounts {
	counts := make(model.StageCounts)
	for j := keyColumns; j < len(t.Header); j++ {
		stage := t.Header[j]
		counts[stage] = make(map[model.Status]int)
		for _, row := range t.Rows {
			if j < len(row) && row[j] != nil && *row[j] != "" {
				counts[stage][model.Status(*row[j])]++
			}
		}
	}
	return counts
}
