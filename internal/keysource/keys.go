// Package keysource loads the entity keys a batch runs over from a
// semicolon-delimited file or a spreadsheet.
package keysource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/contract-toolkit/internal/model"
)

// InputError reports a key file that cannot be used: missing or unreadable,
// missing key column, or rejected by every reader.
type InputError struct {
	Path   string
	Column string
	Err    error
}

func (e *InputError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("input %s (column %s): %v", e.Path, e.Column, e.Err)
	}
	return fmt.Sprintf("input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// errMissingColumn is returned by extract; its column becomes InputError.Column.
type errMissingColumn struct {
	column string
	header []string
}

func (e *errMissingColumn) Error() string {
	return fmt.Sprintf("column %q not in header %v", e.column, e.header)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Load reads the distinct keys formed by columns, in first-seen order.
// Delimited files go through a strict reader first and a lenient one when
// that fails; .xlsx files are read from their first sheet.
func Load(ctx context.Context, path string, columns ...string) ([]model.Key, error) {
	if len(columns) == 0 {
		return nil, &InputError{Path: path, Err: eris.New("no key column given")}
	}

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		header, rows, err := readXLSX(path)
		if err != nil {
			return nil, &InputError{Path: path, Err: err}
		}
		return finish(path, header, rows, columns)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InputError{Path: path, Err: eris.Wrap(err, "keysource: read file")}
	}

	keys, primaryErr := loadStrict(ctx, data, columns)
	if primaryErr == nil {
		return logLoaded(path, keys), nil
	}
	// The strict reader parsed the header; a lenient one would not find
	// the column either.
	var mc *errMissingColumn
	if errors.As(primaryErr, &mc) {
		return nil, &InputError{Path: path, Column: mc.column, Err: primaryErr}
	}
	zap.L().Warn("strict reader failed, retrying with lenient reader",
		zap.String("path", path),
		zap.Error(primaryErr),
	)

	header, rows, err := readLenient(ctx, data)
	if err != nil {
		return nil, &InputError{Path: path, Err: eris.Wrapf(err, "both readers failed (strict: %v)", primaryErr)}
	}
	return finish(path, header, rows, columns)
}

func finish(path string, header []string, rows [][]string, columns []string) ([]model.Key, error) {
	keys, err := extract(header, rows, columns)
	if err != nil {
		var mc *errMissingColumn
		if errors.As(err, &mc) {
			return nil, &InputError{Path: path, Column: mc.column, Err: err}
		}
		return nil, &InputError{Path: path, Err: err}
	}
	return logLoaded(path, keys), nil
}

func logLoaded(path string, keys []model.Key) []model.Key {
	zap.L().Info("keys loaded", zap.String("path", path), zap.Int("count", len(keys)))
	return keys
}

// loadStrict accepts only well-formed UTF-8 with a fixed field count.
func loadStrict(ctx context.Context, data []byte, columns []string) ([]model.Key, error) {
	if !utf8.Valid(data) {
		return nil, eris.New("keysource: input is not valid UTF-8")
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	header, rows, err := collect(ctx, bytes.NewReader(data), CSVOptions{FixedFields: true})
	if err != nil {
		return nil, err
	}
	return extract(header, rows, columns)
}

// readLenient strips a BOM, decodes Windows-1252 input and tolerates stray
// quotes and ragged rows.
func readLenient(ctx context.Context, data []byte) ([]string, [][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, nil, eris.Wrap(err, "keysource: decode windows-1252")
		}
		data = decoded
	}
	return collect(ctx, bytes.NewReader(data), CSVOptions{LazyQuotes: true, TrimSpace: true})
}

// extract projects rows onto columns, dropping rows with an empty key value
// and repeated tuples.
func extract(header []string, rows [][]string, columns []string) ([]model.Key, error) {
	idx := make([]int, len(columns))
	for i, col := range columns {
		idx[i] = -1
		for j, h := range header {
			if strings.TrimSpace(h) == col {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, &errMissingColumn{column: col, header: header}
		}
	}

	seen := make(map[string]struct{}, len(rows))
	keys := make([]model.Key, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		values := make([]string, len(idx))
		blank := false
		for i, j := range idx {
			if j < len(row) {
				values[i] = strings.TrimSpace(row[j])
			}
			if values[i] == "" {
				blank = true
			}
		}
		if blank {
			skipped++
			continue
		}

		id := strings.Join(values, "\x00")
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, model.NewKey(columns, values))
	}

	if skipped > 0 {
		zap.L().Warn("rows with empty key skipped", zap.Int("count", skipped))
	}
	return keys, nil
}
