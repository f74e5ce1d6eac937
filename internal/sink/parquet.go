package sink

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
)

// headerKey stores the column order in the file metadata; parquet groups
// order their fields by name.
const headerKey = "contract-toolkit.header"

func parquetSchema(header []string) *parquet.Schema {
	group := make(parquet.Group, len(header))
	for _, h := range header {
		group[h] = parquet.Optional(parquet.String())
	}
	return parquet.NewSchema("results", group)
}

func writeParquet(t *Table, path string) error {
	if dup := firstDuplicate(t.Header); dup != "" {
		return eris.Errorf("parquet: duplicate column %q", dup)
	}

	schema := parquetSchema(t.Header)
	leaf := make(map[string]int, len(t.Header))
	for i, field := range schema.Fields() {
		leaf[field.Name()] = i
	}

	order, err := json.Marshal(t.Header)
	if err != nil {
		return eris.Wrap(err, "parquet: encode header")
	}

	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "parquet: create file")
	}
	defer f.Close() //nolint:errcheck

	w := parquet.NewWriter(f, schema, parquet.KeyValueMetadata(headerKey, string(order)))

	rows := make([]parquet.Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		row := make(parquet.Row, len(t.Header))
		for j, h := range t.Header {
			col := leaf[h]
			if j < len(r) && r[j] != nil {
				row[col] = parquet.ValueOf(*r[j]).Level(0, 1, col)
			} else {
				row[col] = parquet.Value{}.Level(0, 0, col)
			}
		}
		rows = append(rows, row)
	}

	if _, err := w.WriteRows(rows); err != nil {
		return eris.Wrap(err, "parquet: write rows")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "parquet: close writer")
	}
	return eris.Wrap(f.Close(), "parquet: close file")
}

func readParquet(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "parquet: open file")
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, eris.Wrap(err, "parquet: stat file")
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, eris.Wrap(err, "parquet: read footer")
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name()
	}

	header := names
	if raw, ok := pf.Lookup(headerKey); ok {
		var stored []string
		if err := json.Unmarshal([]byte(raw), &stored); err == nil && len(stored) == len(names) {
			header = stored
		}
	}
	pos := make(map[int]int, len(names))
	for j, h := range header {
		for i, n := range names {
			if n == h {
				pos[i] = j
			}
		}
	}

	t := &Table{Header: header}
	buf := make([]parquet.Row, 64)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, r := range buf[:n] {
				out := make([]*string, len(header))
				for _, v := range r {
					j, ok := pos[v.Column()]
					if !ok || v.IsNull() {
						continue
					}
					s := string(v.ByteArray())
					out[j] = &s
				}
				t.Rows = append(t.Rows, out)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, eris.Wrap(err, "parquet: read rows")
			}
			if n == 0 {
				break
			}
		}
		if err := rows.Close(); err != nil {
			return nil, eris.Wrap(err, "parquet: close rows")
		}
	}
	return t, nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}
