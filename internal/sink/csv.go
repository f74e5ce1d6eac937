package sink

import (
	"encoding/csv"
	"os"

	"github.com/rotisserie/eris"
)

// delimiter matches the input files the keys come from.
const delimiter = ';'

func writeCSV(t *Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "csv: create file")
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	w.Comma = delimiter

	if err := w.Write(t.Header); err != nil {
		return eris.Wrap(err, "csv: write header")
	}

	record := make([]string, len(t.Header))
	for _, row := range t.Rows {
		for j := range record {
			record[j] = ""
			if j < len(row) && row[j] != nil {
				record[j] = *row[j]
			}
		}
		if err := w.Write(record); err != nil {
			return eris.Wrap(err, "csv: write row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "csv: flush")
	}
	return eris.Wrap(f.Close(), "csv: close file")
}

func readCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.Comma = delimiter
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read file")
	}
	if len(records) == 0 {
		return nil, eris.New("csv: missing header row")
	}

	t := &Table{Header: records[0]}
	for _, rec := range records[1:] {
		row := make([]*string, len(t.Header))
		for j := range row {
			if j < len(rec) && rec[j] != "" {
				v := rec[j]
				row[j] = &v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
