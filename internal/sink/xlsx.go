package sink

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

const sheetName = "results"

func writeXLSX(t *Table, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range t.Header {
		header.AddCell().SetString(h)
	}

	for _, row := range t.Rows {
		r := sheet.AddRow()
		for j := range t.Header {
			cell := r.AddCell()
			if j < len(row) && row[j] != nil {
				cell.SetString(*row[j])
			}
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "xlsx: save file")
	}
	return nil
}

func readXLSX(path string) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 || len(f.Sheets[0].Rows) == 0 {
		return nil, eris.New("xlsx: missing header row")
	}

	sheet := f.Sheets[0]
	t := &Table{}
	for _, c := range sheet.Rows[0].Cells {
		t.Header = append(t.Header, c.String())
	}
	for _, r := range sheet.Rows[1:] {
		row := make([]*string, len(t.Header))
		if r != nil {
			for j, c := range r.Cells {
				if j >= len(row) {
					break
				}
				if v := c.String(); v != "" {
					row[j] = &v
				}
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
