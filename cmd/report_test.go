package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contract-toolkit/internal/config"
	"github.com/sells-group/contract-toolkit/internal/sink"
)

func strp(s string) *string { return &s }

func TestReportFile(t *testing.T) {
	for _, format := range sink.Formats {
		t.Run(string(format), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "result"+format.Ext())
			tbl := &sink.Table{
				Header: []string{"EC", "CONTRATO", "busca", "cancela"},
				Rows: [][]*string{
					{strp("1"), strp("A"), strp("found"), strp("updated")},
					{strp("2"), strp("B"), strp("found"), strp("failed")},
					{strp("3"), strp("C"), strp("not_found"), nil},
				},
			}
			require.NoError(t, sink.WriteTable(tbl, path, format))

			var buf bytes.Buffer
			require.NoError(t, reportFile(&buf, path, 2))

			out := buf.String()
			assert.Contains(t, out, "Keys: EC, CONTRATO")
			assert.Contains(t, out, "Rows: 3")
			assert.Regexp(t, `busca\s+2\s+1\s+0\s+0\s+0`, out)
			assert.Regexp(t, `cancela\s+0\s+0\s+1\s+1\s+0`, out)
		})
	}
}

func TestReportFile_BadKeyColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.csv")
	require.NoError(t, sink.WriteTable(&sink.Table{Header: []string{"EC", "s"}, Rows: [][]*string{{strp("1"), strp("found")}}}, path, sink.FormatCSV))

	err := reportFile(&bytes.Buffer{}, path, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5 key columns")
}

func TestReportFile_UnknownExtension(t *testing.T) {
	err := reportFile(&bytes.Buffer{}, "result.json", 1)
	require.Error(t, err)
}

func TestWorkflowKeyColumns(t *testing.T) {
	c := &config.Config{}
	n, err := workflowKeyColumns(c, "REATIVA")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	c.Workflows = map[string]config.WorkflowConfig{"isenta": {KeyColumns: []string{"NUM_CONTRATO"}}}
	n, err = workflowKeyColumns(c, "isenta")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = workflowKeyColumns(c, "nope")
	assert.Error(t, err)
}
