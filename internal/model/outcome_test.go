package model

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_ValidAndHalts(t *testing.T) {
	for _, s := range Statuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("done").Valid())
	assert.True(t, StatusNotFound.Halts())
	assert.True(t, StatusFailed.Halts())
	assert.False(t, StatusFound.Halts())
	assert.False(t, StatusSkipped.Halts())
}

func TestOutcome_Row(t *testing.T) {
	o := Outcome{
		Key: SingleKey("CONTRATO", "200"),
		Results: []StageResult{
			{Stage: "CONTRATO", Status: StatusNotFound},
			{Stage: "STATUS", Status: StatusSkipped},
		},
	}
	assert.Equal(t, []string{"200", "not_found", "skipped"}, o.Row())
	assert.False(t, o.Failed())
	assert.Equal(t, StatusNotFound, o.Last())
}

func TestOutcome_ShortRow(t *testing.T) {
	o := Outcome{
		Key:     NewKey([]string{"EC", "CONTRATO"}, []string{"1", "2"}),
		Results: []StageResult{{Stage: "CONTRATO", Status: StatusFailed, Detail: "task timeout"}},
	}
	assert.Equal(t, []string{"1", "2", "failed"}, o.Row())
	assert.True(t, o.Failed())
}

func TestResultTable_SortedByIndex(t *testing.T) {
	table := NewResultTable(3)
	table.Add(Outcome{Index: 2, Key: SingleKey("K", "c")})
	table.Add(Outcome{Index: 0, Key: SingleKey("K", "a")})
	table.Add(Outcome{Index: 1, Key: SingleKey("K", "b")})

	rows := table.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0][0])
	assert.Equal(t, "b", rows[1][0])
	assert.Equal(t, "c", rows[2][0])
}

func TestResultTable_ConcurrentAdd(t *testing.T) {
	table := NewResultTable(0)
	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table.Add(Outcome{Index: i, Key: SingleKey("K", fmt.Sprint(i))})
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, table.Len())
	sorted := table.Sorted()
	for i, o := range sorted {
		assert.Equal(t, i, o.Index)
	}
}

func TestResultTable_Counts(t *testing.T) {
	table := NewResultTable(2)
	table.Add(Outcome{Index: 0, Key: SingleKey("K", "1"), Results: []StageResult{
		{Stage: "A", Status: StatusFound}, {Stage: "B", Status: StatusUpdated},
	}})
	table.Add(Outcome{Index: 1, Key: SingleKey("K", "2"), Results: []StageResult{
		{Stage: "A", Status: StatusNotFound}, {Stage: "B", Status: StatusSkipped},
	}})

	counts := table.Counts()
	assert.Equal(t, 1, counts[StatusFound])
	assert.Equal(t, 1, counts[StatusUpdated])
	assert.Equal(t, 1, counts[StatusNotFound])
	assert.Equal(t, 1, counts[StatusSkipped])

	byStage := table.CountsByStage()
	assert.Equal(t, 1, byStage["A"][StatusFound])
	assert.Equal(t, 1, byStage["B"][StatusSkipped])
}
