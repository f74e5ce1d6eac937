package keysource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/contract-toolkit/internal/model"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func values(keys []model.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func TestLoad_DedupStrictReader(t *testing.T) {
	path := writeFile(t, "keys.csv", []byte("CONTRATO;NOME\n100;a\n100;b\n200;c\n"))

	keys, err := Load(context.Background(), path, "CONTRATO")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, values(keys))
	assert.Equal(t, "100", keys[0].Get("CONTRATO"))
}

func TestLoad_DedupLenientReader(t *testing.T) {
	// Ragged rows and a BOM force the lenient path.
	path := writeFile(t, "keys.csv", []byte("\xEF\xBB\xBFCONTRATO;NOME\n 100 ;a;extra\n100;b\n200\n"))

	keys, err := Load(context.Background(), path, "CONTRATO")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, values(keys))
}

func TestLoad_Windows1252(t *testing.T) {
	// "CÓDIGO" and "JOÃO" encoded as Windows-1252.
	data := []byte("C\xd3DIGO;NOME\n1;JO\xc3O\n")
	path := writeFile(t, "latin.csv", data)

	keys, err := Load(context.Background(), path, "CÓDIGO", "NOME")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "JOÃO", keys[0].Get("NOME"))
}

func TestLoad_CompositeKey(t *testing.T) {
	path := writeFile(t, "keys.csv", []byte("CPF;CONTRATO\n1;10\n1;11\n1;10\n"))

	keys, err := Load(context.Background(), path, "CPF", "CONTRATO")
	require.NoError(t, err)
	assert.Equal(t, []string{"1|10", "1|11"}, values(keys))
}

func TestLoad_SkipsEmptyKeys(t *testing.T) {
	path := writeFile(t, "keys.csv", []byte("CONTRATO;NOME\n;a\n300;b\n"))

	keys, err := Load(context.Background(), path, "CONTRATO")
	require.NoError(t, err)
	assert.Equal(t, []string{"300"}, values(keys))
}

func TestLoad_MissingColumn(t *testing.T) {
	path := writeFile(t, "keys.csv", []byte("CPF;NOME\n1;a\n"))

	_, err := Load(context.Background(), path, "CONTRATO")
	require.Error(t, err)

	var ie *InputError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "CONTRATO", ie.Column)
	assert.Equal(t, path, ie.Path)
}

func TestLoad_MissingColumnSkipsLenientRetry(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	for _, data := range []string{"CPF;NOME\n1;a\n", "\xEF\xBB\xBFCPF;NOME\n1;a\n"} {
		path := writeFile(t, "keys.csv", []byte(data))

		_, err := Load(context.Background(), path, "CONTRATO")
		require.Error(t, err)
		var ie *InputError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "CONTRATO", ie.Column)
		assert.Contains(t, err.Error(), `column "CONTRATO" not in header [CPF NOME]`)
		assert.NotContains(t, err.Error(), "both readers failed")
	}
	assert.Zero(t, logs.Len())
}

func TestLoad_BOMWithFixedFieldsStaysStrict(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	path := writeFile(t, "keys.csv", []byte("\xEF\xBB\xBFCONTRATO;NOME\n100;a\n200;b\n"))

	keys, err := Load(context.Background(), path, "CONTRATO")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, values(keys))
	assert.Zero(t, logs.Len())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "CONTRATO")
	require.Error(t, err)

	var ie *InputError
	assert.True(t, errors.As(err, &ie))
}

func TestLoad_NoColumns(t *testing.T) {
	_, err := Load(context.Background(), "whatever.csv")
	var ie *InputError
	assert.True(t, errors.As(err, &ie))
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeFile(t, "empty.csv", nil)

	_, err := Load(context.Background(), path, "CONTRATO")
	var ie *InputError
	require.True(t, errors.As(err, &ie))
	assert.Contains(t, err.Error(), "both readers failed")
}

func TestLoad_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, rowData := range [][]string{{"CONTRATO", "NOME"}, {"100", "a"}, {"100", "b"}, {"200", "c"}} {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "keys.xlsx")
	require.NoError(t, f.Save(path))

	keys, err := Load(context.Background(), path, "CONTRATO")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, values(keys))
}
