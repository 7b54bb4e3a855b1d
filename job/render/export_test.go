package render

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecords() []map[string]interface{} {
	return []map[string]interface{}{
		{"name": "ada", "age": float64(36)},
		{"name": "babbage", "age": float64(79)},
	}
}

func TestExportJSONLinesWritesOneObjectPerLine(t *testing.T) {
	data, ext, err := Export("jsonl", sampleRecords())
	require.NoError(t, err)
	require.Equal(t, "jsonl", ext)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "ada", first["name"])
}

func TestExportCSVWritesSortedHeaderAndRows(t *testing.T) {
	data, ext, err := Export("csv", sampleRecords())
	require.NoError(t, err)
	require.Equal(t, "csv", ext)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, "age,name", lines[0])
	require.Contains(t, lines[1], "ada")
}

func TestExportColumnarGroupsValuesByField(t *testing.T) {
	data, ext, err := Export("columnar", sampleRecords())
	require.NoError(t, err)
	require.Equal(t, "columnar", ext)

	var doc columnarDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, []string{"age", "name"}, doc.Columns)
	require.Len(t, doc.Values["name"], 2)
	require.Equal(t, "ada", doc.Values["name"][0])
}

func TestExportUnknownFormatReturnsError(t *testing.T) {
	_, _, err := Export("xml", sampleRecords())
	require.Error(t, err)
}

func TestExportHandlesEmptyRecordSet(t *testing.T) {
	data, ext, err := Export("jsonl", nil)
	require.NoError(t, err)
	require.Equal(t, "jsonl", ext)
	require.Empty(t, data)
}
