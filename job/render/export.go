package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
)

// Export serializes accepted records into the artifact format a job
// requests, written as a single object into the blob store at
// export/{job_id}.{ext}.
func Export(format string, records []map[string]interface{}) ([]byte, string, error) {
	switch format {
	case "jsonl":
		return exportJSONLines(records)
	case "csv":
		return exportCSV(records)
	case "columnar":
		return exportColumnar(records)
	default:
		return nil, "", fmt.Errorf("render: unknown export format %q", format)
	}
}

func exportJSONLines(records []map[string]interface{}) ([]byte, string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, "", fmt.Errorf("render: encode jsonl record: %w", err)
		}
	}
	return buf.Bytes(), "jsonl", nil
}

func exportCSV(records []map[string]interface{}) ([]byte, string, error) {
	columns := columnNames(records)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, "", fmt.Errorf("render: write csv header: %w", err)
	}
	for _, r := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = fmt.Sprintf("%v", r[col])
		}
		if err := w.Write(row); err != nil {
			return nil, "", fmt.Errorf("render: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", fmt.Errorf("render: flush csv: %w", err)
	}
	return buf.Bytes(), "csv", nil
}

// columnarDoc is the on-disk shape of the "columnar" export: one array per
// field name rather than one object per record, reducing repeated key
// overhead for wide, homogeneous record sets.
type columnarDoc struct {
	Columns []string                 `json:"columns"`
	Values  map[string][]interface{} `json:"values"`
}

func exportColumnar(records []map[string]interface{}) ([]byte, string, error) {
	columns := columnNames(records)
	doc := columnarDoc{Columns: columns, Values: make(map[string][]interface{}, len(columns))}
	for _, col := range columns {
		vals := make([]interface{}, len(records))
		for i, r := range records {
			vals[i] = r[col]
		}
		doc.Values[col] = vals
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("render: encode columnar export: %w", err)
	}
	return raw, "columnar", nil
}

func columnNames(records []map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}
