package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// emptyHeaders are written when an export matches no records so consumers
// still get a parseable file.
var emptyHeaders = []string{"id", "job_id", "url", "extracted_at"}

func writeCSV(path string, rows []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	flat := make([]map[string]any, len(rows))
	for i, row := range rows {
		flat[i] = flattenRow(row)
	}
	headers := columnHeaders(flat)
	if err := w.Write(headers); err != nil {
		return err
	}
	for _, row := range flat {
		out := make([]string, len(headers))
		for i, h := range headers {
			out[i] = cellString(row[h])
		}
		if err := w.Write(out); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func writeJSON(path string, rows []map[string]any, now time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if rows == nil {
		rows = []map[string]any{}
	}
	doc := map[string]any{
		"export_metadata": map[string]any{
			"generated_at":  now.UTC().Format(time.RFC3339),
			"total_records": len(rows),
			"format":        string(FormatJSON),
		},
		"data": rows,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return f.Close()
}

func writeXLSX(path string, rows []map[string]any, now time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	const dataSheet = "Scraped Data"
	f.SetSheetName("Sheet1", dataSheet)

	flat := make([]map[string]any, len(rows))
	for i, row := range rows {
		flat[i] = flattenRow(row)
	}
	headers := columnHeaders(flat)
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(dataSheet, cell, h); err != nil {
			return err
		}
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err == nil {
		if last, cerr := excelize.CoordinatesToCellName(len(headers), 1); cerr == nil {
			f.SetCellStyle(dataSheet, "A1", last, headerStyle)
		}
	}
	for rowIdx, row := range flat {
		for i, h := range headers {
			cell, err := excelize.CoordinatesToCellName(i+1, rowIdx+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(dataSheet, cell, cellString(row[h])); err != nil {
				return err
			}
		}
	}

	const summarySheet = "Export Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"Metric", "Value"},
		{"Total Records", len(rows)},
		{"Export Generated At", now.UTC().Format(time.RFC3339)},
		{"Format", string(FormatXLSX)},
	}
	for i, pair := range summary {
		for j, v := range pair {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(summarySheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

// columnHeaders returns the sorted union of keys across all rows, or the
// placeholder headers when there are none.
func columnHeaders(rows []map[string]any) []string {
	if len(rows) == 0 {
		return emptyHeaders
	}
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	headers := make([]string, 0, len(seen))
	for k := range seen {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}

// flattenRow collapses nested maps into underscore-joined columns and lists
// into comma-separated strings, for tabular formats.
func flattenRow(row map[string]any) map[string]any {
	flat := make(map[string]any, len(row))
	for key, value := range row {
		switch v := value.(type) {
		case map[string]any:
			for nk, nv := range v {
				flat[key+"_"+nk] = cellString(nv)
			}
		case []any:
			parts := make([]string, len(v))
			for i, item := range v {
				parts[i] = cellString(item)
			}
			flat[key] = strings.Join(parts, ", ")
		default:
			flat[key] = value
		}
	}
	return flat
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; keep integers unpadded.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
