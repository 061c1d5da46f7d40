// Package table reads, reshapes and writes the CSV result tables exchanged
// with workloads. Values are kept as strings.
package table

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

type Table struct {
	Header []string
	Rows   [][]string
}

func Read(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}

	t := &Table{Header: records[0], Rows: records[1:]}
	for i, row := range t.Rows {
		t.Rows[i] = pad(row, len(t.Header))
	}
	return t, nil
}

func (t *Table) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	w := csv.NewWriter(file)
	if err := w.Write(t.Header); err != nil {
		file.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Index returns the position of column, or -1.
func (t *Table) Index(column string) int {
	for i, h := range t.Header {
		if h == column {
			return i
		}
	}
	return -1
}

func (t *Table) Has(column string) bool {
	return t.Index(column) >= 0
}

// Filter keeps the rows whose value equals want for every listed column
// that exists in the table. Columns the table lacks are ignored.
func (t *Table) Filter(want map[string]string) *Table {
	idx := map[int]string{}
	for col, val := range want {
		if i := t.Index(col); i >= 0 {
			idx[i] = val
		}
	}
	out := &Table{Header: append([]string(nil), t.Header...)}
	for _, row := range t.Rows {
		keep := true
		for i, val := range idx {
			if row[i] != val {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, append([]string(nil), row...))
		}
	}
	return out
}

// Drop removes the listed columns; unknown names are ignored.
func (t *Table) Drop(columns ...string) *Table {
	remove := map[int]bool{}
	for _, col := range columns {
		if i := t.Index(col); i >= 0 {
			remove[i] = true
		}
	}
	out := &Table{}
	for i, h := range t.Header {
		if !remove[i] {
			out.Header = append(out.Header, h)
		}
	}
	for _, row := range t.Rows {
		kept := make([]string, 0, len(out.Header))
		for i, v := range row {
			if !remove[i] {
				kept = append(kept, v)
			}
		}
		out.Rows = append(out.Rows, kept)
	}
	return out
}

// Set assigns value to column in every row, appending the column if needed.
func (t *Table) Set(column, value string) {
	i := t.Index(column)
	if i < 0 {
		t.Header = append(t.Header, column)
		i = len(t.Header) - 1
		for r := range t.Rows {
			t.Rows[r] = append(t.Rows[r], "")
		}
	}
	for _, row := range t.Rows {
		row[i] = value
	}
}

// Records returns the rows as column->value maps.
func (t *Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Header))
		for i, h := range t.Header {
			rec[h] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// Concat stacks tables under the union of their headers, in first-seen
// column order. Missing cells are empty.
func Concat(tables ...*Table) *Table {
	out := &Table{}
	pos := map[string]int{}
	for _, t := range tables {
		for _, h := range t.Header {
			if _, ok := pos[h]; !ok {
				pos[h] = len(out.Header)
				out.Header = append(out.Header, h)
			}
		}
	}
	for _, t := range tables {
		for _, row := range t.Rows {
			merged := make([]string, len(out.Header))
			for i, h := range t.Header {
				merged[pos[h]] = row[i]
			}
			out.Rows = append(out.Rows, merged)
		}
	}
	return out
}

func pad(row []string, n int) []string {
	if len(row) >= n {
		return row[:n]
	}
	return append(row, make([]string, n-len(row))...)
}
