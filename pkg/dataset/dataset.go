// Package dataset loads row-oriented CSV datasets for pin generation.
//
// A dataset is an ordered sequence of rows, each a mapping of column name to
// string value. Row order is significant: row index is the unit of progress
// tracking and resume throughout the pipeline.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Row is one record of the dataset, keyed by column name.
type Row map[string]string

// Dataset holds the parsed CSV contents.
type Dataset struct {
	// Columns preserves the header order from the source file.
	Columns []string

	// Rows are the data records in file order.
	Rows []Row
}

// Len returns the number of data rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// HasColumn reports whether the dataset header contains the named column.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Load reads a CSV dataset from the given file path.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dataset file not found: %s", path)
		}
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	ds, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	return ds, nil
}

// Read parses a CSV dataset from r. The first record is the header.
//
// Short records are padded with empty values; a ragged record longer than
// the header is an error.
func Read(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	// Tolerate short rows; validate long rows ourselves for a clearer error.
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("dataset is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, c := range header {
		columns[i] = strings.TrimSpace(c)
	}

	ds := &Dataset{Columns: columns}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(ds.Rows)+1, err)
		}
		if len(rec) > len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", len(ds.Rows)+1, len(rec), len(columns))
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		ds.Rows = append(ds.Rows, row)
	}

	return ds, nil
}
