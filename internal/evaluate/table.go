package evaluate

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"reid/internal/fsutil"
)

var tableHeader = []string{"Subject ID", "Cost Function", "Metric", "Value"}

// Key is the unique three-level index of a results row.
type Key struct {
	Subject      string `json:"subject_id"`
	CostFunction string `json:"cost_function"`
	Metric       string `json:"metric"`
}

// Row is one keyed value.
type Row struct {
	Key
	Value float64 `json:"value"`
}

// ErrDuplicateKey is returned by Add for an index that already holds a value.
var ErrDuplicateKey = errors.New("duplicate results key")

// Table holds results indexed by (subject, cost function, metric).
type Table struct {
	values map[Key]float64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{values: make(map[Key]float64)}
}

// Add inserts a value and rejects an existing key.
func (t *Table) Add(k Key, v float64) error {
	if _, ok := t.values[k]; ok {
		return fmt.Errorf("%s/%s/%s: %w", k.Subject, k.CostFunction, k.Metric, ErrDuplicateKey)
	}
	t.values[k] = v
	return nil
}

// Set inserts or replaces a value.
func (t *Table) Set(k Key, v float64) {
	t.values[k] = v
}

// Get returns the value at k.
func (t *Table) Get(k Key) (float64, bool) {
	v, ok := t.values[k]
	return v, ok
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.values) }

// Rows returns every row sorted by subject, cost function, then metric.
func (t *Table) Rows() []Row {
	rows := make([]Row, 0, len(t.values))
	for k, v := range t.values {
		rows = append(rows, Row{Key: k, Value: v})
	}
	sortRows(rows)
	return rows
}

// Query filters rows; an empty argument matches anything.
func (t *Table) Query(subject, costFunction, metric string) []Row {
	var rows []Row
	for k, v := range t.values {
		if subject != "" && k.Subject != subject {
			continue
		}
		if costFunction != "" && k.CostFunction != costFunction {
			continue
		}
		if metric != "" && k.Metric != metric {
			continue
		}
		rows = append(rows, Row{Key: k, Value: v})
	}
	sortRows(rows)
	return rows
}

// WriteCSV writes the header and sorted rows.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tableHeader); err != nil {
		return err
	}
	for _, r := range t.Rows() {
		rec := []string{r.Subject, r.CostFunction, r.Metric, strconv.FormatFloat(r.Value, 'g', -1, 64)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save atomically writes the table as CSV.
func (t *Table) Save(path string) error {
	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// ReadCSV parses a table written by WriteCSV. Duplicate keys are an error.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(tableHeader)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range tableHeader {
		if header[i] != h {
			return nil, fmt.Errorf("unexpected column %q, want %q", header[i], h)
		}
	}

	t := NewTable()
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("row %v: %w", rec, err)
		}
		if err := t.Add(Key{Subject: rec[0], CostFunction: rec[1], Metric: rec[2]}, v); err != nil {
			return nil, err
		}
	}
}

// LoadTable reads a CSV table from disk.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.CostFunction != b.CostFunction {
			return a.CostFunction < b.CostFunction
		}
		return a.Metric < b.Metric
	})
}
