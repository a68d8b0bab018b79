// Package csv provides CSV reading of labelled tabular data and CSV output of scores.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	fio "github.com/hed1ad/fraudrules/pkg/io"
)

// Reader reads data from CSV files.
type Reader struct {
	closer      io.Closer
	reader      *csv.Reader
	hasHeader   bool
	headers     []string
	labelColumn string
	labelIndex  int
	skipped     atomic.Int64
}

var _ fio.Reader = (*Reader)(nil)

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithLabelColumn names the header column holding the 0/1 label.
// The column is excluded from the features.
func WithLabelColumn(name string) Option {
	return func(r *Reader) {
		r.labelColumn = name
	}
}

// NewReader creates a new CSV reader.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := FromReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// FromReader creates a CSV reader over an already open stream.
func FromReader(in io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:     csv.NewReader(in),
		hasHeader:  true,
		labelIndex: -1,
	}

	for _, opt := range opts {
		opt(r)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		for i, h := range headers {
			headers[i] = strings.TrimSpace(h)
		}
		r.headers = headers
	}

	if r.labelColumn != "" {
		if !r.hasHeader {
			return nil, errors.New("a label column requires a header row")
		}
		for i, h := range r.headers {
			if h == r.labelColumn {
				r.labelIndex = i
				break
			}
		}
		if r.labelIndex < 0 {
			return nil, fmt.Errorf("label column %q not found in header", r.labelColumn)
		}
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Features returns the feature column names, without the label column.
// Without a header, names are only known once a row has been read.
func (r *Reader) Features() []string {
	if !r.hasHeader {
		return nil
	}
	names := make([]string, 0, len(r.headers))
	for i, h := range r.headers {
		if i != r.labelIndex {
			names = append(names, h)
		}
	}
	return names
}

// Skipped returns the number of malformed rows dropped so far. It is safe
// to call while a Stream is running.
func (r *Reader) Skipped() int {
	return int(r.skipped.Load())
}

// Read returns all rows as a dataset. Rows that cannot be parsed are skipped
// and counted in Skipped.
func (r *Reader) Read() (*fio.Dataset, error) {
	ds := &fio.Dataset{Features: r.Features()}
	if r.labelIndex >= 0 {
		ds.Labels = []int{}
	}

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.skipped.Add(1)
				continue
			}
			return nil, err
		}

		row, label, err := r.parseRecord(record)
		if err != nil {
			r.skipped.Add(1)
			continue // Skip malformed rows
		}
		ds.X = append(ds.X, row)
		if r.labelIndex >= 0 {
			ds.Labels = append(ds.Labels, label)
		}
	}

	if ds.Features == nil && len(ds.X) > 0 {
		ds.Features = defaultNames(len(ds.X[0]))
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Stream returns a channel of feature rows for real-time processing.
// Malformed rows are skipped but still advance the sample index, which
// counts data rows from 0. The stream ends at the first read error that is
// not a CSV syntax error.
func (r *Reader) Stream(ctx context.Context) (<-chan fio.Sample, error) {
	out := make(chan fio.Sample, 100)

	go func() {
		defer close(out)
		for index := 0; ; index++ {
			select {
			case <-ctx.Done():
				return
			default:
				record, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					var perr *csv.ParseError
					if !errors.As(err, &perr) {
						return
					}
					r.skipped.Add(1)
					continue
				}

				row, _, err := r.parseRecord(record)
				if err != nil {
					r.skipped.Add(1)
					continue
				}

				select {
				case out <- fio.Sample{Index: index, Values: row}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parseRecord splits a record into its feature values and label.
func (r *Reader) parseRecord(record []string) ([]float64, int, error) {
	if len(record) == 0 {
		return nil, 0, errors.New("empty row")
	}
	if r.hasHeader && len(record) != len(r.headers) {
		return nil, 0, fmt.Errorf("row has %d fields, header has %d", len(record), len(r.headers))
	}

	row := make([]float64, 0, len(record))
	label := 0
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, 0, fmt.Errorf("column %d is %v", i, f)
		}
		if i == r.labelIndex {
			if f != 0 && f != 1 {
				return nil, 0, fmt.Errorf("label %v is not 0 or 1", f)
			}
			label = int(f)
			continue
		}
		row = append(row, f)
	}
	return row, label, nil
}

func defaultNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "X" + strconv.Itoa(i)
	}
	return names
}
