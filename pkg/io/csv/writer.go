package csv

import (
	"encoding/csv"
	"io"
	"strconv"

	fio "github.com/hed1ad/fraudrules/pkg/io"
)

var resultHeader = []string{"index", "score", "matched_rules", "is_anomaly", "label"}

// Writer writes scored samples as CSV rows.
type Writer struct {
	closer        io.Closer
	writer        *csv.Writer
	headerWritten bool
}

var _ fio.Writer = (*Writer)(nil)

// NewWriter creates a result writer. If out is an io.Closer, Close closes it.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{writer: csv.NewWriter(out)}
	if c, ok := out.(io.Closer); ok {
		w.closer = c
	}
	return w
}

// Write outputs a single result.
func (w *Writer) Write(result fio.Result) error {
	if !w.headerWritten {
		if err := w.writer.Write(resultHeader); err != nil {
			return err
		}
		w.headerWritten = true
	}
	label := ""
	if result.Label != nil {
		label = strconv.Itoa(*result.Label)
	}
	return w.writer.Write([]string{
		strconv.Itoa(result.Index),
		strconv.FormatFloat(result.Score, 'g', -1, 64),
		strconv.Itoa(result.MatchedRules),
		strconv.FormatBool(result.IsAnomaly),
		label,
	})
}

// WriteAll outputs multiple results and flushes them.
func (w *Writer) WriteAll(results []fio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes pending rows and releases resources. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.writer.Flush()
	err := w.writer.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}
