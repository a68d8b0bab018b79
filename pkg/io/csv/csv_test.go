package csv

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fio "github.com/hed1ad/fraudrules/pkg/io"
)

const transactions = `amount,velocity,Class
12.5,1,0
980,7,1
not-a-number,2,0
40,2,0
15,3,2
`

func TestReadLabelled(t *testing.T) {
	r, err := FromReader(strings.NewReader(transactions), WithLabelColumn("Class"))
	require.NoError(t, err)

	ds, err := r.Read()
	require.NoError(t, err)

	assert.Equal(t, []string{"amount", "velocity"}, ds.Features)
	assert.Equal(t, [][]float64{{12.5, 1}, {980, 7}, {40, 2}}, ds.X)
	assert.Equal(t, []int{0, 1, 0}, ds.Labels)
	assert.Equal(t, 1, ds.Positives())
	assert.Equal(t, 2, r.Skipped(), "unparsable value and non-binary label")
}

func TestReadLabelColumnInTheMiddle(t *testing.T) {
	in := "a,label,b\n1,1,2\n3,0,4\n"
	r, err := FromReader(strings.NewReader(in), WithLabelColumn("label"))
	require.NoError(t, err)

	ds, err := r.Read()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, ds.Features)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, ds.X)
	assert.Equal(t, []int{1, 0}, ds.Labels)
}

func TestReadUnlabelled(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		opts      []Option
		wantNames []string
		wantRows  int
	}{
		{
			name:      "with header",
			in:        "x,y\n1,2\n3,4\n",
			wantNames: []string{"x", "y"},
			wantRows:  2,
		},
		{
			name:      "without header",
			in:        "1,2\n3,4\n5,6\n",
			opts:      []Option{WithHeader(false)},
			wantNames: []string{"X0", "X1"},
			wantRows:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := FromReader(strings.NewReader(tt.in), tt.opts...)
			require.NoError(t, err)

			ds, err := r.Read()
			require.NoError(t, err)
			assert.Equal(t, tt.wantNames, ds.Features)
			assert.Equal(t, tt.wantRows, ds.Len())
			assert.Nil(t, ds.Labels)
		})
	}
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts []Option
	}{
		{name: "missing label column", in: "a,b\n1,2\n", opts: []Option{WithLabelColumn("Class")}},
		{name: "label without header", in: "1,2\n", opts: []Option{WithHeader(false), WithLabelColumn("Class")}},
		{name: "empty input", in: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromReader(strings.NewReader(tt.in), tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestNewReaderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(transactions), 0o600))

	r, err := NewReader(path, WithLabelColumn("Class"))
	require.NoError(t, err)
	defer r.Close()

	ds, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	_, err = NewReader(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestStream(t *testing.T) {
	r, err := FromReader(strings.NewReader(transactions), WithLabelColumn("Class"))
	require.NoError(t, err)

	rows, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got [][]float64
	var indices []int
	for row := range rows {
		got = append(got, row.Values)
		indices = append(indices, row.Index)
	}
	assert.Equal(t, [][]float64{{12.5, 1}, {980, 7}, {40, 2}}, got)
	assert.Equal(t, []int{0, 1, 3}, indices)
	assert.Equal(t, 2, r.Skipped())
}

func TestStreamIndexCountsSkippedRows(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantValues  [][]float64
		wantIndices []int
		wantSkipped int
	}{
		{
			name:        "malformed middle row",
			in:          "X0\n1\nbad\n4\n",
			wantValues:  [][]float64{{1}, {4}},
			wantIndices: []int{0, 2},
			wantSkipped: 1,
		},
		{
			name:        "non-finite and short rows",
			in:          "a,b\nInf,1\n2,3\n4\nNaN,5\n6,7\n",
			wantValues:  [][]float64{{2, 3}, {6, 7}},
			wantIndices: []int{1, 4},
			wantSkipped: 3,
		},
		{
			name:        "bare quote",
			in:          "a\n1\nx\"y\n3\n",
			wantValues:  [][]float64{{1}, {3}},
			wantIndices: []int{0, 2},
			wantSkipped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := FromReader(strings.NewReader(tt.in))
			require.NoError(t, err)

			rows, err := r.Stream(context.Background())
			require.NoError(t, err)

			var values [][]float64
			var indices []int
			for row := range rows {
				// read while the stream goroutine may still be counting
				assert.LessOrEqual(t, r.Skipped(), tt.wantSkipped)
				values = append(values, row.Values)
				indices = append(indices, row.Index)
			}
			assert.Equal(t, tt.wantValues, values)
			assert.Equal(t, tt.wantIndices, indices)
			assert.Equal(t, tt.wantSkipped, r.Skipped())
		})
	}
}

func TestReadSkipsNonFinite(t *testing.T) {
	r, err := FromReader(strings.NewReader("a,label\n1,0\nNaN,1\n+Inf,0\n2,1\n"), WithLabelColumn("label"))
	require.NoError(t, err)

	ds, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}, {2}}, ds.X)
	assert.Equal(t, []int{0, 1}, ds.Labels)
	assert.Equal(t, 2, r.Skipped())
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	one := 1
	err := w.WriteAll([]fio.Result{
		{Index: 0, Score: 0.5, MatchedRules: 2, IsAnomaly: true, Label: &one},
		{Index: 1},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	want := "index,score,matched_rules,is_anomaly,label\n" +
		"0,0.5,2,true,1\n" +
		"1,0,0,false,\n"
	assert.Equal(t, want, buf.String())
}
