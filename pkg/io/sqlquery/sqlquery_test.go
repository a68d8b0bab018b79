package sqlquery

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
	fio "github.com/hed1ad/fraudrules/pkg/io"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	// each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func transactions() *fio.Dataset {
	return &fio.Dataset{
		Features: []string{"amount", "hour of day"},
		X: [][]float64{
			{10, 9},
			{20, 14},
			{250, 2},
			{300, 3},
			{280, 13},
			{15, 1},
		},
		Labels: []int{0, 0, 1, 1, 0, 1},
	}
}

func TestCrosscheckMatchesEvaluate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ds := transactions()
	require.NoError(t, Load(ctx, db, "tx", "", ds))

	all := make([]int, ds.Len())
	for i := range all {
		all[i] = i
	}

	tests := []struct {
		name string
		rule rules.Rule
	}{
		{
			name: "single condition",
			rule: rules.Rule{Conditions: []rules.Condition{
				{Feature: 0, Op: rules.Greater, Threshold: 135},
			}},
		},
		{
			name: "quoted column",
			rule: rules.Rule{Conditions: []rules.Condition{
				{Feature: 1, Op: rules.LessOrEqual, Threshold: 5.5},
			}},
		},
		{
			name: "conjunction",
			rule: rules.Rule{Conditions: []rules.Condition{
				{Feature: 0, Op: rules.Greater, Threshold: 135},
				{Feature: 1, Op: rules.LessOrEqual, Threshold: 8},
			}},
		},
		{
			name: "no match",
			rule: rules.Rule{Conditions: []rules.Condition{
				{Feature: 0, Op: rules.Greater, Threshold: 1e6},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Crosscheck(ctx, db, "tx", "", tt.rule, ds.Features)
			require.NoError(t, err)
			assert.Equal(t, rules.Evaluate(tt.rule, ds.X, ds.Labels, all), got)
		})
	}
}

func TestCrosscheckExample(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, Load(ctx, db, "tx", "fraud", transactions()))

	rule := rules.Rule{Conditions: []rules.Condition{{Feature: 0, Op: rules.Greater, Threshold: 135}}}
	got, err := Crosscheck(ctx, db, "tx", "fraud", rule, transactions().Features)
	require.NoError(t, err)

	assert.Equal(t, 3, got.Support)
	assert.Equal(t, 2, got.TruePositives)
	assert.Equal(t, 3, got.Positives)
	assert.Equal(t, 6, got.Evaluated)
	assert.InDelta(t, 2.0/3.0, got.Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, got.Recall, 1e-12)
}

func TestCrosscheckErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, Load(ctx, db, "tx", "", transactions()))
	names := transactions().Features

	_, err := Crosscheck(ctx, db, "tx", "", rules.Rule{}, names)
	assert.Error(t, err)

	far := rules.Rule{Conditions: []rules.Condition{{Feature: 5, Op: rules.Greater, Threshold: 1}}}
	_, err = Crosscheck(ctx, db, "tx", "", far, names)
	assert.Error(t, err)

	ok := rules.Rule{Conditions: []rules.Condition{{Feature: 0, Op: rules.Greater, Threshold: 1}}}
	_, err = Crosscheck(ctx, db, "missing", "", ok, names)
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	clash := &fio.Dataset{Features: []string{"label"}, X: [][]float64{{1}}, Labels: []int{0}}
	assert.Error(t, Load(ctx, db, "a", "", clash))

	ragged := &fio.Dataset{Features: []string{"a", "b"}, X: [][]float64{{1}}}
	assert.Error(t, Load(ctx, db, "b", "", ragged))

	require.NoError(t, Load(ctx, db, "c", "", transactions()))
	assert.Error(t, Load(ctx, db, "c", "", transactions()), "table already exists")
}

func TestLoadUnlabelled(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ds := &fio.Dataset{Features: []string{"amount"}, X: [][]float64{{1}, {2}, {3}}}

	require.NoError(t, Load(ctx, db, "u", "", ds))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "u"`).Scan(&n))
	assert.Equal(t, 3, n)
}
