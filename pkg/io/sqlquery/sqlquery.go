// Package sqlquery loads datasets into SQLite and checks extracted rules
// against them with plain SQL.
package sqlquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
	fio "github.com/hed1ad/fraudrules/pkg/io"
)

// DefaultLabelColumn is the label column name used by Load when none is given.
const DefaultLabelColumn = "label"

// Open opens an SQLite database. Use ":memory:" for a throwaway database.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return db, nil
}

// Load creates table and inserts every row of ds into it, in one transaction.
// Feature columns are REAL; the label column is added when ds is labelled.
func Load(ctx context.Context, db *sql.DB, table, labelColumn string, ds *fio.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}
	labelled := ds.Labels != nil

	columns := make([]string, 0, len(ds.Features)+1)
	defs := make([]string, 0, len(ds.Features)+1)
	for _, name := range ds.Features {
		if labelled && name == labelColumn {
			return fmt.Errorf("feature %q collides with the label column", name)
		}
		columns = append(columns, quote(name))
		defs = append(defs, quote(name)+" REAL NOT NULL")
	}
	if labelled {
		columns = append(columns, quote(labelColumn))
		defs = append(defs, quote(labelColumn)+" INTEGER NOT NULL")
	}
	if len(columns) == 0 {
		return errors.New("dataset has no columns")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	create := fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(columns, ", "), placeholders)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for i, row := range ds.X {
		for j, v := range row {
			args[j] = v
		}
		if labelled {
			args[len(row)] = ds.Labels[i]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Crosscheck computes a rule's statistics over every row of table by running
// its WHERE clause. names maps feature indices to column names and must cover
// every feature the rule references.
func Crosscheck(ctx context.Context, db *sql.DB, table, labelColumn string, rule rules.Rule, names []string) (rules.Stats, error) {
	var st rules.Stats
	if len(rule.Conditions) == 0 {
		return st, errors.New("rule has no conditions")
	}
	for _, c := range rule.Conditions {
		if c.Feature < 0 || c.Feature >= len(names) {
			return st, fmt.Errorf("rule references feature %d, only %d names given", c.Feature, len(names))
		}
	}
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}

	label := quote(labelColumn)
	totals := fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(%s), 0) FROM %s", label, quote(table))
	if err := db.QueryRowContext(ctx, totals).Scan(&st.Evaluated, &st.Positives); err != nil {
		return st, fmt.Errorf("counting %s: %w", table, err)
	}

	matched := totals + " WHERE " + rule.Where(names)
	if err := db.QueryRowContext(ctx, matched).Scan(&st.Support, &st.TruePositives); err != nil {
		return st, fmt.Errorf("querying rule %s: %w", rule.Format(names), err)
	}

	if st.Support > 0 {
		st.Precision = float64(st.TruePositives) / float64(st.Support)
	}
	if st.Positives > 0 {
		st.Recall = float64(st.TruePositives) / float64(st.Positives)
	}
	return st, nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
