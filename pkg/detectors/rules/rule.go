package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operator is the comparison of a Condition.
type Operator uint8

const (
	// LessOrEqual matches x[f] <= t.
	LessOrEqual Operator = iota
	// Greater matches x[f] > t.
	Greater
)

func (o Operator) String() string {
	if o == Greater {
		return ">"
	}
	return "<="
}

// Condition is a single feature-threshold test.
type Condition struct {
	Feature   int
	Op        Operator
	Threshold float64
}

// Holds reports whether the sample satisfies the condition.
func (c Condition) Holds(sample []float64) bool {
	if c.Op == Greater {
		return sample[c.Feature] > c.Threshold
	}
	return sample[c.Feature] <= c.Threshold
}

// Provenance locates the tree path a rule was extracted from.
type Provenance struct {
	// Tree is the index of the source tree within the ensemble.
	Tree int
	// Node is the handle of the node the path ends at.
	Node int
	// Order is the rule's position in the pooled extraction sequence.
	Order int
}

// Stats are a rule's out-of-bag statistics.
type Stats struct {
	Precision float64
	Recall    float64
	// Support is the number of evaluated samples the rule matches.
	Support int
	// TruePositives is the number of matched samples labelled positive.
	TruePositives int
	// Positives is the number of positive samples in the evaluation subset.
	Positives int
	// Evaluated is the size of the evaluation subset.
	Evaluated int
}

// Rule is a non-empty conjunction of conditions taken from one root-to-node path.
type Rule struct {
	Conditions []Condition
	Stats      Stats
	Provenance Provenance
}

// Match reports whether the sample satisfies every condition.
func (r Rule) Match(sample []float64) bool {
	for _, c := range r.Conditions {
		if !c.Holds(sample) {
			return false
		}
	}
	return true
}

// Filter returns the indices of the rows matched by the rule.
func (r Rule) Filter(data [][]float64) []int {
	var out []int
	for i, row := range data {
		if r.Match(row) {
			out = append(out, i)
		}
	}
	return out
}

// Canonical returns the conditions sorted by feature and operator, with
// repeated bounds on the same side merged into the tightest one.
func (r Rule) Canonical() []Condition {
	conds := make([]Condition, len(r.Conditions))
	copy(conds, r.Conditions)
	sort.SliceStable(conds, func(i, j int) bool {
		if conds[i].Feature != conds[j].Feature {
			return conds[i].Feature < conds[j].Feature
		}
		return conds[i].Op < conds[j].Op
	})

	merged := conds[:0]
	for _, c := range conds {
		n := len(merged)
		if n > 0 && merged[n-1].Feature == c.Feature && merged[n-1].Op == c.Op {
			last := &merged[n-1]
			if c.Op == LessOrEqual && c.Threshold < last.Threshold {
				last.Threshold = c.Threshold
			}
			if c.Op == Greater && c.Threshold > last.Threshold {
				last.Threshold = c.Threshold
			}
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// Key identifies the rule's condition set; equivalent rules share a key.
func (r Rule) Key() string {
	var sb strings.Builder
	for i, c := range r.Canonical() {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(strconv.Itoa(c.Feature))
		sb.WriteString(c.Op.String())
		sb.WriteString(strconv.FormatFloat(c.Threshold, 'g', -1, 64))
	}
	return sb.String()
}

// Format renders the rule as a boolean expression over the named features,
// e.g. "amount > 120.5 and age <= 3". Missing names fall back to X<index>.
func (r Rule) Format(names []string) string {
	return r.join(names, " and ", func(name string) string { return name })
}

// Query renders the rule for dataframe-style query engines. Names that are
// not plain identifiers are wrapped in backticks.
func (r Rule) Query(names []string) string {
	return r.join(names, " and ", func(name string) string {
		if isIdentifier(name) {
			return name
		}
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	})
}

// Where renders the rule as a SQL boolean expression with quoted identifiers.
func (r Rule) Where(names []string) string {
	return r.join(names, " AND ", func(name string) string {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	})
}

func (r Rule) String() string {
	return r.Format(nil)
}

func (r Rule) join(names []string, sep string, quote func(string) string) string {
	parts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		parts[i] = fmt.Sprintf("%s %s %s", quote(featureName(names, c.Feature)), c.Op,
			strconv.FormatFloat(c.Threshold, 'g', -1, 64))
	}
	return strings.Join(parts, sep)
}

func featureName(names []string, f int) string {
	if f < len(names) && names[f] != "" {
		return names[f]
	}
	return "X" + strconv.Itoa(f)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
