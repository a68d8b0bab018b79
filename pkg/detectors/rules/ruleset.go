package rules

import (
	"github.com/montanaflynn/stats"
)

// RuleSet is the ordered, deduplicated result of a fit. Rules are ranked by
// descending precision, then descending support, then extraction order.
// A RuleSet is immutable; accessors hand out copies.
type RuleSet struct {
	rules []Rule
}

func newRuleSet(rules []Rule) RuleSet {
	return RuleSet{rules: rules}
}

// Len returns the number of rules.
func (s RuleSet) Len() int {
	return len(s.rules)
}

// Empty reports whether no rule met the selection thresholds.
func (s RuleSet) Empty() bool {
	return len(s.rules) == 0
}

// At returns the i-th rule.
func (s RuleSet) At(i int) Rule {
	return cloneRule(s.rules[i])
}

// Top returns the highest ranked rule, if any.
func (s RuleSet) Top() (Rule, bool) {
	if s.Empty() {
		return Rule{}, false
	}
	return s.At(0), true
}

// All returns a copy of every rule in rank order.
func (s RuleSet) All() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = cloneRule(r)
	}
	return out
}

// Count returns how many rules match the sample.
func (s RuleSet) Count(sample []float64) int {
	n := 0
	for _, r := range s.rules {
		if r.Match(sample) {
			n++
		}
	}
	return n
}

// Summary describes the out-of-bag quality of a rule set.
type Summary struct {
	Rules           int
	MeanPrecision   float64
	MedianPrecision float64
	MeanRecall      float64
	MedianRecall    float64
	MeanSupport     float64
	MeanLength      float64
}

// Summary aggregates the statistics of the selected rules. It is the zero
// Summary for an empty set.
func (s RuleSet) Summary() Summary {
	sum := Summary{Rules: len(s.rules)}
	if s.Empty() {
		return sum
	}
	precision := make(stats.Float64Data, len(s.rules))
	recall := make(stats.Float64Data, len(s.rules))
	support := make(stats.Float64Data, len(s.rules))
	length := make(stats.Float64Data, len(s.rules))
	for i, r := range s.rules {
		precision[i] = r.Stats.Precision
		recall[i] = r.Stats.Recall
		support[i] = float64(r.Stats.Support)
		length[i] = float64(len(r.Conditions))
	}
	// Inputs are non-empty, the only error stats reports here.
	sum.MeanPrecision, _ = stats.Mean(precision)
	sum.MedianPrecision, _ = stats.Median(precision)
	sum.MeanRecall, _ = stats.Mean(recall)
	sum.MedianRecall, _ = stats.Median(recall)
	sum.MeanSupport, _ = stats.Mean(support)
	sum.MeanLength, _ = stats.Mean(length)
	return sum
}

func cloneRule(r Rule) Rule {
	conds := make([]Condition, len(r.Conditions))
	copy(conds, r.Conditions)
	r.Conditions = conds
	return r
}
