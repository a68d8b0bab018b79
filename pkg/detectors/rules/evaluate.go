package rules

// Evaluate computes the rule's statistics over the rows of X listed in subset.
// Precision is 0 when nothing matches and recall is 0 when the subset has no
// positive sample.
func Evaluate(r Rule, X [][]float64, labels []int, subset []int) Stats {
	s := Stats{Evaluated: len(subset)}
	for _, i := range subset {
		positive := labels[i] == 1
		if positive {
			s.Positives++
		}
		if !r.Match(X[i]) {
			continue
		}
		s.Support++
		if positive {
			s.TruePositives++
		}
	}
	if s.Support > 0 {
		s.Precision = float64(s.TruePositives) / float64(s.Support)
	}
	if s.Positives > 0 {
		s.Recall = float64(s.TruePositives) / float64(s.Positives)
	}
	return s
}
