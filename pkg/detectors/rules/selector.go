package rules

import "sort"

// Select keeps the rules whose precision and recall reach the given minimums
// and that match at least one evaluated sample, collapses equivalent rules
// (same Key) into their best representative and orders the survivors by
// descending precision, then descending support, then extraction order.
//
// The representative of a group of equivalent rules is the one with the
// highest precision, then the highest support, then the earliest Order.
// Selecting an already selected set returns it unchanged.
func Select(pool []Rule, minPrecision, minRecall float64) []Rule {
	best := make(map[string]int)
	var kept []Rule
	for _, r := range pool {
		if r.Stats.Support == 0 || r.Stats.Precision < minPrecision || r.Stats.Recall < minRecall {
			continue
		}
		key := r.Key()
		i, seen := best[key]
		if !seen {
			best[key] = len(kept)
			kept = append(kept, r)
			continue
		}
		if ranksBefore(r, kept[i]) {
			kept[i] = r
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return ranksBefore(kept[i], kept[j])
	})
	return kept
}

func ranksBefore(a, b Rule) bool {
	if a.Stats.Precision != b.Stats.Precision {
		return a.Stats.Precision > b.Stats.Precision
	}
	if a.Stats.Support != b.Stats.Support {
		return a.Stats.Support > b.Stats.Support
	}
	return a.Provenance.Order < b.Provenance.Order
}
