// Package fusion merges knowledge-cluster submissions from multiple workers
// into higher-confidence fused clusters using set similarity, and promotes
// qualifying fusions into named, broadcastable predicates.
package fusion

// Jaccard returns the Jaccard index of two node-label sets:
// |A∩B| / |A∪B|, defined as 0 when both sets are empty.
// Duplicate labels within one cluster count once.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	for label := range setA {
		if setB[label] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func toSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, label := range labels {
		set[label] = true
	}
	return set
}

// unionPreservingOrder merges node lists keeping first-seen insertion order,
// so predicate naming stays deterministic for a given contribution order.
func unionPreservingOrder(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, label := range list {
			if !seen[label] {
				seen[label] = true
				out = append(out, label)
			}
		}
	}
	return out
}
