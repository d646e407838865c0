package dedup

// Rank picks the record to keep from a cluster of duplicates.
func Rank(group []Candidate) Candidate {
	best := group[0]
	for _, c := range group[1:] {
		if isBetter(c, best) {
			best = c
		}
	}
	return best
}

// isBetter determines if record a should survive over record b.
func isBetter(a, b Candidate) bool {
	// 1. More captured messages wins
	if a.MessageCount != b.MessageCount {
		return a.MessageCount > b.MessageCount
	}

	// 2. Longer text breaks ties
	if len(a.Text) != len(b.Text) {
		return len(a.Text) > len(b.Text)
	}

	// 3. More recent timestamp breaks further ties
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID < b.ID
}
