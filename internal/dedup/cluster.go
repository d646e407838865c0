package dedup

// Cluster is one group of mutually duplicate records and the record kept.
type Cluster struct {
	SurvivorID string   `json:"survivorId"`
	DedupedIDs []string `json:"dedupedIds"`
	Size       int      `json:"size"`
}

// ClusterRecords groups duplicate candidates into connected components using
// union-find and picks a survivor for each group.
func (d *Detector) ClusterRecords(cands []Candidate) []Cluster {
	byID := make(map[string]Candidate, len(cands))
	parent := make(map[string]string, len(cands))
	for _, c := range cands {
		byID[c.ID] = c
		parent[c.ID] = c.ID
	}

	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	// Only records on the same URL can be duplicates, so bucket first.
	buckets := make(map[string][]Candidate)
	for _, c := range cands {
		key := NormalizeURL(c.URL) + "|" + c.ScanType
		buckets[key] = append(buckets[key], c)
	}
	for _, bucket := range buckets {
		toks := make([]map[string]struct{}, len(bucket))
		for i, c := range bucket {
			toks[i] = c.tokens()
		}
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				if !d.withinWindow(bucket[i], bucket[j]) {
					continue
				}
				var same bool
				if bucket[i].ScanType == liveScanType {
					same = sameFragments(bucket[i], bucket[j])
				} else {
					same = Jaccard(toks[i], toks[j]) >= d.Threshold
				}
				if same {
					union(bucket[i].ID, bucket[j].ID)
				}
			}
		}
	}

	groups := make(map[string][]Candidate)
	for _, c := range cands {
		root := find(c.ID)
		groups[root] = append(groups[root], c)
	}

	var clusters []Cluster
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		survivor := Rank(group)
		cl := Cluster{SurvivorID: survivor.ID, Size: len(group)}
		for _, c := range group {
			if c.ID != survivor.ID {
				cl.DedupedIDs = append(cl.DedupedIDs, c.ID)
			}
		}
		clusters = append(clusters, cl)
	}
	return clusters
}

func (d *Detector) withinWindow(a, b Candidate) bool {
	if d.Window <= 0 {
		return true
	}
	diff := a.Timestamp.Sub(b.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d.Window
}
