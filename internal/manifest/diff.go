package manifest

// Summary counts the outcome of a diff.
type Summary struct {
	Unchanged  int
	ToPatch    int
	ToDelete   int
	PatchBytes int64
}

// Diff merges the local and remote inventories into a new one. Local-only paths
// are ToDelete, remote paths missing locally or with a different content id are
// ToPatch, and the rest are Unchanged carrying the remote entry. Neither input
// is modified.
func Diff(local, remote Inventory) (Inventory, Summary) {
	merged := make(Inventory, len(local)+len(remote))
	var sum Summary

	for p, e := range local {
		if _, ok := remote[p]; ok {
			continue
		}
		e.Status = ToDelete
		merged[p] = e
		sum.ToDelete++
	}

	for p, e := range remote {
		if l, ok := local[p]; ok && l.Cid != "" && l.Cid == e.Cid {
			e.Status = Unchanged
			sum.Unchanged++
		} else {
			e.Status = ToPatch
			sum.ToPatch++
			sum.PatchBytes += e.Size
		}
		merged[p] = e
	}

	return merged, sum
}
