package genbatch

import "sort"

// SortItems stably orders items by (ChunkIndex, VariantIndex) ascending,
// restoring input order regardless of the order waves completed in.
func SortItems(items []WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ChunkIndex != items[j].ChunkIndex {
			return items[i].ChunkIndex < items[j].ChunkIndex
		}
		return items[i].VariantIndex < items[j].VariantIndex
	})
}

// Summarize counts terminal statuses. Pure function of the list.
func Summarize(items []WorkItem) Stats {
	s := Stats{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusError:
			s.Failed++
		}
	}
	return s
}
