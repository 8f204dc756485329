package genbatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	gb "github.com/voragen/genbatch"
)

func TestSortItems(t *testing.T) {
	items := []gb.WorkItem{
		{ChunkIndex: 2, VariantIndex: 1},
		{ChunkIndex: 0, VariantIndex: 1},
		{ChunkIndex: 1, VariantIndex: 0},
		{ChunkIndex: 0, VariantIndex: 0},
		{ChunkIndex: 2, VariantIndex: 0},
		{ChunkIndex: 1, VariantIndex: 1},
	}

	gb.SortItems(items)

	var got [][2]int
	for _, it := range items {
		got = append(got, [2]int{it.ChunkIndex, it.VariantIndex})
	}
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, got)
}

func TestSummarize(t *testing.T) {
	items := []gb.WorkItem{
		{Status: gb.StatusSuccess},
		{Status: gb.StatusSuccess},
		{Status: gb.StatusError},
		{Status: gb.StatusSuccess},
	}

	stats := gb.Summarize(items)
	assert.Equal(t, gb.Stats{Total: 4, Succeeded: 3, Failed: 1}, stats)
}
