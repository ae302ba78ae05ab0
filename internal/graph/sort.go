package graph

import (
	"sort"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// sortEdges orders edges oldest first, id as tiebreaker, matching the
// ordering the storage layer hands out.
func sortEdges(edges []*types.Dependency) {
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
}
