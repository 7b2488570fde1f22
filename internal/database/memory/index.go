package memory

import (
	"sync"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
)

// HNSW graph parameters for 128-dim face encodings
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	hnswMaxNeighbors = 16

	// hnswEfSearch is the search candidate pool size.
	hnswEfSearch = 100

	// hnswSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after distance filtering.
	hnswSearchMultiplier = 3
)

// Index wraps an HNSW graph over stored encodings. It only prefetches
// candidates; callers recompute exact distances before filtering.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[int64]
}

// NewIndex creates a new empty index using Euclidean distance.
func NewIndex() *Index {
	return &Index{graph: newGraph()}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Add inserts a single encoding.
func (x *Index) Add(id int64, enc facematch.Encoding) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.graph.Add(hnsw.MakeNode(id, enc.Slice()))
}

// Rebuild replaces the graph with the given encodings.
func (x *Index) Rebuild(encodings []database.StoredEncoding) {
	g := newGraph()
	for _, e := range encodings {
		g.Add(hnsw.MakeNode(e.ID, e.Encoding.Slice()))
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.graph = g
}

// Candidates returns the IDs of roughly the k*multiplier nearest encodings.
func (x *Index) Candidates(query facematch.Encoding, k int) []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph.Len() == 0 || k <= 0 {
		return nil
	}

	neighbors := x.graph.Search(query.Slice(), k*hnswSearchMultiplier)
	ids := make([]int64, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Key
	}
	return ids
}

// Len returns the number of indexed encodings.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.graph.Len()
}
