// Package graph provides the batched-graph bookkeeping the interpolation
// engine runs on: node-to-graph assignment vectors, fully-connected directed
// edge construction, canonical edge ordering, max-coalescing of duplicate
// edges and per-graph mean centering.
//
// A minibatch of graphs is flattened into one node list; batch[i] is the
// graph that owns node i. Edges are directed (i, j) pairs over that flat
// numbering; an undirected bond appears as both (i, j) and (j, i).
package graph

import (
	"fmt"
	"sort"

	"github.com/molgenlab/molgen/pkg/tensor"
)

// EdgeIndex is a directed edge list in struct-of-arrays form. Src[k] and
// Dst[k] are the endpoints of edge k.
type EdgeIndex struct {
	Src []int
	Dst []int
}

// Len returns the number of directed edges.
func (e EdgeIndex) Len() int { return len(e.Src) }

// Clone returns a deep copy.
func (e EdgeIndex) Clone() EdgeIndex {
	out := EdgeIndex{Src: make([]int, len(e.Src)), Dst: make([]int, len(e.Dst))}
	copy(out.Src, e.Src)
	copy(out.Dst, e.Dst)
	return out
}

// NumGraphs returns max(batch)+1, the number of graphs in the minibatch.
func NumGraphs(batch []int) int {
	max := -1
	for _, b := range batch {
		if b > max {
			max = b
		}
	}
	return max + 1
}

// Sizes counts the nodes owned by each graph.
func Sizes(batch []int, numGraphs int) []int {
	sizes := make([]int, numGraphs)
	for _, b := range batch {
		sizes[b]++
	}
	return sizes
}

// RepeatInterleave builds a node-to-graph assignment vector from per-graph
// node counts: counts [3, 4] gives [0 0 0 1 1 1 1].
func RepeatInterleave(counts []int) []int {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make([]int, 0, total)
	for g, c := range counts {
		for i := 0; i < c; i++ {
			out = append(out, g)
		}
	}
	return out
}

// FullyConnected builds the directed edge list containing every ordered node
// pair (i, j), i != j, whose endpoints belong to the same graph. The result
// is in canonical order (sorted by destination, then source) and has exactly
// sum over graphs of N*(N-1) entries.
func FullyConnected(batch []int) EdgeIndex {
	n := len(batch)
	var e EdgeIndex
	// Canonical order is column-major, so iterate destinations first.
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			if i != j && batch[i] == batch[j] {
				e.Src = append(e.Src, i)
				e.Dst = append(e.Dst, j)
			}
		}
	}
	return e
}

// SortEdges reorders edges (and their attributes, if non-nil) into canonical
// order: ascending destination, then ascending source.
func SortEdges(e EdgeIndex, attr []int) (EdgeIndex, []int) {
	n := e.Len()
	if attr != nil && len(attr) != n {
		panic(fmt.Sprintf("graph: %d edge attributes for %d edges", len(attr), n))
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		ka, kb := perm[a], perm[b]
		if e.Dst[ka] != e.Dst[kb] {
			return e.Dst[ka] < e.Dst[kb]
		}
		return e.Src[ka] < e.Src[kb]
	})
	out := EdgeIndex{Src: make([]int, n), Dst: make([]int, n)}
	var outAttr []int
	if attr != nil {
		outAttr = make([]int, n)
	}
	for i, k := range perm {
		out.Src[i] = e.Src[k]
		out.Dst[i] = e.Dst[k]
		if attr != nil {
			outAttr[i] = attr[k]
		}
	}
	return out, outAttr
}

// CoalesceMax merges duplicate (src, dst) entries keeping the maximum
// attribute, so a true bond type always wins over the "no bond" filler the
// fully-connected pass inserts. The result is in canonical order.
func CoalesceMax(e EdgeIndex, attr []int) (EdgeIndex, []int) {
	if len(attr) != e.Len() {
		panic(fmt.Sprintf("graph: %d edge attributes for %d edges", len(attr), e.Len()))
	}
	type key struct{ src, dst int }
	seen := make(map[key]int, e.Len())
	var out EdgeIndex
	var outAttr []int
	for k := 0; k < e.Len(); k++ {
		id := key{e.Src[k], e.Dst[k]}
		if at, ok := seen[id]; ok {
			if attr[k] > outAttr[at] {
				outAttr[at] = attr[k]
			}
			continue
		}
		seen[id] = len(outAttr)
		out.Src = append(out.Src, e.Src[k])
		out.Dst = append(out.Dst, e.Dst[k])
		outAttr = append(outAttr, attr[k])
	}
	return SortEdges(out, outAttr)
}

// ReversePermutation returns, for every edge k, the index of the reverse
// edge (dst, src). It panics if some edge has no reverse; the engine only
// ever builds symmetric (fully-connected) edge sets.
func ReversePermutation(e EdgeIndex) []int {
	type key struct{ src, dst int }
	pos := make(map[key]int, e.Len())
	for k := 0; k < e.Len(); k++ {
		pos[key{e.Src[k], e.Dst[k]}] = k
	}
	out := make([]int, e.Len())
	for k := 0; k < e.Len(); k++ {
		r, ok := pos[key{e.Dst[k], e.Src[k]}]
		if !ok {
			panic(fmt.Sprintf("graph: edge (%d,%d) has no reverse", e.Src[k], e.Dst[k]))
		}
		out[k] = r
	}
	return out
}

// UpperEdges returns the indices of the canonical half of the edge list
// (src < dst). Sampling one value per undirected pair and mirroring it via
// ReversePermutation keeps edge attributes symmetric.
func UpperEdges(e EdgeIndex) []int {
	var out []int
	for k := 0; k < e.Len(); k++ {
		if e.Src[k] < e.Dst[k] {
			out = append(out, k)
		}
	}
	return out
}

// GraphMeans computes the per-graph mean of every column of x.
func GraphMeans(x *tensor.Matrix, batch []int, numGraphs int) *tensor.Matrix {
	means := tensor.New(numGraphs, x.Cols)
	counts := Sizes(batch, numGraphs)
	for i := 0; i < x.Rows; i++ {
		dst := means.Row(batch[i])
		src := x.Row(i)
		for j := range src {
			dst[j] += src[j]
		}
	}
	for g := 0; g < numGraphs; g++ {
		row := means.Row(g)
		if counts[g] == 0 {
			continue
		}
		for j := range row {
			row[j] /= float64(counts[g])
		}
	}
	return means
}

// CenterByGraph subtracts the per-graph mean from every row of x in place,
// moving each graph to a zero center of mass.
func CenterByGraph(x *tensor.Matrix, batch []int) {
	numGraphs := NumGraphs(batch)
	means := GraphMeans(x, batch, numGraphs)
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		mean := means.Row(batch[i])
		for j := range row {
			row[j] -= mean[j]
		}
	}
}

// ScatterMean averages per-row values into their owning index (e.g. per-edge
// losses into destination nodes). Rows of src with the same index[k] are
// averaged; out has outRows rows.
func ScatterMean(src []float64, index []int, outRows int) []float64 {
	if len(src) != len(index) {
		panic(fmt.Sprintf("graph: %d values for %d indices", len(src), len(index)))
	}
	out := make([]float64, outRows)
	counts := make([]int, outRows)
	for k, v := range src {
		out[index[k]] += v
		counts[index[k]]++
	}
	for i := range out {
		if counts[i] > 0 {
			out[i] /= float64(counts[i])
		}
	}
	return out
}
