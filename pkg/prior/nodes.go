package prior

import (
	"fmt"
	"os"

	"github.com/tidwall/btree"
	"golang.org/x/exp/rand"
	"gopkg.in/yaml.v3"
)

// NodeDistribution is the empirical distribution of molecule sizes used to
// decide how many atoms each generated graph gets. It is read-only after
// construction.
type NodeDistribution struct {
	hist  *btree.Map[int, float64] // node count -> probability, ordered
	cdf   []float64
	sizes []int
}

// LoadNodeDistribution reads a YAML histogram mapping node counts to
// frequencies (counts or probabilities, normalization is handled here).
func LoadNodeDistribution(fpath string) (*NodeDistribution, error) {
	raw, err := os.ReadFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("prior: failed to read node distribution: %w", err)
	}
	var hist map[int]float64
	if err := yaml.Unmarshal(raw, &hist); err != nil {
		return nil, fmt.Errorf("prior: failed to parse node distribution: %w", err)
	}
	return NewNodeDistribution(hist)
}

// NewNodeDistribution builds the distribution from an in-memory histogram.
func NewNodeDistribution(hist map[int]float64) (*NodeDistribution, error) {
	if len(hist) == 0 {
		return nil, fmt.Errorf("prior: empty node-count histogram")
	}
	tree := btree.NewMap[int, float64](32)
	var total float64
	for n, freq := range hist {
		if n <= 0 {
			return nil, fmt.Errorf("prior: node count %d must be positive", n)
		}
		if freq < 0 {
			return nil, fmt.Errorf("prior: negative frequency for node count %d", n)
		}
		total += freq
		tree.Set(n, freq)
	}
	if total <= 0 {
		return nil, fmt.Errorf("prior: node-count histogram has zero total mass")
	}

	d := &NodeDistribution{hist: tree}
	var cum float64
	tree.Scan(func(n int, freq float64) bool {
		cum += freq / total
		d.sizes = append(d.sizes, n)
		d.cdf = append(d.cdf, cum)
		return true
	})
	return d, nil
}

// Prob returns the probability mass of a given node count.
func (d *NodeDistribution) Prob(n int) float64 {
	freq, ok := d.hist.Get(n)
	if !ok {
		return 0
	}
	var total float64
	d.hist.Scan(func(_ int, f float64) bool { total += f; return true })
	return freq / total
}

// MaxNodes returns the largest node count with mass.
func (d *NodeDistribution) MaxNodes() int {
	return d.sizes[len(d.sizes)-1]
}

// Sample draws one molecule size (multinomial with replacement).
func (d *NodeDistribution) Sample(rng *rand.Rand) int {
	u := rng.Float64()
	for i, c := range d.cdf {
		if u < c {
			return d.sizes[i]
		}
	}
	return d.sizes[len(d.sizes)-1]
}

// SampleN draws n molecule sizes.
func (d *NodeDistribution) SampleN(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = d.Sample(rng)
	}
	return out
}
