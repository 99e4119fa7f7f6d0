package interpolant

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// discrete implements both categorical families. They share the prior and
// forward corruption; the reverse step differs only in whether xHat arrives
// as class probabilities (diffusion, converted upstream during separation)
// or as raw logits (flow, softmaxed here).
type discrete struct {
	name       string
	family     Type
	timeType   TimeType
	prior      PriorType
	numClasses int // effective: absorbing slot already included
	maskIndex  int // numClasses-1 for absorbing priors, -1 otherwise
	priorProbs []float64
	rng        *rand.Rand
}

func newDiscrete(v Variable, opts BuildOptions) (Interpolant, error) {
	if v.NumClasses < 2 {
		return nil, fmt.Errorf("interpolant: discrete variable '%s' needs num_classes >= 2, got %d", v.Name, v.NumClasses)
	}
	d := &discrete{
		name:       v.Name,
		family:     v.Interpolant,
		timeType:   v.Time,
		prior:      v.Prior,
		numClasses: v.NumClasses,
		maskIndex:  -1,
		rng:        newRand(opts.Seed),
	}
	switch v.Prior {
	case PriorUniform:
	case PriorMask, PriorAbsorb:
		// One extra slot reserved for "no information"; it is excluded from
		// decoding by the separation pass.
		d.numClasses = v.NumClasses + 1
		d.maskIndex = d.numClasses - 1
	case PriorCustom, PriorData:
		if len(opts.CustomPrior) == 0 {
			return nil, fmt.Errorf("interpolant: variable '%s' declares a %s prior but no prior data was loaded", v.Name, v.Prior)
		}
		if len(opts.CustomPrior) != v.NumClasses {
			return nil, fmt.Errorf("interpolant: variable '%s' prior has %d entries for %d classes", v.Name, len(opts.CustomPrior), v.NumClasses)
		}
		var sum float64
		for _, p := range opts.CustomPrior {
			if p < 0 {
				return nil, fmt.Errorf("interpolant: variable '%s' prior has negative mass", v.Name)
			}
			sum += p
		}
		if sum <= 0 {
			return nil, fmt.Errorf("interpolant: variable '%s' prior has zero total mass", v.Name)
		}
		d.priorProbs = make([]float64, len(opts.CustomPrior))
		for i, p := range opts.CustomPrior {
			d.priorProbs[i] = p / sum
		}
	default:
		return nil, fmt.Errorf("interpolant: prior '%s' not supported for discrete variable '%s'", v.Prior, v.Name)
	}
	return d, nil
}

func (d *discrete) Name() string         { return d.name }
func (d *discrete) Type() Type           { return d.family }
func (d *discrete) PriorType() PriorType { return d.prior }
func (d *discrete) TimeType() TimeType   { return d.timeType }
func (d *discrete) NumClasses() int      { return d.numClasses }

func (d *discrete) SampleTime(numSamples int, method string, mean, scale float64) ([]float64, error) {
	return sampleTime(d.rng, numSamples, method, mean, scale)
}

// samplePriorClass draws one class from the configured prior.
func (d *discrete) samplePriorClass() int {
	switch {
	case d.maskIndex >= 0:
		return d.maskIndex
	case d.priorProbs != nil:
		return sampleCategorical(d.rng, d.priorProbs)
	default:
		return d.rng.Intn(d.numClasses)
	}
}

func (d *discrete) Prior(batch []int, rows, cols int) (Value, error) {
	if len(batch) != rows {
		return Value{}, fmt.Errorf("interpolant: batch length %d does not match %d rows", len(batch), rows)
	}
	classes := make([]int, rows)
	for i := range classes {
		classes[i] = d.samplePriorClass()
	}
	return Value{Classes: classes}, nil
}

// PriorEdges draws a symmetric prior over an undirected fully-connected edge
// set: one class per (i<j) pair, mirrored onto the reverse direction. The
// edge index is canonicalized first so callers and the engine agree on row
// order for the rest of the trajectory.
func (d *discrete) PriorEdges(batch []int, rows, cols int, edges graph.EdgeIndex) (Value, graph.EdgeIndex, error) {
	edges, _ = graph.SortEdges(edges, nil)
	if rows != edges.Len() {
		return Value{}, edges, fmt.Errorf("interpolant: %d rows for %d edges", rows, edges.Len())
	}
	classes := make([]int, edges.Len())
	rev := graph.ReversePermutation(edges)
	for _, k := range graph.UpperEdges(edges) {
		c := d.samplePriorClass()
		classes[k] = c
		classes[rev[k]] = c
	}
	return Value{Classes: classes}, edges, nil
}

// corrupt returns x1's class with probability t and a fresh prior draw
// otherwise. This is the forward noising shared by both families.
func (d *discrete) corrupt(x1 int, t float64) int {
	if d.rng.Float64() < t {
		return x1
	}
	return d.samplePriorClass()
}

func (d *discrete) Interpolate(batch []int, x1 Value, time []float64) (Value, Value, Value, error) {
	if x1.IsDense() {
		return Value{}, Value{}, Value{}, fmt.Errorf("interpolant: discrete variable '%s' needs class data", d.name)
	}
	n := len(x1.Classes)
	x0 := make([]int, n)
	xt := make([]int, n)
	for i, c := range x1.Classes {
		x0[i] = d.samplePriorClass()
		xt[i] = d.corrupt(c, time[batch[i]])
	}
	return Value{Classes: x0}, Value{Classes: xt}, x1, nil
}

func (d *discrete) InterpolateEdges(batch []int, x1 Value, edges graph.EdgeIndex, time []float64) (Value, Value, Value, error) {
	if x1.IsDense() {
		return Value{}, Value{}, Value{}, fmt.Errorf("interpolant: discrete variable '%s' needs class data", d.name)
	}
	n := len(x1.Classes)
	if n != edges.Len() {
		return Value{}, Value{}, Value{}, fmt.Errorf("interpolant: %d edge attributes for %d edges", n, edges.Len())
	}
	x0 := make([]int, n)
	xt := make([]int, n)
	rev := graph.ReversePermutation(edges)
	for _, k := range graph.UpperEdges(edges) {
		t := time[batch[edges.Src[k]]]
		p := d.samplePriorClass()
		c := d.corrupt(x1.Classes[k], t)
		x0[k], x0[rev[k]] = p, p
		xt[k], xt[rev[k]] = c, c
	}
	return Value{Classes: x0}, Value{Classes: xt}, x1, nil
}

// stepProbs turns xHat into proper class probabilities for the reverse step.
func (d *discrete) stepProbs(xHat *tensor.Matrix) *tensor.Matrix {
	if d.family == DiscreteFlow {
		return xHat.SoftmaxRows()
	}
	return xHat
}

// stepRow resamples one row's class given the model's class probabilities.
//
// For absorbing priors a masked row unmasks with probability dt/(1-t),
// drawing from the prediction; an unmasked row keeps its class. For dense
// priors the row follows the categorical Euler update
//
//	p_next = onehot(xt) + min(dt/(1-t), 1) * (pHat - onehot(xt))
//
// which converges on pHat as t approaches 1.
func (d *discrete) stepRow(xt int, pHat []float64, t, dt float64) int {
	rate := dt / (1 - t + 1e-6)
	if rate > 1 {
		rate = 1
	}
	if d.maskIndex >= 0 {
		if xt != d.maskIndex {
			return xt
		}
		if d.rng.Float64() >= rate {
			return d.maskIndex
		}
		// Unmask: the absorbing slot carries no generation mass (its logit
		// was forced down during separation) but renormalize anyway.
		probs := make([]float64, len(pHat))
		copy(probs, pHat)
		probs[d.maskIndex] = 0
		return sampleCategoricalNormalized(d.rng, probs)
	}
	probs := make([]float64, len(pHat))
	for j := range probs {
		cur := 0.0
		if j == xt {
			cur = 1.0
		}
		p := cur + rate*(pHat[j]-cur)
		if p < 0 {
			p = 0
		}
		probs[j] = p
	}
	return sampleCategoricalNormalized(d.rng, probs)
}

func (d *discrete) Step(xt Value, xHat *tensor.Matrix, x0 Value, batch []int, time []float64, dt float64) (Value, error) {
	if xt.IsDense() || xHat == nil {
		return Value{}, fmt.Errorf("interpolant: discrete step for '%s' needs class xt and dense xHat", d.name)
	}
	if xHat.Rows != len(xt.Classes) || xHat.Cols != d.numClasses {
		return Value{}, fmt.Errorf("interpolant: xHat shape %dx%d does not match %d rows x %d classes", xHat.Rows, xHat.Cols, len(xt.Classes), d.numClasses)
	}
	probs := d.stepProbs(xHat)
	next := make([]int, len(xt.Classes))
	for i, c := range xt.Classes {
		next[i] = d.stepRow(c, probs.Row(i), time[batch[i]], dt)
	}
	return Value{Classes: next}, nil
}

// StepEdges advances edge classes symmetrically: the two directed predictions
// of an undirected pair are averaged and the pair is resampled once.
func (d *discrete) StepEdges(batch []int, edges graph.EdgeIndex, xt Value, xHat *tensor.Matrix, time []float64, dt float64) (graph.EdgeIndex, Value, error) {
	if xt.IsDense() || xHat == nil {
		return edges, Value{}, fmt.Errorf("interpolant: discrete edge step for '%s' needs class xt and dense xHat", d.name)
	}
	if xHat.Rows != edges.Len() {
		return edges, Value{}, fmt.Errorf("interpolant: %d predictions for %d edges", xHat.Rows, edges.Len())
	}
	probs := d.stepProbs(xHat)
	next := make([]int, len(xt.Classes))
	rev := graph.ReversePermutation(edges)
	pair := make([]float64, probs.Cols)
	for _, k := range graph.UpperEdges(edges) {
		fwd, bwd := probs.Row(k), probs.Row(rev[k])
		for j := range pair {
			pair[j] = 0.5 * (fwd[j] + bwd[j])
		}
		t := time[batch[edges.Src[k]]]
		c := d.stepRow(xt.Classes[k], pair, t, dt)
		next[k], next[rev[k]] = c, c
	}
	return edges, Value{Classes: next}, nil
}

func (d *discrete) SNRLossWeight(time []float64) []float64 {
	return snrWeight(time, 1)
}

// sampleCategorical draws an index from already-normalized probabilities.
func sampleCategorical(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if u < cum {
			return i
		}
	}
	return len(probs) - 1
}

// sampleCategoricalNormalized renormalizes non-negative weights, falling back
// to the argmax when the mass degenerates to zero.
func sampleCategoricalNormalized(rng *rand.Rand, weights []float64) int {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 || math.IsNaN(sum) {
		best := 0
		for i, w := range weights {
			if w > weights[best] {
				best = i
			}
		}
		return best
	}
	u := rng.Float64() * sum
	var cum float64
	for i, w := range weights {
		cum += w
		if u < cum {
			return i
		}
	}
	return len(weights) - 1
}
