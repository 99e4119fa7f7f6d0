// Package loss computes the per-variable training losses of the
// interpolation engine: mean-squared-error regression for continuous
// variables, cross-entropy classification for discrete ones (with an
// edge-indexed path aggregated onto owner nodes) and optional auxiliary
// pairwise-distance losses. Every Function carries an adaptive clamp that
// bounds the distance contribution of outlier batches; the clamp only ever
// decreases over the life of a model instance.
package loss

import (
	"fmt"
	"math"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// Aggregation selects how per-row losses are reduced.
type Aggregation string

const (
	AggregationMean Aggregation = "mean"
	AggregationSum  Aggregation = "sum"
)

// Config declares one variable's loss.
type Config struct {
	// VariableName binds the loss to a configured variable.
	VariableName string `yaml:"variable_name"`
	// LossScale multiplies the final scalar.
	LossScale float64 `yaml:"loss_scale"`
	// Aggregation reduces per-row losses ("mean" or "sum").
	Aggregation Aggregation `yaml:"aggregate"`
	// Continuous selects regression instead of classification.
	Continuous bool `yaml:"continuous"`
	// UseDistance enables the auxiliary pairwise-distance loss for this
	// (position-like) variable: "" (off), "pair" or "triple".
	UseDistance string `yaml:"use_distance,omitempty"`
	// DistanceScale multiplies the summed distance terms.
	DistanceScale float64 `yaml:"distance_scale,omitempty"`
}

// Function is the per-variable loss evaluator. It is pure computation apart
// from the adaptive clamp, which the orchestrator updates once per training
// step via UpdateClamp.
type Function struct {
	cfg   Config
	clamp float64
}

// New validates the configuration and returns a Function with an open clamp.
func New(cfg Config) (*Function, error) {
	if cfg.VariableName == "" {
		return nil, fmt.Errorf("loss: config with empty variable name")
	}
	if cfg.LossScale == 0 {
		cfg.LossScale = 1
	}
	switch cfg.Aggregation {
	case AggregationMean, AggregationSum, "":
		if cfg.Aggregation == "" {
			cfg.Aggregation = AggregationMean
		}
	default:
		return nil, fmt.Errorf("loss: aggregation '%s' not supported", cfg.Aggregation)
	}
	switch cfg.UseDistance {
	case "", "pair", "triple":
	default:
		return nil, fmt.Errorf("loss: use_distance '%s' not supported (want '', 'pair' or 'triple')", cfg.UseDistance)
	}
	return &Function{cfg: cfg, clamp: math.Inf(1)}, nil
}

// Variable returns the bound variable name.
func (f *Function) Variable() string { return f.cfg.VariableName }

// Continuous reports whether the loss is a regression.
func (f *Function) Continuous() bool { return f.cfg.Continuous }

// UseDistance returns the configured auxiliary-distance mode.
func (f *Function) UseDistance() string { return f.cfg.UseDistance }

// DistanceScale returns the auxiliary-distance multiplier.
func (f *Function) DistanceScale() float64 {
	if f.cfg.DistanceScale == 0 {
		return 1
	}
	return f.cfg.DistanceScale
}

// Clamp returns the current adaptive clamp level.
func (f *Function) Clamp() float64 { return f.clamp }

// UpdateClamp lowers the clamp to min(current, stepLoss/lossScale*5). Called
// once per training step; the level never increases.
func (f *Function) UpdateClamp(stepLoss float64) {
	candidate := stepLoss / f.cfg.LossScale * 5
	if candidate < f.clamp {
		f.clamp = candidate
	}
}

// reduce aggregates weighted per-row losses into per-graph means first, so a
// large molecule cannot dominate the minibatch, then applies the configured
// aggregation and scale.
func (f *Function) reduce(rowLoss []float64, batch []int, weight []float64) float64 {
	numGraphs := graph.NumGraphs(batch)
	perGraph := graph.ScatterMean(rowLoss, batch, numGraphs)
	var total float64
	for g, v := range perGraph {
		w := 1.0
		if weight != nil {
			w = weight[g]
		}
		total += w * v
	}
	if f.cfg.Aggregation == AggregationMean && numGraphs > 0 {
		total /= float64(numGraphs)
	}
	return total * f.cfg.LossScale
}

// ContinuousLoss is the regression path: per-row squared error between the
// prediction and target, weighted per graph. It returns the scalar loss and
// the prediction that downstream consumers (the distance loss) reuse.
func (f *Function) ContinuousLoss(batch []int, pred, target *tensor.Matrix, weight []float64) (float64, *tensor.Matrix, error) {
	if pred == nil || target == nil {
		return 0, nil, fmt.Errorf("loss: continuous loss for '%s' needs dense prediction and target", f.cfg.VariableName)
	}
	if pred.Rows != target.Rows || pred.Cols != target.Cols {
		return 0, nil, fmt.Errorf("loss: prediction %dx%d does not match target %dx%d", pred.Rows, pred.Cols, target.Rows, target.Cols)
	}
	rowLoss := make([]float64, pred.Rows)
	for i := 0; i < pred.Rows; i++ {
		p, q := pred.Row(i), target.Row(i)
		var sum float64
		for j := range p {
			d := p[j] - q[j]
			sum += d * d
		}
		rowLoss[i] = sum / float64(pred.Cols)
	}
	return f.reduce(rowLoss, batch, weight), pred, nil
}

// DiscreteLoss is the classification path: cross-entropy of the logits
// against integer class labels, weighted per graph. The returned prediction
// is the per-row argmax class.
func (f *Function) DiscreteLoss(batch []int, logits *tensor.Matrix, target []int, weight []float64) (float64, []int, error) {
	if logits == nil {
		return 0, nil, fmt.Errorf("loss: discrete loss for '%s' needs logits", f.cfg.VariableName)
	}
	if logits.Rows != len(target) {
		return 0, nil, fmt.Errorf("loss: %d logit rows for %d targets", logits.Rows, len(target))
	}
	logProbs := logits.LogSoftmaxRows()
	rowLoss := make([]float64, logits.Rows)
	for i := range target {
		c := target[i]
		if c < 0 || c >= logits.Cols {
			return 0, nil, fmt.Errorf("loss: target class %d out of range [0,%d)", c, logits.Cols)
		}
		rowLoss[i] = -logProbs.At(i, c)
	}
	return f.reduce(rowLoss, batch, weight), logits.ArgmaxRows(), nil
}

// EdgeLoss is the discrete path over an edge list: per-edge cross-entropy is
// first averaged into each edge's owning (destination) node, then weighted
// and reduced like a node loss. ownerIndex[k] is the destination node of
// edge k and numNodes the node count of the minibatch.
func (f *Function) EdgeLoss(batch []int, logits *tensor.Matrix, target []int, ownerIndex []int, numNodes int, weight []float64) (float64, []int, error) {
	if logits == nil {
		return 0, nil, fmt.Errorf("loss: edge loss for '%s' needs logits", f.cfg.VariableName)
	}
	if logits.Rows != len(target) || len(target) != len(ownerIndex) {
		return 0, nil, fmt.Errorf("loss: %d logit rows, %d targets, %d owners", logits.Rows, len(target), len(ownerIndex))
	}
	logProbs := logits.LogSoftmaxRows()
	edgeLoss := make([]float64, logits.Rows)
	for k := range target {
		c := target[k]
		if c < 0 || c >= logits.Cols {
			return 0, nil, fmt.Errorf("loss: target class %d out of range [0,%d)", c, logits.Cols)
		}
		edgeLoss[k] = -logProbs.At(k, c)
	}
	nodeLoss := graph.ScatterMean(edgeLoss, ownerIndex, numNodes)
	return f.reduce(nodeLoss, batch, weight), logits.ArgmaxRows(), nil
}

// DistanceLoss compares pairwise intra-graph distances at three
// granularities: true-vs-predicted (tp), true-vs-auxiliary (tz) and
// predicted-vs-auxiliary (pz). z may be nil, in which case tz and pz are
// zero. Each term is clamped at the current adaptive level so one outlier
// batch cannot blow up the auxiliary objective.
func (f *Function) DistanceLoss(batch []int, x, xPred, z *tensor.Matrix) (tp, tz, pz float64, err error) {
	if x == nil || xPred == nil {
		return 0, 0, 0, fmt.Errorf("loss: distance loss for '%s' needs true and predicted positions", f.cfg.VariableName)
	}
	if x.Rows != xPred.Rows {
		return 0, 0, 0, fmt.Errorf("loss: %d true positions for %d predictions", x.Rows, xPred.Rows)
	}
	var sumTP, sumTZ, sumPZ float64
	var pairs int
	for i := 0; i < x.Rows; i++ {
		for j := i + 1; j < x.Rows; j++ {
			if batch[i] != batch[j] {
				continue
			}
			pairs++
			dt := tensor.RowDistance(x, i, x, j)
			dp := tensor.RowDistance(xPred, i, xPred, j)
			sumTP += (dt - dp) * (dt - dp)
			if z != nil {
				dz := tensor.RowDistance(z, i, z, j)
				sumTZ += (dt - dz) * (dt - dz)
				sumPZ += (dp - dz) * (dp - dz)
			}
		}
	}
	if pairs == 0 {
		return 0, 0, 0, nil
	}
	n := float64(pairs)
	clampTerm := func(v float64) float64 {
		if v > f.clamp {
			return f.clamp
		}
		return v
	}
	return clampTerm(sumTP / n), clampTerm(sumTZ / n), clampTerm(sumPZ / n), nil
}
