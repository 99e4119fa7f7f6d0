// Package interpolant defines the per-variable noise/data schedulers of the
// generation engine. An Interpolant is bound to exactly one named variable
// (3D positions, atom types, bond types, charges) and owns three things for
// it: the prior distribution the reverse process starts from, the forward
// interpolation that blends clean data toward noise at a given time, and the
// reverse single-step update that moves a noisy state toward the data
// distribution using a dynamics network's prediction.
//
// Concrete interpolants are created through a registry keyed by the
// interpolant type string, so the set of variables a model carries is fully
// configuration driven.
package interpolant

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// Type names the interpolation family of a variable.
type Type string

const (
	// ContinuousDiffusion blends clean data with Gaussian noise and steps
	// along the predicted vector field.
	ContinuousDiffusion Type = "continuous-diffusion"
	// DiscreteDiffusion corrupts classes toward a categorical prior and
	// steps by resampling from predicted class probabilities.
	DiscreteDiffusion Type = "discrete-diffusion"
	// DiscreteFlow is the flow-matching analogue of DiscreteDiffusion; its
	// reverse step consumes raw logits instead of probabilities.
	DiscreteFlow Type = "discrete-flow"
	// Fixed marks a variable held at its ground-truth (or externally
	// supplied) value throughout; no interpolant is built for it.
	Fixed Type = "fixed"
)

// IsDiscrete reports whether the family operates on class indices.
func (t Type) IsDiscrete() bool { return t == DiscreteDiffusion || t == DiscreteFlow }

// PriorType names the distribution a variable's fully-noised state is drawn
// from.
type PriorType string

const (
	PriorUniform PriorType = "uniform"
	PriorMask    PriorType = "mask"
	PriorAbsorb  PriorType = "absorb"
	PriorCustom  PriorType = "custom"
	PriorData    PriorType = "data"
	PriorNormal  PriorType = "normal"
)

// IsAbsorbing reports whether the prior reserves an extra "no information"
// class that must never be decoded into a sample.
func (p PriorType) IsAbsorbing() bool { return p == PriorMask || p == PriorAbsorb }

// TimeType governs how a sampling schedule is discretized for a variable.
type TimeType string

const (
	TimeContinuous TimeType = "continuous"
	TimeDiscrete   TimeType = "discrete"
)

// Variable is the configuration of one named data channel.
type Variable struct {
	// Name identifies the channel ("x", "h", "edge_attr", "charges").
	Name string `yaml:"variable_name"`
	// Interpolant selects the family; Fixed (or empty) holds the variable
	// at its supplied value.
	Interpolant Type `yaml:"interpolant_type"`
	// Prior selects the noise distribution.
	Prior PriorType `yaml:"prior_type"`
	// NumClasses is the declared class count of a discrete variable. An
	// absorbing prior adds one internal class on top of this.
	NumClasses int `yaml:"num_classes,omitempty"`
	// Concat, when set, names another variable whose dynamics input channel
	// this variable's noisy state is appended to.
	Concat string `yaml:"concat,omitempty"`
	// Offset is an additive integer shift applied on the way in and undone
	// on the way out, e.g. to center formal charges around zero.
	Offset int `yaml:"offset,omitempty"`
	// CustomPrior points at a serialized numeric array (.npy) holding the
	// empirical class distribution for custom/data priors.
	CustomPrior string `yaml:"custom_prior,omitempty"`
	// Time defaults to continuous.
	Time TimeType `yaml:"time_type,omitempty"`
	// Edge marks the variable as edge-indexed rather than node-indexed.
	Edge bool `yaml:"edge,omitempty"`
}

// Value is one variable's per-row state: a dense matrix for continuous
// variables or class indices for discrete ones. Exactly one side is set.
type Value struct {
	Dense   *tensor.Matrix
	Classes []int
}

// IsDense reports whether the value carries continuous data.
func (v Value) IsDense() bool { return v.Dense != nil }

// Len returns the number of rows the value covers.
func (v Value) Len() int {
	if v.Dense != nil {
		return v.Dense.Rows
	}
	return len(v.Classes)
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	out := Value{}
	if v.Dense != nil {
		out.Dense = v.Dense.Clone()
	}
	if v.Classes != nil {
		out.Classes = append([]int(nil), v.Classes...)
	}
	return out
}

// Interpolant is the per-variable scheduler contract. All tensors are flat
// node-indexed or edge-indexed; batch maps each row to its owning graph and
// time carries one scalar per graph.
type Interpolant interface {
	// Name returns the bound variable's name.
	Name() string
	// Type returns the interpolation family.
	Type() Type
	// PriorType returns the configured prior distribution.
	PriorType() PriorType
	// TimeType returns whether schedules are continuous or stepwise.
	TimeType() TimeType
	// NumClasses returns the effective class count (absorbing slot
	// included) for discrete variables and 0 for continuous ones.
	NumClasses() int

	// SampleTime draws one time scalar per graph from the named
	// distribution ("uniform", "logit_normal", "beta").
	SampleTime(numSamples int, method string, mean, scale float64) ([]float64, error)

	// Prior draws the fully-noised starting state for node-indexed rows.
	Prior(batch []int, rows, cols int) (Value, error)
	// PriorEdges is the edge analogue; it canonicalizes the edge order and
	// returns a symmetric sample (value at (i,j) equals value at (j,i)).
	PriorEdges(batch []int, rows, cols int, edges graph.EdgeIndex) (Value, graph.EdgeIndex, error)

	// Interpolate blends clean data x1 toward noise at the given per-graph
	// times, returning the prior draw x0, the noisy state xt and the
	// regression/classification target.
	Interpolate(batch []int, x1 Value, time []float64) (x0, xt, target Value, err error)
	// InterpolateEdges is the edge analogue and preserves edge symmetry.
	InterpolateEdges(batch []int, x1 Value, edges graph.EdgeIndex, time []float64) (x0, xt, target Value, err error)

	// Step advances xt by dt toward the data distribution using the decoded
	// prediction xHat (dense prediction for continuous variables, class
	// probabilities or logits for discrete ones) and the original prior
	// draw x0.
	Step(xt Value, xHat *tensor.Matrix, x0 Value, batch []int, time []float64, dt float64) (Value, error)
	// StepEdges is the edge analogue; the updated attributes remain
	// symmetric across edge directions.
	StepEdges(batch []int, edges graph.EdgeIndex, xt Value, xHat *tensor.Matrix, time []float64, dt float64) (graph.EdgeIndex, Value, error)

	// SNRLossWeight returns the per-graph loss weight at the given times.
	// Only the model's designated global variable's weighting is used; it
	// is applied uniformly across all variables' losses.
	SNRLossWeight(time []float64) []float64
}

// BuildOptions carries construction-time inputs that do not live in the
// Variable config itself.
type BuildOptions struct {
	// Seed initializes the interpolant's private RNG.
	Seed uint64
	// CustomPrior is the loaded empirical distribution for custom/data
	// priors (class probabilities, need not be normalized).
	CustomPrior []float64
}

// Builder constructs an interpolant for a variable.
type Builder func(v Variable, opts BuildOptions) (Interpolant, error)

var registry = map[Type]Builder{}

// Register installs a builder for an interpolant type. Later registrations
// replace earlier ones.
func Register(t Type, b Builder) { registry[t] = b }

func init() {
	Register(ContinuousDiffusion, newContinuousDiffusion)
	Register(DiscreteDiffusion, newDiscrete)
	Register(DiscreteFlow, newDiscrete)
}

// Build constructs the interpolant declared by v. Fixed (or empty) variables
// yield a nil interpolant with no error: the model holds them at their
// supplied value. Unknown types and invalid prior combinations are
// configuration errors surfaced immediately.
func Build(v Variable, opts BuildOptions) (Interpolant, error) {
	if v.Name == "" {
		return nil, fmt.Errorf("interpolant: variable with empty name")
	}
	if v.Interpolant == Fixed || v.Interpolant == "" {
		return nil, nil
	}
	if v.Time == "" {
		v.Time = TimeContinuous
	}
	b, ok := registry[v.Interpolant]
	if !ok {
		return nil, fmt.Errorf("interpolant: type '%s' not supported for variable '%s'", v.Interpolant, v.Name)
	}
	return b(v, opts)
}

// newRand builds the private RNG of an interpolant. A zero seed falls back
// to a fixed default so a bare config is still deterministic.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = 1
	}
	return rand.New(rand.NewSource(seed))
}
