package model

import (
	"fmt"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/interpolant"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// VarName identifies one configured variable. Using a dedicated type keeps
// per-variable results addressed explicitly instead of through string-keyed
// suffix conventions.
type VarName string

// VarState is the per-variable slice of a Batch. Clean is the ground truth
// (or externally observed value), Noisy the current interpolated state at
// time t, Input the dense representation handed to the dynamics network
// (one-hot for discrete variables), and Og the pre-aggregation snapshot of
// Input that separation restores. Logits and Hat are transient dynamics
// outputs; Cond is the optional self-conditioning signal. Noisy, Hat, Og and
// Cond are discarded at the end of each forward call; Clean persists for the
// duration of the call and Prior for a whole sampling trajectory.
type VarState struct {
	Edge bool

	Clean interpolant.Value
	Prior interpolant.Value
	Noisy interpolant.Value

	Input *tensor.Matrix
	Og    *tensor.Matrix
	Cond  *tensor.Matrix

	Logits *tensor.Matrix
	Hat    *tensor.Matrix
}

// Batch is the mutable per-call container the orchestrator threads through
// its pipeline. NodeBatch maps every node row to its owning graph; Edges is
// the directed edge list shared by all edge-indexed variables. Both persist
// across a whole sampling trajectory while the per-variable states turn over
// every step.
type Batch struct {
	NodeBatch []int
	Edges     graph.EdgeIndex
	NumGraphs int

	Vars map[VarName]*VarState
}

// NewBatch builds an empty batch over a node-to-graph assignment.
func NewBatch(nodeBatch []int, edges graph.EdgeIndex) *Batch {
	return &Batch{
		NodeBatch: nodeBatch,
		Edges:     edges,
		NumGraphs: graph.NumGraphs(nodeBatch),
		Vars:      map[VarName]*VarState{},
	}
}

// Var returns the state of a variable, creating it on first use.
func (b *Batch) Var(name VarName) *VarState {
	s, ok := b.Vars[name]
	if !ok {
		s = &VarState{}
		b.Vars[name] = s
	}
	return s
}

// EdgeBatch returns the per-edge graph assignment (the graph of each edge's
// source node).
func (b *Batch) EdgeBatch() []int {
	out := make([]int, b.Edges.Len())
	for k := range out {
		out[k] = b.NodeBatch[b.Edges.Src[k]]
	}
	return out
}

// Output is the dynamics network's prediction for one forward call: raw
// logits per variable (dense predictions for continuous variables) plus the
// optional auxiliary pairwise term consumed by the triple distance loss.
type Output struct {
	Logits map[VarName]*tensor.Matrix
	ZHat   *tensor.Matrix
}

// Dynamics is the opaque neural network collaborator. It must accept the
// batch the orchestrator produces (Input, Cond, NodeBatch, Edges) and return
// one logits tensor per variable with a live interpolant.
type Dynamics interface {
	Predict(batch *Batch, time []float64) (*Output, error)
}

// aggregateDiscreteVariables folds every variable that declares a concat
// target onto that target's Input along the last dimension, snapshotting the
// target's pre-concat Input in Og so separation can restore it exactly.
func (m *Model) aggregateDiscreteVariables(batch *Batch) {
	for _, v := range m.cfg.Variables {
		if v.Concat == "" {
			continue
		}
		target := batch.Var(VarName(v.Concat))
		src := batch.Var(VarName(v.Name))
		if target.Input == nil || src.Input == nil {
			continue
		}
		if target.Og == nil {
			target.Og = target.Input
		}
		target.Input = tensor.HStack(target.Input, src.Input)
	}
}

// separateDiscreteVariables undoes aggregation and decodes logits into the
// representation each interpolant's reverse step expects. Concatenated
// outputs are split back into original-width slices; for absorbing priors
// the reserved class's logit is forced to a large negative constant so it
// can never be decoded; diffusion-family variables get softmax probabilities
// while flow-family variables keep raw logits.
func (m *Model) separateDiscreteVariables(out *Output, batch *Batch) error {
	// Restore pre-aggregation inputs.
	for _, v := range m.cfg.Variables {
		if v.Concat == "" {
			continue
		}
		target := batch.Var(VarName(v.Concat))
		if target.Og != nil {
			target.Input = target.Og
			target.Og = nil
		}
	}

	if err := m.splitConcatLogits(out); err != nil {
		return err
	}
	return m.decodeOutputs(out, batch)
}

// splitConcatLogits slices a concat target's wide logits back into the
// target's own block and one block per appended variable, in configuration
// order. Dynamics networks that already emit separate per-variable logits
// are left untouched.
func (m *Model) splitConcatLogits(out *Output) error {
	offsets := map[VarName]int{}
	for _, v := range m.cfg.Variables {
		if v.Concat == "" {
			continue
		}
		target := VarName(v.Concat)
		if _, ok := out.Logits[VarName(v.Name)]; ok {
			continue // already separate
		}
		wide, ok := out.Logits[target]
		if !ok {
			return fmt.Errorf("model: dynamics output missing logits for '%s'", v.Concat)
		}
		targetWidth := m.interpolants[target].NumClasses()
		srcWidth := m.interpolants[VarName(v.Name)].NumClasses()
		if _, done := offsets[target]; !done {
			if wide.Cols == targetWidth {
				return fmt.Errorf("model: dynamics output for '%s' is not concatenated and '%s' logits are missing", v.Concat, v.Name)
			}
			offsets[target] = targetWidth
		}
		off := offsets[target]
		if off+srcWidth > wide.Cols {
			return fmt.Errorf("model: concatenated logits for '%s' too narrow: %d columns, need %d", v.Concat, wide.Cols, off+srcWidth)
		}
		out.Logits[VarName(v.Name)] = wide.SliceCols(off, off+srcWidth)
		offsets[target] = off + srcWidth
	}
	// Trim each split target down to its own block.
	for target := range offsets {
		width := m.interpolants[target].NumClasses()
		out.Logits[target] = out.Logits[target].SliceCols(0, width)
	}
	return nil
}

// decodeOutputs produces Hat for every live variable.
func (m *Model) decodeOutputs(out *Output, batch *Batch) error {
	for _, v := range m.cfg.Variables {
		ip := m.interpolants[VarName(v.Name)]
		if ip == nil {
			continue
		}
		logits, ok := out.Logits[VarName(v.Name)]
		if !ok {
			return fmt.Errorf("model: dynamics output missing logits for '%s'", v.Name)
		}
		state := batch.Var(VarName(v.Name))
		state.Logits = logits

		if !v.Interpolant.IsDiscrete() {
			state.Hat = logits // dense prediction, used as-is
			continue
		}
		decoded := logits
		if ip.PriorType().IsAbsorbing() {
			decoded = logits.Clone()
			mask := ip.NumClasses() - 1
			for i := 0; i < decoded.Rows; i++ {
				decoded.Set(i, mask, -1e9)
			}
		}
		if v.Interpolant == interpolant.DiscreteDiffusion {
			state.Hat = decoded.SoftmaxRows()
		} else {
			state.Hat = decoded // flow models operate on raw logits
		}
	}
	return nil
}
