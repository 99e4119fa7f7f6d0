package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/interpolant"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// SampleResult is one completed generation run: the final value of every
// variable (offsets undone), the node-to-graph assignment and edge index the
// run was laid out on, and optionally the recorded position trajectory.
type SampleResult struct {
	RunID     uuid.UUID
	NodeBatch []int
	Edges     graph.EdgeIndex
	Values    map[VarName]interpolant.Value

	// Trajectory holds one snapshot of every variable per reverse step,
	// oldest first. Nil unless recording was requested.
	Trajectory []TrajectoryStep
}

// TrajectoryStep is the state of every variable after one reverse step:
// half-precision frames for dense variables, class snapshots for discrete
// ones.
type TrajectoryStep struct {
	Dense   map[VarName]TrajectoryFrame
	Classes map[VarName][]int
}

// TrajectoryFrame is one half-precision snapshot of a dense variable.
// Packing to 16 bits keeps long trajectories (hundreds of steps over
// thousands of atoms) cheap to hold and serialize.
type TrajectoryFrame struct {
	Rows, Cols int
	Bits       []uint16
}

func packFrame(m *tensor.Matrix) TrajectoryFrame {
	bits := make([]uint16, len(m.Data))
	for i, v := range m.Data {
		bits[i] = float16.Fromfloat32(float32(v)).Bits()
	}
	return TrajectoryFrame{Rows: m.Rows, Cols: m.Cols, Bits: bits}
}

// Decode expands the frame back to a float64 matrix.
func (f TrajectoryFrame) Decode() *tensor.Matrix {
	out := tensor.New(f.Rows, f.Cols)
	for i, b := range f.Bits {
		out.Data[i] = float64(float16.Frombits(b).Float32())
	}
	return out
}

// Sample generates numSamples molecules from pure noise. Molecule sizes come
// from the configured node-count distribution when one is loaded, otherwise
// uniformly from [MinNodes, MaxNodes). A partial batch may supply values for
// variables held fixed (nil interpolant); it must cover exactly the
// requested layout when given.
func (m *Model) Sample(numSamples, timesteps int, disc interpolant.Discretization, partial *Batch) (*SampleResult, error) {
	if numSamples < 1 {
		return nil, fmt.Errorf("model: numSamples must be >= 1, got %d", numSamples)
	}

	var batch *Batch
	if partial != nil {
		batch = partial
		// Supplied values for fixed variables arrive in raw units; shift
		// them the way Preprocess would so one-hot encoding and the offset
		// undo in finalize see the same convention as live variables.
		for _, v := range m.cfg.Variables {
			if v.Offset == 0 || m.interpolants[VarName(v.Name)] != nil {
				continue
			}
			state := batch.Var(VarName(v.Name))
			for i := range state.Clean.Classes {
				state.Clean.Classes[i] += v.Offset
			}
		}
	} else {
		sizes := make([]int, numSamples)
		for i := range sizes {
			if m.nodeDist != nil {
				sizes[i] = m.nodeDist.Sample(m.rng)
			} else {
				span := m.cfg.Sampling.MaxNodes - m.cfg.Sampling.MinNodes
				sizes[i] = m.cfg.Sampling.MinNodes + m.rng.Intn(span)
			}
		}
		nodeBatch := graph.RepeatInterleave(sizes)
		batch = NewBatch(nodeBatch, graph.FullyConnected(nodeBatch))
	}

	if err := m.initPriors(batch); err != nil {
		return nil, err
	}
	if err := m.denoise(batch, timesteps, disc, nil, nil); err != nil {
		return nil, err
	}
	return m.finalize(batch), nil
}

// ConditionalSample regenerates a real batch while honoring observed
// variables: every name in hold keeps its supplied clean value for the first
// half of the reverse schedule (the high-noise regime, where the held signal
// steers the layout of everything else) and evolves freely afterwards.
// Setting recordTrajectory captures a per-step snapshot of every variable's
// state.
func (m *Model) ConditionalSample(batch *Batch, hold []VarName, timesteps int, disc interpolant.Discretization, recordTrajectory bool) (*SampleResult, error) {
	if batch == nil {
		return nil, fmt.Errorf("model: conditional sampling needs a batch")
	}
	if err := m.Preprocess(batch); err != nil {
		return nil, err
	}
	held := map[VarName]bool{}
	for _, name := range hold {
		if _, ok := m.interpolants[name]; !ok {
			return nil, fmt.Errorf("model: cannot hold unknown variable '%s'", name)
		}
		held[name] = true
	}
	if err := m.initPriors(batch); err != nil {
		return nil, err
	}

	var trajectory *[]TrajectoryStep
	if recordTrajectory {
		trajectory = &[]TrajectoryStep{}
	}
	if err := m.denoise(batch, timesteps, disc, held, trajectory); err != nil {
		return nil, err
	}
	res := m.finalize(batch)
	if trajectory != nil {
		res.Trajectory = *trajectory
	}
	return res, nil
}

// initPriors draws the fully-noised starting state of every live variable
// and checks that fixed variables carry supplied data. Edge priors
// canonicalize the batch's edge order.
func (m *Model) initPriors(batch *Batch) error {
	cols := m.denseCols(batch)
	for _, v := range m.cfg.Variables {
		name := VarName(v.Name)
		state := batch.Var(name)
		state.Edge = v.Edge
		ip := m.interpolants[name]
		if ip == nil {
			if state.Clean.Len() == 0 {
				return fmt.Errorf("model: fixed variable '%s' needs supplied values for sampling", v.Name)
			}
			state.Noisy = state.Clean
			continue
		}
		var err error
		if v.Edge {
			var edges graph.EdgeIndex
			state.Prior, edges, err = ip.PriorEdges(batch.NodeBatch, batch.Edges.Len(), ip.NumClasses(), batch.Edges)
			if err == nil {
				batch.Edges = edges
			}
		} else {
			state.Prior, err = ip.Prior(batch.NodeBatch, len(batch.NodeBatch), cols[name])
		}
		if err != nil {
			return err
		}
		state.Noisy = state.Prior.Clone()
	}
	return nil
}

// denseCols resolves the column width of each variable's prior draw:
// class count for discrete variables, the clean data's width (default 3,
// spatial coordinates) for continuous ones.
func (m *Model) denseCols(batch *Batch) map[VarName]int {
	cols := map[VarName]int{}
	for _, v := range m.cfg.Variables {
		name := VarName(v.Name)
		if v.Interpolant.IsDiscrete() {
			cols[name] = m.interpolants[name].NumClasses()
			continue
		}
		if state := batch.Var(name); state.Clean.IsDense() {
			cols[name] = state.Clean.Dense.Cols
		} else {
			cols[name] = 3
		}
	}
	return cols
}

// denoise is the shared reverse loop. Variables in held stay at their clean
// value for the first half of the steps.
func (m *Model) denoise(batch *Batch, timesteps int, disc interpolant.Discretization, held map[VarName]bool, trajectory *[]TrajectoryStep) error {
	global := m.globalInterpolant()
	timeline, dts, err := interpolant.TimeSchedule(global.TimeType(), disc, timesteps)
	if err != nil {
		return err
	}
	releaseAt := len(dts) / 2

	// Discrete schedules index steps 0..T; interpolants work on
	// unit-interval time, so the step index is normalized before broadcast.
	norm := 1.0
	if global.TimeType() == interpolant.TimeDiscrete {
		norm = float64(timesteps)
	}

	var prevOut *Output
	time := make([]float64, batch.NumGraphs)
	for step := range dts {
		for g := range time {
			time[g] = timeline[step] / norm
		}

		for _, v := range m.cfg.Variables {
			state := batch.Var(VarName(v.Name))
			if held[VarName(v.Name)] && step < releaseAt {
				state.Noisy = state.Clean
			}
			m.encodeInput(v, state)
		}
		if m.selfCond != nil && prevOut != nil {
			m.selfCond.Inject(batch, prevOut)
		}
		m.aggregateDiscreteVariables(batch)

		out, err := m.dynamics.Predict(batch, time)
		if err != nil {
			return fmt.Errorf("model: dynamics failed at step %d: %w", step, err)
		}
		if err := m.separateDiscreteVariables(out, batch); err != nil {
			return err
		}

		for _, v := range m.cfg.Variables {
			name := VarName(v.Name)
			ip := m.interpolants[name]
			state := batch.Var(name)
			if ip == nil || (held[name] && step < releaseAt) {
				continue
			}
			if v.Edge {
				edges, next, err := ip.StepEdges(batch.NodeBatch, batch.Edges, state.Noisy, state.Hat, time, dts[step])
				if err != nil {
					return err
				}
				batch.Edges = edges
				state.Noisy = next
			} else {
				next, err := ip.Step(state.Noisy, state.Hat, state.Prior, batch.NodeBatch, time, dts[step])
				if err != nil {
					return err
				}
				state.Noisy = next
			}
		}

		if trajectory != nil {
			snap := TrajectoryStep{
				Dense:   map[VarName]TrajectoryFrame{},
				Classes: map[VarName][]int{},
			}
			for _, v := range m.cfg.Variables {
				state := batch.Var(VarName(v.Name))
				if state.Noisy.IsDense() {
					snap.Dense[VarName(v.Name)] = packFrame(state.Noisy.Dense)
				} else {
					snap.Classes[VarName(v.Name)] = append([]int{}, state.Noisy.Classes...)
				}
			}
			*trajectory = append(*trajectory, snap)
		}
		prevOut = out
	}
	if m.selfCond != nil {
		m.selfCond.Clear(batch)
	}
	return nil
}

// finalize undoes declared integer offsets and collects the terminal state.
func (m *Model) finalize(batch *Batch) *SampleResult {
	values := map[VarName]interpolant.Value{}
	for _, v := range m.cfg.Variables {
		state := batch.Var(VarName(v.Name))
		final := state.Noisy.Clone()
		if v.Offset != 0 && !final.IsDense() {
			for i := range final.Classes {
				final.Classes[i] -= v.Offset
			}
		}
		values[VarName(v.Name)] = final
	}
	return &SampleResult{
		RunID:     uuid.New(),
		NodeBatch: append([]int{}, batch.NodeBatch...),
		Edges:     batch.Edges.Clone(),
		Values:    values,
	}
}
