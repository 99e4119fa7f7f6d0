package model

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/interpolant"
	"github.com/molgenlab/molgen/pkg/loss"
	"github.com/molgenlab/molgen/pkg/metrics"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// stubDynamics is a deterministic stand-in for the neural network: for every
// discrete variable it emits logits favoring a fixed class, and for dense
// variables it echoes the current input. With wideConcat set it emits one
// concatenated logits block per concat target instead of separate entries,
// exercising the split path.
type stubDynamics struct {
	cfg        Config
	widths     map[VarName]int
	favored    map[VarName]int
	wideConcat bool
	seenTimes  [][]float64
}

func newStubDynamics(m *Model, favored map[VarName]int) *stubDynamics {
	d := &stubDynamics{cfg: m.cfg, widths: map[VarName]int{}, favored: favored}
	for _, v := range m.cfg.Variables {
		if ip := m.Interpolant(VarName(v.Name)); ip != nil && v.Interpolant.IsDiscrete() {
			d.widths[VarName(v.Name)] = ip.NumClasses()
		}
	}
	return d
}

func (d *stubDynamics) logitsFor(name VarName, rows int) *tensor.Matrix {
	width := d.widths[name]
	out := tensor.New(rows, width)
	fav := d.favored[name]
	for i := 0; i < rows; i++ {
		out.Set(i, fav, 5)
	}
	return out
}

func (d *stubDynamics) Predict(batch *Batch, time []float64) (*Output, error) {
	if len(time) != batch.NumGraphs {
		return nil, fmt.Errorf("stub: %d times for %d graphs", len(time), batch.NumGraphs)
	}
	d.seenTimes = append(d.seenTimes, append([]float64{}, time...))
	out := &Output{Logits: map[VarName]*tensor.Matrix{}}
	for _, v := range d.cfg.Variables {
		name := VarName(v.Name)
		state := batch.Var(name)
		switch {
		case !v.Interpolant.IsDiscrete():
			if state.Input != nil {
				out.Logits[name] = state.Input.Clone()
			}
		case d.wideConcat && v.Concat != "":
			continue // folded into the target's block below
		case v.Edge:
			out.Logits[name] = d.logitsFor(name, batch.Edges.Len())
		default:
			out.Logits[name] = d.logitsFor(name, len(batch.NodeBatch))
		}
	}
	if d.wideConcat {
		for _, v := range d.cfg.Variables {
			if v.Concat == "" {
				continue
			}
			target := VarName(v.Concat)
			out.Logits[target] = tensor.HStack(
				out.Logits[target], d.logitsFor(VarName(v.Name), len(batch.NodeBatch)))
		}
	}
	return out, nil
}

// testConfig is a small four-variable setup: positions, 4 atom types, 3 bond
// types on edges and 5 charge states concatenated onto the atom types.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Variables = []interpolant.Variable{
		{Name: "x", Interpolant: interpolant.ContinuousDiffusion, Prior: interpolant.PriorNormal},
		{Name: "h", Interpolant: interpolant.DiscreteDiffusion, Prior: interpolant.PriorUniform, NumClasses: 4},
		{Name: "edge_attr", Interpolant: interpolant.DiscreteDiffusion, Prior: interpolant.PriorUniform, NumClasses: 3, Edge: true},
		{Name: "charges", Interpolant: interpolant.DiscreteDiffusion, Prior: interpolant.PriorUniform, NumClasses: 5, Offset: 2, Concat: "h"},
	}
	cfg.Losses = []loss.Config{
		{VariableName: "x", LossScale: 1, Continuous: true},
		{VariableName: "h", LossScale: 0.4},
		{VariableName: "edge_attr", LossScale: 2},
		{VariableName: "charges", LossScale: 1},
	}
	cfg.Sampling.MinNodes = 4
	cfg.Sampling.MaxNodes = 7
	cfg.Sampling.Timesteps = 10
	cfg.Sampling.ValidationSamples = 0
	return cfg
}

func newTestModel(t *testing.T, cfg Config, favored map[VarName]int) (*Model, *stubDynamics) {
	t.Helper()
	stub := &stubDynamics{}
	m, err := New(cfg, stub, WithSink(metrics.NopSink{}))
	require.NoError(t, err)
	*stub = *newStubDynamics(m, favored)
	return m, stub
}

// testBatch builds two molecules of 3 and 4 atoms with one real bond in each
// (both directions, as bond lists are stored).
func testBatch() *Batch {
	nodeBatch := []int{0, 0, 0, 1, 1, 1, 1}
	bonds := graph.EdgeIndex{
		Src: []int{0, 1, 3, 4},
		Dst: []int{1, 0, 4, 3},
	}
	b := NewBatch(nodeBatch, bonds)

	pos := tensor.New(7, 3)
	for i := 0; i < 7; i++ {
		for j := 0; j < 3; j++ {
			pos.Set(i, j, float64(i+1)*0.5+float64(j))
		}
	}
	b.Var("x").Clean = interpolant.Value{Dense: pos}
	b.Var("h").Clean = interpolant.Value{Classes: []int{0, 1, 2, 3, 0, 1, 2}}
	b.Var("edge_attr").Clean = interpolant.Value{Classes: []int{2, 2, 1, 1}}
	b.Var("charges").Clean = interpolant.Value{Classes: []int{-1, 0, 1, 2, -2, 0, 0}}
	return b
}

func TestNewRejections(t *testing.T) {
	cfg := testConfig()

	t.Run("nil dynamics", func(t *testing.T) {
		_, err := New(cfg, nil)
		assert.Error(t, err)
	})
	t.Run("invalid config", func(t *testing.T) {
		bad := cfg
		bad.GlobalVariable = "nope"
		_, err := New(bad, &stubDynamics{})
		assert.Error(t, err)
	})
	t.Run("fixed global variable", func(t *testing.T) {
		bad := testConfig()
		bad.Variables[0].Interpolant = interpolant.Fixed
		bad.Losses = bad.Losses[1:]
		_, err := New(bad, &stubDynamics{})
		assert.Error(t, err)
	})
}

func TestPreprocess(t *testing.T) {
	m, _ := newTestModel(t, testConfig(), nil)
	b := testBatch()
	require.NoError(t, m.Preprocess(b))

	t.Run("positions centered per graph", func(t *testing.T) {
		x := b.Var("x").Clean.Dense
		for g := 0; g < 2; g++ {
			for j := 0; j < 3; j++ {
				var sum float64
				for i := range b.NodeBatch {
					if b.NodeBatch[i] == g {
						sum += x.At(i, j)
					}
				}
				assert.InDelta(t, 0, sum, 1e-9)
			}
		}
	})

	t.Run("fully connected edges", func(t *testing.T) {
		// 3*2 + 4*3 directed pairs.
		assert.Equal(t, 18, b.Edges.Len())
		for k := 0; k < b.Edges.Len(); k++ {
			assert.NotEqual(t, b.Edges.Src[k], b.Edges.Dst[k])
			assert.Equal(t, b.NodeBatch[b.Edges.Src[k]], b.NodeBatch[b.Edges.Dst[k]])
		}
	})

	t.Run("bonds survive, non-bonds filled with zero", func(t *testing.T) {
		attrs := b.Var("edge_attr").Clean.Classes
		require.Len(t, attrs, 18)
		bondClass := map[[2]int]int{{0, 1}: 2, {1, 0}: 2, {3, 4}: 1, {4, 3}: 1}
		for k := 0; k < b.Edges.Len(); k++ {
			want, isBond := bondClass[[2]int{b.Edges.Src[k], b.Edges.Dst[k]}]
			if isBond {
				assert.Equal(t, want, attrs[k])
			} else {
				assert.Equal(t, 0, attrs[k])
			}
		}
	})

	t.Run("charge offset applied", func(t *testing.T) {
		assert.Equal(t, []int{1, 2, 3, 4, 0, 2, 2}, b.Var("charges").Clean.Classes)
	})
}

func TestPreprocessMaskFill(t *testing.T) {
	cfg := testConfig()
	cfg.EdgeFill = EdgeFillMask
	for i := range cfg.Variables {
		if cfg.Variables[i].Edge {
			cfg.Variables[i].Prior = interpolant.PriorMask
		}
	}
	m, _ := newTestModel(t, cfg, nil)
	b := testBatch()
	require.NoError(t, m.Preprocess(b))

	// 3 declared bond classes plus the absorbing slot: filler index 3.
	attrs := b.Var("edge_attr").Clean.Classes
	bondClass := map[[2]int]int{{0, 1}: 2, {1, 0}: 2, {3, 4}: 1, {4, 3}: 1}
	for k := 0; k < b.Edges.Len(); k++ {
		want, isBond := bondClass[[2]int{b.Edges.Src[k], b.Edges.Dst[k]}]
		if isBond {
			// The filler index is larger than every bond class; real bonds
			// must still win the merge.
			assert.Equal(t, want, attrs[k])
		} else {
			assert.Equal(t, 3, attrs[k])
		}
	}
}

func TestForwardSplitsConcatenatedLogits(t *testing.T) {
	m, stub := newTestModel(t, testConfig(), map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})
	stub.wideConcat = true
	b := testBatch()

	time := []float64{0.5, 0.5}
	out, err := m.Forward(b, time, false)
	require.NoError(t, err)

	require.NotNil(t, out.Logits["h"])
	assert.Equal(t, 4, out.Logits["h"].Cols)
	require.NotNil(t, out.Logits["charges"])
	assert.Equal(t, 5, out.Logits["charges"].Cols)
	assert.Equal(t, 7, out.Logits["charges"].Rows)

	// Aggregation must be undone: h's input is back at its own width.
	assert.Equal(t, 4, b.Var("h").Input.Cols)

	// Diffusion-family predictions are decoded to probabilities.
	hat := b.Var("h").Hat
	require.NotNil(t, hat)
	for i := 0; i < hat.Rows; i++ {
		var sum float64
		for j := 0; j < hat.Cols; j++ {
			sum += hat.At(i, j)
		}
		assert.InDelta(t, 1, sum, 1e-9)
	}
}

func TestTrainingAndValidationStep(t *testing.T) {
	m, _ := newTestModel(t, testConfig(), map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})

	trainLoss, err := m.TrainingStep(testBatch())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(trainLoss))
	assert.Greater(t, trainLoss, 0.0)

	valLoss, err := m.ValidationStep(testBatch())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(valLoss))
}

func TestTrainingStepWithDistanceLoss(t *testing.T) {
	cfg := testConfig()
	cfg.UseDistance = "pair"
	cfg.DistanceScale = 0.5
	m, _ := newTestModel(t, cfg, map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})

	total, err := m.TrainingStep(testBatch())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(total))
}

func TestSample(t *testing.T) {
	m, _ := newTestModel(t, testConfig(), map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})

	res, err := m.Sample(3, 10, interpolant.DiscretizationLinear, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", res.RunID.String())

	numGraphs := graph.NumGraphs(res.NodeBatch)
	assert.Equal(t, 3, numGraphs)
	for _, size := range graph.Sizes(res.NodeBatch, numGraphs) {
		assert.GreaterOrEqual(t, size, 4)
		assert.Less(t, size, 7)
	}

	n := len(res.NodeBatch)
	x := res.Values["x"]
	require.True(t, x.IsDense())
	assert.Equal(t, n, x.Dense.Rows)
	assert.Equal(t, 3, x.Dense.Cols)

	h := res.Values["h"].Classes
	require.Len(t, h, n)
	for _, c := range h {
		assert.GreaterOrEqual(t, c, 0)
		assert.Less(t, c, 4)
	}

	attrs := res.Values["edge_attr"].Classes
	assert.Len(t, attrs, res.Edges.Len())

	// Charge offsets are undone on the way out: 5 classes minus offset 2.
	for _, c := range res.Values["charges"].Classes {
		assert.GreaterOrEqual(t, c, -2)
		assert.LessOrEqual(t, c, 2)
	}
}

func TestSampleMaskClassNeverDecoded(t *testing.T) {
	cfg := testConfig()
	cfg.Variables[1].Prior = interpolant.PriorMask
	m, _ := newTestModel(t, cfg, map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})

	res, err := m.Sample(2, 10, interpolant.DiscretizationLinear, nil)
	require.NoError(t, err)
	// 4 declared classes plus the absorbing slot at index 4, which must
	// never survive to the output.
	for _, c := range res.Values["h"].Classes {
		assert.GreaterOrEqual(t, c, 0)
		assert.Less(t, c, 4)
	}
}

func TestSampleFixedVariableNeedsData(t *testing.T) {
	cfg := testConfig()
	cfg.Variables[2].Interpolant = interpolant.Fixed
	cfg.Losses = append(cfg.Losses[:2], cfg.Losses[3:]...)
	m, _ := newTestModel(t, cfg, map[VarName]int{"h": 1, "charges": 3})

	_, err := m.Sample(2, 10, interpolant.DiscretizationLinear, nil)
	assert.Error(t, err)
}

func TestSampleDiscreteTimeSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Variables[0].Time = interpolant.TimeDiscrete
	cfg.Variables[1].Prior = interpolant.PriorMask
	m, stub := newTestModel(t, cfg, map[VarName]int{"h": 2, "edge_attr": 2, "charges": 3})

	res, err := m.Sample(2, 10, interpolant.DiscretizationLinear, nil)
	require.NoError(t, err)

	// The schedule indexes steps 0..10; interpolants must see unit-interval
	// time, advancing by 1/timesteps per step.
	require.Len(t, stub.seenTimes, 10)
	for step, times := range stub.seenTimes {
		for _, tv := range times {
			assert.InDelta(t, float64(step)/10, tv, 1e-12)
		}
	}

	// The reverse process actually runs: every masked row unmasks by the
	// end instead of freezing at the absorbing state.
	for _, c := range res.Values["h"].Classes {
		assert.GreaterOrEqual(t, c, 0)
		assert.Less(t, c, 4)
	}
}

func TestSamplePartialBatchKeepsFixedValues(t *testing.T) {
	cfg := testConfig()
	cfg.Variables[3].Interpolant = interpolant.Fixed
	cfg.Variables[3].Concat = ""
	cfg.Losses = cfg.Losses[:3]
	m, _ := newTestModel(t, cfg, map[VarName]int{"h": 1, "edge_attr": 2})

	nodeBatch := []int{0, 0, 0, 1, 1, 1, 1}
	partial := NewBatch(nodeBatch, graph.FullyConnected(nodeBatch))
	charges := []int{-1, 0, 1, 2, -2, 0, 0}
	partial.Var("charges").Clean = interpolant.Value{Classes: append([]int{}, charges...)}

	res, err := m.Sample(2, 10, interpolant.DiscretizationLinear, partial)
	require.NoError(t, err)
	// Supplied values pass through the run untouched: the internal offset
	// shift and its undo must cancel exactly.
	assert.Equal(t, charges, res.Values["charges"].Classes)
}

func TestSampleOffsetShiftsOutputExactly(t *testing.T) {
	base := testConfig()
	base.Variables[3].Offset = 0
	shifted := testConfig()

	favored := map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3}
	mBase, _ := newTestModel(t, base, favored)
	mShifted, _ := newTestModel(t, shifted, favored)

	resBase, err := mBase.Sample(2, 10, interpolant.DiscretizationLinear, nil)
	require.NoError(t, err)
	resShifted, err := mShifted.Sample(2, 10, interpolant.DiscretizationLinear, nil)
	require.NoError(t, err)

	// Same seeds, same RNG streams: the offset only relabels classes, so
	// the two runs differ by exactly the declared shift.
	baseClasses := resBase.Values["charges"].Classes
	shiftedClasses := resShifted.Values["charges"].Classes
	require.Equal(t, len(baseClasses), len(shiftedClasses))
	for i := range baseClasses {
		assert.Equal(t, baseClasses[i]-2, shiftedClasses[i])
	}
}

func TestConditionalSample(t *testing.T) {
	m, _ := newTestModel(t, testConfig(), map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})
	b := testBatch()

	res, err := m.ConditionalSample(b, []VarName{"h"}, 10, interpolant.DiscretizationLinear, true)
	require.NoError(t, err)
	require.Len(t, res.Trajectory, 10)

	// Every step snapshots every variable: dense frames for positions,
	// class vectors for the discrete channels.
	for _, step := range res.Trajectory {
		frame, ok := step.Dense["x"]
		require.True(t, ok)
		decoded := frame.Decode()
		assert.Equal(t, 7, decoded.Rows)
		assert.Equal(t, 3, decoded.Cols)
		assert.Len(t, step.Classes["h"], 7)
		assert.Len(t, step.Classes["charges"], 7)
		assert.Len(t, step.Classes["edge_attr"], res.Edges.Len())
	}

	assert.Len(t, res.Values["h"].Classes, 7)
	assert.Len(t, res.Values["edge_attr"].Classes, res.Edges.Len())
}

func TestConditionalSampleUnknownHold(t *testing.T) {
	m, _ := newTestModel(t, testConfig(), nil)
	_, err := m.ConditionalSample(testBatch(), []VarName{"nope"}, 10, interpolant.DiscretizationLinear, false)
	assert.Error(t, err)
}

func TestOnValidationEpochEndBestEffort(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.ValidationSamples = 2
	cfg.Sampling.Timesteps = 5
	m, _ := newTestModel(t, cfg, map[VarName]int{"h": 1, "edge_attr": 2, "charges": 3})

	// Must not panic even though no trainer is attached.
	m.OnValidationEpochEnd()
}
