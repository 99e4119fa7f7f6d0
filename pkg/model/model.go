// Package model implements the graph 3D interpolant engine: a named
// collection of per-variable interpolants driven through a shared
// preprocessing, interpolation, dynamics and loss/step state machine. It
// generates full molecular graphs (atom positions, atom types, bond types,
// charges) from pure noise by iterating a reverse-time schedule, and
// computes the hybrid continuous/discrete training loss.
//
// The neural dynamics network, the trainer and all data loading are external
// collaborators; the model only defines the numerical contracts between
// them.
package model

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"

	"github.com/molgenlab/molgen/pkg/graph"
	"github.com/molgenlab/molgen/pkg/interpolant"
	"github.com/molgenlab/molgen/pkg/loss"
	"github.com/molgenlab/molgen/pkg/metrics"
	"github.com/molgenlab/molgen/pkg/prior"
	"github.com/molgenlab/molgen/pkg/tensor"
)

// Model is the orchestrator. Apart from the per-variable adaptive loss
// clamps and the optional node-count distribution it keeps no state across
// calls.
type Model struct {
	cfg Config

	interpolants map[VarName]interpolant.Interpolant // nil entry = held fixed
	losses       []*loss.Function
	dynamics     Dynamics
	selfCond     *SelfConditioning
	nodeDist     *prior.NodeDistribution

	sink   metrics.Sink
	logger *slog.Logger
	rng    *rand.Rand
}

// Option customizes construction.
type Option func(*Model)

// WithSink replaces the metrics sink (default: PrometheusSink).
func WithSink(s metrics.Sink) Option { return func(m *Model) { m.sink = s } }

// WithLogger replaces the logger (default: slog.Default).
func WithLogger(l *slog.Logger) Option { return func(m *Model) { m.logger = l } }

// WithNodeDistribution injects an in-memory node-count distribution instead
// of loading one from the configured path.
func WithNodeDistribution(d *prior.NodeDistribution) Option {
	return func(m *Model) { m.nodeDist = d }
}

// New validates the configuration and builds every interpolant and loss.
// All configuration errors surface here, before any compute.
func New(cfg Config, dynamics Dynamics, opts ...Option) (*Model, error) {
	if dynamics == nil {
		return nil, fmt.Errorf("model: nil dynamics network")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		cfg:          cfg,
		interpolants: map[VarName]interpolant.Interpolant{},
		dynamics:     dynamics,
		sink:         metrics.PrometheusSink{},
		logger:       slog.Default(),
		rng:          rand.New(rand.NewSource(cfg.Seed + 2)),
	}
	for _, o := range opts {
		o(m)
	}

	for i, v := range cfg.Variables {
		bopts := interpolant.BuildOptions{Seed: cfg.Seed + uint64(i)*1000}
		if v.Prior == interpolant.PriorCustom || v.Prior == interpolant.PriorData {
			arr, err := prior.LoadArray(v.CustomPrior)
			if err != nil {
				return nil, err
			}
			bopts.CustomPrior = arr
		}
		ip, err := interpolant.Build(v, bopts)
		if err != nil {
			return nil, err
		}
		m.interpolants[VarName(v.Name)] = ip
	}
	if m.interpolants[VarName(cfg.GlobalVariable)] == nil {
		return nil, fmt.Errorf("model: global variable '%s' has no interpolant", cfg.GlobalVariable)
	}

	for _, lc := range cfg.Losses {
		fn, err := loss.New(lc)
		if err != nil {
			return nil, err
		}
		m.losses = append(m.losses, fn)
	}

	if cfg.SelfConditioningProb > 0 {
		m.selfCond = NewSelfConditioning(cfg.SelfConditioningProb, cfg.Seed+99)
	}

	if m.nodeDist == nil && cfg.Sampling.NodeDistribution != "" {
		d, err := prior.LoadNodeDistribution(cfg.Sampling.NodeDistribution)
		if err != nil {
			return nil, err
		}
		m.nodeDist = d
	}
	return m, nil
}

// Interpolant returns the interpolant bound to a variable (nil when held
// fixed).
func (m *Model) Interpolant(name VarName) interpolant.Interpolant {
	return m.interpolants[name]
}

func (m *Model) globalInterpolant() interpolant.Interpolant {
	return m.interpolants[VarName(m.cfg.GlobalVariable)]
}

// SampleTime draws one time scalar per graph using the global variable's
// configured distribution.
func (m *Model) SampleTime(batch *Batch) ([]float64, error) {
	return m.globalInterpolant().SampleTime(
		batch.NumGraphs, m.cfg.SampleTimeMethod, m.cfg.SampleTimeMean, m.cfg.SampleTimeScale)
}

// edgeVariable returns the configured edge variable, if any.
func (m *Model) edgeVariable() (interpolant.Variable, bool) {
	for _, v := range m.cfg.Variables {
		if v.Edge {
			return v, true
		}
	}
	return interpolant.Variable{}, false
}

// edgeFillClass resolves the attribute assigned to non-bonded pairs.
func (m *Model) edgeFillClass(v interpolant.Variable) int {
	if m.cfg.EdgeFill == EdgeFillMask {
		return m.interpolants[VarName(v.Name)].NumClasses() - 1
	}
	return 0
}

// Preprocess brings a raw batch into engine form: continuous positions are
// recentered to a zero center of mass per graph, the sparse bond list is
// folded into a fully-connected edge index (the true bond type winning over
// the configured filler on duplicate pairs) and declared integer offsets are
// applied to discrete variables.
func (m *Model) Preprocess(batch *Batch) error {
	for _, v := range m.cfg.Variables {
		state := batch.Var(VarName(v.Name))
		switch {
		case v.Edge:
			continue // handled below, after node variables are in place
		case !v.Interpolant.IsDiscrete():
			if m.interpolants[VarName(v.Name)] == nil {
				continue
			}
			if !state.Clean.IsDense() {
				return fmt.Errorf("model: variable '%s' needs dense data", v.Name)
			}
			graph.CenterByGraph(state.Clean.Dense, batch.NodeBatch)
		default:
			if state.Clean.IsDense() {
				return fmt.Errorf("model: discrete variable '%s' needs class data", v.Name)
			}
			if v.Offset != 0 {
				for i := range state.Clean.Classes {
					state.Clean.Classes[i] += v.Offset
				}
			}
		}
	}

	ev, ok := m.edgeVariable()
	if !ok {
		return nil
	}
	state := batch.Var(VarName(ev.Name))
	if state.Clean.IsDense() {
		return fmt.Errorf("model: edge variable '%s' needs class data", ev.Name)
	}
	bondEdges := batch.Edges
	bondAttr := state.Clean.Classes
	if bondEdges.Len() != len(bondAttr) {
		return fmt.Errorf("model: %d bond attributes for %d bond edges", len(bondAttr), bondEdges.Len())
	}

	// Fully-connected graph with a -1 sentinel, merged with the sparse
	// bonds: max-coalesce lets any real bond type win over the sentinel,
	// which is then replaced by the configured filler class.
	full := graph.FullyConnected(batch.NodeBatch)
	merged := graph.EdgeIndex{
		Src: append(append([]int{}, full.Src...), bondEdges.Src...),
		Dst: append(append([]int{}, full.Dst...), bondEdges.Dst...),
	}
	attrs := make([]int, full.Len(), full.Len()+len(bondAttr))
	for i := range attrs {
		attrs[i] = -1
	}
	attrs = append(attrs, bondAttr...)
	coalesced, cattr := graph.CoalesceMax(merged, attrs)
	fill := m.edgeFillClass(ev)
	for i, a := range cattr {
		if a < 0 {
			cattr[i] = fill
		}
	}
	batch.Edges = coalesced
	state.Clean = interpolant.Value{Classes: cattr}
	state.Edge = true
	return nil
}

// interpolateBatch computes the noisy state of every variable at the given
// per-graph times and encodes the dynamics inputs (one-hot for discrete
// variables). Variables without an interpolant are held at their clean
// value.
func (m *Model) interpolateBatch(batch *Batch, time []float64) error {
	for _, v := range m.cfg.Variables {
		name := VarName(v.Name)
		state := batch.Var(name)
		ip := m.interpolants[name]
		if ip == nil {
			state.Noisy = state.Clean
			m.encodeInput(v, state)
			continue
		}
		var err error
		if v.Edge {
			state.Prior, state.Noisy, _, err = ip.InterpolateEdges(batch.NodeBatch, state.Clean, batch.Edges, time)
		} else {
			state.Prior, state.Noisy, _, err = ip.Interpolate(batch.NodeBatch, state.Clean, time)
		}
		if err != nil {
			return err
		}
		m.encodeInput(v, state)
	}
	return nil
}

// encodeInput refreshes the dense representation fed to the dynamics
// network from the current noisy state.
func (m *Model) encodeInput(v interpolant.Variable, state *VarState) {
	if state.Noisy.IsDense() {
		state.Input = state.Noisy.Dense
		return
	}
	numClasses := v.NumClasses
	if ip := m.interpolants[VarName(v.Name)]; ip != nil {
		numClasses = ip.NumClasses()
	}
	state.Input = tensor.OneHot(state.Noisy.Classes, numClasses)
}

// Forward composes the full training pipeline: preprocess, interpolate,
// optional self-conditioning, aggregation, the dynamics call and separation.
// With train set, self-conditioning runs its free pass and stochastic
// injection first.
func (m *Model) Forward(batch *Batch, time []float64, train bool) (*Output, error) {
	if err := m.Preprocess(batch); err != nil {
		return nil, err
	}
	if err := m.interpolateBatch(batch, time); err != nil {
		return nil, err
	}
	m.aggregateDiscreteVariables(batch)

	if m.selfCond != nil && train {
		free, err := m.dynamics.Predict(batch, time)
		if err != nil {
			return nil, err
		}
		if err := m.splitConcatLogits(free); err != nil {
			return nil, err
		}
		if err := m.decodeOutputs(free, batch); err != nil {
			return nil, err
		}
		m.selfCond.MaybeInject(batch, free)
	}

	out, err := m.dynamics.Predict(batch, time)
	if err != nil {
		return nil, err
	}
	if err := m.separateDiscreteVariables(out, batch); err != nil {
		return nil, err
	}
	return out, nil
}

// CalculateLoss computes every configured variable's contribution, weighted
// by the global variable's SNR weight at the batch times, updates the
// per-variable adaptive clamps and reports each sub-loss, the auxiliary
// distance terms and the total to the metrics sink. It returns the total
// and the per-variable predictions.
func (m *Model) CalculateLoss(batch *Batch, out *Output, time []float64, stage string) (float64, map[VarName]interface{}, error) {
	weights := m.globalInterpolant().SNRLossWeight(time)
	var total float64
	predictions := map[VarName]interface{}{}

	for _, fn := range m.losses {
		name := VarName(fn.Variable())
		state := batch.Var(name)
		var (
			subLoss float64
			err     error
		)
		switch {
		case state.Edge:
			var pred []int
			subLoss, pred, err = fn.EdgeLoss(
				batch.NodeBatch, state.Logits, state.Clean.Classes,
				batch.Edges.Dst, len(batch.NodeBatch), weights)
			predictions[name] = pred
		case fn.Continuous():
			var pred *tensor.Matrix
			subLoss, pred, err = fn.ContinuousLoss(batch.NodeBatch, state.Hat, state.Clean.Dense, weights)
			predictions[name] = pred
		default:
			var pred []int
			subLoss, pred, err = fn.DiscreteLoss(batch.NodeBatch, state.Logits, state.Clean.Classes, weights)
			predictions[name] = pred
		}
		if err != nil {
			return 0, nil, err
		}
		m.sink.Report(stage, fn.Variable()+"_loss", subLoss)
		fn.UpdateClamp(subLoss)
		total += subLoss
	}

	if m.cfg.UseDistance != "" {
		xState := batch.Var(VarName(m.cfg.GlobalVariable))
		pred, _ := predictions[VarName(m.cfg.GlobalVariable)].(*tensor.Matrix)
		if pred == nil {
			pred = xState.Hat
		}
		var zHat *tensor.Matrix
		if m.cfg.UseDistance == "triple" {
			zHat = out.ZHat
		}
		fn := m.lossFor(VarName(m.cfg.GlobalVariable))
		if fn != nil && pred != nil {
			tp, tz, pz, err := fn.DistanceLoss(batch.NodeBatch, xState.Clean.Dense, pred, zHat)
			if err != nil {
				return 0, nil, err
			}
			scale := m.cfg.DistanceScale
			if scale == 0 {
				scale = 1
			}
			distance := (tp + tz + pz) * scale
			m.sink.Report(stage, "distance_loss", distance)
			m.sink.Report(stage, "distance_loss_tp", tp)
			m.sink.Report(stage, "distance_loss_tz", tz)
			m.sink.Report(stage, "distance_loss_pz", pz)
			total += distance
		}
	}

	m.sink.Report(stage, "loss", total)
	return total, predictions, nil
}

func (m *Model) lossFor(name VarName) *loss.Function {
	for _, fn := range m.losses {
		if VarName(fn.Variable()) == name {
			return fn
		}
	}
	return nil
}

// TrainingStep runs one full training iteration on a raw batch and returns
// the total loss.
func (m *Model) TrainingStep(batch *Batch) (float64, error) {
	time, err := m.SampleTime(batch)
	if err != nil {
		return 0, err
	}
	out, err := m.Forward(batch, time, true)
	if err != nil {
		return 0, err
	}
	total, _, err := m.CalculateLoss(batch, out, time, "train")
	return total, err
}

// ValidationStep mirrors TrainingStep without self-conditioning's free pass
// or clamp-relevant randomness, reporting under the "val" stage.
func (m *Model) ValidationStep(batch *Batch) (float64, error) {
	time, err := m.SampleTime(batch)
	if err != nil {
		return 0, err
	}
	out, err := m.Forward(batch, time, false)
	if err != nil {
		return 0, err
	}
	total, _, err := m.CalculateLoss(batch, out, time, "val")
	return total, err
}

// OnValidationEpochEnd draws a small batch of molecules and reports coarse
// statistics. The whole pass is best effort: any failure is logged and
// swallowed so monitoring can never break training.
func (m *Model) OnValidationEpochEnd() {
	n := m.cfg.Sampling.ValidationSamples
	if n <= 0 {
		return
	}
	res, err := m.Sample(n, m.cfg.Sampling.Timesteps, m.cfg.Sampling.Discretization, nil)
	if err != nil {
		m.logger.Warn("validation sampling failed", "error", err)
		metrics.SamplingRunsTotal.WithLabelValues("failure").Inc()
		return
	}
	metrics.SamplingRunsTotal.WithLabelValues("success").Inc()

	sizes := graph.Sizes(res.NodeBatch, graph.NumGraphs(res.NodeBatch))
	var meanAtoms float64
	for _, s := range sizes {
		meanAtoms += float64(s)
	}
	meanAtoms /= float64(len(sizes))
	m.sink.Report("val", "sampled_mean_atoms", meanAtoms)

	if ev, ok := m.edgeVariable(); ok {
		fill := m.edgeFillClass(ev)
		bonds := 0
		attrs := res.Values[VarName(ev.Name)].Classes
		for _, a := range attrs {
			if a != fill {
				bonds++
			}
		}
		if len(attrs) > 0 {
			m.sink.Report("val", "sampled_bond_density", float64(bonds)/float64(len(attrs)))
		}
	}
}
