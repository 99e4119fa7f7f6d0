package model

import (
	"golang.org/x/exp/rand"
)

// SelfConditioning feeds a model's own prior prediction back in as auxiliary
// input. During training a free (gradient-less, from this engine's point of
// view untracked) forward pass produces the signal, which is injected with
// the configured probability as a stochastic regularizer. During sampling
// the previous step's separated output is injected on every step once it
// exists.
//
// Injection only ever writes the Cond field of a VarState, so call sites
// that need the unconditioned batch can drop it with Clear without touching
// the inputs themselves.
type SelfConditioning struct {
	prob float64
	rng  *rand.Rand
}

// NewSelfConditioning builds the module; prob is the training-time injection
// probability (sampling always injects).
func NewSelfConditioning(prob float64, seed uint64) *SelfConditioning {
	if seed == 0 {
		seed = 1
	}
	return &SelfConditioning{prob: prob, rng: rand.New(rand.NewSource(seed))}
}

// MaybeInject applies the training-time coin flip: with probability prob the
// decoded predictions in out become conditioning signals. It returns the
// injected variable names (empty when the flip came up tails).
func (s *SelfConditioning) MaybeInject(batch *Batch, out *Output) []VarName {
	if s.rng.Float64() >= s.prob {
		return nil
	}
	return s.Inject(batch, out)
}

// Inject copies every decoded prediction in out into the matching variable's
// Cond field. The copies are detached from out so later mutation of the
// output cannot leak into the conditioning signal.
func (s *SelfConditioning) Inject(batch *Batch, out *Output) []VarName {
	var injected []VarName
	for name, state := range batch.Vars {
		prev := state.Hat
		if prev == nil {
			prev = out.Logits[name]
		}
		if prev == nil {
			continue
		}
		state.Cond = prev.Clone()
		injected = append(injected, name)
	}
	return injected
}

// Clear drops all conditioning signals from the batch.
func (s *SelfConditioning) Clear(batch *Batch) {
	for _, state := range batch.Vars {
		state.Cond = nil
	}
}
