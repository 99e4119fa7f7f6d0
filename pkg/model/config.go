package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/molgenlab/molgen/pkg/interpolant"
	"github.com/molgenlab/molgen/pkg/loss"
)

// EdgeFill selects which class the fully-connected pass assigns to node
// pairs that carry no bond in the raw input. The two reference behaviors are
// preserved as explicit options rather than guessed at.
type EdgeFill string

const (
	// EdgeFillZero uses class 0 as the "no bond" state.
	EdgeFillZero EdgeFill = "zero"
	// EdgeFillMask uses the absorbing class; only valid when the edge
	// variable has a mask/absorb prior.
	EdgeFillMask EdgeFill = "mask"
)

// OptimizerConfig selects the optimizer handed to the external trainer.
type OptimizerConfig struct {
	Type        string  `yaml:"type"`
	LR          float64 `yaml:"lr"`
	WeightDecay float64 `yaml:"weight_decay"`
	AmsGrad     bool    `yaml:"amsgrad"`
}

// SchedulerConfig selects the learning-rate schedule.
type SchedulerConfig struct {
	Type string `yaml:"type"`

	// Plateau parameters.
	Factor   float64 `yaml:"factor,omitempty"`
	Patience int     `yaml:"patience,omitempty"`
	MinLR    float64 `yaml:"min_lr,omitempty"`
	Cooldown int     `yaml:"cooldown,omitempty"`
	Interval string  `yaml:"interval,omitempty"`
	Monitor  string  `yaml:"monitor,omitempty"`

	// Linear warmup / decay parameters. DecayMilestone is the step at which
	// the warmup phase hands over to the decay phase; TotalSteps is where
	// the decay reaches MinLR.
	WarmupSteps    int `yaml:"warmup_steps,omitempty"`
	DecayMilestone int `yaml:"decay_milestone,omitempty"`
	TotalSteps     int `yaml:"total_steps,omitempty"`
}

// SamplingConfig governs unconditional generation.
type SamplingConfig struct {
	// NodeDistribution optionally points at a YAML histogram of molecule
	// sizes. When absent, sizes are drawn uniformly from [MinNodes, MaxNodes).
	NodeDistribution string `yaml:"node_distribution,omitempty"`
	MinNodes         int    `yaml:"min_nodes"`
	MaxNodes         int    `yaml:"max_nodes"`
	Timesteps        int    `yaml:"timesteps"`
	Discretization   interpolant.Discretization `yaml:"time_discretization"`
	// ValidationSamples is the best-effort sample count drawn after each
	// validation epoch; 0 disables the pass.
	ValidationSamples int `yaml:"validation_samples,omitempty"`
}

// Config is the full model configuration.
type Config struct {
	// GlobalVariable designates the variable whose interpolant owns the
	// model's time convention and SNR loss weighting.
	GlobalVariable string `yaml:"global_variable_name"`

	SampleTimeMethod string  `yaml:"sample_time_method"`
	SampleTimeMean   float64 `yaml:"sample_time_mean,omitempty"`
	SampleTimeScale  float64 `yaml:"sample_time_scale,omitempty"`

	EdgeFill EdgeFill `yaml:"edge_fill"`

	// SelfConditioningProb is the training-time injection probability;
	// 0 disables self-conditioning entirely.
	SelfConditioningProb float64 `yaml:"self_conditioning_prob,omitempty"`

	// UseDistance enables the auxiliary pairwise-distance loss on the
	// position variable: "" (off), "pair" or "triple".
	UseDistance   string  `yaml:"use_distance,omitempty"`
	DistanceScale float64 `yaml:"distance_scale,omitempty"`

	Seed uint64 `yaml:"seed,omitempty"`

	Variables []interpolant.Variable `yaml:"variables"`
	Losses    []loss.Config          `yaml:"loss_variables"`

	Optimizer   OptimizerConfig  `yaml:"optimizer"`
	LRScheduler *SchedulerConfig `yaml:"lr_scheduler,omitempty"`

	Sampling SamplingConfig `yaml:"sampling"`
}

// DefaultConfig returns a working configuration for small drug-like
// molecules: positions, atom types, bond types and formal charges, all
// denoised jointly on a shared continuous time.
func DefaultConfig() Config {
	return Config{
		GlobalVariable:       "x",
		SampleTimeMethod:     "uniform",
		EdgeFill:             EdgeFillZero,
		SelfConditioningProb: 0.5,
		UseDistance:          "",
		Seed:                 1,
		Variables: []interpolant.Variable{
			{Name: "x", Interpolant: interpolant.ContinuousDiffusion, Prior: interpolant.PriorNormal},
			{Name: "h", Interpolant: interpolant.DiscreteDiffusion, Prior: interpolant.PriorUniform, NumClasses: 16},
			{Name: "edge_attr", Interpolant: interpolant.DiscreteDiffusion, Prior: interpolant.PriorUniform, NumClasses: 5, Edge: true},
			{Name: "charges", Interpolant: interpolant.DiscreteDiffusion, Prior: interpolant.PriorUniform, NumClasses: 6, Offset: 2, Concat: "h"},
		},
		Losses: []loss.Config{
			{VariableName: "x", LossScale: 1, Continuous: true},
			{VariableName: "h", LossScale: 0.4},
			{VariableName: "edge_attr", LossScale: 2},
			{VariableName: "charges", LossScale: 1},
		},
		Optimizer: OptimizerConfig{Type: "adamw", LR: 2e-4, WeightDecay: 1e-12, AmsGrad: true},
		LRScheduler: &SchedulerConfig{
			Type: "linear_warmup", WarmupSteps: 2000, MinLR: 1e-8,
		},
		Sampling: SamplingConfig{
			MinNodes:          20,
			MaxNodes:          55,
			Timesteps:         500,
			Discretization:    interpolant.DiscretizationLinear,
			ValidationSamples: 100,
		},
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("model: failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("model: failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks everything that must fail before any compute begins.
func (c *Config) Validate() error {
	if len(c.Variables) == 0 {
		return fmt.Errorf("model: no variables configured")
	}
	names := map[string]bool{}
	for _, v := range c.Variables {
		if v.Name == "" {
			return fmt.Errorf("model: variable with empty name")
		}
		if names[v.Name] {
			return fmt.Errorf("model: duplicate variable '%s'", v.Name)
		}
		names[v.Name] = true
	}
	byName := map[string]interpolant.Variable{}
	for _, v := range c.Variables {
		byName[v.Name] = v
	}
	live := func(v interpolant.Variable) bool {
		return v.Interpolant != interpolant.Fixed && v.Interpolant != ""
	}
	for _, v := range c.Variables {
		if v.Concat != "" {
			if !names[v.Concat] {
				return fmt.Errorf("model: variable '%s' concats onto unknown variable '%s'", v.Name, v.Concat)
			}
			if v.Concat == v.Name {
				return fmt.Errorf("model: variable '%s' cannot concat onto itself", v.Name)
			}
			// Logit splitting needs a live interpolant's class count on
			// both ends.
			if !live(v) {
				return fmt.Errorf("model: fixed variable '%s' cannot concat onto '%s'", v.Name, v.Concat)
			}
			if !live(byName[v.Concat]) {
				return fmt.Errorf("model: variable '%s' concats onto fixed variable '%s'", v.Name, v.Concat)
			}
		}
		if (v.Prior == interpolant.PriorCustom || v.Prior == interpolant.PriorData) && v.CustomPrior == "" {
			return fmt.Errorf("model: variable '%s' declares a %s prior without a custom_prior path", v.Name, v.Prior)
		}
	}
	if c.GlobalVariable == "" || !names[c.GlobalVariable] {
		return fmt.Errorf("model: global variable '%s' is not a configured variable", c.GlobalVariable)
	}
	for _, l := range c.Losses {
		if !names[l.VariableName] {
			return fmt.Errorf("model: loss configured for unknown variable '%s'", l.VariableName)
		}
	}
	switch c.EdgeFill {
	case EdgeFillZero, EdgeFillMask, "":
	default:
		return fmt.Errorf("model: edge_fill '%s' not supported (want 'zero' or 'mask')", c.EdgeFill)
	}
	if c.EdgeFill == EdgeFillMask {
		ok := false
		for _, v := range c.Variables {
			if v.Edge && v.Prior.IsAbsorbing() {
				ok = true
			}
		}
		if !ok {
			return fmt.Errorf("model: edge_fill 'mask' requires an edge variable with a mask/absorb prior")
		}
	}
	if c.SelfConditioningProb < 0 || c.SelfConditioningProb > 1 {
		return fmt.Errorf("model: self_conditioning_prob %f outside [0,1]", c.SelfConditioningProb)
	}
	switch c.UseDistance {
	case "", "pair", "triple":
	default:
		return fmt.Errorf("model: use_distance '%s' not supported", c.UseDistance)
	}
	if c.Sampling.MinNodes <= 0 || c.Sampling.MaxNodes <= c.Sampling.MinNodes {
		return fmt.Errorf("model: sampling node range [%d,%d) is empty", c.Sampling.MinNodes, c.Sampling.MaxNodes)
	}
	if c.Sampling.Timesteps < 1 {
		return fmt.Errorf("model: sampling timesteps must be >= 1, got %d", c.Sampling.Timesteps)
	}
	return nil
}
