package model

import (
	"fmt"
)

// OptimizerSpec is the validated optimizer selection handed to the external
// trainer. This engine owns no parameters itself, so the spec plus the LR
// schedule is the whole contract.
type OptimizerSpec struct {
	Type        string
	LR          float64
	WeightDecay float64
	AmsGrad     bool
}

// LRSchedule maps a global step to a learning rate. A nil schedule means the
// scheduler is trainer-driven (plateau monitors a validation metric).
type LRSchedule func(step int) float64

// ConfigureOptimizer validates the optimizer and scheduler configuration and
// returns the spec plus the step schedule. Unsupported names fail here, at
// construction time, never mid-training.
func (m *Model) ConfigureOptimizer() (OptimizerSpec, LRSchedule, error) {
	opt := m.cfg.Optimizer
	if opt.Type != "adamw" {
		return OptimizerSpec{}, nil, fmt.Errorf("model: optimizer not supported: %s", opt.Type)
	}
	if opt.LR <= 0 {
		return OptimizerSpec{}, nil, fmt.Errorf("model: optimizer lr must be positive, got %g", opt.LR)
	}
	spec := OptimizerSpec{Type: opt.Type, LR: opt.LR, WeightDecay: opt.WeightDecay, AmsGrad: opt.AmsGrad}

	sched := m.cfg.LRScheduler
	if sched == nil {
		return spec, nil, nil
	}
	switch sched.Type {
	case "plateau":
		if sched.Factor <= 0 || sched.Factor >= 1 {
			return OptimizerSpec{}, nil, fmt.Errorf("model: plateau factor must be in (0,1), got %g", sched.Factor)
		}
		return spec, nil, nil

	case "linear_warmup":
		if sched.WarmupSteps < 1 {
			return OptimizerSpec{}, nil, fmt.Errorf("model: linear_warmup needs warmup_steps >= 1, got %d", sched.WarmupSteps)
		}
		warmup := float64(sched.WarmupSteps)
		return spec, func(step int) float64 {
			if step >= sched.WarmupSteps {
				return opt.LR
			}
			return opt.LR * float64(step) / warmup
		}, nil

	case "linear_warmup_decay":
		// Two linear phases composed at the milestone: ramp from 0 to LR
		// over the warmup, then decay linearly to MinLR at TotalSteps.
		if sched.WarmupSteps < 1 {
			return OptimizerSpec{}, nil, fmt.Errorf("model: linear_warmup_decay needs warmup_steps >= 1, got %d", sched.WarmupSteps)
		}
		milestone := sched.DecayMilestone
		if milestone == 0 {
			milestone = sched.WarmupSteps
		}
		if milestone < sched.WarmupSteps {
			return OptimizerSpec{}, nil, fmt.Errorf("model: decay_milestone %d before end of warmup %d", milestone, sched.WarmupSteps)
		}
		if sched.TotalSteps <= milestone {
			return OptimizerSpec{}, nil, fmt.Errorf("model: total_steps %d must exceed decay_milestone %d", sched.TotalSteps, milestone)
		}
		minLR := sched.MinLR
		span := float64(sched.TotalSteps - milestone)
		return spec, func(step int) float64 {
			switch {
			case step < sched.WarmupSteps:
				return opt.LR * float64(step) / float64(sched.WarmupSteps)
			case step < milestone:
				return opt.LR
			case step >= sched.TotalSteps:
				return minLR
			default:
				frac := float64(step-milestone) / span
				return opt.LR + frac*(minLR-opt.LR)
			}
		}, nil

	default:
		return OptimizerSpec{}, nil, fmt.Errorf("model: lr scheduler not supported: %s", sched.Type)
	}
}
