package interpolant

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Discretization selects how a continuous sampling schedule partitions the
// unit interval.
type Discretization string

const (
	// DiscretizationLinear partitions [0,1] uniformly.
	DiscretizationLinear Discretization = "linear"
	// DiscretizationLog concentrates resolution near t=1, where the
	// reverse process does its fine work: 1 - logspace(-2, 0), reversed,
	// so the timeline starts at 0 and ends at 0.99.
	DiscretizationLog Discretization = "log"
)

// TimeSchedule builds the timeline and per-step sizes for a sampling run.
// Continuous time yields timesteps+1 timeline points over [0,1] (or [0,0.99]
// for the log discretization) and timesteps deltas summing to the covered
// span; discrete time yields integer steps with uniform dt = 1/timesteps.
func TimeSchedule(tt TimeType, disc Discretization, timesteps int) (timeline, dts []float64, err error) {
	if timesteps < 1 {
		return nil, nil, fmt.Errorf("interpolant: timesteps must be >= 1, got %d", timesteps)
	}
	switch tt {
	case TimeContinuous, "":
		timeline = make([]float64, timesteps+1)
		switch disc {
		case DiscretizationLinear, "":
			floats.Span(timeline, 0, 1)
		case DiscretizationLog:
			logspace := make([]float64, timesteps+1)
			floats.LogSpan(logspace, 1e-2, 1)
			for i := range timeline {
				timeline[i] = 1 - logspace[timesteps-i]
			}
		default:
			return nil, nil, fmt.Errorf("interpolant: time discretization '%s' not supported", disc)
		}
		dts = make([]float64, timesteps)
		for i := range dts {
			dts[i] = timeline[i+1] - timeline[i]
		}
	case TimeDiscrete:
		timeline = make([]float64, timesteps+1)
		for i := range timeline {
			timeline[i] = float64(i)
		}
		dts = make([]float64, timesteps)
		for i := range dts {
			dts[i] = 1 / float64(timesteps)
		}
	default:
		return nil, nil, fmt.Errorf("interpolant: time type '%s' not supported", tt)
	}
	return timeline, dts, nil
}

// sampleTime draws one time scalar per graph from the named distribution.
// Supported methods:
//   - "uniform": U[0,1); mean and scale are ignored.
//   - "logit_normal": sigmoid of N(mean, scale), a data-heavy schedule.
//   - "beta": Beta(mean, scale) using the two parameters as alpha/beta.
func sampleTime(rng *rand.Rand, numSamples int, method string, mean, scale float64) ([]float64, error) {
	out := make([]float64, numSamples)
	switch method {
	case "uniform", "":
		for i := range out {
			out[i] = rng.Float64()
		}
	case "logit_normal":
		if scale <= 0 {
			return nil, fmt.Errorf("interpolant: logit_normal requires scale > 0, got %f", scale)
		}
		n := distuv.Normal{Mu: mean, Sigma: scale, Src: rng}
		for i := range out {
			out[i] = 1 / (1 + math.Exp(-n.Rand()))
		}
	case "beta":
		if mean <= 0 || scale <= 0 {
			return nil, fmt.Errorf("interpolant: beta requires positive parameters, got alpha=%f beta=%f", mean, scale)
		}
		b := distuv.Beta{Alpha: mean, Beta: scale, Src: rng}
		for i := range out {
			out[i] = b.Rand()
		}
	default:
		return nil, fmt.Errorf("interpolant: time sampling method '%s' not supported", method)
	}
	return out, nil
}

// snrWeight is the shared signal-to-noise loss weighting: (t/(1-t))^power
// clamped into [0.05, 1.5]. The epsilon keeps the weight finite at t=1.
func snrWeight(time []float64, power float64) []float64 {
	out := make([]float64, len(time))
	for i, t := range time {
		snr := math.Pow(t/(1-t+1e-6), power)
		out[i] = math.Min(math.Max(snr, 0.05), 1.5)
	}
	return out
}
