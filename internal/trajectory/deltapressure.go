package trajectory

import (
	"context"
	"errors"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

const (
	// KeyMaxDeltaPressureHours is the length of the sliding time window
	// (in hours) over which the per-trajectory pressure difference is
	// maximized.
	KeyMaxDeltaPressureHours = "MAX_DELTA_PRESSURE_HOURS"

	// KeyTryPrecomputed requests lookup of precomputed supplement data
	// before computing. Accepted for request compatibility; with no
	// precomputed store attached the value is logged and the supplement
	// is always computed.
	KeyTryPrecomputed = "TRY_PRECOMPUTED"
)

// DeltaPressureSource derives a per-trajectory supplement: the maximum
// pressure difference each trajectory achieves within any time window of
// the requested length. The pressure-time filter consumes it as its
// selection criterion.
type DeltaPressureSource struct {
	*pipeline.Node
	trajectories pipeline.Source
}

// NewDeltaPressureSource wires the supplement source over the given
// trajectory source.
func NewDeltaPressureSource(id string, cache *memcache.Manager, trajectories pipeline.Source) (*DeltaPressureSource, error) {
	if trajectories == nil {
		return nil, errors.New("trajectory: delta-pressure source needs a trajectory source")
	}
	s := &DeltaPressureSource{trajectories: trajectories}
	s.Node = pipeline.NewNode(id, cache, s)
	s.RegisterUpstream(trajectories)
	return s, nil
}

// LocalKeys implements pipeline.Producer.
func (s *DeltaPressureSource) LocalKeys() []string {
	return []string{KeyMaxDeltaPressureHours, KeyTryPrecomputed}
}

// Produce implements pipeline.Producer.
func (s *DeltaPressureSource) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	windowHours, ok := r.IntValue(KeyMaxDeltaPressureHours)
	if !ok {
		ctxlog.FromContext(ctx).Warn("malformed time window, using full trajectory length",
			"source", s.ID(), "value", r.Value(KeyMaxDeltaPressureHours))
		windowHours = 0
	}
	if tryPre, _ := r.IntValue(KeyTryPrecomputed); tryPre != 0 {
		ctxlog.FromContext(ctx).Debug("no precomputed delta pressure data attached, computing from trajectories",
			"source", s.ID())
	}

	upstream := r.Clone()
	upstream.Remove(KeyMaxDeltaPressureHours)
	upstream.Remove(KeyTryPrecomputed)

	traj, trajRes, err := getTrajectories(ctx, s.trajectories, upstream)
	if err != nil {
		return nil, err
	}
	if traj == nil {
		return nil, nil
	}
	defer trajRes.Release()

	numSteps := traj.NumTimeSteps()

	// Window length in timesteps. A window of n intervals compares n+1
	// values; at least two values, at most the full trajectory.
	numIntervals := 0
	if stepLen := traj.TimeStepLength(); stepLen > 0 {
		numIntervals = int(float64(windowHours) / stepLen.Hours())
	}
	windowSteps := numIntervals + 1
	if windowSteps < 2 {
		windowSteps = 2
	}
	if windowSteps > numSteps {
		windowSteps = numSteps
	}

	out := NewFloatPerTrajectory(traj.RefersTo(), traj.NumTrajectories())

	for i := 0; i < traj.NumTrajectories(); i++ {
		var maxDP float64
		for t := 0; t+windowSteps <= numSteps; t++ {
			pmin, pmax := 1200.0, 0.0
			for it := t; it < t+windowSteps; it++ {
				p := traj.Vertex(i, it).Pressure
				// p <= 0 marks missing vertices.
				if p > 0 && p < pmin {
					pmin = p
				}
				if p > 0 && p > pmax {
					pmax = p
				}
			}
			if dp := pmax - pmin; dp > maxDP {
				maxDP = dp
			}
		}
		out.SetValue(i, float32(maxDP))
	}
	return out, nil
}

// TaskGraph implements pipeline.Producer.
func (s *DeltaPressureSource) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(s, r)
	upstream := r.Clone()
	upstream.Remove(KeyMaxDeltaPressureHours)
	upstream.Remove(KeyTryPrecomputed)

	parent, err := s.trajectories.GetTaskGraph(ctx, upstream)
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}
