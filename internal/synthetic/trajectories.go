// Package synthetic provides deterministic in-memory terminal data
// sources: an ensemble trajectory dataset and a forecast grid dataset.
// They stand in for file-backed readers so pipelines can be exercised
// end to end without external data.
package synthetic

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
	"github.com/atmopipe/atmopipe/internal/trajectory"
)

// TrajectoryConfig describes the synthetic trajectory ensemble: a
// regular start grid of parcels launched at a series of start times per
// forecast run.
type TrajectoryConfig struct {
	InitTimes     []time.Time
	NumStartTimes int
	StartInterval time.Duration
	NumTimeSteps  int
	TimeStep      time.Duration
	Members       int

	WestLon, NorthLat  float64
	DeltaLon, DeltaLat float64
	NumLons, NumLats   int

	// Start levels in hPa, top to bottom.
	TopPressure, BottomPressure float64
	NumLevels                   int
}

func (c TrajectoryConfig) validate() error {
	switch {
	case len(c.InitTimes) == 0:
		return errors.New("synthetic: at least one init time is required")
	case c.NumStartTimes < 1 || c.NumTimeSteps < 2 || c.Members < 1:
		return errors.New("synthetic: start times, time steps and members must be positive")
	case c.StartInterval <= 0 || c.TimeStep <= 0:
		return errors.New("synthetic: start interval and time step must be positive")
	case c.NumLons < 1 || c.NumLats < 1 || c.NumLevels < 1:
		return errors.New("synthetic: start grid must have at least one point")
	case c.DeltaLon <= 0 || c.DeltaLat <= 0:
		return errors.New("synthetic: start grid spacing must be positive")
	case c.TopPressure >= c.BottomPressure:
		return errors.New("synthetic: top pressure must be above bottom pressure")
	}
	return nil
}

func (c TrajectoryConfig) startTimes(initTime time.Time) []time.Time {
	times := make([]time.Time, c.NumStartTimes)
	for i := range times {
		times[i] = initTime.Add(time.Duration(i) * c.StartInterval)
	}
	return times
}

func (c TrajectoryConfig) timeSpan() time.Duration {
	return time.Duration(c.NumTimeSteps-1) * c.TimeStep
}

// TrajectorySource generates deterministic parcel trajectories: parcels
// drift eastward with a member-dependent speed, and every third parcel
// ascends rapidly while the rest stay near their start level. The same
// request always yields identical data.
type TrajectorySource struct {
	*pipeline.Node
	cfg TrajectoryConfig
}

func NewTrajectorySource(id string, cache *memcache.Manager, cfg TrajectoryConfig) (*TrajectorySource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &TrajectorySource{cfg: cfg}
	s.Node = pipeline.NewNode(id, cache, s)
	return s, nil
}

func (s *TrajectorySource) LocalKeys() []string {
	return []string{"INIT_TIME", "VALID_TIME", "MEMBER", "TIME_SPAN"}
}

func (s *TrajectorySource) available(initTime, validTime time.Time, member int) bool {
	if member < 0 || member >= s.cfg.Members {
		return false
	}
	ok := false
	for _, t := range s.cfg.InitTimes {
		if t.Equal(initTime) {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	for _, t := range s.cfg.startTimes(initTime) {
		if t.Equal(validTime) {
			return true
		}
	}
	return false
}

// startGrid builds the regular launch grid shared by all members.
func (s *TrajectorySource) startGrid() *grid.Grid {
	c := s.cfg
	g := grid.New(grid.PressureLevels3D, c.NumLevels, c.NumLats, c.NumLons)
	lons := make([]float64, c.NumLons)
	for i := range lons {
		lons[i] = c.WestLon + float64(i)*c.DeltaLon
	}
	lats := make([]float64, c.NumLats)
	for j := range lats {
		lats[j] = c.NorthLat - float64(j)*c.DeltaLat
	}
	levels := make([]float64, c.NumLevels)
	if c.NumLevels == 1 {
		levels[0] = c.BottomPressure
	} else {
		dlev := (c.BottomPressure - c.TopPressure) / float64(c.NumLevels-1)
		for k := range levels {
			levels[k] = c.TopPressure + float64(k)*dlev
		}
	}
	g.SetLons(lons)
	g.SetLats(lats)
	g.SetLevels(levels)
	g.Fill(0)
	return g
}

func (s *TrajectorySource) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	initTime, _ := r.TimeValue("INIT_TIME")
	validTime, _ := r.TimeValue("VALID_TIME")
	member, _ := r.IntValue("MEMBER")
	if !s.available(initTime, validTime, member) {
		ctxlog.FromContext(ctx).Debug("no trajectory data for request",
			"source", s.ID(), "init_time", initTime, "valid_time", validTime,
			"member", member)
		return nil, nil
	}

	c := s.cfg
	start := s.startGrid()
	times := make([]time.Time, c.NumTimeSteps)
	for i := range times {
		times[i] = validTime.Add(time.Duration(i) * c.TimeStep)
	}

	numTraj := c.NumLons * c.NumLats * c.NumLevels
	traj := trajectory.NewTrajectories(numTraj, times)
	traj.SetMetadata(initTime, validTime, "synthetic", member)
	traj.SetStartGrid(start)
	traj.SetGeneratingRequest(r)

	stepHours := c.TimeStep.Hours()
	idx := 0
	// Start positions are lat-major over the launch grid, matching the
	// thinning filter's index convention.
	for j := 0; j < c.NumLats; j++ {
		for i := 0; i < c.NumLons; i++ {
			for k := 0; k < c.NumLevels; k++ {
				lon := start.Lons()[i]
				lat := start.Lats()[j]
				p := start.Levels()[k]

				// Member-dependent zonal drift with a weak meridional
				// oscillation.
				uDegPerHour := 0.2 + 0.02*float64(member) +
					0.05*math.Sin(lat*math.Pi/180)
				vDegPerHour := 0.05 * math.Cos(lon*math.Pi/90)

				// Every third parcel is a strong ascender.
				dpPerHour := -1.5
				if (idx+member)%3 == 0 {
					dpPerHour = -25
				}

				for step := 0; step < c.NumTimeSteps; step++ {
					h := float64(step) * stepHours
					pz := p + dpPerHour*h
					if pz < c.TopPressure/2 {
						pz = c.TopPressure / 2
					}
					traj.SetVertex(idx, step, trajectory.Vertex{
						Lon:      lon + uDegPerHour*h,
						Lat:      lat + vDegPerHour*h,
						Pressure: pz,
					})
				}
				idx++
			}
		}
	}
	return traj, nil
}

func (s *TrajectorySource) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	return pipeline.NewTask(s, r), nil
}

func (s *TrajectorySource) AvailableInitTimes() []time.Time { return s.cfg.InitTimes }

func (s *TrajectorySource) AvailableValidTimes(initTime time.Time) []time.Time {
	return s.cfg.startTimes(initTime)
}

func (s *TrajectorySource) AvailableEnsembleMembers() []int {
	members := make([]int, s.cfg.Members)
	for i := range members {
		members[i] = i
	}
	return members
}

// ValidTimeOverlap lists the start times whose trajectories still exist
// at validTime.
func (s *TrajectorySource) ValidTimeOverlap(initTime, validTime time.Time) []time.Time {
	var overlap []time.Time
	span := s.cfg.timeSpan()
	for _, t := range s.cfg.startTimes(initTime) {
		if !t.After(validTime) && !t.Add(span).Before(validTime) {
			overlap = append(overlap, t)
		}
	}
	return overlap
}
