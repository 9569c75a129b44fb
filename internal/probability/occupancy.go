// Package probability turns ensemble trajectory selections into gridded
// probability-of-occurrence fields and analyses connected probability
// regions.
package probability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
	"github.com/atmopipe/atmopipe/internal/trajectory"
)

// Request keys consumed by the occupancy source.
const (
	KeyLevelType      = "LEVELTYPE"
	KeyInitTime       = "INIT_TIME"
	KeyValidTime      = "VALID_TIME"
	KeyTryPrecomputed = "TRY_PRECOMPUTED"
	KeyGridGeometry   = "GRID_GEOMETRY"
	KeyMemberRange    = "PWCB_ENSEMBLE_MEMBER"
)

// Keys inserted into upstream requests.
const (
	keyMember   = "MEMBER"
	keyTimeSpan = "TIME_SPAN"
)

// VariableName is the single variable the occupancy source provides.
const VariableName = "probability_of_trajectory_occurrence"

// TrajectorySource provides trajectory data plus the time enumeration
// the occupancy accumulation iterates over.
type TrajectorySource interface {
	pipeline.Source
	AvailableInitTimes() []time.Time
	AvailableValidTimes(initTime time.Time) []time.Time
	AvailableEnsembleMembers() []int

	// ValidTimeOverlap lists the trajectory start times whose time span
	// contains validTime.
	ValidTimeOverlap(initTime, validTime time.Time) []time.Time
}

// gridGeometry is the parsed GRID_GEOMETRY value:
// "<tag>/<west>/<dlon>/<nlon>/<north>/<dlat>/<nlat>/<bottom>/<top>/<nlev>".
// Latitudes run north to south, levels top to bottom (both in hPa).
type gridGeometry struct {
	westLon, deltaLon  float64
	northLat, deltaLat float64
	bottomLev, topLev  float64
	nlon, nlat, nlev   int
}

func parseGridGeometry(s string) (gridGeometry, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 10 {
		return gridGeometry{}, fmt.Errorf("want 10 fields, got %d in %q", len(parts), s)
	}
	floats := make([]float64, len(parts))
	for i := 1; i < len(parts); i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return gridGeometry{}, fmt.Errorf("bad field %q in %q", parts[i], s)
		}
		floats[i] = v
	}
	g := gridGeometry{
		westLon: floats[1], deltaLon: floats[2], nlon: int(floats[3]),
		northLat: floats[4], deltaLat: floats[5], nlat: int(floats[6]),
		bottomLev: floats[7], topLev: floats[8], nlev: int(floats[9]),
	}
	if g.nlon < 1 || g.nlat < 1 || g.nlev < 2 {
		return gridGeometry{}, fmt.Errorf("bad grid shape %dx%dx%d", g.nlev, g.nlat, g.nlon)
	}
	if g.deltaLon <= 0 || g.deltaLat <= 0 {
		return gridGeometry{}, fmt.Errorf("bad grid spacing %g/%g", g.deltaLon, g.deltaLat)
	}
	return g, nil
}

func parseMemberRange(s string) (from, to int, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want from/to, got %q", s)
	}
	if from, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("bad member %q", parts[0])
	}
	if to, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("bad member %q", parts[1])
	}
	if to < from {
		return 0, 0, fmt.Errorf("empty member range %q", s)
	}
	return from, to, nil
}

// OccupancySource grids, per ensemble member, the selected trajectory
// positions at the requested valid time into a regular lon-lat-pressure
// volume and averages the per-member occupancy into a probability field.
// Per-member contributions are recorded in the result's member flags.
type OccupancySource struct {
	*pipeline.Node
	trajectories TrajectorySource
	selection    pipeline.Source
}

func NewOccupancySource(id string, cache *memcache.Manager, trajectories TrajectorySource, selection pipeline.Source) (*OccupancySource, error) {
	if trajectories == nil || selection == nil {
		return nil, errors.New("probability: trajectory and selection sources are required")
	}
	s := &OccupancySource{trajectories: trajectories, selection: selection}
	s.Node = pipeline.NewNode(id, cache, s)
	s.RegisterUpstream(trajectories)
	s.RegisterUpstream(selection)
	return s, nil
}

func (s *OccupancySource) LocalKeys() []string {
	return []string{KeyMemberRange, KeyInitTime, KeyValidTime,
		KeyTryPrecomputed, KeyGridGeometry, KeyLevelType}
}

type occupancyParams struct {
	levelType      grid.LevelType
	initTime       time.Time
	validTime      time.Time
	tryPrecomputed bool
	geom           gridGeometry
	memberFrom     int
	memberTo       int
}

func (s *OccupancySource) parseRequest(r *request.Request) (occupancyParams, error) {
	var p occupancyParams
	var ok bool
	if p.levelType, ok = grid.ParseLevelType(r.Value(KeyLevelType)); !ok {
		return p, fmt.Errorf("probability: bad %s %q", KeyLevelType, r.Value(KeyLevelType))
	}
	switch p.levelType {
	case grid.PressureLevels3D, grid.LogPressureLevels3D:
	default:
		return p, fmt.Errorf("probability: unsupported level type %s", p.levelType)
	}
	if p.initTime, ok = r.TimeValue(KeyInitTime); !ok {
		return p, fmt.Errorf("probability: bad %s %q", KeyInitTime, r.Value(KeyInitTime))
	}
	if p.validTime, ok = r.TimeValue(KeyValidTime); !ok {
		return p, fmt.Errorf("probability: bad %s %q", KeyValidTime, r.Value(KeyValidTime))
	}
	if v, ok := r.IntValue(KeyTryPrecomputed); ok {
		p.tryPrecomputed = v != 0
	}
	var err error
	if p.geom, err = parseGridGeometry(r.Value(KeyGridGeometry)); err != nil {
		return p, fmt.Errorf("probability: %s: %w", KeyGridGeometry, err)
	}
	if p.memberFrom, p.memberTo, err = parseMemberRange(r.Value(KeyMemberRange)); err != nil {
		return p, fmt.Errorf("probability: %s: %w", KeyMemberRange, err)
	}
	return p, nil
}

// upstreamBase builds the request template shared by all per-member,
// per-time fetches.
func (s *OccupancySource) upstreamBase(r *request.Request, p occupancyParams) *request.Request {
	up := r.Clone()
	up.RemoveAll(s.LocalKeys())
	up.InsertTime(KeyInitTime, p.initTime)
	// Only the positions at the requested valid time enter the grid.
	up.InsertTime(trajectory.KeyFilterTimestep, p.validTime)
	if p.tryPrecomputed {
		up.InsertInt(KeyTryPrecomputed, 1)
		up.InsertTime(keyTimeSpan, p.validTime)
	} else {
		up.InsertInt(KeyTryPrecomputed, 0)
		up.Insert(keyTimeSpan, trajectory.FilterAll)
	}
	return up
}

// resultGrid allocates the zeroed probability grid for the parsed
// geometry.
func resultGrid(p occupancyParams) *grid.Grid {
	g := grid.New(p.levelType, p.geom.nlev, p.geom.nlat, p.geom.nlon)
	lons := make([]float64, p.geom.nlon)
	for i := range lons {
		lons[i] = p.geom.westLon + float64(i)*p.geom.deltaLon
	}
	lats := make([]float64, p.geom.nlat)
	for j := range lats {
		lats[j] = p.geom.northLat - float64(j)*p.geom.deltaLat
	}
	bottom, top := p.geom.bottomLev, p.geom.topLev
	if p.levelType == grid.LogPressureLevels3D {
		bottom, top = math.Log(bottom), math.Log(top)
	}
	dlev := (bottom - top) / float64(p.geom.nlev-1)
	levels := make([]float64, p.geom.nlev)
	for k := range levels {
		levels[k] = top + float64(k)*dlev
	}
	g.SetLons(lons)
	g.SetLats(lats)
	g.SetLevels(levels)
	g.Fill(0)
	g.EnableMemberFlags()
	return g
}

// cellIndex maps a trajectory position onto the result grid. Grid points
// sit in the centre of their cells. ok is false outside the domain.
func cellIndex(p occupancyParams, v trajectory.Vertex) (ilev, ilat, ilon int, ok bool) {
	// Round first, bounds-check after: a position less than half a cell
	// outside the domain still falls into the edge cell.
	ilon = int(math.Round((v.Lon - p.geom.westLon) / p.geom.deltaLon))
	if ilon < 0 || ilon >= p.geom.nlon {
		return 0, 0, 0, false
	}
	ilat = int(math.Round((p.geom.northLat - v.Lat) / p.geom.deltaLat))
	if ilat < 0 || ilat >= p.geom.nlat {
		return 0, 0, 0, false
	}

	z := v.Pressure
	bottom, top := p.geom.bottomLev, p.geom.topLev
	if p.levelType == grid.LogPressureLevels3D {
		z, bottom, top = math.Log(z), math.Log(bottom), math.Log(top)
	}
	dlev := (bottom - top) / float64(p.geom.nlev-1)
	ilev = int(math.Round((z - top) / dlev))
	if ilev < 0 || ilev >= p.geom.nlev {
		return 0, 0, 0, false
	}
	return ilev, ilat, ilon, true
}

// accumulateMember rebuilds the member occupancy grid from the selected
// positions of all overlapping start times.
func (s *OccupancySource) accumulateMember(ctx context.Context, base *request.Request,
	p occupancyParams, member int, overlap []time.Time, memberGrid *grid.Grid) error {

	for _, vt := range overlap {
		up := base.Clone()
		up.InsertInt(keyMember, member)
		up.InsertTime(KeyValidTime, vt)

		selRes, err := s.selection.GetData(ctx, up)
		if err != nil {
			return err
		}
		if selRes == nil {
			continue
		}
		trajRes, err := s.trajectories.GetData(ctx, up)
		if err != nil {
			selRes.Release()
			return err
		}
		if trajRes == nil {
			selRes.Release()
			continue
		}

		sel, selOK := selRes.Item().(trajectory.SelectionView)
		traj, trajOK := trajRes.Item().(*trajectory.Trajectories)
		if selOK && trajOK {
			vertices := traj.Vertices()
			for i := 0; i < sel.NumTrajectories(); i++ {
				v := vertices[sel.StartIndices()[i]]
				if ilev, ilat, ilon, ok := cellIndex(p, v); ok {
					memberGrid.SetValue(ilev, ilat, ilon, 1)
				}
			}
		} else {
			ctxlog.FromContext(ctx).Error("unexpected upstream item types",
				"source", s.ID(), "selection", fmt.Sprintf("%T", selRes.Item()),
				"trajectories", fmt.Sprintf("%T", trajRes.Item()))
		}
		trajRes.Release()
		selRes.Release()
	}
	return nil
}

func (s *OccupancySource) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	p, err := s.parseRequest(r)
	if err != nil {
		return nil, err
	}

	overlap := s.trajectories.ValidTimeOverlap(p.initTime, p.validTime)
	base := s.upstreamBase(r, p)

	result := resultGrid(p)
	result.SetMetadata(p.initTime, p.validTime, VariableName, p.memberFrom)
	memberGrid := grid.New(p.levelType, p.geom.nlev, p.geom.nlat, p.geom.nlon)

	probPerMember := float32(1) / float32(p.memberTo-p.memberFrom+1)
	for m := p.memberFrom; m <= p.memberTo; m++ {
		memberGrid.Fill(0)
		if err := s.accumulateMember(ctx, base, p, m, overlap, memberGrid); err != nil {
			return nil, err
		}
		for n := 0; n < result.NumValues(); n++ {
			if memberGrid.ValueAt(n) == 0 {
				continue
			}
			result.SetValueAt(n, result.ValueAt(n)+probPerMember)
			result.SetMemberFlag(n, m)
		}
	}
	return result, nil
}

func (s *OccupancySource) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	p, err := s.parseRequest(r)
	if err != nil {
		return nil, err
	}
	overlap := s.trajectories.ValidTimeOverlap(p.initTime, p.validTime)
	base := s.upstreamBase(r, p)

	task := pipeline.NewTask(s, r)
	for m := p.memberFrom; m <= p.memberTo; m++ {
		for _, vt := range overlap {
			up := base.Clone()
			up.InsertInt(keyMember, m)
			up.InsertTime(KeyValidTime, vt)
			parent, err := s.trajectories.GetTaskGraph(ctx, up)
			if err != nil {
				return nil, err
			}
			task.AddParent(parent)
			parent, err = s.selection.GetTaskGraph(ctx, up)
			if err != nil {
				return nil, err
			}
			task.AddParent(parent)
		}
	}
	return task, nil
}

// AvailableLevelTypes lists the vertical coordinates the source can grid
// onto.
func (s *OccupancySource) AvailableLevelTypes() []grid.LevelType {
	return []grid.LevelType{grid.PressureLevels3D, grid.LogPressureLevels3D}
}

func (s *OccupancySource) supportsLevelType(lt grid.LevelType) bool {
	return lt == grid.PressureLevels3D || lt == grid.LogPressureLevels3D
}

func (s *OccupancySource) AvailableVariables(lt grid.LevelType) []string {
	if !s.supportsLevelType(lt) {
		return nil
	}
	return []string{VariableName}
}

func (s *OccupancySource) AvailableInitTimes(lt grid.LevelType, variable string) []time.Time {
	if !s.supportsLevelType(lt) {
		return nil
	}
	return s.trajectories.AvailableInitTimes()
}

func (s *OccupancySource) AvailableValidTimes(lt grid.LevelType, variable string, initTime time.Time) []time.Time {
	if !s.supportsLevelType(lt) {
		return nil
	}
	return s.trajectories.AvailableValidTimes(initTime)
}

func (s *OccupancySource) AvailableEnsembleMembers(lt grid.LevelType, variable string) []int {
	if !s.supportsLevelType(lt) {
		return nil
	}
	return s.trajectories.AvailableEnsembleMembers()
}
