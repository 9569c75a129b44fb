// Package grid provides the structured data field exchanged between
// pipeline sources: a regular lon-lat grid whose vertical coordinate is
// described by a level-type tag. Consumers switch on the tag (or call
// Pressure, which dispatches on it) instead of downcasting to subtype.
package grid

import (
	"fmt"
	"math"
	"time"
)

// MissingValue marks grid points that carry no data.
const MissingValue float32 = -999e9

// IsMissing reports whether v is the missing-value marker.
func IsMissing(v float32) bool { return v == MissingValue }

// LevelType tags the vertical coordinate system of a grid.
type LevelType int

const (
	// Surface2D grids have a single level and no vertical coordinate.
	Surface2D LevelType = iota
	// PressureLevels3D grids store pressure levels in hPa.
	PressureLevels3D
	// LogPressureLevels3D grids store ln(p/hPa) levels.
	LogPressureLevels3D
	// HybridSigmaPressure3D grids use hybrid model levels; the pressure at
	// a point is ak + bk * surface pressure and requires a linked surface
	// pressure field.
	HybridSigmaPressure3D
	// AuxiliaryPressure3D grids carry their pressure in a separate 3D
	// field of the same shape.
	AuxiliaryPressure3D
)

var levelTypeNames = map[LevelType]string{
	Surface2D:             "SURFACE_2D",
	PressureLevels3D:      "PRESSURE_LEVELS_3D",
	LogPressureLevels3D:   "LOG_PRESSURE_LEVELS_3D",
	HybridSigmaPressure3D: "HYBRID_SIGMA_PRESSURE_3D",
	AuxiliaryPressure3D:   "AUXILIARY_PRESSURE_3D",
}

// String returns the configuration keyword for lt (the form used in
// request values and derived-input override tokens).
func (lt LevelType) String() string {
	if s, ok := levelTypeNames[lt]; ok {
		return s
	}
	return fmt.Sprintf("LEVELTYPE(%d)", int(lt))
}

// ParseLevelType maps a configuration keyword back to its level type.
// The second return is false for unrecognized keywords.
func ParseLevelType(s string) (LevelType, bool) {
	for lt, name := range levelTypeNames {
		if name == s {
			return lt, true
		}
	}
	return 0, false
}

// Grid is a regular lon-lat structured grid of float32 samples stored
// level-major (k slowest, i fastest). The zero value is not usable;
// construct with New.
type Grid struct {
	levelType LevelType

	nlev, nlat, nlon int

	lons   []float64
	lats   []float64
	levels []float64 // per-level vertical coordinate, meaning depends on levelType

	values []float32

	// Hybrid sigma-pressure coefficients, one per level, ak in hPa.
	ak, bk []float64
	// Linked surface pressure field in Pa (HybridSigmaPressure3D only).
	surfacePressure *Grid
	// Linked 3D pressure field in hPa (AuxiliaryPressure3D only).
	auxPressure *Grid

	variable  string
	initTime  time.Time
	validTime time.Time
	member    int

	// Per-sample ensemble contribution bitfields; nil until
	// EnableMemberFlags is called. Bit m marks member m.
	memberFlags []uint64
}

// New allocates a grid of the given shape with all samples set to the
// missing value. Surface2D grids must be constructed with nlev == 1.
func New(lt LevelType, nlev, nlat, nlon int) *Grid {
	if lt == Surface2D {
		nlev = 1
	}
	g := &Grid{
		levelType: lt,
		nlev:      nlev,
		nlat:      nlat,
		nlon:      nlon,
		lons:      make([]float64, nlon),
		lats:      make([]float64, nlat),
		levels:    make([]float64, nlev),
		values:    make([]float32, nlev*nlat*nlon),
	}
	for i := range g.values {
		g.values[i] = MissingValue
	}
	if lt == HybridSigmaPressure3D {
		g.ak = make([]float64, nlev)
		g.bk = make([]float64, nlev)
	}
	return g
}

// NewLike allocates a grid with src's shape, coordinates and metadata but
// fresh (missing) values. The level type may differ from src's when the
// derived field lives on another vertical coordinate; in that case the
// caller is responsible for the new grid's level coordinates.
func NewLike(src *Grid, lt LevelType) *Grid {
	nlev := src.nlev
	if lt == Surface2D {
		nlev = 1
	}
	g := New(lt, nlev, src.nlat, src.nlon)
	copy(g.lons, src.lons)
	copy(g.lats, src.lats)
	if lt == src.levelType {
		copy(g.levels, src.levels)
		if lt == HybridSigmaPressure3D {
			copy(g.ak, src.ak)
			copy(g.bk, src.bk)
			g.surfacePressure = src.surfacePressure
		}
		if lt == AuxiliaryPressure3D {
			g.auxPressure = src.auxPressure
		}
	}
	g.initTime = src.initTime
	g.validTime = src.validTime
	g.member = src.member
	return g
}

// LevelType returns the grid's vertical coordinate tag.
func (g *Grid) LevelType() LevelType { return g.levelType }

// NumLevels returns the vertical dimension.
func (g *Grid) NumLevels() int { return g.nlev }

// NumLats returns the latitude dimension.
func (g *Grid) NumLats() int { return g.nlat }

// NumLons returns the longitude dimension.
func (g *Grid) NumLons() int { return g.nlon }

// NumValues returns the total sample count.
func (g *Grid) NumValues() int { return len(g.values) }

func (g *Grid) index(k, j, i int) int { return (k*g.nlat+j)*g.nlon + i }

// Value returns the sample at level k, latitude j, longitude i.
func (g *Grid) Value(k, j, i int) float32 { return g.values[g.index(k, j, i)] }

// SetValue stores a sample at level k, latitude j, longitude i.
func (g *Grid) SetValue(k, j, i int, v float32) { g.values[g.index(k, j, i)] = v }

// ValueAt returns the sample at flat index n.
func (g *Grid) ValueAt(n int) float32 { return g.values[n] }

// SetValueAt stores a sample at flat index n.
func (g *Grid) SetValueAt(n int, v float32) { g.values[n] = v }

// Fill sets every sample to v.
func (g *Grid) Fill(v float32) {
	for i := range g.values {
		g.values[i] = v
	}
}

// Lons returns the longitude coordinates (degrees east). The slice is the
// grid's own storage; treat as read-only after construction.
func (g *Grid) Lons() []float64 { return g.lons }

// Lats returns the latitude coordinates (degrees north).
func (g *Grid) Lats() []float64 { return g.lats }

// Levels returns the vertical coordinates; their meaning depends on the
// level type (hPa for pressure levels, ln(hPa) for log-pressure, model
// level index for hybrid and auxiliary grids).
func (g *Grid) Levels() []float64 { return g.levels }

// SetLons copies lons into the grid's longitude coordinates.
func (g *Grid) SetLons(lons []float64) { copy(g.lons, lons) }

// SetLats copies lats into the grid's latitude coordinates.
func (g *Grid) SetLats(lats []float64) { copy(g.lats, lats) }

// SetLevels copies levels into the grid's vertical coordinates.
func (g *Grid) SetLevels(levels []float64) { copy(g.levels, levels) }

// SetHybridCoefficients copies the per-level hybrid coefficients (ak in
// hPa). Valid for HybridSigmaPressure3D grids only.
func (g *Grid) SetHybridCoefficients(ak, bk []float64) {
	copy(g.ak, ak)
	copy(g.bk, bk)
}

// HybridCoefficients returns the ak (hPa) and bk coefficient slices.
func (g *Grid) HybridCoefficients() (ak, bk []float64) { return g.ak, g.bk }

// SetSurfacePressure links the Pa-valued surface pressure field used to
// evaluate hybrid level pressures.
func (g *Grid) SetSurfacePressure(sp *Grid) { g.surfacePressure = sp }

// SurfacePressure returns the linked surface pressure field, or nil.
func (g *Grid) SurfacePressure() *Grid { return g.surfacePressure }

// SetAuxiliaryPressure links the hPa-valued 3D pressure field of an
// AuxiliaryPressure3D grid.
func (g *Grid) SetAuxiliaryPressure(p *Grid) { g.auxPressure = p }

// AuxiliaryPressure returns the linked auxiliary pressure field, or nil.
func (g *Grid) AuxiliaryPressure() *Grid { return g.auxPressure }

// Pressure returns the pressure in hPa at level k, latitude j, longitude
// i, dispatching on the level type. Returns MissingValue where no
// pressure is defined (surface grids, unlinked hybrid/auxiliary fields).
func (g *Grid) Pressure(k, j, i int) float32 {
	switch g.levelType {
	case PressureLevels3D:
		return float32(g.levels[k])
	case LogPressureLevels3D:
		return float32(math.Exp(g.levels[k]))
	case HybridSigmaPressure3D:
		if g.surfacePressure == nil {
			return MissingValue
		}
		psfcPa := g.surfacePressure.Value(0, j, i)
		if IsMissing(psfcPa) {
			return MissingValue
		}
		return float32(g.ak[k] + g.bk[k]*float64(psfcPa)/100.0)
	case AuxiliaryPressure3D:
		if g.auxPressure == nil {
			return MissingValue
		}
		return g.auxPressure.Value(k, j, i)
	default:
		return MissingValue
	}
}

// Variable returns the variable name the grid holds.
func (g *Grid) Variable() string { return g.variable }

// InitTime returns the forecast initialization time.
func (g *Grid) InitTime() time.Time { return g.initTime }

// ValidTime returns the forecast valid time.
func (g *Grid) ValidTime() time.Time { return g.validTime }

// EnsembleMember returns the ensemble member index.
func (g *Grid) EnsembleMember() int { return g.member }

// SetMetadata records generation metadata on the grid.
func (g *Grid) SetMetadata(initTime, validTime time.Time, variable string, member int) {
	g.initTime = initTime
	g.validTime = validTime
	g.variable = variable
	g.member = member
}

// MaxMembers is the number of ensemble members the per-sample
// contribution bitfield can track.
const MaxMembers = 64

// EnableMemberFlags allocates the per-sample ensemble contribution
// bitfield. Members 0..MaxMembers-1 can be flagged.
func (g *Grid) EnableMemberFlags() {
	if g.memberFlags == nil {
		g.memberFlags = make([]uint64, len(g.values))
	}
}

// SetMemberFlag marks an ensemble member as contributing to sample n.
// A no-op unless EnableMemberFlags was called and 0 <= member < MaxMembers.
func (g *Grid) SetMemberFlag(n, member int) {
	if g.memberFlags == nil || member < 0 || member >= MaxMembers {
		return
	}
	g.memberFlags[n] |= 1 << uint(member)
}

// MemberFlag reports whether the member contributes to sample n.
func (g *Grid) MemberFlag(n, member int) bool {
	if g.memberFlags == nil || member < 0 || member >= MaxMembers {
		return false
	}
	return g.memberFlags[n]&(1<<uint(member)) != 0
}

// MemberIsContributing reports whether the member is flagged anywhere on
// the grid.
func (g *Grid) MemberIsContributing(member int) bool {
	if g.memberFlags == nil || member < 0 || member >= MaxMembers {
		return false
	}
	mask := uint64(1) << uint(member)
	for _, f := range g.memberFlags {
		if f&mask != 0 {
			return true
		}
	}
	return false
}

// FindClosestLon returns the index of the longitude coordinate nearest
// to lon.
func (g *Grid) FindClosestLon(lon float64) int { return closestIndex(g.lons, lon) }

// FindClosestLat returns the index of the latitude coordinate nearest
// to lat.
func (g *Grid) FindClosestLat(lat float64) int { return closestIndex(g.lats, lat) }

func closestIndex(coords []float64, x float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, c := range coords {
		if d := math.Abs(c - x); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// MemorySizeKB reports the grid's approximate storage footprint. Linked
// surface/auxiliary pressure fields are cached under their own keys and
// not counted here.
func (g *Grid) MemorySizeKB() int64 {
	bytes := int64(len(g.values))*4 + int64(len(g.memberFlags))*8 +
		int64(len(g.lons)+len(g.lats)+len(g.levels)+len(g.ak)+len(g.bk))*8
	kb := bytes / 1024
	if kb == 0 {
		kb = 1
	}
	return kb
}
