// Package gridfilter provides processing sources that transform
// gridded fields, currently horizontal smoothing.
package gridfilter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
	"github.com/atmopipe/atmopipe/internal/thermo"
)

// KeySmooth selects the smoothing mode and strength:
// "<mode>/<stddev_km>/<radius_gridpoints>". Distance-based modes read
// the second token, gridpoint-based modes the third.
const KeySmooth = "SMOOTH"

// Smoothing modes.
const (
	ModeGaussDistance     = "gauss_distance"
	ModeGaussGridpoints   = "gauss_gridpoints"
	ModeUniformGridpoints = "uniform_gridpoints"
	ModeBoxBlurGridpoints = "box_blur_gridpoints"
)

// Grid points within 2.576 standard deviations carry 99% of the weight
// of a Gaussian kernel; everything beyond is cut off.
const significantRadiusFactor = 2.576

// SmoothFilter horizontally smooths the field produced by its input
// source. Smoothing is level-wise; the vertical dimension is untouched.
type SmoothFilter struct {
	*pipeline.Node
	input pipeline.Source
}

func NewSmoothFilter(id string, cache *memcache.Manager, input pipeline.Source) (*SmoothFilter, error) {
	if input == nil {
		return nil, errors.New("gridfilter: input source is required")
	}
	f := &SmoothFilter{input: input}
	f.Node = pipeline.NewNode(id, cache, f)
	f.RegisterUpstream(input)
	f.EnablePassThrough(input)
	return f, nil
}

func (f *SmoothFilter) LocalKeys() []string { return []string{KeySmooth} }

type smoothParams struct {
	mode     string
	stdDevKm float64
	radiusGP int
}

func parseSmoothParams(s string) (smoothParams, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return smoothParams{}, fmt.Errorf("want mode/stddev_km/radius_gp, got %q", s)
	}
	p := smoothParams{mode: parts[0]}
	switch p.mode {
	case ModeGaussDistance:
		km, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || km <= 0 {
			return smoothParams{}, fmt.Errorf("bad stddev_km %q", parts[1])
		}
		p.stdDevKm = km
	case ModeGaussGridpoints, ModeUniformGridpoints, ModeBoxBlurGridpoints:
		gp, err := strconv.Atoi(parts[2])
		if err != nil || gp <= 0 {
			return smoothParams{}, fmt.Errorf("bad radius_gp %q", parts[2])
		}
		p.radiusGP = gp
	default:
		return smoothParams{}, fmt.Errorf("unknown smoothing mode %q", p.mode)
	}
	return p, nil
}

func (f *SmoothFilter) inputRequest(r *request.Request) *request.Request {
	up := r.Clone()
	up.Remove(KeySmooth)
	return up
}

func (f *SmoothFilter) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	log := ctxlog.FromContext(ctx)

	res, err := f.input.GetData(ctx, f.inputRequest(r))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	defer res.Release()
	in, ok := res.Item().(*grid.Grid)
	if !ok {
		return nil, fmt.Errorf("gridfilter: input source %q produced %T, want *grid.Grid",
			f.input.ID(), res.Item())
	}

	out := grid.NewLike(in, in.LevelType())
	out.SetMetadata(in.InitTime(), in.ValidTime(), in.Variable(), in.EnsembleMember())

	params, err := parseSmoothParams(r.Value(KeySmooth))
	if err != nil {
		// An unusable parameter string degrades to the unsmoothed field.
		log.Warn("unusable smoothing parameters, returning unsmoothed field",
			"source", f.ID(), "value", r.Value(KeySmooth), "err", err)
		copyValues(out, in)
		return out, nil
	}
	log.Debug("smoothing field", "source", f.ID(), "mode", params.mode,
		"variable", in.Variable())

	switch params.mode {
	case ModeGaussDistance:
		gaussDistance(in, out, params.stdDevKm)
	case ModeGaussGridpoints:
		gaussGridpoints(in, out, params.radiusGP)
	case ModeUniformGridpoints:
		uniformGridpoints(in, out, params.radiusGP)
	case ModeBoxBlurGridpoints:
		boxBlurGridpoints(in, out, params.radiusGP)
	}
	return out, nil
}

func (f *SmoothFilter) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(f, r)
	parent, err := f.input.GetTaskGraph(ctx, f.inputRequest(r))
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}

func copyValues(dst, src *grid.Grid) {
	for n := 0; n < src.NumValues(); n++ {
		dst.SetValueAt(n, src.ValueAt(n))
	}
}

// uniformGridpoints averages all non-missing values inside a square
// neighbourhood with equal weights.
func uniformGridpoints(in, out *grid.Grid, radius int) {
	nlon, nlat := in.NumLons(), in.NumLats()
	for k := 0; k < in.NumLevels(); k++ {
		for j := 0; j < nlat; j++ {
			for i := 0; i < nlon; i++ {
				if grid.IsMissing(in.Value(k, j, i)) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				total, count := float64(0), 0
				for js := max(0, j-radius); js < min(nlat, j+radius); js++ {
					for is := max(0, i-radius); is < min(nlon, i+radius); is++ {
						v := in.Value(k, js, is)
						if grid.IsMissing(v) {
							continue
						}
						total += float64(v)
						count++
					}
				}
				out.SetValue(k, j, i, float32(total/float64(count)))
			}
		}
	}
}

// gaussGridpoints applies a 2D Gaussian kernel measured in grid points.
func gaussGridpoints(in, out *grid.Grid, stdDevGP int) {
	nlon, nlat := in.NumLons(), in.NumLats()
	variance2 := 2 * float64(stdDevGP) * float64(stdDevGP)
	sigRadius := int(math.Ceil(float64(stdDevGP) * significantRadiusFactor))
	for k := 0; k < in.NumLevels(); k++ {
		for j := 0; j < nlat; j++ {
			for i := 0; i < nlon; i++ {
				if grid.IsMissing(in.Value(k, j, i)) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				total, weightSum := float64(0), float64(0)
				for n := max(0, j-sigRadius); n < min(nlat, j+sigRadius); n++ {
					for m := max(0, i-sigRadius); m < min(nlon, i+sigRadius); m++ {
						v := in.Value(k, n, m)
						if grid.IsMissing(v) {
							continue
						}
						d2 := float64((n-j)*(n-j) + (m-i)*(m-i))
						w := math.Exp(-d2/variance2) / (math.Pi * variance2)
						total += float64(v) * w
						weightSum += w
					}
				}
				out.SetValue(k, j, i, float32(total/weightSum))
			}
		}
	}
}

// boxRadii distributes a Gaussian standard deviation over n successive
// box-blur passes (Kovesi's approximation of a Gaussian by repeated box
// filters).
func boxRadii(stdDevGP, n int) []int {
	widthIdeal := math.Sqrt(12*float64(stdDevGP)*float64(stdDevGP)/float64(n) + 1)
	widthLess := int(math.Floor(widthIdeal))
	if widthLess%2 == 0 {
		widthLess--
	}
	widthUp := widthLess + 2
	mIdeal := (12*float64(stdDevGP)*float64(stdDevGP) -
		float64(n)*float64(widthLess)*float64(widthLess) -
		4*float64(n)*float64(widthLess) - 3*float64(n)) /
		(-4*float64(widthLess) - 4)
	m := int(math.Round(mIdeal))
	radii := make([]int, n)
	for i := range radii {
		if i < m {
			radii[i] = (widthLess - 1) / 2
		} else {
			radii[i] = (widthUp - 1) / 2
		}
	}
	return radii
}

// boxBlurPass averages a clamped square box around every grid point.
func boxBlurPass(in, out *grid.Grid, radius int) {
	nlon, nlat := in.NumLons(), in.NumLats()
	norm := float64((2*radius + 1) * (2*radius + 1))
	for k := 0; k < in.NumLevels(); k++ {
		for j := 0; j < nlat; j++ {
			for i := 0; i < nlon; i++ {
				total := float64(0)
				for jy := j - radius; jy <= j+radius; jy++ {
					for ix := i - radius; ix <= i+radius; ix++ {
						x := min(nlon-1, max(0, ix))
						y := min(nlat-1, max(0, jy))
						total += float64(in.Value(k, y, x))
					}
				}
				out.SetValue(k, j, i, float32(total/norm))
			}
		}
	}
}

// boxBlurGridpoints approximates a Gaussian with three box-blur passes.
func boxBlurGridpoints(in, out *grid.Grid, stdDevGP int) {
	radii := boxRadii(stdDevGP, 3)
	tmp := grid.NewLike(in, in.LevelType())
	boxBlurPass(in, out, radii[0])
	boxBlurPass(out, tmp, radii[1])
	boxBlurPass(tmp, out, radii[2])
}

// deltaLonKm is the east-west grid spacing in km at latitude row j.
func deltaLonKm(g *grid.Grid, j int) float64 {
	lons := g.Lons()
	if len(lons) < 2 {
		return 0
	}
	deltaLonDeg := math.Abs(lons[1] - lons[0])
	circumference := math.Cos(thermo.DegreesToRadians(g.Lats()[j])) *
		2 * math.Pi * thermo.EarthRadiusKm
	return math.Abs(circumference) * deltaLonDeg / 360
}

// deltaLatKm is the north-south grid spacing in km.
func deltaLatKm(g *grid.Grid) float64 {
	lats := g.Lats()
	if len(lats) < 2 {
		return 0
	}
	return math.Abs(lats[1]-lats[0]) / 360 * 2 * math.Pi * thermo.EarthRadiusKm
}

func gaussWeight(stdDevKm, distanceKm float64) float64 {
	return math.Exp(-(distanceKm * distanceKm) / (2 * stdDevKm * stdDevKm))
}

// distanceWeights builds one-sided Gaussian weights for a row of grid
// points spaced deltaKm apart.
func distanceWeights(stdDevKm, deltaKm float64) []float64 {
	if deltaKm <= 0 {
		return []float64{1}
	}
	n := int(math.Round(stdDevKm * significantRadiusFactor / deltaKm))
	weights := make([]float64, n+1)
	for j := 0; j <= n; j++ {
		weights[j] = gaussWeight(stdDevKm, float64(j)*deltaKm)
	}
	return weights
}

// gaussDistance applies a separable Gaussian whose width is measured in
// kilometres on the sphere: the longitudinal kernel widens towards the
// poles because grid columns converge.
func gaussDistance(in, out *grid.Grid, stdDevKm float64) {
	nlon, nlat := in.NumLons(), in.NumLats()
	lonWeights := make([][]float64, nlat)
	for j := 0; j < nlat; j++ {
		lonWeights[j] = distanceWeights(stdDevKm, deltaLonKm(in, j))
	}
	latWeights := distanceWeights(stdDevKm, deltaLatKm(in))

	tmp := grid.NewLike(in, in.LevelType())
	for k := 0; k < in.NumLevels(); k++ {
		// Longitudinal pass.
		for j := 0; j < nlat; j++ {
			weights := lonWeights[j]
			for i := 0; i < nlon; i++ {
				if grid.IsMissing(in.Value(k, j, i)) {
					tmp.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				total, weightSum := float64(0), float64(0)
				for m := max(0, i-len(weights)+1); m < min(nlon, i+len(weights)); m++ {
					v := in.Value(k, j, m)
					if grid.IsMissing(v) {
						continue
					}
					w := weights[abs(i-m)]
					total += float64(v) * w
					weightSum += w
				}
				tmp.SetValue(k, j, i, float32(total/weightSum))
			}
		}
		// Latitudinal pass.
		for i := 0; i < nlon; i++ {
			for j := 0; j < nlat; j++ {
				if grid.IsMissing(tmp.Value(k, j, i)) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				total, weightSum := float64(0), float64(0)
				for m := max(0, j-len(latWeights)+1); m < min(nlat, j+len(latWeights)); m++ {
					v := tmp.Value(k, m, i)
					if grid.IsMissing(v) {
						continue
					}
					w := latWeights[abs(j-m)]
					total += float64(v) * w
					weightSum += w
				}
				out.SetValue(k, j, i, float32(total/weightSum))
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
