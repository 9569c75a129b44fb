package probability

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmopipe/atmopipe/internal/ctxlog"
	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/memcache"
	"github.com/atmopipe/atmopipe/internal/pipeline"
	"github.com/atmopipe/atmopipe/internal/request"
)

// Source prefixes for the two inputs of the region analysis.
const (
	PrefixProbability  = "PROB_"
	PrefixContribution = "CONTR_"
)

// KeyPosition selects the probe position as lon/lat/pressure(hPa).
const KeyPosition = "POS_LONLATP"

// FeatureStats describes one connected feature of a single ensemble
// member and its overlap with the total probability region.
type FeatureStats struct {
	GridPoints        int
	OverlapGridPoints int
}

// AnalysisResult is the outcome of a region contribution analysis: the
// connected probability region around the probe position and, per
// ensemble member, the member's disjunct contributing features sorted by
// size.
type AnalysisResult struct {
	TextLines []string

	ProbabilityAtPosition float32
	RegionGridPoints      int
	MaxMemberFeatures     int
	MemberFeatures        map[int][]FeatureStats
}

func (a *AnalysisResult) MemorySizeKB() int64 {
	bytes := 0
	for _, line := range a.TextLines {
		bytes += len(line)
	}
	for _, features := range a.MemberFeatures {
		bytes += len(features) * 16
	}
	kb := int64(bytes) / 1024
	if kb == 0 {
		kb = 1
	}
	return kb
}

type cell struct{ k, j, i int }

// RegionContributionAnalysis answers, for a probability volume, how the
// individual ensemble members contribute to the connected region around
// a probe position. The probability field is read from the PROB_
// prefixed source, the region membership criterion from the CONTR_
// prefixed source (typically the same field thresholded elsewhere).
type RegionContributionAnalysis struct {
	*pipeline.Node
	probability  pipeline.Source
	contribution pipeline.Source
}

func NewRegionContributionAnalysis(id string, cache *memcache.Manager, probability, contribution pipeline.Source) (*RegionContributionAnalysis, error) {
	if probability == nil || contribution == nil {
		return nil, errors.New("probability: probability and contribution sources are required")
	}
	a := &RegionContributionAnalysis{probability: probability, contribution: contribution}
	a.Node = pipeline.NewNode(id, cache, a)
	a.RegisterPrefixedUpstream(PrefixProbability, probability)
	a.RegisterPrefixedUpstream(PrefixContribution, contribution)
	return a, nil
}

func (a *RegionContributionAnalysis) LocalKeys() []string { return []string{KeyPosition} }

func (a *RegionContributionAnalysis) fetchGrid(ctx context.Context, src pipeline.Source, r *request.Request) (*grid.Grid, *pipeline.Result, error) {
	res, err := src.GetData(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	g, ok := res.Item().(*grid.Grid)
	if !ok {
		res.Release()
		return nil, nil, fmt.Errorf("probability: source %q produced %T, want *grid.Grid",
			src.ID(), res.Item())
	}
	return g, res, nil
}

func (a *RegionContributionAnalysis) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	pos, ok := r.Vec3Value(KeyPosition)
	if !ok {
		return nil, fmt.Errorf("probability: bad %s %q", KeyPosition, r.Value(KeyPosition))
	}

	probGrid, probRes, err := a.fetchGrid(ctx, a.probability, r.SubRequest(PrefixProbability))
	if err != nil {
		return nil, err
	}
	if probRes == nil {
		return nil, nil
	}
	defer probRes.Release()

	contrGrid, contrRes, err := a.fetchGrid(ctx, a.contribution, r.SubRequest(PrefixContribution))
	if err != nil {
		return nil, err
	}
	if contrRes == nil {
		return nil, nil
	}
	defer contrRes.Release()

	result := &AnalysisResult{MemberFeatures: make(map[int][]FeatureStats)}

	seed := maxNeighbouringGridPoint(contrGrid, pos)
	if contrGrid.Value(seed.k, seed.j, seed.i) <= 0 {
		ctxlog.FromContext(ctx).Info("no probability region at probe position",
			"source", a.ID(), "lon", pos[0], "lat", pos[1], "pressure", pos[2])
		result.TextLines = append(result.TextLines,
			fmt.Sprintf("no probability region at (%g/%g/%g)", pos[0], pos[1], pos[2]))
		return result, nil
	}

	region := growRegion(seed, func(c cell) bool {
		return contrGrid.Value(c.k, c.j, c.i) > 0
	}, contrGrid)

	result.ProbabilityAtPosition = probGrid.Value(seed.k, seed.j, seed.i)
	result.RegionGridPoints = len(region)
	result.TextLines = append(result.TextLines,
		fmt.Sprintf("probability region at (%g/%g/%g), index (%d/%d/%d):",
			pos[0], pos[1], pos[2], seed.i, seed.j, seed.k),
		fmt.Sprintf("  probability at probe position: %.3f", result.ProbabilityAtPosition),
		fmt.Sprintf("  %.0f%% of the ensemble members contribute to this region of %d grid points",
			contrGrid.Value(seed.k, seed.j, seed.i)*100, len(region)))

	// Marks the total region (values) and per-member visitation state
	// (member flags) for the growing passes below.
	visited := grid.NewLike(probGrid, probGrid.LevelType())
	visited.Fill(0)
	visited.EnableMemberFlags()
	inRegion := make(map[cell]struct{}, len(region))
	for _, c := range region {
		visited.SetValue(c.k, c.j, c.i, 1)
		inRegion[c] = struct{}{}
	}

	for m := 0; m < grid.MaxMembers; m++ {
		if !probGrid.MemberIsContributing(m) {
			continue
		}
		features := a.memberFeatures(probGrid, visited, region, inRegion, m)
		if len(features) == 0 {
			continue
		}
		result.MemberFeatures[m] = features
		result.MaxMemberFeatures = max(result.MaxMemberFeatures, len(features))
		result.TextLines = append(result.TextLines,
			fmt.Sprintf("  member %d contributes with %d disjunct features", m, len(features)))
		for i, f := range features {
			result.TextLines = append(result.TextLines,
				fmt.Sprintf("    feature %d: %d grid points (%d points, i.e. %.0f%%, overlap with probability region)",
					i, f.GridPoints, f.OverlapGridPoints,
					float64(f.OverlapGridPoints)/float64(f.GridPoints)*100))
		}
	}
	return result, nil
}

// memberFeatures grows, for one member, the disjunct connected features
// reachable from the probability region. Features are ordered by size,
// largest first.
func (a *RegionContributionAnalysis) memberFeatures(probGrid, visited *grid.Grid,
	region []cell, inRegion map[cell]struct{}, m int) []FeatureStats {

	var features []FeatureStats
	for _, c := range region {
		n := flatIndex(probGrid, c)
		if visited.MemberFlag(n, m) || !probGrid.MemberFlag(n, m) {
			continue
		}
		feature := growRegion(c, func(fc cell) bool {
			fn := flatIndex(probGrid, fc)
			if visited.MemberFlag(fn, m) {
				return false
			}
			visited.SetMemberFlag(fn, m)
			return probGrid.MemberFlag(fn, m)
		}, probGrid)

		stats := FeatureStats{GridPoints: len(feature)}
		for _, fc := range feature {
			if _, ok := inRegion[fc]; ok {
				stats.OverlapGridPoints++
			}
		}
		idx := 0
		for idx < len(features) && features[idx].GridPoints >= stats.GridPoints {
			idx++
		}
		features = append(features[:idx],
			append([]FeatureStats{stats}, features[idx:]...)...)
	}
	return features
}

func (a *RegionContributionAnalysis) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	task := pipeline.NewTask(a, r)
	parent, err := a.probability.GetTaskGraph(ctx, r.SubRequest(PrefixProbability))
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	parent, err = a.contribution.GetTaskGraph(ctx, r.SubRequest(PrefixContribution))
	if err != nil {
		return nil, err
	}
	task.AddParent(parent)
	return task, nil
}

func flatIndex(g *grid.Grid, c cell) int {
	return (c.k*g.NumLats()+c.j)*g.NumLons() + c.i
}

// maxNeighbouringGridPoint locates the grid point closest to the probe
// position, then picks the direct neighbour with the largest value. The
// probe may sit just outside the feature of interest.
func maxNeighbouringGridPoint(g *grid.Grid, pos [3]float64) cell {
	i := g.FindClosestLon(pos[0])
	j := g.FindClosestLat(pos[1])
	k := closestLevel(g, j, i, pos[2])

	best := cell{k, j, i}
	bestValue := g.Value(k, j, i)
	for _, c := range neighbours(cell{k, j, i}, g) {
		if v := g.Value(c.k, c.j, c.i); v > bestValue {
			best, bestValue = c, v
		}
	}
	return best
}

// closestLevel finds the level whose pressure is nearest to p (hPa).
func closestLevel(g *grid.Grid, j, i int, p float64) int {
	best := 0
	bestDist := -1.0
	for k := 0; k < g.NumLevels(); k++ {
		gp := g.Pressure(k, j, i)
		if grid.IsMissing(gp) {
			continue
		}
		d := float64(gp) - p
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// neighbours lists the up-to-26 in-bounds cells adjacent to c.
func neighbours(c cell, g *grid.Grid) []cell {
	out := make([]cell, 0, 26)
	for dk := -1; dk <= 1; dk++ {
		for dj := -1; dj <= 1; dj++ {
			for di := -1; di <= 1; di++ {
				if dk == 0 && dj == 0 && di == 0 {
					continue
				}
				n := cell{c.k + dk, c.j + dj, c.i + di}
				if n.k < 0 || n.k >= g.NumLevels() ||
					n.j < 0 || n.j >= g.NumLats() ||
					n.i < 0 || n.i >= g.NumLons() {
					continue
				}
				out = append(out, n)
			}
		}
	}
	return out
}

// growRegion collects the connected set of cells around seed for which
// belongs reports true, using 26-connectivity.
func growRegion(seed cell, belongs func(cell) bool, g *grid.Grid) []cell {
	if !belongs(seed) {
		return nil
	}
	region := []cell{seed}
	seen := map[cell]struct{}{seed: {}}
	for cursor := 0; cursor < len(region); cursor++ {
		for _, n := range neighbours(region[cursor], g) {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			if belongs(n) {
				region = append(region, n)
			}
		}
	}
	return region
}
