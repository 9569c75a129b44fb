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
)

// ForecastConfig describes the synthetic gridded forecast dataset.
type ForecastConfig struct {
	InitTimes     []time.Time
	ValidStep     time.Duration
	NumValidTimes int
	Members       int

	WestLon, NorthLat  float64
	DeltaLon, DeltaLat float64
	NumLons, NumLats   int

	// Pressure levels in hPa, top to bottom.
	PressureLevels []float64
}

func (c ForecastConfig) validate() error {
	switch {
	case len(c.InitTimes) == 0:
		return errors.New("synthetic: at least one init time is required")
	case c.NumValidTimes < 1 || c.ValidStep <= 0:
		return errors.New("synthetic: valid times must be positive")
	case c.Members < 1:
		return errors.New("synthetic: at least one member is required")
	case c.NumLons < 1 || c.NumLats < 1:
		return errors.New("synthetic: grid must have at least one point")
	case c.DeltaLon <= 0 || c.DeltaLat <= 0:
		return errors.New("synthetic: grid spacing must be positive")
	case len(c.PressureLevels) == 0:
		return errors.New("synthetic: at least one pressure level is required")
	}
	return nil
}

func (c ForecastConfig) validTimes(initTime time.Time) []time.Time {
	times := make([]time.Time, c.NumValidTimes)
	for i := range times {
		times[i] = initTime.Add(time.Duration(i) * c.ValidStep)
	}
	return times
}

// fieldFunc evaluates a synthetic field at one sample. p is in hPa (the
// bottom level for surface fields), lead in hours.
type fieldFunc func(lon, lat, p, lead float64, member int) float64

// ForecastSource generates smooth analytic forecast fields. All values
// are deterministic functions of position, lead time and member, so
// derived quantities computed from them are reproducible.
type ForecastSource struct {
	*pipeline.Node
	cfg ForecastConfig

	fields3D map[string]fieldFunc
	fields2D map[string]fieldFunc
}

func NewForecastSource(id string, cache *memcache.Manager, cfg ForecastConfig) (*ForecastSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &ForecastSource{
		cfg:      cfg,
		fields3D: make(map[string]fieldFunc),
		fields2D: make(map[string]fieldFunc),
	}
	s.Node = pipeline.NewNode(id, cache, s)

	s.fields3D["air_temperature"] = func(lon, lat, p, lead float64, member int) float64 {
		return 230 + 58*(p/1000) +
			5*math.Sin(lon*math.Pi/180)*math.Cos(lat*math.Pi/180) +
			0.3*float64(member) + 0.1*lead
	}
	s.fields3D["eastward_wind"] = func(lon, lat, p, lead float64, member int) float64 {
		return 10 + 15*math.Sin(2*lat*math.Pi/180) + 0.2*float64(member)
	}
	s.fields3D["northward_wind"] = func(lon, lat, p, lead float64, member int) float64 {
		return 5 * math.Cos(lon*math.Pi/90)
	}
	s.fields3D["upward_air_velocity"] = func(lon, lat, p, lead float64, member int) float64 {
		return 0.02 * math.Sin((lon+lat)*math.Pi/120)
	}
	s.fields3D["specific_humidity"] = func(lon, lat, p, lead float64, member int) float64 {
		return 0.012 * (p / 1000) * (p / 1000) *
			(0.8 + 0.2*math.Sin(lon*math.Pi/60))
	}
	// Accumulated since forecast start, monotonically increasing with
	// lead time.
	s.fields3D["lwe_thickness_of_precipitation_amount"] = func(lon, lat, p, lead float64, member int) float64 {
		rate := 0.001 * (1 + 0.5*math.Sin(lon*math.Pi/45) + 0.3*math.Cos(lat*math.Pi/60))
		if rate < 0 {
			rate = 0
		}
		return rate * lead
	}
	s.fields2D["skin_temperature"] = func(lon, lat, p, lead float64, member int) float64 {
		return 285 + 8*math.Cos(lat*math.Pi/90) + 0.5*float64(member) + 0.05*lead
	}
	return s, nil
}

func (s *ForecastSource) LocalKeys() []string {
	return []string{"VARIABLE", "LEVELTYPE", "INIT_TIME", "VALID_TIME", "MEMBER"}
}

func (s *ForecastSource) field(lt grid.LevelType, variable string) (fieldFunc, bool) {
	switch lt {
	case grid.PressureLevels3D:
		f, ok := s.fields3D[variable]
		return f, ok
	case grid.Surface2D:
		f, ok := s.fields2D[variable]
		return f, ok
	}
	return nil, false
}

func (s *ForecastSource) timesAvailable(initTime, validTime time.Time) bool {
	for _, it := range s.cfg.InitTimes {
		if !it.Equal(initTime) {
			continue
		}
		for _, vt := range s.cfg.validTimes(initTime) {
			if vt.Equal(validTime) {
				return true
			}
		}
	}
	return false
}

func (s *ForecastSource) Produce(ctx context.Context, r *request.Request) (memcache.Item, error) {
	variable := r.Value("VARIABLE")
	lt, ltOK := grid.ParseLevelType(r.Value("LEVELTYPE"))
	initTime, _ := r.TimeValue("INIT_TIME")
	validTime, _ := r.TimeValue("VALID_TIME")
	member, _ := r.IntValue("MEMBER")

	f, ok := s.field(lt, variable)
	if !ltOK || !ok || !s.timesAvailable(initTime, validTime) ||
		member < 0 || member >= s.cfg.Members {
		ctxlog.FromContext(ctx).Debug("no forecast data for request",
			"source", s.ID(), "request", r.Encode())
		return nil, nil
	}

	c := s.cfg
	nlev := len(c.PressureLevels)
	if lt == grid.Surface2D {
		nlev = 1
	}
	g := grid.New(lt, nlev, c.NumLats, c.NumLons)
	lons := make([]float64, c.NumLons)
	for i := range lons {
		lons[i] = c.WestLon + float64(i)*c.DeltaLon
	}
	lats := make([]float64, c.NumLats)
	for j := range lats {
		lats[j] = c.NorthLat - float64(j)*c.DeltaLat
	}
	g.SetLons(lons)
	g.SetLats(lats)
	if lt == grid.PressureLevels3D {
		g.SetLevels(c.PressureLevels)
	}
	g.SetMetadata(initTime, validTime, variable, member)

	lead := validTime.Sub(initTime).Hours()
	for k := 0; k < nlev; k++ {
		p := c.PressureLevels[len(c.PressureLevels)-1]
		if lt == grid.PressureLevels3D {
			p = c.PressureLevels[k]
		}
		for j := 0; j < c.NumLats; j++ {
			for i := 0; i < c.NumLons; i++ {
				g.SetValue(k, j, i, float32(f(lons[i], lats[j], p, lead, member)))
			}
		}
	}
	return g, nil
}

func (s *ForecastSource) TaskGraph(ctx context.Context, r *request.Request) (*pipeline.Task, error) {
	return pipeline.NewTask(s, r), nil
}

func (s *ForecastSource) AvailableLevelTypes() []grid.LevelType {
	return []grid.LevelType{grid.PressureLevels3D, grid.Surface2D}
}

func (s *ForecastSource) AvailableVariables(lt grid.LevelType) []string {
	var names []string
	switch lt {
	case grid.PressureLevels3D:
		for name := range s.fields3D {
			names = append(names, name)
		}
	case grid.Surface2D:
		for name := range s.fields2D {
			names = append(names, name)
		}
	}
	return names
}

func (s *ForecastSource) AvailableInitTimes(lt grid.LevelType, variable string) []time.Time {
	if _, ok := s.field(lt, variable); !ok {
		return nil
	}
	return s.cfg.InitTimes
}

func (s *ForecastSource) AvailableValidTimes(lt grid.LevelType, variable string, initTime time.Time) []time.Time {
	if _, ok := s.field(lt, variable); !ok {
		return nil
	}
	return s.cfg.validTimes(initTime)
}

func (s *ForecastSource) AvailableEnsembleMembers(lt grid.LevelType, variable string) []int {
	if _, ok := s.field(lt, variable); !ok {
		return nil
	}
	members := make([]int, s.cfg.Members)
	for i := range members {
		members[i] = i
	}
	return members
}
