package derived

import (
	"fmt"

	"github.com/atmopipe/atmopipe/internal/grid"
	"github.com/atmopipe/atmopipe/internal/thermo"
)

func standardProcessors() []Processor {
	return []Processor{
		windSpeedProcessor{},
		windSpeed3DProcessor{},
		potentialTemperatureProcessor{},
		equivalentPotentialTemperatureProcessor{},
		dewPointProcessor{},
		pressureProcessor{},
		hourlyPrecipitationProcessor{hours: 1},
		hourlyPrecipitationProcessor{hours: 3},
		hourlyPrecipitationProcessor{hours: 6},
	}
}

// value reads one input grid, treating a nil grid as all-missing.
func value(g *grid.Grid, n int) float32 {
	if g == nil {
		return grid.MissingValue
	}
	return g.ValueAt(n)
}

// windSpeedProcessor computes the horizontal wind magnitude.
type windSpeedProcessor struct{}

func (windSpeedProcessor) StandardName() string { return "wind_speed" }

func (windSpeedProcessor) RequiredInputVariables() []string {
	return []string{"eastward_wind", "northward_wind"}
}

func (windSpeedProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	for n := 0; n < out.NumValues(); n++ {
		u := value(inputs[0], n)
		v := value(inputs[1], n)
		if grid.IsMissing(u) || grid.IsMissing(v) {
			out.SetValueAt(n, grid.MissingValue)
			continue
		}
		out.SetValueAt(n, float32(thermo.WindSpeed(float64(u), float64(v))))
	}
}

// windSpeed3DProcessor includes the vertical wind component.
type windSpeed3DProcessor struct{}

func (windSpeed3DProcessor) StandardName() string { return "magnitude_of_air_velocity" }

func (windSpeed3DProcessor) RequiredInputVariables() []string {
	return []string{"eastward_wind", "northward_wind", "upward_air_velocity"}
}

func (windSpeed3DProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	for n := 0; n < out.NumValues(); n++ {
		u := value(inputs[0], n)
		v := value(inputs[1], n)
		w := value(inputs[2], n)
		if grid.IsMissing(u) || grid.IsMissing(v) || grid.IsMissing(w) {
			out.SetValueAt(n, grid.MissingValue)
			continue
		}
		out.SetValueAt(n, float32(thermo.WindSpeed3D(float64(u), float64(v), float64(w))))
	}
}

// potentialTemperatureProcessor derives theta from temperature and the
// grid's own pressure field.
type potentialTemperatureProcessor struct{}

func (potentialTemperatureProcessor) StandardName() string { return "air_potential_temperature" }

func (potentialTemperatureProcessor) RequiredInputVariables() []string {
	return []string{"air_temperature"}
}

func (potentialTemperatureProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	t := inputs[0]
	for k := 0; k < out.NumLevels(); k++ {
		for j := 0; j < out.NumLats(); j++ {
			for i := 0; i < out.NumLons(); i++ {
				tK := t.Value(k, j, i)
				p := t.Pressure(k, j, i)
				if grid.IsMissing(tK) || grid.IsMissing(p) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				out.SetValue(k, j, i,
					float32(thermo.PotentialTemperature(float64(tK), float64(p)*100)))
			}
		}
	}
}

// equivalentPotentialTemperatureProcessor derives theta-e per Bolton.
type equivalentPotentialTemperatureProcessor struct{}

func (equivalentPotentialTemperatureProcessor) StandardName() string {
	return "equivalent_potential_temperature"
}

func (equivalentPotentialTemperatureProcessor) RequiredInputVariables() []string {
	return []string{"air_temperature", "specific_humidity"}
}

func (equivalentPotentialTemperatureProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	t := inputs[0]
	for k := 0; k < out.NumLevels(); k++ {
		for j := 0; j < out.NumLats(); j++ {
			for i := 0; i < out.NumLons(); i++ {
				tK := t.Value(k, j, i)
				q := value3(inputs, 1, t, k, j, i)
				p := t.Pressure(k, j, i)
				if grid.IsMissing(tK) || grid.IsMissing(q) || grid.IsMissing(p) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				out.SetValue(k, j, i, float32(thermo.EquivalentPotentialTemperatureBolton(
					float64(tK), float64(p)*100, float64(q))))
			}
		}
	}
}

// dewPointProcessor derives the dew point temperature per Bolton.
type dewPointProcessor struct{}

func (dewPointProcessor) StandardName() string { return "dew_point_temperature" }

func (dewPointProcessor) RequiredInputVariables() []string {
	return []string{"specific_humidity"}
}

func (dewPointProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	q := inputs[0]
	for k := 0; k < out.NumLevels(); k++ {
		for j := 0; j < out.NumLats(); j++ {
			for i := 0; i < out.NumLons(); i++ {
				qv := q.Value(k, j, i)
				p := q.Pressure(k, j, i)
				if grid.IsMissing(qv) || grid.IsMissing(p) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				out.SetValue(k, j, i,
					float32(thermo.DewPointBolton(float64(p)*100, float64(qv))))
			}
		}
	}
}

// pressureProcessor materializes the pressure field as a variable, in
// Pa. Temperature only contributes the grid geometry.
type pressureProcessor struct{}

func (pressureProcessor) StandardName() string { return "air_pressure" }

func (pressureProcessor) RequiredInputVariables() []string {
	return []string{"air_temperature"}
}

func (pressureProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	t := inputs[0]
	for k := 0; k < out.NumLevels(); k++ {
		for j := 0; j < out.NumLats(); j++ {
			for i := 0; i < out.NumLons(); i++ {
				p := t.Pressure(k, j, i)
				if grid.IsMissing(p) {
					out.SetValue(k, j, i, grid.MissingValue)
					continue
				}
				out.SetValue(k, j, i, p*100)
			}
		}
	}
}

// hourlyPrecipitationProcessor differences the accumulated precipitation
// field against its value the given number of hours earlier. The second
// input is fetched with a negative valid-time offset; near the start of
// the forecast it does not exist and the whole field is missing.
type hourlyPrecipitationProcessor struct {
	hours int
}

func (p hourlyPrecipitationProcessor) StandardName() string {
	return fmt.Sprintf("lwe_thickness_of_precipitation_amount_%dh", p.hours)
}

func (p hourlyPrecipitationProcessor) RequiredInputVariables() []string {
	return []string{
		"lwe_thickness_of_precipitation_amount",
		fmt.Sprintf("lwe_thickness_of_precipitation_amount///%d", -p.hours*3600),
	}
}

func (p hourlyPrecipitationProcessor) Compute(inputs []*grid.Grid, out *grid.Grid) {
	if inputs[1] == nil {
		out.Fill(grid.MissingValue)
		return
	}
	for n := 0; n < out.NumValues(); n++ {
		now := inputs[0].ValueAt(n)
		before := inputs[1].ValueAt(n)
		if grid.IsMissing(now) || grid.IsMissing(before) {
			out.SetValueAt(n, grid.MissingValue)
			continue
		}
		out.SetValueAt(n, now-before)
	}
}

// value3 reads input idx at (k,j,i), falling back to missing when the
// input slot is nil or its geometry differs from the reference grid.
func value3(inputs []*grid.Grid, idx int, ref *grid.Grid, k, j, i int) float32 {
	g := inputs[idx]
	if g == nil || g.NumValues() != ref.NumValues() {
		return grid.MissingValue
	}
	return g.Value(k, j, i)
}
