// Package thermo holds the scalar meteorological routines used by the
// derived-variable processors. All temperatures are in K, pressures in Pa
// unless a suffix says otherwise, specific humidity in kg/kg.
package thermo

import "math"

// Physical constants (dry air).
const (
	GasConstantDryAir       = 287.058 // J K^-1 kg^-1
	SpecificHeatDryAirConstP = 1004.0 // J K^-1 kg^-1
	GravityAcceleration     = 9.80665 // m s^-2
	EarthRadiusKm           = 6371.0  // km

	// Ratio of the gas constants of dry air and water vapor.
	epsilon = 0.622
)

// WindSpeed returns the magnitude of the horizontal wind vector (m/s).
func WindSpeed(u, v float64) float64 {
	return math.Hypot(u, v)
}

// WindSpeed3D returns the magnitude of the full 3D wind vector (m/s).
func WindSpeed3D(u, v, w float64) float64 {
	return math.Sqrt(u*u + v*v + w*w)
}

// PotentialTemperature returns theta for temperature tK at pressure pPa,
// referenced to 1000 hPa.
func PotentialTemperature(tK, pPa float64) float64 {
	return tK * math.Pow(100000.0/pPa, GasConstantDryAir/SpecificHeatDryAirConstP)
}

// MixingRatio converts specific humidity to water vapor mixing ratio
// (kg/kg).
func MixingRatio(qKgKg float64) float64 {
	return qKgKg / (1.0 - qKgKg)
}

// VaporPressure returns the partial pressure of water vapor (Pa) for
// specific humidity qKgKg at total pressure pPa.
func VaporPressure(pPa, qKgKg float64) float64 {
	r := MixingRatio(qKgKg)
	return pPa * r / (epsilon + r)
}

// DewPointBolton returns the dew point temperature (K) from pressure and
// specific humidity, inverting the saturation vapor pressure formula of
// Bolton (1980), eq. 10.
func DewPointBolton(pPa, qKgKg float64) float64 {
	eHPa := VaporPressure(pPa, qKgKg) / 100.0
	if eHPa <= 0 {
		return math.NaN()
	}
	lnE := math.Log(eHPa / 6.112)
	return 243.5*lnE/(17.67-lnE) + 273.15
}

// EquivalentPotentialTemperatureBolton returns theta-e (K) after Bolton
// (1980): LCL temperature from eq. 21, theta-e from eq. 43.
func EquivalentPotentialTemperatureBolton(tK, pPa, qKgKg float64) float64 {
	r := MixingRatio(qKgKg)
	ePa := VaporPressure(pPa, qKgKg)
	if ePa <= 0 {
		// Dry limit: theta-e collapses to theta.
		return PotentialTemperature(tK, pPa)
	}

	// Temperature at the lifting condensation level, Bolton eq. 21.
	tL := 2840.0/(3.5*math.Log(tK)-math.Log(ePa/100.0)-4.805) + 55.0

	// Bolton eq. 43, with p in hPa and r in kg/kg.
	pHPa := pPa / 100.0
	return tK * math.Pow(1000.0/pHPa, 0.2854*(1.0-0.28*r)) *
		math.Exp((3.376/tL-0.00254)*1000.0*r*(1.0+0.81*r))
}

// VirtualTemperature returns the virtual temperature (K) for temperature
// tK and specific humidity qKgKg.
func VirtualTemperature(tK, qKgKg float64) float64 {
	return tK * (qKgKg + epsilon*(1.0-qKgKg)) / epsilon
}

// DegreesToRadians converts an angle in degrees to radians.
func DegreesToRadians(deg float64) float64 { return deg * math.Pi / 180.0 }

// GreatCircleDistanceKm returns the great-circle distance between two
// lon/lat points (degrees) on a sphere with Earth's mean radius.
func GreatCircleDistanceKm(lon1, lat1, lon2, lat2 float64) float64 {
	la1 := DegreesToRadians(lat1)
	la2 := DegreesToRadians(lat2)
	dLat := la2 - la1
	dLon := DegreesToRadians(lon2 - lon1)
	h := haversin(dLat) + math.Cos(la1)*math.Cos(la2)*haversin(dLon)
	return 2.0 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func haversin(rad float64) float64 {
	s := math.Sin(rad / 2.0)
	return s * s
}
