package eta

// DefaultSpeedMps is roughly 28.8 km/h, a typical city speed.
const DefaultSpeedMps = 8.0

// EstimateSeconds is a naive pickup ETA: straight-line distance over a
// constant speed. It is advisory only and never affects matching.
func EstimateSeconds(distanceKm, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	if distanceKm <= 0 {
		return 0
	}
	return distanceKm * 1000 / speedMps
}
