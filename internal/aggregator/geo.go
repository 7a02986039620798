package aggregator

import (
	"math"
	"time"

	"github.com/benmeehan/location-agent/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two samples.
func Haversine(a, b models.LocationSample) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// AlignWindow returns the start of the resolution-sized window containing t.
// Windows are counted from the Unix epoch.
func AlignWindow(t time.Time, resolution time.Duration) time.Time {
	ns := t.UnixNano()
	res := int64(resolution)
	start := ns - ns%res
	if ns%res < 0 {
		start -= res
	}
	return time.Unix(0, start).UTC()
}

// AlignWindowEnd returns the smallest window boundary at or after t.
func AlignWindowEnd(t time.Time, resolution time.Duration) time.Time {
	start := AlignWindow(t, resolution)
	if start.Equal(t) {
		return start
	}
	return start.Add(resolution)
}
