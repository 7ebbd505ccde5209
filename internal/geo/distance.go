package geo

import "math"

const earthRadiusMeters = 6_371_000

// Haversine returns the great-circle distance in meters between two lat/lon points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// BoundingBoxRadius returns the approximate degree offset for a given radius in meters
// at the specified latitude. Returns (latDeg, lonDeg).
func BoundingBoxRadius(lat, radiusMeters float64) (latDeg, lonDeg float64) {
	latDeg = radiusMeters / earthRadiusMeters * (180 / math.Pi)
	lonDeg = latDeg / math.Cos(toRad(lat))
	return latDeg, lonDeg
}

// Box is a lat/lon rectangle used to prefilter candidates before the
// exact Haversine check.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoxAround returns the box enclosing the circle of radiusMeters around
// a point.
func BoxAround(lat, lon, radiusMeters float64) Box {
	latDeg, lonDeg := BoundingBoxRadius(lat, radiusMeters)
	return Box{
		MinLat: lat - latDeg, MaxLat: lat + latDeg,
		MinLon: lon - lonDeg, MaxLon: lon + lonDeg,
	}
}

// Contains reports whether a point lies in the box, edges included.
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
