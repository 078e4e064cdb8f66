// README: Pure geographic helpers: great-circle distance, coordinate validation, proximity sort.
package location

import (
	"math"
	"sort"

	"campusride/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceMeters returns the great-circle distance between a and b in meters.
// NaN inputs propagate to the result.
func DistanceMeters(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng) * 1000
}

// DistanceKm is DistanceMeters in kilometres.
func DistanceKm(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ValidPoint reports whether p is a finite coordinate within ±90 / ±180.
func ValidPoint(p types.Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// SortByDistance stably orders items by the distance the accessor reports. Each distance is
// computed once.
func SortByDistance[T any](items []T, dist func(T) float64) {
	scored := make([]ranked[T], len(items))
	for i, it := range items {
		scored[i] = ranked[T]{item: it, dist: dist(it)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })
	for i := range scored {
		items[i] = scored[i].item
	}
}

// Nearest returns at most n items with the smallest distances, nearest first, in a single
// pass over items. Ties keep input order.
func Nearest[T any](items []T, n int, dist func(T) float64) []T {
	if n <= 0 {
		return nil
	}
	top := make([]ranked[T], 0, n)
	for _, it := range items {
		d := dist(it)
		if len(top) == n && d >= top[n-1].dist {
			continue
		}
		i := len(top)
		if i < n {
			top = append(top, ranked[T]{})
		} else {
			i = n - 1
		}
		for i > 0 && top[i-1].dist > d {
			top[i] = top[i-1]
			i--
		}
		top[i] = ranked[T]{item: it, dist: d}
	}
	out := make([]T, len(top))
	for i, r := range top {
		out[i] = r.item
	}
	return out
}

type ranked[T any] struct {
	item T
	dist float64
}
