// README: Synthetic GPS routes for the simulator.
package main

import "campusride/internal/types"

const metersPerDegreeLat = 111195.0

// interpolate returns steps evenly spaced points after from, ending exactly at to.
func interpolate(from, to types.Point, steps int) []types.Point {
	if steps < 1 {
		steps = 1
	}
	out := make([]types.Point, 0, steps)
	for i := 1; i < steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, types.Point{
			Lat: from.Lat + (to.Lat-from.Lat)*f,
			Lng: from.Lng + (to.Lng-from.Lng)*f,
		})
	}
	return append(out, to)
}

func offsetNorth(p types.Point, meters float64) types.Point {
	return types.Point{Lat: p.Lat + meters/metersPerDegreeLat, Lng: p.Lng}
}
