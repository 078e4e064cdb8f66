// README: Coordinate value objects.
package types

// Point is an immutable latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate plus the human readable address it was resolved from.
type Place struct {
	Point   Point  `json:"point"`
	Address string `json:"address"`
}
