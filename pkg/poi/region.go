package poi

import "time"

// Region is a rectangular geographic bounding box from the south-west
// corner to the north-east corner, in degrees.
type Region struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Valid reports whether the box is non-degenerate and inside the world.
// Antimeridian-crossing boxes are rejected; callers split them upstream.
func (r Region) Valid() bool {
	if r.South >= r.North || r.West >= r.East {
		return false
	}
	if r.South < -90 || r.North > 90 || r.West < -180 || r.East > 180 {
		return false
	}
	return true
}

// Contains reports whether other lies entirely within r, edges included.
func (r Region) Contains(other Region) bool {
	return other.South >= r.South && other.North <= r.North &&
		other.West >= r.West && other.East <= r.East
}

// ContainsPoint reports whether the coordinate falls inside r, inclusive.
func (r Region) ContainsPoint(lat, lon float64) bool {
	return lat >= r.South && lat <= r.North && lon >= r.West && lon <= r.East
}

// Expand grows the box around its midpoint by the given multiplier and
// clamps the result to world bounds. Fetching a slightly larger area than
// the viewport amortizes the next pan over the same neighbourhood.
func (r Region) Expand(multiplier float64) Region {
	if multiplier <= 1 {
		return r
	}
	midLat := (r.South + r.North) / 2
	midLon := (r.West + r.East) / 2
	halfLat := (r.North - r.South) / 2 * multiplier
	halfLon := (r.East - r.West) / 2 * multiplier

	out := Region{
		South: midLat - halfLat,
		West:  midLon - halfLon,
		North: midLat + halfLat,
		East:  midLon + halfLon,
	}
	if out.South < -90 {
		out.South = -90
	}
	if out.North > 90 {
		out.North = 90
	}
	if out.West < -180 {
		out.West = -180
	}
	if out.East > 180 {
		out.East = 180
	}
	return out
}

// Quadrants splits the box into four equal parts at its midpoint.
// Equal in degree space is good enough here: splitting only has to shrink
// result counts, not balance them.
func (r Region) Quadrants() [4]Region {
	midLat := (r.South + r.North) / 2
	midLon := (r.West + r.East) / 2
	return [4]Region{
		{South: r.South, West: r.West, North: midLat, East: midLon},
		{South: r.South, West: midLon, North: midLat, East: r.East},
		{South: midLat, West: r.West, North: r.North, East: midLon},
		{South: midLat, West: midLon, North: r.North, East: r.East},
	}
}

// CoveredRegion records a box whose query fully succeeded and when.
// Freshness policy lives with the caller; the record itself never expires.
type CoveredRegion struct {
	Region    Region    `json:"region"`
	FetchedAt time.Time `json:"fetchedAt"`
}
