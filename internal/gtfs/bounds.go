package gtfs

// Contains reports whether the point lies inside b. All four edges are inclusive.
//
// This is the only bounds predicate in the module: REST snapshots and streamed
// updates both go through it so identical bounds give identical results.
func (b MapBounds) Contains(lat, lon float64) bool {
	return b.South <= lat && lat <= b.North && b.West <= lon && lon <= b.East
}

// FilterInBounds returns the positions of ps that lie inside b, in input order.
func FilterInBounds(ps []VehiclePosition, b MapBounds) []VehiclePosition {
	out := make([]VehiclePosition, 0, len(ps))
	for _, p := range ps {
		if b.Contains(p.Latitude, p.Longitude) {
			out = append(out, p)
		}
	}
	return out
}
