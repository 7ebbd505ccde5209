package transit

import "slices"

// Topology holds the ordered stop keys of every route of one line, filed
// under the key of the route's last stop.
type Topology map[string][][]string

// AddRoute files an ordered stop sequence under its terminus.
func (t Topology) AddRoute(stops []string) {
	if len(stops) == 0 {
		return
	}
	terminus := stops[len(stops)-1]
	t[terminus] = append(t[terminus], stops)
}

// Reaches reports whether a vehicle leaving from and bound for terminus
// calls at target later on, on any route ending at terminus.
func (t Topology) Reaches(from, target, terminus string) bool {
	for _, route := range t[terminus] {
		i := slices.Index(route, from)
		j := slices.Index(route, target)
		if i >= 0 && j > i {
			return true
		}
	}
	return false
}
