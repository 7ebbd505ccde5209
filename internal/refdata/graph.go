package refdata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"livestop/internal/geo"
	"livestop/internal/transit"
)

// Stop is a stop of one graph snapshot. Read-only once the graph is built.
type Stop struct {
	Key   string   `json:"key"`
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Lat   float64  `json:"lat"`
	Lon   float64  `json:"lon"`
	Town  string   `json:"town,omitempty"`
	Lines []string `json:"lines"` // line keys, sorted
}

// Line is a line of one graph snapshot. Read-only once the graph is built.
type Line struct {
	Key       string       `json:"key"`
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	ShortName string       `json:"short_name,omitempty"`
	Mode      transit.Mode `json:"mode"`
	Operator  string       `json:"operator,omitempty"`
	Stops     []string     `json:"-"` // stop keys, sorted
}

// Graph is an immutable snapshot of stops, lines and the relation between
// them. Stops and lines are indexed by canonical key (see transit.Key).
type Graph struct {
	Version   uint64
	FetchedAt time.Time

	stops    map[string]*Stop
	lines    map[string]*Line
	stopKeys []string
}

func emptyGraph() *Graph {
	return &Graph{stops: map[string]*Stop{}, lines: map[string]*Line{}}
}

// Stop looks a stop up by canonical key.
func (g *Graph) Stop(key string) (*Stop, bool) {
	s, ok := g.stops[key]
	return s, ok
}

// Line looks a line up by canonical key.
func (g *Graph) Line(key string) (*Line, bool) {
	l, ok := g.lines[key]
	return l, ok
}

// LinesServing returns the lines serving a stop, ordered by key.
func (g *Graph) LinesServing(stopKey string) []*Line {
	s, ok := g.stops[stopKey]
	if !ok {
		return nil
	}
	out := make([]*Line, 0, len(s.Lines))
	for _, k := range s.Lines {
		out = append(out, g.lines[k])
	}
	return out
}

// NumStops returns the number of stops in the snapshot.
func (g *Graph) NumStops() int { return len(g.stops) }

// NumLines returns the number of lines in the snapshot.
func (g *Graph) NumLines() int { return len(g.lines) }

// Empty reports whether no snapshot has been loaded yet.
func (g *Graph) Empty() bool { return len(g.stops) == 0 }

// NearbyStop is a stop with its distance from a query point.
type NearbyStop struct {
	*Stop
	DistanceMeters float64 `json:"distance_m"`
}

// StopsNear returns up to limit stops within radiusMeters of a point,
// closest first.
func (g *Graph) StopsNear(lat, lon, radiusMeters float64, limit int) []NearbyStop {
	box := geo.BoxAround(lat, lon, radiusMeters)

	var out []NearbyStop
	for _, k := range g.stopKeys {
		s := g.stops[k]
		if !box.Contains(s.Lat, s.Lon) {
			continue
		}
		d := geo.Haversine(lat, lon, s.Lat, s.Lon)
		if d <= radiusMeters {
			out = append(out, NearbyStop{Stop: s, DistanceMeters: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// builder accumulates a candidate graph and validates it on finish.
type builder struct {
	g         *Graph
	relations map[[2]string]bool // {stopKey, lineKey}
	problems  []string
}

func newBuilder(fetchedAt time.Time) *builder {
	g := emptyGraph()
	g.FetchedAt = fetchedAt
	return &builder{g: g, relations: make(map[[2]string]bool)}
}

func (b *builder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *builder) addLine(l *Line) {
	if l.Key == "" {
		b.fail("line %q has no usable key", l.ID)
		return
	}
	if _, dup := b.g.lines[l.Key]; dup {
		b.fail("duplicate line key %q", l.Key)
		return
	}
	b.g.lines[l.Key] = l
}

func (b *builder) addStop(s *Stop) {
	if s.Key == "" {
		b.fail("stop %q has no usable key", s.ID)
		return
	}
	if prev, dup := b.g.stops[s.Key]; dup {
		// The stop-line export repeats a stop once per serving line.
		if prev.Name != s.Name || prev.Lat != s.Lat || prev.Lon != s.Lon {
			b.fail("duplicate stop key %q", s.Key)
		}
		return
	}
	b.g.stops[s.Key] = s
}

func (b *builder) relate(stopKey, lineKey string) {
	b.relations[[2]string{stopKey, lineKey}] = true
}

// finish checks referential integrity and links stops to lines. Any
// problem rejects the whole candidate.
func (b *builder) finish() (*Graph, error) {
	if len(b.g.lines) == 0 {
		b.fail("no lines")
	}
	if len(b.g.stops) == 0 {
		b.fail("no stops")
	}

	dangling := 0
	for rel := range b.relations {
		s, okStop := b.g.stops[rel[0]]
		l, okLine := b.g.lines[rel[1]]
		if !okStop || !okLine {
			if dangling == 0 {
				b.fail("relation %s -> %s references a missing stop or line", rel[0], rel[1])
			}
			dangling++
			continue
		}
		s.Lines = append(s.Lines, l.Key)
		l.Stops = append(l.Stops, s.Key)
	}
	if dangling > 1 {
		b.fail("%d dangling relations in total", dangling)
	}

	if len(b.problems) > 0 {
		return nil, fmt.Errorf("%w: %s", transit.ErrMalformedData, strings.Join(b.problems, "; "))
	}

	for k, s := range b.g.stops {
		sort.Strings(s.Lines)
		b.g.stopKeys = append(b.g.stopKeys, k)
	}
	for _, l := range b.g.lines {
		sort.Strings(l.Stops)
	}
	sort.Strings(b.g.stopKeys)
	return b.g, nil
}

// BuildGraph builds and validates a candidate graph from decoded datasets.
// The returned graph has Version 0; the Store assigns versions on swap.
func BuildGraph(ds *Datasets) (*Graph, error) {
	b := newBuilder(ds.FetchedAt)

	for _, r := range ds.Lines {
		name := r.Name
		if name == "" {
			name = r.ShortName
		}
		b.addLine(&Line{
			Key:       transit.Key(r.ID),
			ID:        r.ID,
			Name:      name,
			ShortName: r.ShortName,
			Mode:      transit.ParseMode(r.TransportMode),
			Operator:  r.Operator,
		})
	}

	for _, r := range ds.Stops {
		lat, errLat := parseCoord(r.Lat)
		lon, errLon := parseCoord(r.Lon)
		if errLat != nil || errLon != nil {
			b.fail("stop %q has invalid position %q,%q", r.ID, r.Lat, r.Lon)
			continue
		}
		b.addStop(&Stop{
			Key:  transit.Key(r.ID),
			ID:   r.ID,
			Name: r.Name,
			Lat:  lat,
			Lon:  lon,
			Town: r.Town,
		})
	}

	for _, r := range ds.Relations {
		b.relate(transit.Key(r.StopID), transit.Key(r.LineID))
	}

	return b.finish()
}

// parseCoord accepts an empty value as 0 and a decimal comma.
func parseCoord(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}
