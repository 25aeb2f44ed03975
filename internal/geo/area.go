// Package geo parses subscription areas and tests event geometries against them.
package geo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Geometry errors.
var (
	ErrInvalidWKT          = errors.New("invalid WKT geometry")
	ErrUnsupportedGeometry = errors.New("area geometry must be a POLYGON or MULTIPOLYGON")
	ErrEmptyGeometry       = errors.New("geometry is empty")
)

// Area is a polygonal region parsed from WKT. Coordinates are lon/lat.
type Area struct {
	polygons orb.MultiPolygon
	bound    orb.Bound
}

// ParseArea parses a POLYGON or MULTIPOLYGON WKT string.
func ParseArea(s string) (*Area, error) {
	g, err := ParseGeometry(s)
	if err != nil {
		return nil, err
	}

	var mp orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		mp = v
	default:
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedGeometry, g.GeoJSONType())
	}

	for _, p := range mp {
		if len(p) == 0 || len(p[0]) < 4 {
			return nil, fmt.Errorf("%w: polygon ring needs at least 4 points", ErrInvalidWKT)
		}
	}

	return &Area{polygons: mp, bound: mp.Bound()}, nil
}

// ParseGeometry parses any WKT geometry.
func ParseGeometry(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyGeometry
	}

	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWKT, err)
	}
	return g, nil
}

// Contains reports whether the point at lat/lon lies inside the area.
func (a *Area) Contains(lat, lon float64) bool {
	p := orb.Point{lon, lat}
	if !a.bound.Contains(p) {
		return false
	}
	return planar.MultiPolygonContains(a.polygons, p)
}

// Intersects reports whether g touches the area. Vertices are tested for
// containment and edges for crossings with the area rings, so a track that
// passes straight through an area matches. Polygons also match when they
// enclose an area vertex.
func (a *Area) Intersects(g orb.Geometry) bool {
	if g == nil || !a.bound.Intersects(g.Bound()) {
		return false
	}

	switch v := g.(type) {
	case orb.Point:
		return a.containsPoint(v)
	case orb.MultiPoint:
		return a.anyPoint(v)
	case orb.LineString:
		return a.intersectsPath(v)
	case orb.MultiLineString:
		for _, ls := range v {
			if a.intersectsPath(ls) {
				return true
			}
		}
		return false
	case orb.Ring:
		return a.intersectsPolygon(orb.Polygon{v})
	case orb.Polygon:
		return a.intersectsPolygon(v)
	case orb.MultiPolygon:
		for _, p := range v {
			if a.intersectsPolygon(p) {
				return true
			}
		}
		return false
	case orb.Collection:
		for _, c := range v {
			if a.Intersects(c) {
				return true
			}
		}
		return false
	case orb.Bound:
		return a.intersectsPolygon(v.ToPolygon())
	default:
		return false
	}
}

// WKT returns the area as MULTIPOLYGON WKT.
func (a *Area) WKT() string {
	return wkt.MarshalString(a.polygons)
}

// Bound returns the bounding box of the area.
func (a *Area) Bound() orb.Bound {
	return a.bound
}

func (a *Area) containsPoint(p orb.Point) bool {
	return a.bound.Contains(p) && planar.MultiPolygonContains(a.polygons, p)
}

func (a *Area) anyPoint(points []orb.Point) bool {
	for _, p := range points {
		if a.containsPoint(p) {
			return true
		}
	}
	return false
}

// intersectsPath tests a polyline: a vertex inside, or an edge crossing
// any ring of the area, holes included.
func (a *Area) intersectsPath(path []orb.Point) bool {
	if a.anyPoint(path) {
		return true
	}
	for i := 1; i < len(path); i++ {
		if a.crosses(path[i-1], path[i]) {
			return true
		}
	}
	return false
}

func (a *Area) crosses(p1, p2 orb.Point) bool {
	seg := orb.Bound{Min: p1, Max: p1}.Extend(p2)
	if !a.bound.Intersects(seg) {
		return false
	}
	for _, poly := range a.polygons {
		for _, ring := range poly {
			for i := 1; i < len(ring); i++ {
				if segmentsIntersect(p1, p2, ring[i-1], ring[i]) {
					return true
				}
			}
		}
	}
	return false
}

func (a *Area) intersectsPolygon(p orb.Polygon) bool {
	if len(p) == 0 {
		return false
	}
	if a.intersectsPath(p[0]) {
		return true
	}
	for _, own := range a.polygons {
		if len(own) == 0 {
			continue
		}
		for _, vertex := range own[0] {
			if planar.PolygonContains(p, vertex) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments p1p2 and q1q2 share a point,
// touching and collinear overlap included.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// orientation is the sign of the cross product (b-a) x (c-a).
func orientation(a, b, c orb.Point) int {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment assumes c is collinear with ab.
func onSegment(a, b, c orb.Point) bool {
	return min(a[0], b[0]) <= c[0] && c[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= c[1] && c[1] <= max(a[1], b[1])
}

// Union merges the polygons of every area into a single MULTIPOLYGON WKT.
// Overlapping polygons are kept as separate members.
func Union(areas ...*Area) (string, error) {
	var mp orb.MultiPolygon
	for _, a := range areas {
		if a == nil {
			continue
		}
		mp = append(mp, a.polygons...)
	}
	if len(mp) == 0 {
		return "", ErrEmptyGeometry
	}
	return wkt.MarshalString(mp), nil
}

// DistanceMeters returns the haversine distance between two lat/lon points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}
