package ingest

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// ParseCoordinates parses "lon lat;lon lat;..." into points. Pairs may be
// separated by whitespace or a comma; unparseable pairs are dropped.
// Consecutive duplicate points are removed unless keepDuplicates is set.
func ParseCoordinates(s string, keepDuplicates bool) []orb.Point {
	var pts []orb.Point
	for _, pair := range strings.Split(s, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		p, ok := parsePair(pair)
		if !ok {
			continue
		}
		if !keepDuplicates && len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	return pts
}

// parsePair tries decimal literals first, then whitespace and comma
// separated numbers. The first value is the longitude.
func parsePair(pair string) (orb.Point, bool) {
	if m := decimalPattern.FindAllString(pair, 2); len(m) == 2 {
		if p, ok := point(m); ok {
			return p, true
		}
	}
	if p, ok := point(numbers(strings.Fields(pair))); ok {
		return p, true
	}
	return point(numbers(strings.Split(pair, ",")))
}

func numbers(parts []string) []string {
	var out []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if _, err := strconv.ParseFloat(part, 64); err == nil {
			out = append(out, part)
		}
	}
	return out
}

func point(vals []string) (orb.Point, bool) {
	if len(vals) < 2 {
		return orb.Point{}, false
	}
	lon, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return orb.Point{}, false
	}
	lat, err := strconv.ParseFloat(vals[1], 64)
	if err != nil {
		return orb.Point{}, false
	}
	return orb.Point{lon, lat}, true
}
