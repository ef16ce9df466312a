package ingest

import (
	"regexp"
	"strings"
)

// Column name candidates, most specific first
var (
	keyCandidates       = []string{"ユニークキー", "key", "id"}
	coordCandidates     = []string{"規制場所の経度緯度", "経度緯度", "緯度経度", "座標", "coordinates", "coord"}
	shapeCandidates     = []string{"点・線・面コード", "点線面コード", "点・線・面", "geometry", "shape"}
	regulationCandidate = []string{"共通規制種別コード", "regulation"}
	directionCandidates = []string{"指定・禁止方向の別コード", "指定禁止方向別コード", "指定・禁止方向", "方向コード", "direction"}
)

// Columns holds the index of each special column, or -1 when absent
type Columns struct {
	Key         int
	Coordinates int
	Shape       int
	Regulation  int
	Direction   int
}

// DetectColumns finds the special columns of a header by case-insensitive
// substring match. Each header column is assigned at most once.
func DetectColumns(header []string) Columns {
	used := make(map[int]bool)
	find := func(candidates []string) int {
		for _, c := range candidates {
			c = strings.ToLower(c)
			for i, h := range header {
				if used[i] {
					continue
				}
				if strings.Contains(strings.ToLower(strings.TrimSpace(h)), c) {
					used[i] = true
					return i
				}
			}
		}
		return -1
	}

	// Most distinctive names first so "id" cannot claim a coordinate column
	cols := Columns{}
	cols.Coordinates = find(coordCandidates)
	cols.Regulation = find(regulationCandidate)
	cols.Direction = find(directionCandidates)
	cols.Shape = find(shapeCandidates)
	cols.Key = find(keyCandidates)
	return cols
}

var decimalPattern = regexp.MustCompile(`-?\d+\.\d+`)

// detectCoordinatesByContent picks the first column whose sample values
// look like ";"-separated decimal pairs
func detectCoordinatesByContent(rows [][]string, skip Columns) int {
	const samples = 5
	if len(rows) == 0 {
		return -1
	}
	for col := range rows[0] {
		if col == skip.Key || col == skip.Regulation || col == skip.Direction || col == skip.Shape {
			continue
		}
		for i := 0; i < len(rows) && i < samples; i++ {
			if col >= len(rows[i]) {
				continue
			}
			v := rows[i][col]
			if strings.Contains(v, ";") && decimalPattern.MatchString(v) {
				return col
			}
		}
	}
	return -1
}
