package engine

import (
	"fmt"
	"strings"
)

// Range is a rectangle of cells, both corners included.
type Range struct {
	TopRow, TopCol       int
	BottomRow, BottomCol int
}

// ParseRange parses "A1:C3". The corners may be given in any order.
func ParseRange(s string) (Range, error) {
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		return Range{}, fmt.Errorf("invalid range %q", s)
	}
	r1, c1, err := ParseCell(from)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	r2, c2, err := ParseCell(to)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return Range{
		TopRow: min(r1, r2), TopCol: min(c1, c2),
		BottomRow: max(r1, r2), BottomCol: max(c1, c2),
	}, nil
}

func (r Range) Rows() int { return r.BottomRow - r.TopRow + 1 }

func (r Range) Cols() int { return r.BottomCol - r.TopCol + 1 }

func (r Range) String() string {
	return CellID(r.TopRow, r.TopCol) + ":" + CellID(r.BottomRow, r.BottomCol)
}

// Extract copies the part of values covered by r. Cells outside values
// read as ErrorValue.
func (r Range) Extract(values [][]string) [][]string {
	out := make([][]string, r.Rows())
	for i := range out {
		out[i] = make([]string, r.Cols())
		for j := range out[i] {
			row, col := r.TopRow+i, r.TopCol+j
			if row < len(values) && col < len(values[row]) {
				out[i][j] = values[row][col]
			} else {
				out[i][j] = ErrorValue
			}
		}
	}
	return out
}
