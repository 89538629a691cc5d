package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sheetmesh/version"
)

// Grid is the raw content of a spreadsheet.
type Grid struct {
	Rows    int
	Columns int
	Raw     [][]string
}

func (g Grid) raw(row, col int) string {
	if row < len(g.Raw) && col < len(g.Raw[row]) {
		return g.Raw[row][col]
	}
	return ""
}

// Resolver fetches the computed values of range r of the sheet at sheetURL
// and the versions the answer reflects.
type Resolver func(ctx context.Context, sheetURL string, r Range) ([][]string, version.Vector, error)

type cellState uint8

const (
	pending cellState = iota
	visiting
	done
)

type computation struct {
	grid   Grid
	values [][]string
	state  [][]cellState
	forms  map[[2]int]string
}

// Compute returns the values of every cell of g and the merged versions of
// all ranges imported through resolve. An imported range spills from its
// cell to the right and down, over cells whose raw value is empty.
func Compute(ctx context.Context, g Grid, resolve Resolver) ([][]string, version.Vector) {
	c := &computation{
		grid:   g,
		values: make([][]string, g.Rows),
		state:  make([][]cellState, g.Rows),
		forms:  map[[2]int]string{},
	}
	vv := version.Vector{}

	type importCell struct{ row, col int }
	var imports []importCell
	for row := 0; row < g.Rows; row++ {
		c.values[row] = make([]string, g.Columns)
		c.state[row] = make([]cellState, g.Columns)
		for col := 0; col < g.Columns; col++ {
			raw := g.raw(row, col)
			switch Classify(raw) {
			case Empty, Text:
				c.set(row, col, raw)
			case Boolean:
				c.set(row, col, strings.ToLower(raw))
			case Number:
				f, _ := strconv.ParseFloat(raw, 64)
				c.set(row, col, formatNumber(f))
			case Formula:
				c.forms[[2]int{row, col}] = raw
			case ImportRange:
				imports = append(imports, importCell{row, col})
			}
		}
	}

	for _, ic := range imports {
		sheetURL, r, ok := ParseImportRange(g.raw(ic.row, ic.col))
		if !ok || resolve == nil {
			c.set(ic.row, ic.col, ErrorValue)
			continue
		}
		vals, remote, err := resolve(ctx, sheetURL, r)
		vv.Merge(remote)
		if err != nil || len(vals) == 0 || len(vals[0]) == 0 {
			c.set(ic.row, ic.col, ErrorValue)
			continue
		}
		c.spill(ic.row, ic.col, vals)
	}

	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Columns; col++ {
			c.typed(row, col)
		}
	}
	return c.values, vv
}

func (c *computation) set(row, col int, v string) {
	c.values[row][col] = v
	c.state[row][col] = done
}

func (c *computation) spill(row0, col0 int, vals [][]string) {
	for i, line := range vals {
		for j, v := range line {
			row, col := row0+i, col0+j
			if row >= c.grid.Rows || col >= c.grid.Columns {
				continue
			}
			if (i != 0 || j != 0) && Classify(c.grid.raw(row, col)) != Empty {
				continue
			}
			c.set(row, col, v)
		}
	}
}

// typed computes cell (row, col) if needed and returns it as a formula
// operand.
func (c *computation) typed(row, col int) (any, error) {
	if row < 0 || col < 0 || row >= c.grid.Rows || col >= c.grid.Columns {
		return nil, fmt.Errorf("cell (%d, %d) is outside the sheet", row, col)
	}
	switch c.state[row][col] {
	case visiting:
		return nil, errCycle
	case pending:
		c.state[row][col] = visiting
		c.values[row][col] = c.evaluate(c.forms[[2]int{row, col}])
		c.state[row][col] = done
	}
	return typedValue(c.values[row][col])
}

func (c *computation) evaluate(raw string) string {
	f, err := compile(raw)
	if err != nil {
		return ErrorValue
	}
	v, err := f.expr.Eval(params{c: c, f: f})
	if err != nil {
		return ErrorValue
	}
	s, err := formatValue(v)
	if err != nil {
		return ErrorValue
	}
	return s
}
