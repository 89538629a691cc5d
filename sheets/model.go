// Package sheets serves the spreadsheets of a domain. Every replica applies
// the same ordered log of mutations to its own copy of the state; requests
// wait on a sync point for the log to catch up.
package sheets

import (
	"fmt"
	"slices"
	"strings"
)

// Discovery kind and RPC service name of sheets replicas.
const (
	ServiceKind = "sheets"
	ServiceName = "Sheets"
)

const urlScheme = "sheets://"

// Largest sheet a replica accepts.
const (
	MaxRows    = 10000
	MaxColumns = 1000
	MaxCells   = 1 << 20
)

// Spreadsheet is one sheet. SharedWith holds "user@domain" entries, sorted.
type Spreadsheet struct {
	SheetID    string     `json:"sheetId" msgpack:"sheetId"`
	Owner      string     `json:"owner" msgpack:"owner" validate:"required"`
	SheetURL   string     `json:"sheetURL" msgpack:"sheetURL"`
	Rows       int        `json:"rows" msgpack:"rows" validate:"gt=0,lte=10000"`
	Columns    int        `json:"columns" msgpack:"columns" validate:"gt=0,lte=1000"`
	SharedWith []string   `json:"sharedWith" msgpack:"sharedWith"`
	RawValues  [][]string `json:"rawValues" msgpack:"rawValues"`
}

// SheetURL returns the URL importrange formulas use for a sheet.
func SheetURL(domain, sheetID string) string {
	return urlScheme + domain + "/" + sheetID
}

// ParseSheetURL splits "sheets://<domain>/<sheetId>".
func ParseSheetURL(u string) (domain, sheetID string, err error) {
	rest, ok := strings.CutPrefix(u, urlScheme)
	if !ok {
		return "", "", fmt.Errorf("sheet url %q: want %s<domain>/<sheetId>", u, urlScheme)
	}
	domain, sheetID, ok = strings.Cut(rest, "/")
	if !ok || domain == "" || sheetID == "" || strings.Contains(sheetID, "/") {
		return "", "", fmt.Errorf("sheet url %q: want %s<domain>/<sheetId>", u, urlScheme)
	}
	return domain, sheetID, nil
}

// QualifiedUser is how users of domain appear in SharedWith.
func QualifiedUser(userID, domain string) string {
	return userID + "@" + domain
}

func (s *Spreadsheet) clone() *Spreadsheet {
	c := *s
	c.SharedWith = slices.Clone(s.SharedWith)
	c.RawValues = make([][]string, len(s.RawValues))
	for i, row := range s.RawValues {
		c.RawValues[i] = slices.Clone(row)
	}
	return &c
}

func (s *Spreadsheet) sharedWith(qualified string) bool {
	_, found := slices.BinarySearch(s.SharedWith, qualified)
	return found
}

// share adds qualified and reports whether it was missing.
func (s *Spreadsheet) share(qualified string) bool {
	i, found := slices.BinarySearch(s.SharedWith, qualified)
	if found {
		return false
	}
	s.SharedWith = slices.Insert(s.SharedWith, i, qualified)
	return true
}

// unshare removes qualified and reports whether it was present.
func (s *Spreadsheet) unshare(qualified string) bool {
	i, found := slices.BinarySearch(s.SharedWith, qualified)
	if !found {
		return false
	}
	s.SharedWith = slices.Delete(s.SharedWith, i, i+1)
	return true
}

// checkShape bounds the size of s and requires its raw values to fit in
// it.
func checkShape(s *Spreadsheet) error {
	if s.Rows <= 0 || s.Columns <= 0 || s.Rows > MaxRows || s.Columns > MaxColumns {
		return fmt.Errorf("sheet of %dx%d cells: want 1 to %d rows and 1 to %d columns", s.Rows, s.Columns, MaxRows, MaxColumns)
	}
	if s.Rows > MaxCells/s.Columns {
		return fmt.Errorf("sheet of %dx%d cells is larger than %d cells", s.Rows, s.Columns, MaxCells)
	}
	if len(s.RawValues) > s.Rows {
		return fmt.Errorf("%d rows of values for a sheet of %d rows", len(s.RawValues), s.Rows)
	}
	for i, row := range s.RawValues {
		if len(row) > s.Columns {
			return fmt.Errorf("row %d has %d values for a sheet of %d columns", i+1, len(row), s.Columns)
		}
	}
	return nil
}

// emptyGrid returns rows x columns cells, filled from raw where it has
// values. raw must pass checkShape.
func emptyGrid(rows, columns int, raw [][]string) [][]string {
	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, columns)
		if i < len(raw) {
			copy(grid[i], raw[i])
		}
	}
	return grid
}
