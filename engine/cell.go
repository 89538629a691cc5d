// Package engine computes the values of a spreadsheet from its raw cells.
//
// Raw cells hold text, numbers, booleans, formulas ("=A1+B2*2",
// "=SUM(A1:A3)") or imports of a range of another sheet
// ("=importrange(\"sheets://d2/<sheetId>\",\"A1:B2\")"). Anything that cannot
// be computed shows as ErrorValue.
package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorValue is shown for every cell that fails to compute.
const ErrorValue = "#ERROR?"

var cellPattern = regexp.MustCompile(`^([A-Za-z]+)([0-9]+)$`)

// ParseCell converts a cell id such as "B3" or "aa10" to zero based
// (row, col) indexes.
func ParseCell(id string) (row, col int, err error) {
	m := cellPattern.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid cell id %q", id)
	}
	for _, ch := range strings.ToUpper(m[1]) {
		col = col*26 + int(ch-'A'+1)
	}
	row, err = strconv.Atoi(m[2])
	if err != nil || row < 1 {
		return 0, 0, fmt.Errorf("invalid cell id %q", id)
	}
	return row - 1, col - 1, nil
}

// CellID is the inverse of ParseCell.
func CellID(row, col int) string {
	var letters []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		letters = append([]byte{byte('A' + (n-1)%26)}, letters...)
	}
	return string(letters) + strconv.Itoa(row+1)
}
