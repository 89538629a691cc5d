package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a raw cell value.
type Kind int

const (
	Empty Kind = iota
	Boolean
	Number
	ImportRange
	Text
	Formula
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "EMPTY"
	case Boolean:
		return "BOOLEAN"
	case Number:
		return "NUMBER"
	case ImportRange:
		return "IMPORTRANGE"
	case Text:
		return "TEXT"
	case Formula:
		return "FORMULA"
	}
	return "UNKNOWN"
}

const importRangePrefix = "=importrange"

var importRangePattern = regexp.MustCompile(`(?i)^=importrange\(\s*"([^"]+)"\s*,\s*"([A-Za-z]+[0-9]+:[A-Za-z]+[0-9]+)"\s*\)$`)

// Classify returns the kind of a raw cell value.
func Classify(raw string) Kind {
	if raw == "" {
		return Empty
	}
	lower := strings.ToLower(raw)
	if lower[0] == '=' {
		if strings.HasPrefix(lower, importRangePrefix) {
			return ImportRange
		}
		return Formula
	}
	if lower == "true" || lower == "false" {
		return Boolean
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return Number
	}
	return Text
}

// ParseImportRange extracts the sheet URL and range of an importrange cell.
func ParseImportRange(raw string) (sheetURL string, r Range, ok bool) {
	m := importRangePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", Range{}, false
	}
	r, err := ParseRange(m[2])
	if err != nil {
		return "", Range{}, false
	}
	return m[1], r, true
}
