package engine

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/Knetic/govaluate.v3"
)

var (
	rangeRefPattern = regexp.MustCompile(`\b([A-Z]+[0-9]+):([A-Z]+[0-9]+)\b`)

	errCycle = errors.New("circular reference")
)

// functions available in formulas, by upper case name.
var functions = map[string]govaluate.ExpressionFunction{
	"SUM": func(args ...any) (any, error) {
		sum := 0.0
		for _, n := range numbers(args) {
			sum += n
		}
		return sum, nil
	},
	"AVERAGE": func(args ...any) (any, error) {
		ns := numbers(args)
		if len(ns) == 0 {
			return nil, errors.New("AVERAGE of no numbers")
		}
		sum := 0.0
		for _, n := range ns {
			sum += n
		}
		return sum / float64(len(ns)), nil
	},
	"MIN": func(args ...any) (any, error) {
		ns := numbers(args)
		if len(ns) == 0 {
			return 0.0, nil
		}
		m := math.Inf(1)
		for _, n := range ns {
			m = math.Min(m, n)
		}
		return m, nil
	},
	"MAX": func(args ...any) (any, error) {
		ns := numbers(args)
		if len(ns) == 0 {
			return 0.0, nil
		}
		m := math.Inf(-1)
		for _, n := range ns {
			m = math.Max(m, n)
		}
		return m, nil
	},
	"COUNT": func(args ...any) (any, error) {
		return float64(len(numbers(args))), nil
	},
	"ABS": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("ABS takes one argument")
		}
		n, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("ABS of %v", args[0])
		}
		return math.Abs(n), nil
	},
	"IF": func(args ...any) (any, error) {
		if len(args) != 3 {
			return nil, errors.New("IF takes three arguments")
		}
		cond, ok := args[0].(bool)
		if !ok {
			return nil, fmt.Errorf("IF condition %v is not a boolean", args[0])
		}
		if cond {
			return args[1], nil
		}
		return args[2], nil
	},
}

// numbers flattens range arguments and keeps the numeric values.
func numbers(args []any) []float64 {
	var out []float64
	for _, a := range args {
		switch v := a.(type) {
		case float64:
			out = append(out, v)
		case []any:
			out = append(out, numbers(v)...)
		}
	}
	return out
}

// upperOutsideQuotes upper-cases s except inside quoted strings, so cell
// references and function names are case insensitive.
func upperOutsideQuotes(s string) string {
	var b strings.Builder
	var quote rune
	for _, ch := range s {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		default:
			ch = []rune(strings.ToUpper(string(ch)))[0]
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// compiled is a formula ready to evaluate against a grid.
type compiled struct {
	expr   *govaluate.EvaluableExpression
	ranges map[string]Range
}

func compile(raw string) (*compiled, error) {
	src := upperOutsideQuotes(strings.TrimPrefix(strings.TrimSpace(raw), "="))

	ranges := map[string]Range{}
	var rangeErr error
	src = rangeRefPattern.ReplaceAllStringFunc(src, func(ref string) string {
		r, err := ParseRange(ref)
		if err != nil {
			rangeErr = err
			return ref
		}
		name := "RANGE_" + strconv.Itoa(len(ranges))
		ranges[name] = r
		return name
	})
	if rangeErr != nil {
		return nil, rangeErr
	}

	expr, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
	if err != nil {
		return nil, err
	}
	return &compiled{expr: expr, ranges: ranges}, nil
}

// params resolves formula variables against the sheet being computed.
type params struct {
	c *computation
	f *compiled
}

func (p params) Get(name string) (any, error) {
	if r, ok := p.f.ranges[name]; ok {
		var out []any
		for row := r.TopRow; row <= r.BottomRow; row++ {
			for col := r.TopCol; col <= r.BottomCol; col++ {
				v, err := p.c.typed(row, col)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
		}
		return out, nil
	}
	switch name {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	}
	row, col, err := ParseCell(name)
	if err != nil {
		return nil, fmt.Errorf("unknown name %q", name)
	}
	return p.c.typed(row, col)
}

// typedValue converts a computed cell value for use in a formula. Empty
// cells count as zero.
func typedValue(s string) (any, error) {
	switch {
	case s == "":
		return 0.0, nil
	case s == ErrorValue:
		return nil, errors.New("reference to an erroneous cell")
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("non finite result %v", x)
		}
		return formatNumber(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		return x, nil
	}
	return "", fmt.Errorf("unsupported result %T", v)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
