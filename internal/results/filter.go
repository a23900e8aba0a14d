package results

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type numericOp string

const (
	opGT numericOp = ">"
	opGE numericOp = ">="
	opLT numericOp = "<"
	opLE numericOp = "<="
	opEQ numericOp = "="
)

type filter struct {
	field string
	raw   string

	numeric bool
	op      numericOp
	operand float64
}

// compileFilters drops empty filter values and pre-parses numeric conditions.
// The returned map echoes the filters that were applied.
func compileFilters(in map[string]string) ([]filter, map[string]string) {
	applied := make(map[string]string, len(in))
	out := make([]filter, 0, len(in))
	for field, raw := range in {
		field = strings.TrimSpace(field)
		raw = strings.TrimSpace(raw)
		if field == "" || raw == "" {
			continue
		}
		f := filter{field: field, raw: raw}
		f.op, f.operand, f.numeric = parseNumericCondition(raw)
		out = append(out, f)
		applied[field] = raw
	}
	return out, applied
}

func parseNumericCondition(raw string) (numericOp, float64, bool) {
	op := opEQ
	rest := raw
	for _, candidate := range []numericOp{opGE, opLE, opGT, opLT, opEQ} {
		if strings.HasPrefix(raw, string(candidate)) {
			op = candidate
			rest = strings.TrimSpace(raw[len(candidate):])
			break
		}
	}
	n, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return "", 0, false
	}
	return op, n, true
}

func matchesAll(r Record, filters []filter) bool {
	for _, f := range filters {
		if !f.matches(r[f.field]) {
			return false
		}
	}
	return true
}

// matches dispatches on the type of the record value: strings use a
// case-sensitive substring test, numbers a comparison operator, booleans
// equality and lists membership.
func (f filter) matches(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(val, f.raw)
	case bool:
		b, err := strconv.ParseBool(f.raw)
		return err == nil && b == val
	case []string:
		for _, item := range val {
			if item == f.raw {
				return true
			}
		}
		return false
	case []any:
		for _, item := range val {
			if fmt.Sprint(item) == f.raw {
				return true
			}
			if n, ok := toFloat(item); ok && f.numeric && f.op == opEQ && n == f.operand {
				return true
			}
		}
		return false
	case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
		n, _ := toFloat(val)
		return f.compare(n)
	default:
		return false
	}
}

func (f filter) compare(n float64) bool {
	if !f.numeric {
		return false
	}
	switch f.op {
	case opGT:
		return n > f.operand
	case opGE:
		return n >= f.operand
	case opLT:
		return n < f.operand
	case opLE:
		return n <= f.operand
	default:
		return n == f.operand
	}
}
