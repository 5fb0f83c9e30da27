// Package cronexpr parses and matches 5-field cron expressions.
//
// Field order is minute, hour, day-of-month, month, day-of-week (0 = Sunday).
// Within a field the operators are checked in the order "/", "-", ",", so
// only one operator family applies per field in practice.
//
// Stepping ("base/step") keeps every element whose position in the parsed
// base list is divisible by step. It does not compare values modulo step:
// "1-10/3" yields [1 4 7 10].
package cronexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrFieldCount = errors.New("cron: expected 5 fields")
	ErrSyntax     = errors.New("cron: invalid field")
)

// Unit describes the value range of one cron field.
type Unit struct {
	Name string
	Min  int
	Max  int
}

var (
	Minute     = Unit{Name: "minute", Min: 0, Max: 59}
	Hour       = Unit{Name: "hour", Min: 0, Max: 23}
	DayOfMonth = Unit{Name: "day-of-month", Min: 1, Max: 31}
	Month      = Unit{Name: "month", Min: 1, Max: 12}
	DayOfWeek  = Unit{Name: "day-of-week", Min: 0, Max: 6}
)

// Units lists the fields in expression order.
var Units = [5]Unit{Minute, Hour, DayOfMonth, Month, DayOfWeek}

// ParseField parses one field into an ordered list of values.
//
// "*" expands to the whole unit range. Values outside the range are rejected
// with ErrSyntax, which also bounds the size of any range.
func ParseField(expr string, u Unit) ([]int, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, fmt.Errorf("%w: empty %s", ErrSyntax, u.Name)
	case expr == "*":
		out := make([]int, 0, u.Max-u.Min+1)
		for v := u.Min; v <= u.Max; v++ {
			out = append(out, v)
		}
		return out, nil
	case strings.Contains(expr, "/"):
		parts := strings.Split(expr, "/")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %s %q has more than one '/'", ErrSyntax, u.Name, expr)
		}
		step, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s step %q is not a number", ErrSyntax, u.Name, parts[1])
		}
		if step <= 0 {
			return nil, fmt.Errorf("%w: %s step must be positive in %q", ErrSyntax, u.Name, expr)
		}
		base, err := ParseField(parts[0], u)
		if err != nil {
			return nil, err
		}
		out := make([]int, 0, len(base)/step+1)
		for i, v := range base {
			if i%step == 0 {
				out = append(out, v)
			}
		}
		return out, nil
	case strings.Contains(expr, "-"):
		parts := strings.Split(expr, "-")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %s range %q", ErrSyntax, u.Name, expr)
		}
		lo, err := atoi(parts[0], u)
		if err != nil {
			return nil, err
		}
		hi, err := atoi(parts[1], u)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("%w: %s range %q is reversed", ErrSyntax, u.Name, expr)
		}
		out := make([]int, 0, hi-lo+1)
		for v := lo; v <= hi; v++ {
			out = append(out, v)
		}
		return out, nil
	case strings.Contains(expr, ","):
		parts := strings.Split(expr, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			v, err := atoi(p, u)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		v, err := atoi(expr, u)
		if err != nil {
			return nil, err
		}
		return []int{v}, nil
	}
}

// atoi parses one value of unit u and checks it against the unit range.
func atoi(s string, u Unit) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q is not a number", ErrSyntax, u.Name, s)
	}
	if v < u.Min || v > u.Max {
		return 0, fmt.Errorf("%w: %s value %d outside %d-%d", ErrSyntax, u.Name, v, u.Min, u.Max)
	}
	return v, nil
}

// field is one parsed cron field. any is set for "*".
type field struct {
	any    bool
	values map[int]struct{}
}

func (f field) has(v int) bool {
	if f.any {
		return true
	}
	_, ok := f.values[v]
	return ok
}

// Expr is a parsed cron expression.
type Expr struct {
	src    string
	fields [5]field
}

// Parse parses a 5-field expression.
func Parse(expr string) (Expr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Expr{}, fmt.Errorf("%w, got %d in %q", ErrFieldCount, len(parts), expr)
	}
	e := Expr{src: strings.Join(parts, " ")}
	for i, p := range parts {
		if p == "*" {
			e.fields[i] = field{any: true}
			continue
		}
		vals, err := ParseField(p, Units[i])
		if err != nil {
			return Expr{}, err
		}
		set := make(map[int]struct{}, len(vals))
		for _, v := range vals {
			set[v] = struct{}{}
		}
		e.fields[i] = field{values: set}
	}
	return e, nil
}

// MustParse is Parse for expressions known to be valid; it panics otherwise.
func MustParse(expr string) Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (e Expr) String() string { return e.src }

// Match reports whether t satisfies every field. Fields are read from t in
// its own location.
func (e Expr) Match(t time.Time) bool {
	return e.fields[0].has(t.Minute()) &&
		e.fields[1].has(t.Hour()) &&
		e.fields[2].has(t.Day()) &&
		e.fields[3].has(int(t.Month())) &&
		e.fields[4].has(int(t.Weekday()))
}

// Next returns the first whole minute strictly after 'after' that matches,
// scanning at most 'limit' ahead.
func (e Expr) Next(after time.Time, limit time.Duration) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	end := after.Add(limit)
	for !t.After(end) {
		if e.Match(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// Match parses expr and matches it against t. A parse error is returned
// with a false result; callers treat it as "no match".
func Match(expr string, t time.Time) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.Match(t), nil
}
