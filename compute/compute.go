// Package compute holds the stateless algorithms executed by the task processor.
package compute

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

// ErrInvalidInput is returned when the inputs violate an algorithm's preconditions.
var ErrInvalidInput = errors.New("invalid input")

// Number is any integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// SumArrays sorts a descending and b ascending, pairs elements by index and
// sums each pair. Equal pairs contribute 0. The result is sorted ascending.
func SumArrays[T Number](a, b []T) ([]T, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: arrays must have equal length, got %d and %d", ErrInvalidInput, len(a), len(b))
	}
	desc := slices.Clone(a)
	slices.SortFunc(desc, func(x, y T) int { return compareDesc(x, y) })
	asc := slices.Clone(b)
	slices.Sort(asc)

	out := make([]T, len(desc))
	for i := range desc {
		if desc[i] != asc[i] {
			out[i] = desc[i] + asc[i]
		}
	}
	slices.Sort(out)
	return out, nil
}

func compareDesc[T Number](x, y T) int {
	switch {
	case x > y:
		return -1
	case x < y:
		return 1
	}
	return 0
}

// Direction selects the sense of a quarter turn.
type Direction string

const (
	Clockwise        Direction = "clockwise"
	CounterClockwise Direction = "counterclockwise"
)

// ParseDirection maps a name to a Direction. The empty string means Clockwise.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Clockwise:
		return Clockwise, nil
	case CounterClockwise:
		return CounterClockwise, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, s)
}

// Dimensions returns rows and columns of a rectangular matrix.
// A matrix with rows must also have columns.
func Dimensions[T any](m [][]T) (rows, cols int, err error) {
	rows = len(m)
	if rows == 0 {
		return 0, 0, nil
	}
	cols = len(m[0])
	if cols == 0 {
		return 0, 0, fmt.Errorf("%w: %d rows without columns", ErrInvalidInput, rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return 0, 0, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInvalidInput, i, len(row), cols)
		}
	}
	return rows, cols, nil
}

// Rotate turns an R×C matrix a quarter turn, producing a C×R matrix.
func Rotate[T any](m [][]T, dir Direction) ([][]T, error) {
	r, c, err := Dimensions(m)
	if err != nil {
		return nil, err
	}
	if dir != Clockwise && dir != CounterClockwise {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, dir)
	}
	out := make([][]T, c)
	for j := range out {
		out[j] = make([]T, r)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if dir == Clockwise {
				out[j][r-1-i] = m[i][j]
			} else {
				out[c-1-j][i] = m[i][j]
			}
		}
	}
	return out, nil
}

// ReverseDigits reverses the decimal digits of a non-negative integer.
// It reports false for negative input or when the reversal overflows.
func ReverseDigits(x int64) (int64, bool) {
	if x < 0 {
		return 0, false
	}
	var r int64
	for x > 0 {
		d := x % 10
		if r > (math.MaxInt64-d)/10 {
			return 0, false
		}
		r = r*10 + d
		x /= 10
	}
	return r, true
}

// CommonNumbers returns the sorted, duplicate free members of a that appear
// in b either directly or with their decimal digits reversed.
func CommonNumbers(a, b []int64) []int64 {
	inB := make(map[int64]struct{}, len(b))
	for _, v := range b {
		inB[v] = struct{}{}
	}
	seen := make(map[int64]struct{})
	out := make([]int64, 0)
	for _, x := range a {
		if _, dup := seen[x]; dup {
			continue
		}
		_, ok := inB[x]
		if !ok {
			if rev, valid := ReverseDigits(x); valid {
				_, ok = inB[rev]
			}
		}
		if ok {
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	slices.Sort(out)
	return out
}

// MinMax returns the smallest and largest element of s. It reports false for an empty slice.
func MinMax[T constraints.Ordered](s []T) (lo, hi T, ok bool) {
	if len(s) == 0 {
		return lo, hi, false
	}
	return slices.Min(s), slices.Max(s), true
}
