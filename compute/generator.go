package compute

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// MaxElements caps the number of values a single generate call may produce.
const MaxElements = 1_000_000

// Generator produces random integer data in the closed range [min, max].
type Generator interface {
	Array(size, min, max int) ([]int, error)
	Matrix(rows, cols, min, max int) ([][]int, error)
}

// RandGenerator is a Generator backed by math/rand/v2.
type RandGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandGenerator returns a generator seeded from the runtime's random source.
func NewRandGenerator() *RandGenerator {
	return &RandGenerator{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededGenerator returns a deterministic generator, mainly for tests.
func NewSeededGenerator(seed1, seed2 uint64) *RandGenerator {
	return &RandGenerator{rnd: rand.New(rand.NewPCG(seed1, seed2))}
}

func checkRange(count, min, max int) error {
	if count < 0 {
		return fmt.Errorf("%w: size must not be negative, got %d", ErrInvalidInput, count)
	}
	if count > MaxElements {
		return fmt.Errorf("%w: %d elements exceeds limit %d", ErrInvalidInput, count, MaxElements)
	}
	if min > max {
		return fmt.Errorf("%w: min_val %d greater than max_val %d", ErrInvalidInput, min, max)
	}
	return nil
}

func (g *RandGenerator) fill(dst []int, min, max int) {
	span := uint64(max-min) + 1
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range dst {
		// span wraps to 0 only for the full int range.
		if span == 0 {
			dst[i] = int(g.rnd.Uint64())
			continue
		}
		dst[i] = min + int(g.rnd.Uint64N(span))
	}
}

// Array returns size values drawn uniformly from [min, max].
func (g *RandGenerator) Array(size, min, max int) ([]int, error) {
	if err := checkRange(size, min, max); err != nil {
		return nil, err
	}
	out := make([]int, size)
	g.fill(out, min, max)
	return out, nil
}

// Matrix returns a rows×cols matrix of values drawn uniformly from [min, max].
func (g *RandGenerator) Matrix(rows, cols, min, max int) ([][]int, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: dimensions must not be negative, got %dx%d", ErrInvalidInput, rows, cols)
	}
	if rows > 0 && cols > MaxElements/rows {
		return nil, fmt.Errorf("%w: %dx%d matrix exceeds limit %d", ErrInvalidInput, rows, cols, MaxElements)
	}
	if err := checkRange(rows*cols, min, max); err != nil {
		return nil, err
	}
	out := make([][]int, rows)
	for i := range out {
		out[i] = make([]int, cols)
		g.fill(out[i], min, max)
	}
	return out, nil
}
