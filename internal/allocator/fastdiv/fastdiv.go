// Package fastdiv precomputes branch-free unsigned division-by-constant
// magic numbers, used on the allocator's hot pointer-to-index paths where a
// runtime-variable (but per-class constant) divisor would otherwise force a
// real DIV instruction on every free.
package fastdiv

import (
	"math/big"
	"math/bits"
)

// Magic holds the precomputed multiplier/shift pair for dividing by a fixed
// divisor using the Granlund-Montgomery multiply-high-then-shift technique
// (Hacker's Delight, 10-9 "Unsigned division by invariant integer").
type Magic struct {
	divisor uint64
	mul     uint64
	shift   uint
	add     bool
}

// New precomputes the magic constants for dividing by d. d must be non-zero.
// This only runs at class-initialization time; it uses math/big for
// straightforward correctness since it is never on a hot path.
func New(d uint64) Magic {
	if d == 0 {
		panic("fastdiv: division by zero")
	}

	if d == 1 {
		return Magic{divisor: 1, mul: 1, shift: 0}
	}

	l := uint(bits.Len64(d - 1)) // ceil(log2(d)), d > 1

	one := big.NewInt(1)
	two64 := new(big.Int).Lsh(one, 64)
	bd := new(big.Int).SetUint64(d)

	num := new(big.Int).Lsh(one, 64+l)
	q := new(big.Int).Div(num, bd)

	add := false
	if q.Cmp(two64) >= 0 {
		q.Sub(q, two64)
		q.Add(q, one)
		add = true
	}

	return Magic{divisor: d, mul: q.Uint64(), shift: l, add: add}
}

// Div returns n / divisor without an integer division instruction.
func (m Magic) Div(n uint64) uint64 {
	if m.divisor == 1 {
		return n
	}

	hi, _ := bits.Mul64(n, m.mul)

	if m.add {
		t := hi + ((n - hi) >> 1)

		return t >> (m.shift - 1)
	}

	return hi >> m.shift
}

// Mod returns n % divisor, derived from Div (one multiply, one subtract).
func (m Magic) Mod(n uint64) uint64 {
	return n - m.Div(n)*m.divisor
}

// Divisor returns the divisor this Magic was built for.
func (m Magic) Divisor() uint64 {
	return m.divisor
}
