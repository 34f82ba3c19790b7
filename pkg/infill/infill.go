// Package infill recommends a 3D-print infill density from body weight.
package infill

import (
	"fmt"
	"sort"
)

// Bracket maps weights strictly below UpperBoundKg to Percent
type Bracket struct {
	UpperBoundKg float64
	Percent      int
}

// DefaultBrackets is the standard table; weights of 110 kg and above get
// DefaultPercent.
var DefaultBrackets = []Bracket{
	{UpperBoundKg: 50, Percent: 20},
	{UpperBoundKg: 70, Percent: 30},
	{UpperBoundKg: 90, Percent: 40},
	{UpperBoundKg: 110, Percent: 50},
}

// DefaultPercent applies above the last bracket
const DefaultPercent = 60

// Advisor holds an immutable bracket table
type Advisor struct {
	brackets []Bracket
	fallback int
}

// New creates an Advisor with the standard table
func New() *Advisor {
	a, _ := NewWithBrackets(DefaultBrackets, DefaultPercent)
	return a
}

// NewWithBrackets creates an Advisor from a custom table. Upper bounds must
// be strictly ascending.
func NewWithBrackets(brackets []Bracket, fallback int) (*Advisor, error) {
	if !sort.SliceIsSorted(brackets, func(i, j int) bool {
		return brackets[i].UpperBoundKg < brackets[j].UpperBoundKg
	}) {
		return nil, fmt.Errorf("infill brackets must be ascending")
	}
	for i := 1; i < len(brackets); i++ {
		if brackets[i].UpperBoundKg == brackets[i-1].UpperBoundKg {
			return nil, fmt.Errorf("duplicate infill bracket bound %v", brackets[i].UpperBoundKg)
		}
	}

	table := make([]Bracket, len(brackets))
	copy(table, brackets)
	return &Advisor{brackets: table, fallback: fallback}, nil
}

// Recommend returns the infill percent of the first bracket whose upper bound
// exceeds weightKg. Negative weights land in the first bracket; NaN matches
// no bracket and gets the fallback percent.
func (a *Advisor) Recommend(weightKg float64) int {
	for _, b := range a.brackets {
		if weightKg < b.UpperBoundKg {
			return b.Percent
		}
	}
	return a.fallback
}

// Brackets returns a copy of the table in use
func (a *Advisor) Brackets() []Bracket {
	out := make([]Bracket, len(a.brackets))
	copy(out, a.brackets)
	return out
}
