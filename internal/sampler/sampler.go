// Package sampler draws independent Bernoulli samples used for audit admission.
package sampler

import (
	"math/rand"
)

// Sample returns the indices in [0, n) kept by independent draws with probability ratio/100.
// The result size is itself random; there is no seeding contract.
func Sample(ratio, n int) []int {
	if n <= 0 || ratio <= 0 {
		return []int{}
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if ratio >= rand.Intn(100)+1 {
			out = append(out, i)
		}
	}
	return out
}

// Admit runs a single trial with the given ratio.
func Admit(ratio int) bool {
	return len(Sample(ratio, 1)) > 0
}
