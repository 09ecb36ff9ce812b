package ratelimit

import "fmt"

// Algorithm selects the window accounting strategy for a rate rule
type Algorithm string

const (
	// AlgorithmFixedWindow counts requests in clock-aligned windows.
	// Cheap (one counter per window) but admits up to 2x the limit
	// across a window boundary in the worst case.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow tracks individual request timestamps and
	// enforces the limit over a rolling window. Smoother admission at
	// the cost of one entry per admitted request.
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// String returns the string representation of the algorithm
func (a Algorithm) String() string {
	return string(a)
}

// IsValid returns true if the algorithm is known
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		return true
	}
	return false
}

// AllAlgorithms returns all known algorithms
func AllAlgorithms() []Algorithm {
	return []Algorithm{AlgorithmFixedWindow, AlgorithmSlidingWindow}
}

// ParseAlgorithm parses a string into an Algorithm
func ParseAlgorithm(s string) (Algorithm, error) {
	algorithm := Algorithm(s)
	if !algorithm.IsValid() {
		return "", fmt.Errorf("invalid rate limit algorithm: %s", s)
	}
	return algorithm, nil
}
