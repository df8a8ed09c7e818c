// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import "math"

// mutationRate is the per-site HMM mismatch probability. Fixed so that
// runs are comparable across datasets.
const mutationRate = 0.0125

// SolveNumMismatches returns (mu, rho) such that the HMM cost of a single
// recombination is about the cost of k point mismatches: rho is 1.1 times
// the k-th power of mu / (1 - 4*mu). The matcher itself emits 1 on a
// match and mu on a mismatch. rho underflows to exactly 0 once k is large
// enough, which disables recombination entirely.
func SolveNumMismatches(k int) (mu, rho float64) {
	mu = mutationRate
	rho = 1.1 * math.Pow(mu/(1-4*mu), float64(k))
	return mu, rho
}
