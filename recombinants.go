// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"encoding/json"
	"sort"
)

// MatchRecombinants runs the HMM three ways for each sample - forward,
// reverse (mirrored coordinates) and with recombination disabled - and
// stores all three under Sample.HmmReruns. The primary HmmMatch field is
// left alone.
func MatchRecombinants(samples []*Sample, base *TreeSequence, k int, likelihoodThreshold float64, numThreads int) error {
	mu, rho := SolveNumMismatches(k)
	configs := []struct {
		name string
		opts MatcherOptions
	}{
		{"forward", MatcherOptions{LikelihoodThreshold: likelihoodThreshold, NumWorkers: numThreads}},
		{"reverse", MatcherOptions{LikelihoodThreshold: likelihoodThreshold, NumWorkers: numThreads, MirrorCoordinates: true}},
		{"no_recombination", MatcherOptions{LikelihoodThreshold: likelihoodThreshold, NumWorkers: numThreads, NoRecombination: true}},
	}
	for _, cfg := range configs {
		matches, err := MatchHaplotypes(base, samples, mu, rho, cfg.opts)
		if err != nil {
			return err
		}
		for i, sample := range samples {
			if matches[i] == nil {
				continue
			}
			if sample.HmmReruns == nil {
				sample.HmmReruns = map[string]*HmmMatch{}
			}
			sample.HmmReruns[cfg.name] = matches[i]
		}
	}
	return nil
}

// nodeGroupID extracts the sc2ts group id from a node's metadata, or "".
func nodeGroupID(node Node) string {
	if len(node.Metadata) == 0 {
		return ""
	}
	var md struct {
		Sc2ts struct {
			GroupID string `json:"group_id"`
		} `json:"sc2ts"`
	}
	if err := json.Unmarshal(node.Metadata, &md); err != nil {
		return ""
	}
	return md.Sc2ts.GroupID
}

// nodeStrain extracts the strain from a sample node's metadata, or "".
func nodeStrain(node Node) string {
	if len(node.Metadata) == 0 {
		return ""
	}
	var md struct {
		Strain string `json:"strain"`
	}
	if err := json.Unmarshal(node.Metadata, &md); err != nil {
		return ""
	}
	return md.Strain
}

// GetGroupStrains maps each group id to the strains of its sample nodes,
// in node id order.
func GetGroupStrains(ts *TreeSequence) map[string][]string {
	groups := map[string][]string{}
	for _, u := range ts.Samples() {
		node := ts.tables.Nodes[u]
		gid := nodeGroupID(node)
		if gid == "" {
			continue
		}
		groups[gid] = append(groups[gid], nodeStrain(node))
	}
	return groups
}

// GetRecombinantStrains maps each recombinant node to the strains of the
// causal sample group that created it.
func GetRecombinantStrains(ts *TreeSequence) map[int][]string {
	byGroup := GetGroupStrains(ts)
	out := map[int][]string{}
	for u, node := range ts.tables.Nodes {
		if node.Flags&NodeIsRecombinant == 0 {
			continue
		}
		gid := nodeGroupID(node)
		if strains, ok := byGroup[gid]; ok {
			sorted := append([]string(nil), strains...)
			sort.Strings(sorted)
			out[u] = sorted
		}
	}
	return out
}
