// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// SampleGroup is a causal batch of samples sharing a single attachment
// path. Its identifier is stable across reruns: the hex MD5 of the
// member strains concatenated in lexicographic order.
type SampleGroup struct {
	Samples []*Sample
	ID      string
	Path    []PathSegment
	// Shared mutations carried by every member; empty for groups of one.
	Shared []MatchMutation
}

// GroupID derives the stable group identifier from member strains.
func GroupID(strains []string) string {
	sorted := append([]string(nil), strains...)
	sort.Strings(sorted)
	h := md5.New()
	for _, strain := range sorted {
		h.Write([]byte(strain))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Strains lists the member strains in lexicographic order.
func (g *SampleGroup) Strains() []string {
	strains := make([]string, len(g.Samples))
	for i, s := range g.Samples {
		strains[i] = s.Strain
	}
	sort.Strings(strains)
	return strains
}

// Dates lists the distinct member dates in order.
func (g *SampleGroup) Dates() []string {
	seen := map[string]bool{}
	for _, s := range g.Samples {
		seen[s.Date] = true
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// PangoLineages lists the distinct member lineages in order.
func (g *SampleGroup) PangoLineages() []string {
	seen := map[string]bool{}
	for _, s := range g.Samples {
		seen[s.Pango] = true
	}
	lineages := make([]string, 0, len(seen))
	for p := range seen {
		lineages = append(lineages, p)
	}
	sort.Strings(lineages)
	return lineages
}

func pathKey(path []PathSegment) string {
	key := ""
	for _, seg := range path {
		key += fmt.Sprintf("%d:%d:%d;", seg.Left, seg.Right, seg.Parent)
	}
	return key
}

func mutationKey(m MatchMutation) string {
	return fmt.Sprintf("%d:%s", m.SitePosition, m.DerivedState)
}

// FormGroups partitions matched samples into groups by identical path.
// Group order follows the first appearance of each path in the input,
// so attachment is deterministic for a given sample ordering. Members of
// a group of two or more share the mutations present in all of them.
func FormGroups(samples []*Sample) []*SampleGroup {
	var groups []*SampleGroup
	index := map[string]*SampleGroup{}
	for _, sample := range samples {
		if sample.HmmMatch == nil {
			continue
		}
		key := pathKey(sample.HmmMatch.Path)
		g, ok := index[key]
		if !ok {
			g = &SampleGroup{Path: sample.HmmMatch.Path}
			index[key] = g
			groups = append(groups, g)
		}
		g.Samples = append(g.Samples, sample)
	}
	for _, g := range groups {
		g.ID = GroupID(g.Strains())
		for _, s := range g.Samples {
			s.GroupID = g.ID
		}
		if len(g.Samples) >= 2 {
			g.Shared = sharedMutations(g.Samples)
		}
	}
	return groups
}

func sharedMutations(samples []*Sample) []MatchMutation {
	counts := map[string]int{}
	for _, s := range samples {
		for _, m := range s.HmmMatch.Mutations {
			counts[mutationKey(m)]++
		}
	}
	var shared []MatchMutation
	for _, m := range samples[0].HmmMatch.Mutations {
		if counts[mutationKey(m)] == len(samples) {
			shared = append(shared, m)
		}
	}
	return shared
}

// GateParams are the thresholds a retrospective group must clear before
// being committed.
type GateParams struct {
	MinGroupSize          int
	MinRootMutations      int
	MinDifferentDates     int
	MaxRecurrentMutations int
	MaxMutationsPerSample float64
}

// groupStats are the quantities the gate inspects, also reported in the
// retro group records.
type groupStats struct {
	size          int
	rootMutations int
	numDates      int
	numRecurrent  int
	totalMuts     int
}

func (g *SampleGroup) stats(base *TreeSequence) groupStats {
	st := groupStats{
		size:          len(g.Samples),
		rootMutations: len(g.Shared),
		numDates:      len(g.Dates()),
	}
	sharedKeys := map[string]bool{}
	for _, m := range g.Shared {
		sharedKeys[mutationKey(m)] = true
	}
	count := func(m MatchMutation) {
		st.totalMuts++
		site := base.SiteAt(m.SitePosition)
		if len(base.siteMuts[site]) > 0 {
			st.numRecurrent++
		}
	}
	for _, m := range g.Shared {
		count(m)
	}
	for _, s := range g.Samples {
		for _, m := range s.HmmMatch.Mutations {
			if !sharedKeys[mutationKey(m)] {
				count(m)
			}
		}
	}
	return st
}

// checkGate returns true when the group passes every threshold; a
// failure is logged at debug with the offending quantity.
func (g *SampleGroup) checkGate(base *TreeSequence, gate GateParams) bool {
	st := g.stats(base)
	if st.size < gate.MinGroupSize {
		log.Debugf("Skipping size=%d < threshold group_id=%s", st.size, g.ID)
		return false
	}
	if st.numDates < gate.MinDifferentDates {
		log.Debugf("Skipping different_dates=%d < threshold group_id=%s", st.numDates, g.ID)
		return false
	}
	if st.rootMutations < gate.MinRootMutations {
		log.Debugf("Skipping root_mutations=%d < threshold group_id=%s", st.rootMutations, g.ID)
		return false
	}
	if st.numRecurrent > gate.MaxRecurrentMutations {
		log.Debugf("Skipping num_recurrent_mutations=%d exceeds threshold group_id=%s", st.numRecurrent, g.ID)
		return false
	}
	mean := float64(st.totalMuts) / float64(st.size)
	if mean > gate.MaxMutationsPerSample {
		log.Debugf("Skipping mean_mutations_per_sample=%.1f exceeds threshold group_id=%s", mean, g.ID)
		return false
	}
	return true
}

// attacher accumulates one day's edits onto a working copy of the base
// tables. Nothing touches the base tree sequence itself, so a failure
// anywhere leaves the committed ARG unchanged.
type attacher struct {
	tables *Tables
	base   *TreeSequence
	date   string
	top    *TopLevelMetadata
}

// countExactMatch tallies an exact-match sample without adding any
// nodes: only the running counters grow.
func (a *attacher) countExactMatch(sample *Sample) {
	parent := sample.HmmMatch.Path[0].Parent
	a.top.ExactMatches.Node[fmt.Sprint(parent)]++
	a.top.ExactMatches.Date[a.date]++
	a.top.ExactMatches.Pango[sample.Pango]++
	log.Debugf("Exact match %s -> node %d", sample.Strain, parent)
}

// isExactMatch reports a single-segment match with no mutations.
func isExactMatch(m *HmmMatch) bool {
	return m != nil && len(m.Path) == 1 && len(m.Mutations) == 0
}

// attachGroup adds one group's nodes, edges and mutations to the working
// tables and returns the number of nodes created. Layout:
//
//	single path, one sample:   parent -> sample
//	single path, group:        parent [-> push] -> root -> samples
//	multi-segment path:        parents => recombinant -> samples
//
// Retrospective groups always get a root, even with a single sample
// (parent -> root -> sample); the push check needs two or more samples.
//
// The recombinant node doubles as the group root, carrying any shared
// mutations. A reversion-push node is inserted when the group root would
// re-derive, for two or more samples, the state sitting just above its
// attachment parent.
func (a *attacher) attachGroup(g *SampleGroup, retro bool) int {
	L := a.tables.SequenceLength
	created := 0

	sampleFlags := NodeIsSample | NodeInSampleGroup
	if retro {
		sampleFlags |= NodeIsRetrospective
	}
	sampleIDs := make([]int, len(g.Samples))
	for i, s := range g.Samples {
		sampleIDs[i] = a.tables.AddNode(sampleFlags, 0, sampleMetadata(s))
		created++
	}

	pmin := a.tables.Nodes[g.Path[0].Parent].Time
	for _, seg := range g.Path {
		if t := a.tables.Nodes[seg.Parent].Time; t < pmin {
			pmin = t
		}
	}

	sharedKeys := map[string]bool{}
	for _, m := range g.Shared {
		sharedKeys[mutationKey(m)] = true
	}
	pushKeys := map[string]bool{}

	var attachTo int // node the samples hang from; -1 when none (direct)
	needRoot := len(g.Samples) >= 2 || retro

	if len(g.Path) >= 2 {
		md := InternalNodeMetadata{InternalNodeSc2ts{DateAdded: a.date, GroupID: g.ID}}
		recomb := a.tables.AddNode(NodeIsRecombinant, pmin/2, mustJSON(md))
		created++
		for _, seg := range g.Path {
			a.tables.AddEdge(seg.Left, seg.Right, seg.Parent, recomb)
		}
		a.addMutations(g.Shared, recomb, "overlap", nil)
		attachTo = recomb
	} else if needRoot {
		parent := g.Path[0].Parent
		md := InternalNodeMetadata{InternalNodeSc2ts{DateAdded: a.date, GroupID: g.ID}}
		root := a.tables.AddNode(NodeInSampleGroup, pmin/2, mustJSON(md))
		created++
		attachAbove := parent
		if len(g.Samples) >= 2 {
			if push := a.insertReversionPush(g, parent, root); push != -1 {
				attachAbove = -1 // edge added by insertReversionPush
				created++
				for _, m := range g.Shared {
					if m.IsImmediateReversion {
						pushKeys[mutationKey(m)] = true
					}
				}
			}
		}
		if attachAbove != -1 {
			a.tables.AddEdge(0, L, attachAbove, root)
		}
		a.addMutations(g.Shared, root, "overlap", pushKeys)
		attachTo = root
	} else {
		attachTo = -1
	}

	for i, s := range g.Samples {
		parent := attachTo
		if parent == -1 {
			parent = g.Path[0].Parent
		}
		a.tables.AddEdge(0, L, parent, sampleIDs[i])
		var residual []MatchMutation
		for _, m := range s.HmmMatch.Mutations {
			if !sharedKeys[mutationKey(m)] {
				residual = append(residual, m)
			}
		}
		a.addMutations(residual, sampleIDs[i], "parsimony", pushKeys)
		a.recordSampleSites(s)
		a.top.SamplesStrain = append(a.top.SamplesStrain, s.Strain)
	}
	return created
}

// insertReversionPush checks the group's shared mutations for immediate
// reversions of mutations sitting on the attachment parent. When found,
// a reversion-push node is inserted between the parent's own parent and
// the group root; the parent's other mutations are copied onto it so the
// root still sees the parent's haplotype at every non-pushed site.
// Returns the new node id, or -1 when no push applies.
func (a *attacher) insertReversionPush(g *SampleGroup, parent, root int) int {
	var pushPositions []int
	for _, m := range g.Shared {
		if m.IsImmediateReversion {
			pushPositions = append(pushPositions, m.SitePosition)
		}
	}
	if len(pushPositions) == 0 {
		return -1
	}
	tree := a.base.TreeAt(pushPositions[0])
	grand := tree.Parent(parent)
	if grand == -1 {
		return -1
	}
	pushed := map[int]bool{}
	for _, pos := range pushPositions {
		pushed[a.base.SiteAt(pos)] = true
	}
	md := InternalNodeMetadata{InternalNodeSc2ts{DateAdded: a.date, Sites: pushPositions}}
	t := (a.tables.Nodes[parent].Time + a.tables.Nodes[grand].Time) / 2
	push := a.tables.AddNode(NodeIsReversionPush, t, mustJSON(md))
	L := a.tables.SequenceLength
	a.tables.AddEdge(0, L, grand, push)
	a.tables.AddEdge(0, L, push, root)
	for _, mut := range a.base.Tables().Mutations {
		if mut.Node == parent && !pushed[mut.Site] {
			a.tables.AddMutation(mut.Site, push, mut.DerivedState, t, append([]byte(nil), mut.Metadata...))
		}
	}
	log.Infof("Reversion push at sites %v above node %d for group %s", pushPositions, parent, g.ID)
	return push
}

func (a *attacher) addMutations(muts []MatchMutation, node int, typ string, skip map[string]bool) {
	t := a.tables.Nodes[node].Time
	for _, m := range muts {
		if skip != nil && skip[mutationKey(m)] {
			continue
		}
		site := a.base.SiteAt(m.SitePosition)
		md := MutationMetadata{MutationSc2ts{Type: typ}}
		a.tables.AddMutation(site, node, m.DerivedState, t, mustJSON(md))
	}
}

// recordSampleSites bumps the per-site running counters for one attached
// sample.
func (a *attacher) recordSampleSites(s *Sample) {
	bump := func(positions []int, missing bool) {
		for _, pos := range positions {
			site := a.base.SiteAt(pos)
			var md SiteMetadata
			if len(a.tables.Sites[site].Metadata) > 0 {
				json.Unmarshal(a.tables.Sites[site].Metadata, &md)
			}
			if missing {
				md.Sc2ts.MissingSamples++
			} else {
				md.Sc2ts.DeletionSamples++
			}
			a.tables.Sites[site].Metadata = mustJSON(md)
		}
	}
	bump(s.MissingPositions, true)
	bump(s.DeletionPositions, false)
}

func sampleMetadata(s *Sample) []byte {
	reruns := map[string]*HmmMatchRecord{}
	for dir, m := range s.HmmReruns {
		reruns[dir] = m.Record()
	}
	md := SampleNodeMetadata{
		Strain: s.Strain,
		Date:   s.Date,
		Sc2ts: SampleNodeSc2ts{
			GroupID:              s.GroupID,
			HmmMatch:             s.HmmMatch.Record(),
			HmmReruns:            reruns,
			NumMissingSites:      s.NumMissingSites,
			AlignmentComposition: s.AlignmentComposition,
		},
	}
	return mustJSON(md)
}
