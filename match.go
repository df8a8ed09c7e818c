// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"fmt"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// DefaultLikelihoodThreshold is the floor below which scaled state
// likelihoods are clamped during the Viterbi pass.
const DefaultLikelihoodThreshold = 1e-200

// PathSegment says the sample copies from Parent over [Left, Right).
type PathSegment struct {
	Left   int
	Right  int
	Parent int
}

// MatchMutation is a residual difference between the sample and its
// matched path.
type MatchMutation struct {
	SitePosition         int
	DerivedState         string
	InheritedState       string
	IsReversion          bool
	IsImmediateReversion bool
}

// HmmMatch is the result of matching one sample haplotype against the
// ARG: a parent path tiling [0, L) and the mutations needed on top of it.
type HmmMatch struct {
	Path      []PathSegment
	Mutations []MatchMutation
}

// Cost is the integer-weighted rank of a match: one per mutation plus k
// per recombination. Reversions count fractionally below one so that at
// equal base cost, matches re-using existing reversions win.
func (m *HmmMatch) Cost(k, sequenceLength int) float64 {
	eps := 1.0 / float64(sequenceLength)
	cost := float64(len(m.Path)-1) * float64(k)
	for _, mut := range m.Mutations {
		if mut.IsReversion {
			cost += 1 - eps
		} else {
			cost++
		}
	}
	return cost
}

// Parents lists the path parents left to right.
func (m *HmmMatch) Parents() []int {
	parents := make([]int, len(m.Path))
	for i, seg := range m.Path {
		parents[i] = seg.Parent
	}
	return parents
}

// Breakpoints lists the path interval boundaries, including 0 and L.
func (m *HmmMatch) Breakpoints() []int {
	bps := []int{m.Path[0].Left}
	for _, seg := range m.Path {
		bps = append(bps, seg.Right)
	}
	return bps
}

// MutationSummary renders the mutations as "[903A>G, ...]".
func (m *HmmMatch) MutationSummary() string {
	parts := make([]string, len(m.Mutations))
	for i, mut := range m.Mutations {
		parts[i] = fmt.Sprintf("%d%s>%s", mut.SitePosition, mut.InheritedState, mut.DerivedState)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// PathSegmentRecord is the JSON form of a path segment in node metadata.
type PathSegmentRecord struct {
	Left   int `json:"left"`
	Parent int `json:"parent"`
	Right  int `json:"right"`
}

// MutationRecord is the JSON form of a match mutation in node metadata.
type MutationRecord struct {
	DerivedState   string `json:"derived_state"`
	InheritedState string `json:"inherited_state"`
	SitePosition   int    `json:"site_position"`
}

// HmmMatchRecord is the JSON form of a match stored in node metadata and
// in the match database.
type HmmMatchRecord struct {
	Mutations []MutationRecord    `json:"mutations"`
	Path      []PathSegmentRecord `json:"path"`
}

// Record converts the match to its serialisable form.
func (m *HmmMatch) Record() *HmmMatchRecord {
	rec := &HmmMatchRecord{
		Mutations: make([]MutationRecord, len(m.Mutations)),
		Path:      make([]PathSegmentRecord, len(m.Path)),
	}
	for i, mut := range m.Mutations {
		rec.Mutations[i] = MutationRecord{
			DerivedState:   mut.DerivedState,
			InheritedState: mut.InheritedState,
			SitePosition:   mut.SitePosition,
		}
	}
	for i, seg := range m.Path {
		rec.Path[i] = PathSegmentRecord{Left: seg.Left, Parent: seg.Parent, Right: seg.Right}
	}
	return rec
}

// matchFromRecord rebuilds a match from its serialised form. Reversion
// flags are not stored; reclassify against a tree sequence if needed.
func matchFromRecord(rec *HmmMatchRecord) *HmmMatch {
	m := &HmmMatch{
		Mutations: make([]MatchMutation, len(rec.Mutations)),
		Path:      make([]PathSegment, len(rec.Path)),
	}
	for i, mut := range rec.Mutations {
		m.Mutations[i] = MatchMutation{
			DerivedState:   mut.DerivedState,
			InheritedState: mut.InheritedState,
			SitePosition:   mut.SitePosition,
		}
	}
	for i, seg := range rec.Path {
		m.Path[i] = PathSegment{Left: seg.Left, Parent: seg.Parent, Right: seg.Right}
	}
	return m
}

// MatcherOptions tune one matching run. The zero value gives a forward
// run with the default likelihood floor and a single worker.
type MatcherOptions struct {
	LikelihoodThreshold float64
	MirrorCoordinates   bool
	NoRecombination     bool
	NumWorkers          int
}

// matcher holds the per-run immutable state shared by worker goroutines.
type matcher struct {
	ts         *TreeSequence
	candidates []int    // node ids eligible as copying parents
	panel      [][]int8 // panel[site][candidate index]
	mu, rho    float64
	floor      float64
	mirror     bool
	noRecomb   bool
}

// candidateNodes are the panel states: every node that inherits from
// something, i.e. appears as an edge child. Tree roots are excluded so a
// haplotype identical to the whole panel attaches to the leaf-most
// lineage rather than the root above it.
func candidateNodes(ts *TreeSequence) []int {
	isChild := make([]bool, ts.NumNodes())
	for _, e := range ts.Tables().Edges {
		isChild[e.Child] = true
	}
	var nodes []int
	for u, ok := range isChild {
		if ok {
			nodes = append(nodes, u)
		}
	}
	return nodes
}

// MatchHaplotypes runs the Li-Stephens Viterbi matcher for each sample
// against the current ARG panel and returns one HmmMatch per sample, in
// input order. It is a pure function of its arguments: the ARG and the
// match database are never modified. Samples with a nil haplotype get a
// nil match.
func MatchHaplotypes(ts *TreeSequence, samples []*Sample, mu, rho float64, opts MatcherOptions) ([]*HmmMatch, error) {
	if opts.LikelihoodThreshold == 0 {
		opts.LikelihoodThreshold = DefaultLikelihoodThreshold
	}
	work := ts
	if opts.MirrorCoordinates {
		var err error
		work, err = MirrorCoordinates(ts)
		if err != nil {
			return nil, err
		}
	}
	candidates := candidateNodes(work)
	m := &matcher{
		ts:         ts,
		candidates: candidates,
		panel:      work.GenotypeMatrix(candidates),
		mu:         mu,
		rho:        rho,
		floor:      opts.LikelihoodThreshold,
		mirror:     opts.MirrorCoordinates,
		noRecomb:   opts.NoRecombination,
	}
	matches := make([]*HmmMatch, len(samples))
	throttle := throttle{Max: opts.NumWorkers}
	if throttle.Max < 1 {
		throttle.Max = 1
	}
	for i, sample := range samples {
		i, sample := i, sample
		if sample.Haplotype == nil {
			continue
		}
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			match, err := m.matchOne(sample)
			if err != nil {
				throttle.Report(err)
				return
			}
			matches[i] = match
		}()
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

func (m *matcher) matchOne(sample *Sample) (*HmmMatch, error) {
	h := sample.Haplotype
	if m.mirror {
		h = reverseHaplotype(h)
	}
	path, underflow := m.viterbi(h)
	if m.mirror {
		path = unmirrorPath(path, m.ts.SequenceLength())
	}
	match := &HmmMatch{Path: path}
	match.Mutations = computeMutations(m.ts, path, sample.Haplotype)
	if underflow {
		log.Warnf("%s: %s; returning root match", sample.Strain, ErrMatchUnderflow)
	}
	return match, nil
}

// viterbi runs the scaled Viterbi recursion over the panel and returns
// the traceback path in the working (possibly mirrored) coordinate
// system. The second return is true when the likelihood hit the floor
// for every state, in which case the degenerate root path is returned.
func (m *matcher) viterbi(h []int8) ([]PathSegment, bool) {
	numSites := len(m.panel)
	n := len(m.panel[0])
	V := make([]float64, n)
	next := make([]float64, n)
	for j := range V {
		V[j] = 1
	}
	// recombined[i][j]: state j at site i was reached by switching.
	recombined := make([][]bool, numSites)
	bestPrev := make([]int, numSites)

	pSwitch := 0.0
	if !m.noRecomb && n > 1 {
		pSwitch = m.rho / float64(n-1)
	}
	pStay := 1 - m.rho
	if m.noRecomb {
		pStay = 1
	}

	// V is renormalised to max 1 each site; the running product of the
	// pre-normalisation maxima is the best path's likelihood, tracked in
	// log space against the floor.
	logLik := 0.0
	logFloor := math.Log(m.floor)

	for i := 0; i < numSites; i++ {
		recombined[i] = make([]bool, n)
		if i > 0 {
			// V is scaled so its maximum is 1; a switch jumps from
			// the argmax state of the previous site.
			bestPrev[i] = floats.MaxIdx(V)
			for j := 0; j < n; j++ {
				stay := pStay * V[j]
				if pSwitch > stay {
					next[j] = pSwitch
					recombined[i][j] = true
				} else {
					next[j] = stay
				}
			}
			V, next = next, V
		}
		for j := 0; j < n; j++ {
			if !(h[i] == MissingData || h[i] == m.panel[i][j]) {
				V[j] *= m.mu
			}
			if V[j] < m.floor {
				V[j] = m.floor
			}
		}
		max := floats.Max(V)
		logLik += math.Log(max)
		if logLik < logFloor {
			return m.rootPath(), true
		}
		floats.Scale(1/max, V)
	}

	// Traceback. Ties resolve to the smallest node id because MaxIdx
	// returns the first maximum and candidates are in id order.
	end := floats.MaxIdx(V)
	states := make([]int, numSites)
	j := end
	for i := numSites - 1; i >= 0; i-- {
		states[i] = j
		if i > 0 && recombined[i][j] {
			j = bestPrev[i]
		}
	}
	m.slideBreakpoints(states, h)
	return m.segmentsFromStates(states), false
}

// slideBreakpoints moves each breakpoint to the leftmost position among
// its cost-equal placements: a boundary site transfers to the right-hand
// parent as long as both parents emit the sample allele equally well.
// Running on the mirrored panel this yields the rightmost placement once
// the path is reflected back.
func (m *matcher) slideBreakpoints(states []int, h []int8) {
	prevStart := 0
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			continue
		}
		b := i
		for b-1 > prevStart {
			a := h[b-1]
			matchOld := a == MissingData || a == m.panel[b-1][states[b-1]]
			matchNew := a == MissingData || a == m.panel[b-1][states[b]]
			if matchOld != matchNew {
				break
			}
			states[b-1] = states[b]
			b--
		}
		prevStart = b
	}
}

// segmentsFromStates converts the per-site state sequence to path
// segments in genome coordinates. Breakpoints fall at the left position
// of the first site of the new segment.
func (m *matcher) segmentsFromStates(states []int) []PathSegment {
	var positions []int
	if m.mirror {
		// The working panel is the mirrored one; its own site grid
		// carries the positions the state sequence runs over.
		L := m.ts.SequenceLength()
		positions = make([]int, len(states))
		for i := range positions {
			orig := m.ts.SitesPosition()[len(states)-1-i]
			positions[i] = mirrorPosition(orig, L)
		}
	} else {
		positions = m.ts.SitesPosition()
	}
	L := m.ts.SequenceLength()
	var segs []PathSegment
	left := 0
	for i := 1; i < len(states); i++ {
		if states[i] != states[i-1] {
			segs = append(segs, PathSegment{Left: left, Right: positions[i], Parent: m.candidates[states[i-1]]})
			left = positions[i]
		}
	}
	segs = append(segs, PathSegment{Left: left, Right: L, Parent: m.candidates[states[len(states)-1]]})
	return segs
}

// rootPath is the degenerate single-segment match to the oldest panel
// candidate.
func (m *matcher) rootPath() []PathSegment {
	nodes := m.ts.Tables().Nodes
	root := m.candidates[0]
	for _, u := range m.candidates {
		if nodes[u].Time > nodes[root].Time {
			root = u
		}
	}
	return []PathSegment{{Left: 0, Right: m.ts.SequenceLength(), Parent: root}}
}

// unmirrorPath reflects segments found on the mirrored panel back into
// the original coordinates.
func unmirrorPath(path []PathSegment, L int) []PathSegment {
	out := make([]PathSegment, len(path))
	for i, seg := range path {
		out[len(path)-1-i] = PathSegment{Left: L - seg.Right, Right: L - seg.Left, Parent: seg.Parent}
	}
	return out
}

func reverseHaplotype(h []int8) []int8 {
	out := make([]int8, len(h))
	for i, v := range h {
		out[len(h)-1-i] = v
	}
	return out
}

// computeMutations walks the matched path and emits one mutation per
// site where the sample disagrees with its parent's allele. Missing data
// never generates a mutation. Reversion flags are classified against the
// parent's lineage at the site.
func computeMutations(ts *TreeSequence, path []PathSegment, h []int8) []MatchMutation {
	var muts []MatchMutation
	positions := ts.SitesPosition()
	segIdx := 0
	var tree *Tree
	for site, pos := range positions {
		for pos >= path[segIdx].Right {
			segIdx++
		}
		parent := path[segIdx].Parent
		if tree == nil || pos >= tree.Right || pos < tree.Left {
			tree = ts.TreeAt(pos)
		}
		b := encodeState(ts.stateAt(tree, site, parent))
		a := h[site]
		if a == MissingData || a == b {
			continue
		}
		mut := MatchMutation{
			SitePosition:   pos,
			DerivedState:   decodeState(a),
			InheritedState: decodeState(b),
		}
		mut.IsReversion, mut.IsImmediateReversion = classifyReversion(ts, tree, site, parent, mut.DerivedState)
		muts = append(muts, mut)
	}
	return muts
}

// classifyReversion reports whether deriving `derived` below `parent`
// restores a state carried further up the lineage at this site, and
// whether the mutation being undone sits on the parent node itself.
func classifyReversion(ts *TreeSequence, tree *Tree, site, parent int, derived string) (bool, bool) {
	for v := parent; v != -1; v = tree.Parent(v) {
		for _, mid := range ts.siteMuts[site] {
			m := ts.tables.Mutations[mid]
			if m.Node != v {
				continue
			}
			// The state this lineage mutation replaced is the state
			// above it at the same site.
			inherited := ts.tables.Sites[site].AncestralState
			if p := tree.Parent(v); p != -1 {
				inherited = ts.stateAt(tree, site, p)
			}
			if inherited == derived {
				return true, v == parent
			}
		}
	}
	return false, false
}
