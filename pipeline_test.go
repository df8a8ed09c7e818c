// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// extendChain runs Extend over the dates in order, starting from the
// fixture initial ARG, and returns the resulting ARG per date. optsFn
// may adjust the options per date.
func (s *pipelineSuite) extendChain(c *check.C, schedule [][2]interface{}, optsFn func(date string, opts *ExtendOptions)) map[string]*TreeSequence {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	byDate := map[string][]string{}
	var dates []string
	for _, entry := range schedule {
		date := entry[0].(string)
		byDate[date] = entry[1].([]string)
		dates = append(dates, date)
	}
	metadata := fixtureMetadataDb(c, byDate)
	defer metadata.Close()
	matchDb := fixtureMatchDb(c)
	defer matchDb.Close()

	ts := fixtureInitialTs(c)
	out := map[string]*TreeSequence{}
	for _, date := range dates {
		opts := DefaultExtendOptions()
		if optsFn != nil {
			optsFn(date, &opts)
		}
		next, err := Extend(store, metadata, ts, date, matchDb, opts)
		c.Assert(err, check.IsNil)
		out[date] = next
		ts = next
	}
	return out
}

func sampleNodeByStrain(c *check.C, ts *TreeSequence, strain string) (int, SampleNodeMetadata) {
	for _, u := range ts.Samples() {
		var md SampleNodeMetadata
		c.Assert(json.Unmarshal(ts.Tables().Nodes[u].Metadata, &md), check.IsNil)
		if md.Strain == strain {
			return u, md
		}
	}
	c.Fatalf("no sample node for %s", strain)
	return -1, SampleNodeMetadata{}
}

func (s *pipelineSuite) TestFirstDay(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{{"2020-01-02", []string{"rleft"}}}, nil)
	ts := tsm["2020-01-02"]
	c.Check(ts.NumTrees(), check.Equals, 1)
	c.Check(ts.NumNodes(), check.Equals, 3)
	c.Check(ts.NumSamples(), check.Equals, 2)
	c.Check(ts.NumMutations(), check.Equals, 3)
	times := []float64{}
	for _, node := range ts.Tables().Nodes {
		times = append(times, node.Time)
	}
	c.Check(times, check.DeepEquals, []float64{2, 1, 0})

	top, err := ts.Tables().TopLevel()
	c.Assert(err, check.IsNil)
	c.Check(top.Date, check.Equals, "2020-01-02")
	c.Check(top.SamplesStrain, check.DeepEquals, []string{"reference", "rleft"})

	var positions []int
	for _, mut := range ts.Tables().Mutations {
		c.Check(mut.Node, check.Equals, 2)
		c.Check(mut.Time, check.Equals, 0.0)
		positions = append(positions, ts.SitesPosition()[mut.Site])
	}
	c.Check(positions, check.DeepEquals, []int{3, 5, 9})

	u, md := sampleNodeByStrain(c, ts, "rleft")
	c.Check(u, check.Equals, 2)
	c.Check(md.Date, check.Equals, "2020-01-02")
	c.Check(md.Sc2ts.HmmMatch.Path, check.DeepEquals, []PathSegmentRecord{{Left: 0, Parent: 1, Right: 32}})
	c.Check(md.Sc2ts.HmmMatch.Mutations, check.HasLen, 3)
	c.Check(md.Sc2ts.NumMissingSites, check.Equals, 0)
	total := 0
	for _, n := range md.Sc2ts.AlignmentComposition {
		total += n
	}
	c.Check(total, check.Equals, ts.NumSites())
	c.Check(md.Sc2ts.GroupID, check.Equals, GroupID([]string{"rleft"}))
}

func (s *pipelineSuite) TestExactMatch(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{
		{"2020-01-02", []string{"rleft"}},
		{"2020-01-03", []string{"exact1"}},
	}, nil)
	base := tsm["2020-01-02"]
	ts := tsm["2020-01-03"]
	// No nodes added: only the counters move.
	c.Check(ts.NumNodes(), check.Equals, base.NumNodes())
	top, err := ts.Tables().TopLevel()
	c.Assert(err, check.IsNil)
	c.Check(top.ExactMatches.Node, check.DeepEquals, map[string]int{"1": 1})
	c.Check(top.ExactMatches.Date, check.DeepEquals, map[string]int{"2020-01-03": 1})
	c.Check(top.ExactMatches.Pango, check.DeepEquals, map[string]int{"A.1": 1})
	c.Check(top.SamplesStrain, check.DeepEquals, []string{"reference", "rleft"})
}

func (s *pipelineSuite) TestGroupAttachment(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{{"2020-01-02", []string{"g1", "g2"}}}, nil)
	ts := tsm["2020-01-02"]
	// root, reference, g1, g2, group root
	c.Check(ts.NumNodes(), check.Equals, 5)
	c.Check(ts.NumSamples(), check.Equals, 3)
	// Both shared mutations sit on the group root.
	c.Check(ts.NumMutations(), check.Equals, 2)
	gid := GroupID([]string{"g1", "g2"})

	u1, md1 := sampleNodeByStrain(c, ts, "g1")
	u2, md2 := sampleNodeByStrain(c, ts, "g2")
	c.Check(md1.Sc2ts.GroupID, check.Equals, gid)
	c.Check(md2.Sc2ts.GroupID, check.Equals, gid)

	tree := ts.TreeAt(0)
	root := tree.Parent(u1)
	c.Check(tree.Parent(u2), check.Equals, root)
	rootNode := ts.Tables().Nodes[root]
	c.Check(rootNode.Flags, check.Equals, NodeInSampleGroup)
	for _, mut := range ts.Tables().Mutations {
		c.Check(mut.Node, check.Equals, root)
		var md MutationMetadata
		c.Assert(json.Unmarshal(mut.Metadata, &md), check.IsNil)
		c.Check(md.Sc2ts.Type, check.Equals, "overlap")
	}
	c.Check(GetGroupStrains(ts)[gid], check.DeepEquals, []string{"g1", "g2"})
}

func (s *pipelineSuite) TestReversionPush(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{
		{"2020-01-02", []string{"p1"}},
		{"2020-01-03", []string{"q1", "q2"}},
	}, nil)
	ts := tsm["2020-01-03"]
	// root, reference, p1 + q1, q2, group root, push node
	c.Check(ts.NumNodes(), check.Equals, 7)
	c.Check(ts.NumMutations(), check.Equals, 6)

	u1, md1 := sampleNodeByStrain(c, ts, "q1")
	// The match records the reversion; the ARG carries no mutation on
	// the sample itself.
	c.Check(md1.Sc2ts.HmmMatch.Mutations, check.DeepEquals, []MutationRecord{
		{DerivedState: "A", InheritedState: "G", SitePosition: 5},
		{DerivedState: "C", InheritedState: "A", SitePosition: 17},
	})
	for _, mut := range ts.Tables().Mutations {
		c.Check(mut.Node != u1, check.Equals, true)
	}

	tree := ts.TreeAt(0)
	root := tree.Parent(u1)
	u2, _ := sampleNodeByStrain(c, ts, "q2")
	c.Check(tree.Parent(u2), check.Equals, root)

	push := tree.Parent(root)
	pushNode := ts.Tables().Nodes[push]
	c.Check(pushNode.Flags, check.Equals, NodeIsReversionPush)
	var pmd InternalNodeMetadata
	c.Assert(json.Unmarshal(pushNode.Metadata, &pmd), check.IsNil)
	c.Check(pmd.Sc2ts.DateAdded, check.Equals, "2020-01-03")
	c.Check(pmd.Sc2ts.Sites, check.DeepEquals, []int{5})
	// The push node hangs from the reference, above p1's mutations, and
	// carries copies of p1's non-reverted mutations.
	c.Check(tree.Parent(push), check.Equals, 1)
	pushMuts := 0
	for _, mut := range ts.Tables().Mutations {
		if mut.Node == push {
			pushMuts++
			c.Check(ts.SitesPosition()[mut.Site] != 5, check.Equals, true)
		}
	}
	c.Check(pushMuts, check.Equals, 2)
}

func (s *pipelineSuite) TestRecombinant(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{
		{"2020-01-02", []string{"rleft"}},
		{"2020-01-03", []string{"rright"}},
		{"2020-01-04", []string{"spliced"}},
	}, func(date string, opts *ExtendOptions) {
		opts.NumMismatches = 2
	})
	ts := tsm["2020-01-04"]
	base := tsm["2020-01-03"]
	c.Check(ts.NumNodes(), check.Equals, base.NumNodes()+2)
	c.Check(ts.NumTrees(), check.Equals, 2)
	c.Check(ts.NumMutations(), check.Equals, base.NumMutations())

	u, md := sampleNodeByStrain(c, ts, "spliced")
	c.Check(md.Sc2ts.HmmMatch.Path, check.DeepEquals, []PathSegmentRecord{
		{Left: 0, Parent: 2, Right: 10},
		{Left: 10, Parent: 3, Right: 32},
	})
	c.Check(md.Sc2ts.HmmMatch.Mutations, check.HasLen, 0)

	recomb := ts.NumNodes() - 1
	recombNode := ts.Tables().Nodes[recomb]
	c.Check(recombNode.Flags, check.Equals, NodeIsRecombinant)
	var rmd InternalNodeMetadata
	c.Assert(json.Unmarshal(recombNode.Metadata, &rmd), check.IsNil)
	c.Check(rmd.Sc2ts.DateAdded, check.Equals, "2020-01-04")
	c.Check(rmd.Sc2ts.GroupID, check.Equals, md.Sc2ts.GroupID)

	var inbound, outbound []Edge
	for _, e := range ts.Tables().Edges {
		if e.Child == recomb {
			inbound = append(inbound, e)
		}
		if e.Parent == recomb {
			outbound = append(outbound, e)
		}
	}
	c.Assert(inbound, check.HasLen, 2)
	c.Assert(outbound, check.HasLen, 1)
	intervals := map[int][2]int{}
	for _, e := range inbound {
		intervals[e.Parent] = [2]int{e.Left, e.Right}
	}
	c.Check(intervals, check.DeepEquals, map[int][2]int{2: {0, 10}, 3: {10, 32}})
	c.Check(outbound[0], check.Equals, Edge{Left: 0, Right: 32, Parent: recomb, Child: u})

	c.Check(GetRecombinantStrains(ts), check.DeepEquals, map[int][]string{recomb: {"spliced"}})
}

func (s *pipelineSuite) TestRetrospectiveGroup(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{
		{"2020-01-02", []string{"retro1"}},
		{"2020-01-03", []string{}},
	}, func(date string, opts *ExtendOptions) {
		if date == "2020-01-03" {
			opts.MinGroupSize = 1
			opts.MinRootMutations = 0
			opts.MinDifferentDates = 1
			opts.MaxRecurrentMutations = 100
			opts.MaxMutationsPerSample = 100
		}
	})
	day2 := tsm["2020-01-02"]
	// Cost 7 > threshold 5: deferred on its own day.
	c.Check(day2.NumNodes(), check.Equals, 2)
	top2, err := day2.Tables().TopLevel()
	c.Assert(err, check.IsNil)
	c.Check(top2.SamplesStrain, check.DeepEquals, []string{"reference"})

	ts := tsm["2020-01-03"]
	c.Check(ts.NumNodes(), check.Equals, 4)
	top, err := ts.Tables().TopLevel()
	c.Assert(err, check.IsNil)
	c.Assert(top.RetroGroups, check.HasLen, 1)
	rec := top.RetroGroups[0]
	c.Check(rec.Dates, check.DeepEquals, []string{"2020-01-02"})
	c.Check(rec.Depth, check.Equals, 1)
	c.Check(rec.GroupID, check.Equals, GroupID([]string{"retro1"}))
	c.Check(rec.NumMutations, check.Equals, 7)
	c.Check(rec.NumNodes, check.Equals, 2)
	c.Check(rec.NumRootMutations, check.Equals, 0)
	c.Check(rec.PangoLineages, check.DeepEquals, []string{"A.1"})
	c.Check(rec.Strains, check.DeepEquals, []string{"retro1"})
	c.Check(rec.DateAdded, check.Equals, "2020-01-03")

	u, md := sampleNodeByStrain(c, ts, "retro1")
	flags := ts.Tables().Nodes[u].Flags
	c.Check(flags&NodeIsRetrospective != 0, check.Equals, true)
	c.Check(flags&NodeInSampleGroup != 0, check.Equals, true)
	// The reruns computed when the sample went over threshold are kept.
	c.Check(md.Sc2ts.HmmReruns, check.HasLen, 3)
	c.Check(top.SamplesStrain, check.DeepEquals, []string{"reference", "retro1"})
}

func (s *pipelineSuite) TestRetrospectiveGateSkip(c *check.C) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(log.WarnLevel)

	tsm := s.extendChain(c, [][2]interface{}{
		{"2020-01-02", []string{"retro1"}},
		{"2020-01-03", []string{}},
	}, nil)
	ts := tsm["2020-01-03"]
	top, err := ts.Tables().TopLevel()
	c.Assert(err, check.IsNil)
	c.Check(top.RetroGroups, check.HasLen, 0)
	c.Check(ts.NumNodes(), check.Equals, 2)

	found := false
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, "Skipping size=") {
			found = true
		}
	}
	c.Check(found, check.Equals, true)
}

func (s *pipelineSuite) TestMaxMissingSites(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{{"2020-01-02", []string{"nn"}}}, func(date string, opts *ExtendOptions) {
		opts.MaxMissingSites = 5
	})
	ts := tsm["2020-01-02"]
	c.Check(ts.NumNodes(), check.Equals, 2)
	top, err := ts.Tables().TopLevel()
	c.Assert(err, check.IsNil)
	c.Check(top.SamplesStrain, check.DeepEquals, []string{"reference"})
}

func (s *pipelineSuite) TestMissingSiteCounters(c *check.C) {
	tsm := s.extendChain(c, [][2]interface{}{{"2020-01-02", []string{"nn"}}}, nil)
	ts := tsm["2020-01-02"]
	_, md := sampleNodeByStrain(c, ts, "nn")
	c.Check(md.Sc2ts.NumMissingSites, check.Equals, 11)
	for pos := 10; pos <= 20; pos++ {
		var smd SiteMetadata
		site := ts.SiteAt(pos)
		c.Assert(json.Unmarshal(ts.Tables().Sites[site].Metadata, &smd), check.IsNil)
		c.Check(smd.Sc2ts.MissingSamples, check.Equals, 1)
	}
	// Untouched sites keep empty metadata.
	c.Check(ts.Tables().Sites[ts.SiteAt(25)].Metadata, check.HasLen, 0)
}

func (s *pipelineSuite) TestDeletionTracking(c *check.C) {
	for _, deletionsAsMissing := range []bool{true, false} {
		tsm := s.extendChain(c, [][2]interface{}{{"2020-01-02", []string{"dd"}}}, func(date string, opts *ExtendOptions) {
			opts.DeletionsAsMissing = deletionsAsMissing
		})
		ts := tsm["2020-01-02"]
		u, md := sampleNodeByStrain(c, ts, "dd")
		c.Check(md.Sc2ts.AlignmentComposition["-"], check.Equals, 1)
		deletionMuts := 0
		for _, mut := range ts.Tables().Mutations {
			if mut.Node == u && mut.DerivedState == "-" {
				deletionMuts++
			}
		}
		if deletionsAsMissing {
			c.Check(deletionMuts, check.Equals, 0)
		} else {
			c.Check(deletionMuts, check.Equals, 1)
		}
		// The deletion is tracked in site metadata either way.
		var smd SiteMetadata
		site := ts.SiteAt(30)
		c.Assert(json.Unmarshal(ts.Tables().Sites[site].Metadata, &smd), check.IsNil)
		c.Check(smd.Sc2ts.DeletionSamples, check.Equals, 1)
	}
}

func (s *pipelineSuite) TestMonotoneGrowth(c *check.C) {
	schedule := [][2]interface{}{
		{"2020-01-02", []string{"rleft"}},
		{"2020-01-03", []string{"rright", "g1", "g2"}},
		{"2020-01-04", []string{"exact1", "dd"}},
	}
	tsm := s.extendChain(c, schedule, nil)
	prev := fixtureInitialTs(c)
	for _, entry := range schedule {
		ts := tsm[entry[0].(string)]
		c.Assert(ts.NumNodes() >= prev.NumNodes(), check.Equals, true)
		c.Assert(ts.NumMutations() >= prev.NumMutations(), check.Equals, true)
		// Earlier nodes keep their flags and metadata.
		for u := 0; u < prev.NumNodes(); u++ {
			c.Assert(ts.Tables().Nodes[u].Flags, check.Equals, prev.Tables().Nodes[u].Flags)
			c.Assert(string(ts.Tables().Nodes[u].Metadata), check.Equals, string(prev.Tables().Nodes[u].Metadata))
		}
		prev = ts
	}
}

func (s *pipelineSuite) TestValidateChain(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	metadata := fixtureMetadataDb(c, map[string][]string{
		"2020-01-02": {"p1"},
		"2020-01-03": {"q1", "q2", "exact1"},
	})
	defer metadata.Close()
	matchDb := fixtureMatchDb(c)
	defer matchDb.Close()
	ts := fixtureInitialTs(c)
	var err error
	for _, date := range []string{"2020-01-02", "2020-01-03"} {
		ts, err = Extend(store, metadata, ts, date, matchDb, DefaultExtendOptions())
		c.Assert(err, check.IsNil)
	}
	c.Check(Validate(ts, store, true), check.IsNil)
}

func (s *pipelineSuite) TestDeterminism(c *check.C) {
	schedule := [][2]interface{}{
		{"2020-01-02", []string{"rleft", "g1", "g2"}},
		{"2020-01-03", []string{"rright", "exact1", "retro1"}},
		{"2020-01-04", []string{"p1", "dd"}},
	}
	optsFn := func(date string, opts *ExtendOptions) {
		opts.MaxDailySamples = 2
		opts.RandomSeed = 42
	}
	run := func() *Tables {
		tsm := s.extendChain(c, schedule, optsFn)
		return tsm["2020-01-04"].Tables()
	}
	t1 := run()
	t2 := run()
	c.Check(t1.Equals(t2, true), check.Equals, true)
}

func (s *pipelineSuite) TestExtendBadDate(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	metadata := fixtureMetadataDb(c, map[string][]string{"2020-01-02": {"rleft"}})
	defer metadata.Close()
	matchDb := fixtureMatchDb(c)
	defer matchDb.Close()
	ts := fixtureInitialTs(c)
	_, err := Extend(store, metadata, ts, "2020-01-01", matchDb, DefaultExtendOptions())
	c.Check(err, check.NotNil)
	_, err = Extend(store, metadata, ts, "2019-12-31", matchDb, DefaultExtendOptions())
	c.Check(err, check.NotNil)
}
