// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"gopkg.in/check.v1"
)

type mirrorSuite struct{}

var _ = check.Suite(&mirrorSuite{})

// twoLeafTs builds a balanced two-leaf tree over [0, span) with the given
// sites, and optional mutations on leaf 0 at the listed site ids.
func twoLeafTs(c *check.C, span int, sites []Site, mutSites []int) *TreeSequence {
	t := &Tables{SequenceLength: span}
	t.AddNode(NodeIsSample, 0, nil) // leaf 0
	t.AddNode(NodeIsSample, 0, nil) // leaf 1
	t.AddNode(0, 1, nil)            // root
	t.AddEdge(0, span, 2, 0)
	t.AddEdge(0, span, 2, 1)
	for _, site := range sites {
		t.AddSite(site.Position, site.AncestralState, nil)
	}
	for _, site := range mutSites {
		t.AddMutation(site, 0, "T", 0, nil)
	}
	t.Sort()
	ts, err := NewTreeSequence(t)
	c.Assert(err, check.IsNil)
	return ts
}

func (s *mirrorSuite) TestDenseSitesExample(c *check.C) {
	ts1 := twoLeafTs(c, 10, []Site{
		{Position: 0, AncestralState: "A"},
		{Position: 2, AncestralState: "C"},
		{Position: 5, AncestralState: "-"},
		{Position: 8, AncestralState: "G"},
		{Position: 9, AncestralState: "T"},
	}, nil)
	ts2, err := MirrorCoordinates(ts1)
	c.Assert(err, check.IsNil)
	c.Check(ts2.NumSites(), check.Equals, ts1.NumSites())
	c.Check(ts2.SitesPosition(), check.DeepEquals, []int{0, 1, 4, 7, 9})
	states := ""
	for _, site := range ts2.Tables().Sites {
		states += site.AncestralState
	}
	c.Check(states, check.Equals, "TG-CA")
}

func (s *mirrorSuite) TestSparseSitesExample(c *check.C) {
	ts1 := twoLeafTs(c, 100, []Site{
		{Position: 10, AncestralState: "A"},
		{Position: 12, AncestralState: "C"},
		{Position: 15, AncestralState: "-"},
		{Position: 18, AncestralState: "G"},
		{Position: 19, AncestralState: "T"},
	}, nil)
	ts2, err := MirrorCoordinates(ts1)
	c.Assert(err, check.IsNil)
	c.Check(ts2.SitesPosition(), check.DeepEquals, []int{80, 81, 84, 87, 89})
	states := ""
	for _, site := range ts2.Tables().Sites {
		states += site.AncestralState
	}
	c.Check(states, check.Equals, "TG-CA")
}

func (s *mirrorSuite) checkDoubleMirror(c *check.C, ts *TreeSequence) {
	mirror, err := MirrorCoordinates(ts)
	c.Assert(err, check.IsNil)
	for _, u := range ts.Samples() {
		h1 := ts.NodeHaplotype(u)
		h2 := mirror.NodeHaplotype(u)
		c.Assert(len(h2), check.Equals, len(h1))
		for i := range h1 {
			c.Assert(h2[i], check.Equals, h1[len(h1)-1-i])
		}
	}
	double, err := MirrorCoordinates(mirror)
	c.Assert(err, check.IsNil)
	c.Check(double.Tables().Equals(ts.Tables(), false), check.Equals, true)
}

func (s *mirrorSuite) TestInvolutionNoMutations(c *check.C) {
	ts := twoLeafTs(c, 10, []Site{
		{Position: 1, AncestralState: "A"},
		{Position: 3, AncestralState: "C"},
		{Position: 7, AncestralState: "G"},
	}, nil)
	s.checkDoubleMirror(c, ts)
}

func (s *mirrorSuite) TestInvolutionWithMutations(c *check.C) {
	ts := twoLeafTs(c, 10, []Site{
		{Position: 1, AncestralState: "A"},
		{Position: 3, AncestralState: "C"},
		{Position: 7, AncestralState: "G"},
	}, []int{0, 2})
	s.checkDoubleMirror(c, ts)
}

func (s *mirrorSuite) TestInvolutionInitialTs(c *check.C) {
	s.checkDoubleMirror(c, fixtureInitialTs(c))
}

func (s *mirrorSuite) TestInvolutionMultipleTrees(c *check.C) {
	// A recombinant topology: node 3 inherits from 0 on the left and 1
	// on the right.
	t := &Tables{SequenceLength: 20}
	t.AddNode(NodeIsSample, 1, nil)
	t.AddNode(NodeIsSample, 1, nil)
	t.AddNode(0, 2, nil)
	t.AddNode(NodeIsSample|NodeIsRecombinant, 0, nil)
	t.AddEdge(0, 20, 2, 0)
	t.AddEdge(0, 20, 2, 1)
	t.AddEdge(0, 8, 0, 3)
	t.AddEdge(8, 20, 1, 3)
	t.AddSite(2, "A", nil)
	t.AddSite(11, "C", nil)
	t.AddMutation(0, 0, "G", 1, nil)
	t.AddMutation(1, 1, "T", 1, nil)
	t.Sort()
	ts, err := NewTreeSequence(t)
	c.Assert(err, check.IsNil)
	c.Check(ts.NumTrees(), check.Equals, 2)
	s.checkDoubleMirror(c, ts)
}
