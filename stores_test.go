// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/check.v1"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

type storesSuite struct{}

var _ = check.Suite(&storesSuite{})

func (s *storesSuite) TestAlignmentStoreRoundTrip(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	got, err := store.Get("rleft")
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, fixtureAlignment(fixtureStrains["rleft"]))
	n, err := store.Len()
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, len(fixtureStrains))
	c.Check(store.SequenceLength(), check.Equals, 32)
}

func (s *storesSuite) TestAlignmentStoreNotFound(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	_, err := store.Get("nonesuch")
	c.Check(errors.Is(err, ErrAlignmentNotFound), check.Equals, true)
}

func (s *storesSuite) TestAlignmentStoreIdempotentAppend(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	err := store.AppendMap(map[string][]byte{"rleft": fixtureAlignment(fixtureStrains["rleft"])})
	c.Check(err, check.IsNil)
	n, err := store.Len()
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, len(fixtureStrains))
}

func (s *storesSuite) TestAlignmentStoreConflict(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	err := store.AppendMap(map[string][]byte{"rleft": fixtureAlignment(map[int]byte{30: 'A'})})
	c.Check(errors.Is(err, ErrStrainConflict), check.Equals, true)
}

func (s *storesSuite) TestAlignmentStoreLengthMismatch(c *check.C) {
	store := fixtureAlignmentStore(c)
	defer store.Close()
	err := store.AppendMap(map[string][]byte{"short": []byte("XACGT")})
	c.Check(errors.Is(err, ErrAlignmentCorrupt), check.Equals, true)
}

func (s *storesSuite) TestAlignmentStoreModes(c *check.C) {
	dir := c.MkDir()
	_, err := OpenAlignmentStore(dir+"/missing.db", "r")
	c.Check(err, check.NotNil)
	_, err = OpenAlignmentStore(dir+"/new.db", "bogus")
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
	store, err := OpenAlignmentStore(dir+"/new.db", "create")
	c.Assert(err, check.IsNil)
	store.Close()
	store, err = OpenAlignmentStore(dir+"/new.db", "r")
	c.Assert(err, check.IsNil)
	err = store.AppendMap(map[string][]byte{"x": []byte("XA")})
	c.Check(err, check.NotNil)
	store.Close()
}

func (s *storesSuite) TestMetadataDb(c *check.C) {
	mdb := fixtureMetadataDb(c, map[string][]string{
		"2020-01-02": {"rleft", "rright"},
		"2020-01-03": {"g1"},
	})
	defer mdb.Close()
	rows, err := mdb.Get("2020-01-02")
	c.Assert(err, check.IsNil)
	c.Assert(rows, check.HasLen, 2)
	// Ordered by strain.
	c.Check(rows[0].Strain, check.Equals, "rleft")
	c.Check(rows[1].Strain, check.Equals, "rright")
	c.Check(rows[0].Pango, check.Equals, "A.1")

	dates, counts, err := mdb.DateSampleCounts()
	c.Assert(err, check.IsNil)
	c.Check(dates, check.DeepEquals, []string{"2020-01-02", "2020-01-03"})
	c.Check(counts["2020-01-02"], check.Equals, 2)

	empty, err := mdb.Get("2020-06-01")
	c.Assert(err, check.IsNil)
	c.Check(empty, check.HasLen, 0)
}

func (s *storesSuite) TestMatchDb(c *check.C) {
	mdb := fixtureMatchDb(c)
	defer mdb.Close()

	sample := NewSample("rleft", "2020-01-02", fixtureHaplotype(fixtureStrains["rleft"]))
	sample.HmmMatch = &HmmMatch{
		Path: []PathSegment{{Left: 0, Right: 32, Parent: 1}},
		Mutations: []MatchMutation{
			{SitePosition: 3, DerivedState: "A", InheritedState: "G"},
		},
	}
	c.Assert(mdb.Add([]*Sample{sample}, "2020-01-02", 3, 32), check.IsNil)

	row, err := mdb.Get("rleft", DirectionForward, 3)
	c.Assert(err, check.IsNil)
	c.Assert(row, check.NotNil)
	c.Check(row.Date, check.Equals, "2020-01-02")
	c.Check(row.HmmCost, check.Equals, 1.0)
	c.Check(row.Record.Match.Path[0].Parent, check.Equals, 1)

	missing, err := mdb.Get("rleft", DirectionReverse, 3)
	c.Assert(err, check.IsNil)
	c.Check(missing, check.IsNil)

	n, err := mdb.CountNewer("2020-01-01")
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	n, err = mdb.CountNewer("2020-01-02")
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)

	last, err := mdb.LastDate()
	c.Assert(err, check.IsNil)
	c.Check(last, check.Equals, "2020-01-02")

	var seen []string
	err = mdb.IterBetween("2020-01-01", "2020-02-01", func(row *MatchDbRow) error {
		seen = append(seen, row.Strain)
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Check(seen, check.DeepEquals, []string{"rleft"})

	// Deletion is strictly-newer only.
	c.Assert(mdb.DeleteNewer("2020-01-02"), check.IsNil)
	n, err = mdb.Len()
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	c.Assert(mdb.DeleteNewer("2020-01-01"), check.IsNil)
	n, err = mdb.Len()
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)
}

func (s *storesSuite) TestFastaReader(c *check.C) {
	seqs, labels, err := ReadFasta(stringsReader(">one desc\nACGT\nACGT\n>two\nGGGG\n"))
	c.Assert(err, check.IsNil)
	c.Check(labels, check.DeepEquals, []string{"one", "two"})
	c.Check(seqs["one"], check.DeepEquals, []byte("XACGTACGT"))
	c.Check(seqs["two"], check.DeepEquals, []byte("XGGGG"))
}
