// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"gopkg.in/check.v1"
)

type allelesSuite struct{}

var _ = check.Suite(&allelesSuite{})

func (s *allelesSuite) TestEncodeDecodeRoundTrip(c *check.C) {
	in := []byte("ACGT-NACGT-N")
	a := EncodeAlignment(in)
	c.Check(a, check.DeepEquals, []int8{0, 1, 2, 3, 4, -1, 0, 1, 2, 3, 4, -1})
	c.Check(DecodeAlignment(a), check.DeepEquals, in)
}

func (s *allelesSuite) TestEncodeUnknownCharacters(c *check.C) {
	// IUPAC ambiguity codes and lower case all encode as missing.
	for _, b := range []byte("RYKMSWBDHVnacgtX?") {
		a := EncodeAlignment([]byte{b})
		c.Check(a[0], check.Equals, MissingData)
	}
}

func (s *allelesSuite) TestComposition(c *check.C) {
	comp := AlignmentComposition([]byte("AACGT--NRX"))
	c.Check(comp, check.DeepEquals, map[string]int{
		"A": 2, "C": 1, "G": 1, "T": 1, "-": 2, "N": 3,
	})
}

func (s *allelesSuite) TestMaskDeletions(c *check.C) {
	a := EncodeAlignment([]byte("A-C-G"))
	maskDeletions(a)
	c.Check(a, check.DeepEquals, []int8{0, -1, 1, -1, 2})
}
