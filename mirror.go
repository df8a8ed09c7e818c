// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import "sort"

// mirrorPosition reflects a site position about the sequence length.
func mirrorPosition(x, L int) int { return L - 1 - x }

// MirrorCoordinates reflects the ARG left-to-right: site positions map to
// L-1-p and edge intervals to [L-r, L-l). Applying it twice restores the
// original tables, and haplotypes of the result read as the reversed
// haplotypes of the input. The matcher uses this to run the HMM in the
// reverse direction.
func MirrorCoordinates(ts *TreeSequence) (*TreeSequence, error) {
	L := ts.tables.SequenceLength
	t := ts.tables.Copy()

	type siteRow struct {
		site Site
		id   int
	}
	rows := make([]siteRow, len(t.Sites))
	for j, s := range t.Sites {
		s.Position = mirrorPosition(s.Position, L)
		rows[j] = siteRow{site: s, id: j}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].site.Position < rows[j].site.Position })
	siteMap := make([]int, len(rows))
	for newID, r := range rows {
		t.Sites[newID] = r.site
		siteMap[r.id] = newID
	}
	for j := range t.Mutations {
		t.Mutations[j].Site = siteMap[t.Mutations[j].Site]
	}
	for j := range t.Edges {
		l, r := t.Edges[j].Left, t.Edges[j].Right
		t.Edges[j].Left, t.Edges[j].Right = L-r, L-l
	}
	t.Sort()
	return NewTreeSequence(t)
}
