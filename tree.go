// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import "sort"

// Tree is the marginal tree over one genome interval, represented as a
// parent array over node ids. The virtual root is parent -1.
type Tree struct {
	Left   int
	Right  int
	parent []int
}

// Parent returns the parent of u in this tree, or -1 at the root.
func (t *Tree) Parent(u int) int { return t.parent[u] }

// Children returns the child nodes of u, in id order.
func (t *Tree) Children(u int) []int {
	var children []int
	for v, p := range t.parent {
		if p == u {
			children = append(children, v)
		}
	}
	return children
}

// Siblings returns the other children of u's parent.
func (t *Tree) Siblings(u int) []int {
	p := t.parent[u]
	if p == -1 {
		return nil
	}
	var sibs []int
	for _, v := range t.Children(p) {
		if v != u {
			sibs = append(sibs, v)
		}
	}
	return sibs
}

// Root walks to the top of the tree from u.
func (t *Tree) Root(u int) int {
	for t.parent[u] != -1 {
		u = t.parent[u]
	}
	return u
}

// breakpoints returns the sorted distinct interval boundaries over the
// genome, always including 0 and the sequence length.
func (ts *TreeSequence) breakpoints() []int {
	seen := map[int]bool{0: true, ts.tables.SequenceLength: true}
	for _, e := range ts.tables.Edges {
		seen[e.Left] = true
		seen[e.Right] = true
	}
	bps := make([]int, 0, len(seen))
	for x := range seen {
		bps = append(bps, x)
	}
	sort.Ints(bps)
	return bps
}

// TreeAt builds the marginal tree covering position x.
func (ts *TreeSequence) TreeAt(x int) *Tree {
	bps := ts.breakpoints()
	i := sort.SearchInts(bps, x+1) - 1
	tree := &Tree{Left: bps[i], Right: bps[i+1], parent: make([]int, len(ts.tables.Nodes))}
	for u := range tree.parent {
		tree.parent[u] = -1
	}
	for _, e := range ts.tables.Edges {
		if e.Left <= x && x < e.Right {
			tree.parent[e.Child] = e.Parent
		}
	}
	return tree
}

// ForEachTree visits the marginal trees left to right.
func (ts *TreeSequence) ForEachTree(f func(*Tree) error) error {
	bps := ts.breakpoints()
	for i := 0; i+1 < len(bps); i++ {
		tree := ts.TreeAt(bps[i])
		if err := f(tree); err != nil {
			return err
		}
	}
	return nil
}

// NumTrees counts the distinct marginal trees.
func (ts *TreeSequence) NumTrees() int {
	n := 0
	ts.ForEachTree(func(*Tree) error { n++; return nil })
	return n
}

// stateAt resolves the allele carried by node u at site: the derived
// state of the nearest mutation on the path from u to the root, falling
// back to the ancestral state.
func (ts *TreeSequence) stateAt(tree *Tree, site, u int) string {
	for v := u; v != -1; v = tree.parent[v] {
		for _, m := range ts.siteMuts[site] {
			if ts.tables.Mutations[m].Node == v {
				return ts.tables.Mutations[m].DerivedState
			}
		}
	}
	return ts.tables.Sites[site].AncestralState
}

// GenotypeMatrix extracts the encoded allele of each requested node at
// every site: result[site][j] is the allele of nodes[j]. States outside
// the canonical alphabet encode as MissingData.
func (ts *TreeSequence) GenotypeMatrix(nodes []int) [][]int8 {
	G := make([][]int8, len(ts.tables.Sites))
	var tree *Tree
	for site := range ts.tables.Sites {
		pos := ts.sitePosition[site]
		if tree == nil || pos >= tree.Right {
			tree = ts.TreeAt(pos)
		}
		row := make([]int8, len(nodes))
		for j, u := range nodes {
			state := ts.stateAt(tree, site, u)
			row[j] = encodeState(state)
		}
		G[site] = row
	}
	return G
}

// NodeHaplotype reconstructs the encoded haplotype of one node over the
// site grid.
func (ts *TreeSequence) NodeHaplotype(u int) []int8 {
	G := ts.GenotypeMatrix([]int{u})
	h := make([]int8, len(G))
	for i, row := range G {
		h[i] = row[0]
	}
	return h
}

func encodeState(state string) int8 {
	if len(state) != 1 {
		return MissingData
	}
	return encodeTable[state[0]]
}

func decodeState(a int8) string {
	if a == MissingData {
		return "N"
	}
	return string(Alleles[a])
}
