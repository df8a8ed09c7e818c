// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

// Node flags. NodeIsSample uses the tskit value; the sc2ts-specific flags
// occupy the high bits left free for applications.
const (
	NodeIsSample        uint32 = 1
	NodeIsRecombinant   uint32 = 1 << 21
	NodeInSampleGroup   uint32 = 1 << 22
	NodeIsReversionPush uint32 = 1 << 23
	NodeIsRetrospective uint32 = 1 << 24
)

// Node is a row of the node table. Time is measured in days before the
// date of the ARG that contains it.
type Node struct {
	Flags    uint32
	Time     float64
	Metadata []byte
}

// Edge is a row of the edge table: Child inherits from Parent over the
// half-open genome interval [Left, Right).
type Edge struct {
	Left   int
	Right  int
	Parent int
	Child  int
}

// Site is a variant position with its ancestral state.
type Site struct {
	Position       int
	AncestralState string
	Metadata       []byte
}

// Mutation assigns DerivedState to Node at Site and all of its
// descendants, unless overridden further down.
type Mutation struct {
	Site         int
	Node         int
	DerivedState string
	Time         float64
	Metadata     []byte
}

// Provenance records one program execution that produced this ARG.
type Provenance struct {
	Timestamp string
	Record    []byte
}

// Tables is the append-only table collection encoding an ARG. All
// cross-references are row indexes.
type Tables struct {
	SequenceLength int
	Metadata       []byte
	Nodes          []Node
	Edges          []Edge
	Sites          []Site
	Mutations      []Mutation
	Provenances    []Provenance
}

// TreeSequence wraps Tables with the derived indexes needed for tree
// iteration and haplotype extraction. Construct with NewTreeSequence; the
// tables must not be modified afterwards.
type TreeSequence struct {
	tables *Tables

	sitePosition []int       // position per site id
	siteAt       map[int]int // position -> site id
	siteMuts     [][]int     // per site, mutation ids ordered oldest first
}

// NewTreeSequence indexes tables for reading. It validates the basic
// structural requirements and returns ErrArgInvariant on violation.
func NewTreeSequence(tables *Tables) (*TreeSequence, error) {
	ts := &TreeSequence{
		tables:       tables,
		sitePosition: make([]int, len(tables.Sites)),
		siteAt:       make(map[int]int, len(tables.Sites)),
		siteMuts:     make([][]int, len(tables.Sites)),
	}
	lastPos := -1
	for j, site := range tables.Sites {
		if site.Position <= lastPos {
			return nil, errors.Wrapf(ErrArgInvariant, "site %d position %d out of order", j, site.Position)
		}
		if site.Position >= tables.SequenceLength {
			return nil, errors.Wrapf(ErrArgInvariant, "site %d position %d past sequence end", j, site.Position)
		}
		lastPos = site.Position
		ts.sitePosition[j] = site.Position
		ts.siteAt[site.Position] = j
	}
	for j, mut := range tables.Mutations {
		if mut.Site < 0 || mut.Site >= len(tables.Sites) {
			return nil, errors.Wrapf(ErrArgInvariant, "mutation %d references site %d", j, mut.Site)
		}
		if mut.Node < 0 || mut.Node >= len(tables.Nodes) {
			return nil, errors.Wrapf(ErrArgInvariant, "mutation %d references node %d", j, mut.Node)
		}
		ts.siteMuts[mut.Site] = append(ts.siteMuts[mut.Site], j)
	}
	for j, edge := range tables.Edges {
		if edge.Left < 0 || edge.Right > tables.SequenceLength || edge.Left >= edge.Right {
			return nil, errors.Wrapf(ErrArgInvariant, "edge %d interval [%d, %d)", j, edge.Left, edge.Right)
		}
		if tables.Nodes[edge.Parent].Time <= tables.Nodes[edge.Child].Time {
			return nil, errors.Wrapf(ErrArgInvariant, "edge %d parent %d not older than child %d", j, edge.Parent, edge.Child)
		}
	}
	return ts, nil
}

func (ts *TreeSequence) Tables() *Tables         { return ts.tables }
func (ts *TreeSequence) NumNodes() int           { return len(ts.tables.Nodes) }
func (ts *TreeSequence) NumEdges() int           { return len(ts.tables.Edges) }
func (ts *TreeSequence) NumSites() int           { return len(ts.tables.Sites) }
func (ts *TreeSequence) NumMutations() int       { return len(ts.tables.Mutations) }
func (ts *TreeSequence) SequenceLength() int     { return ts.tables.SequenceLength }
func (ts *TreeSequence) SitesPosition() []int    { return ts.sitePosition }
func (ts *TreeSequence) SiteAt(position int) int { return ts.siteAt[position] }

// Samples returns the node ids flagged as samples, in id order.
func (ts *TreeSequence) Samples() []int {
	var samples []int
	for u, node := range ts.tables.Nodes {
		if node.Flags&NodeIsSample != 0 {
			samples = append(samples, u)
		}
	}
	return samples
}

// NumSamples counts sample-flagged nodes.
func (ts *TreeSequence) NumSamples() int {
	return len(ts.Samples())
}

// Copy deep-copies the tables so the new ARG can be extended without
// touching the committed base.
func (t *Tables) Copy() *Tables {
	out := &Tables{
		SequenceLength: t.SequenceLength,
		Metadata:       append([]byte(nil), t.Metadata...),
		Nodes:          make([]Node, len(t.Nodes)),
		Edges:          append([]Edge(nil), t.Edges...),
		Sites:          make([]Site, len(t.Sites)),
		Mutations:      make([]Mutation, len(t.Mutations)),
		Provenances:    make([]Provenance, len(t.Provenances)),
	}
	for i, n := range t.Nodes {
		n.Metadata = append([]byte(nil), n.Metadata...)
		out.Nodes[i] = n
	}
	for i, s := range t.Sites {
		s.Metadata = append([]byte(nil), s.Metadata...)
		out.Sites[i] = s
	}
	for i, m := range t.Mutations {
		m.Metadata = append([]byte(nil), m.Metadata...)
		out.Mutations[i] = m
	}
	for i, p := range t.Provenances {
		p.Record = append([]byte(nil), p.Record...)
		out.Provenances[i] = p
	}
	return out
}

// AddNode appends a node row and returns its id.
func (t *Tables) AddNode(flags uint32, time float64, metadata []byte) int {
	t.Nodes = append(t.Nodes, Node{Flags: flags, Time: time, Metadata: metadata})
	return len(t.Nodes) - 1
}

// AddEdge appends an edge row and returns its id.
func (t *Tables) AddEdge(left, right, parent, child int) int {
	t.Edges = append(t.Edges, Edge{Left: left, Right: right, Parent: parent, Child: child})
	return len(t.Edges) - 1
}

// AddSite appends a site row and returns its id.
func (t *Tables) AddSite(position int, ancestral string, metadata []byte) int {
	t.Sites = append(t.Sites, Site{Position: position, AncestralState: ancestral, Metadata: metadata})
	return len(t.Sites) - 1
}

// AddMutation appends a mutation row and returns its id.
func (t *Tables) AddMutation(site, node int, derived string, time float64, metadata []byte) int {
	t.Mutations = append(t.Mutations, Mutation{Site: site, Node: node, DerivedState: derived, Time: time, Metadata: metadata})
	return len(t.Mutations) - 1
}

// Sort puts the edge table into the canonical ordering: by parent
// time, then parent id, then child, then left. Mutation rows are ordered
// by site, then by node time descending so older mutations at a site come
// first. Required before building a TreeSequence from freshly extended
// tables, and makes table comparisons byte-stable.
func (t *Tables) Sort() {
	sort.SliceStable(t.Edges, func(i, j int) bool {
		ei, ej := t.Edges[i], t.Edges[j]
		ti, tj := t.Nodes[ei.Parent].Time, t.Nodes[ej.Parent].Time
		if ti != tj {
			return ti < tj
		}
		if ei.Parent != ej.Parent {
			return ei.Parent < ej.Parent
		}
		if ei.Child != ej.Child {
			return ei.Child < ej.Child
		}
		return ei.Left < ej.Left
	})
	sort.SliceStable(t.Mutations, func(i, j int) bool {
		mi, mj := t.Mutations[i], t.Mutations[j]
		if mi.Site != mj.Site {
			return mi.Site < mj.Site
		}
		ti, tj := t.Nodes[mi.Node].Time, t.Nodes[mj.Node].Time
		if ti != tj {
			return ti > tj
		}
		return mi.Node < mj.Node
	})
}

// Equals reports whether two table collections are identical, optionally
// ignoring provenance rows.
func (t *Tables) Equals(other *Tables, ignoreProvenance bool) bool {
	if t.SequenceLength != other.SequenceLength ||
		string(t.Metadata) != string(other.Metadata) ||
		len(t.Nodes) != len(other.Nodes) ||
		len(t.Edges) != len(other.Edges) ||
		len(t.Sites) != len(other.Sites) ||
		len(t.Mutations) != len(other.Mutations) {
		return false
	}
	for i := range t.Nodes {
		a, b := t.Nodes[i], other.Nodes[i]
		if a.Flags != b.Flags || a.Time != b.Time || string(a.Metadata) != string(b.Metadata) {
			return false
		}
	}
	for i := range t.Edges {
		if t.Edges[i] != other.Edges[i] {
			return false
		}
	}
	for i := range t.Sites {
		a, b := t.Sites[i], other.Sites[i]
		if a.Position != b.Position || a.AncestralState != b.AncestralState || string(a.Metadata) != string(b.Metadata) {
			return false
		}
	}
	for i := range t.Mutations {
		a, b := t.Mutations[i], other.Mutations[i]
		if a.Site != b.Site || a.Node != b.Node || a.DerivedState != b.DerivedState ||
			a.Time != b.Time || string(a.Metadata) != string(b.Metadata) {
			return false
		}
	}
	if !ignoreProvenance {
		if len(t.Provenances) != len(other.Provenances) {
			return false
		}
		for i := range t.Provenances {
			a, b := t.Provenances[i], other.Provenances[i]
			if a.Timestamp != b.Timestamp || string(a.Record) != string(b.Record) {
				return false
			}
		}
	}
	return true
}

// Dump writes the tables as a pgzip-compressed gob stream.
func (t *Tables) Dump(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	zw := pgzip.NewWriter(bw)
	if err := gob.NewEncoder(zw).Encode(t); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// DumpFile writes the tables to path, replacing any existing file only
// after the full stream has been written.
func (t *Tables) DumpFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	if err := t.Dump(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	return os.Rename(tmp, path)
}

// LoadTables reads a gob+pgzip stream written by Dump.
func LoadTables(r io.Reader) (*Tables, error) {
	zr, err := pgzip.NewReader(bufio.NewReaderSize(r, 1<<20))
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	defer zr.Close()
	var t Tables
	if err := gob.NewDecoder(zr).Decode(&t); err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	return &t, nil
}

// LoadTreeSequence reads and indexes an ARG from path.
func LoadTreeSequence(path string) (*TreeSequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	defer f.Close()
	tables, err := LoadTables(f)
	if err != nil {
		return nil, err
	}
	return NewTreeSequence(tables)
}

// TopLevelMetadata is the sc2ts record stored in Tables.Metadata.
type TopLevelMetadata struct {
	Date          string            `json:"date"`
	SamplesStrain []string          `json:"samples_strain"`
	ExactMatches  ExactMatchCounts  `json:"exact_matches"`
	RetroGroups   []RetroGroupRecord `json:"retro_groups"`
}

// ExactMatchCounts tallies exact-match samples by attachment node, by
// date and by pango lineage. Counters only grow.
type ExactMatchCounts struct {
	Node  map[string]int `json:"node"`
	Date  map[string]int `json:"date"`
	Pango map[string]int `json:"pango"`
}

// RetroGroupRecord summarises one retrospective group admitted to the ARG.
type RetroGroupRecord struct {
	Dates                  []string `json:"dates"`
	Depth                  int      `json:"depth"`
	GroupID                string   `json:"group_id"`
	NumMutations           int      `json:"num_mutations"`
	NumNodes               int      `json:"num_nodes"`
	NumRecurrentMutations  int      `json:"num_recurrent_mutations"`
	NumRootMutations       int      `json:"num_root_mutations"`
	PangoLineages          []string `json:"pango_lineages"`
	Strains                []string `json:"strains"`
	DateAdded              string   `json:"date_added"`
}

// TopLevel decodes the ARG's top-level metadata record. A missing record
// decodes to the zero value.
func (t *Tables) TopLevel() (TopLevelMetadata, error) {
	var md TopLevelMetadata
	if len(t.Metadata) == 0 {
		return md, nil
	}
	err := json.Unmarshal(t.Metadata, &md)
	return md, err
}

// SetTopLevel encodes and stores the top-level metadata record.
func (t *Tables) SetTopLevel(md TopLevelMetadata) error {
	if md.ExactMatches.Node == nil {
		md.ExactMatches.Node = map[string]int{}
	}
	if md.ExactMatches.Date == nil {
		md.ExactMatches.Date = map[string]int{}
	}
	if md.ExactMatches.Pango == nil {
		md.ExactMatches.Pango = map[string]int{}
	}
	if md.RetroGroups == nil {
		md.RetroGroups = []RetroGroupRecord{}
	}
	buf, err := json.Marshal(md)
	if err != nil {
		return err
	}
	t.Metadata = buf
	return nil
}

// SampleNodeMetadata is the metadata record carried by sample nodes.
type SampleNodeMetadata struct {
	Strain string           `json:"strain"`
	Date   string           `json:"date"`
	Sc2ts  SampleNodeSc2ts  `json:"sc2ts"`
}

// SampleNodeSc2ts holds the inference details for one sample node.
type SampleNodeSc2ts struct {
	GroupID              string               `json:"group_id"`
	HmmMatch             *HmmMatchRecord      `json:"hmm_match"`
	HmmReruns            map[string]*HmmMatchRecord `json:"hmm_reruns"`
	NumMissingSites      int                  `json:"num_missing_sites"`
	AlignmentComposition map[string]int       `json:"alignment_composition"`
}

// InternalNodeMetadata is carried by group root and recombinant nodes.
type InternalNodeMetadata struct {
	Sc2ts InternalNodeSc2ts `json:"sc2ts"`
}

// InternalNodeSc2ts holds attachment bookkeeping for internal nodes.
type InternalNodeSc2ts struct {
	DateAdded string `json:"date_added"`
	GroupID   string `json:"group_id,omitempty"`
	Sites     []int  `json:"sites,omitempty"`
}

// SiteMetadata carries the running per-site counters.
type SiteMetadata struct {
	Sc2ts SiteSc2ts `json:"sc2ts"`
}

// SiteSc2ts counts samples observed with deletions or missing data at the
// site.
type SiteSc2ts struct {
	DeletionSamples int `json:"deletion_samples"`
	MissingSamples  int `json:"missing_samples"`
}

// MutationMetadata tags each ARG mutation with how it was inferred.
type MutationMetadata struct {
	Sc2ts MutationSc2ts `json:"sc2ts"`
}

// MutationSc2ts: Type is "parsimony" for mutations placed from a single
// sample's residual list, "overlap" for mutations hoisted onto a shared
// group root.
type MutationSc2ts struct {
	Type string `json:"type"`
}

func mustJSON(v interface{}) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return buf
}
