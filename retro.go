// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	log "github.com/sirupsen/logrus"
)

// runRetrospective reconsiders cached matches from the trailing window
// against the current ARG. Strains already committed are skipped; groups
// clearing the gate are attached with the retrospective flag and
// reported as records for the top-level metadata.
func runRetrospective(a *attacher, matchDb *MatchDb, base *TreeSequence, date string, k int, costThreshold float64, window int, gate GateParams) ([]RetroGroupRecord, error) {
	start, err := addDays(date, -window)
	if err != nil {
		return nil, err
	}
	committed := map[string]bool{}
	for _, strain := range a.top.SamplesStrain {
		committed[strain] = true
	}
	var candidates []*Sample
	err = matchDb.IterBetween(start, date, func(row *MatchDbRow) error {
		if row.Direction != DirectionForward || row.K != k {
			return nil
		}
		if committed[row.Strain] || row.HmmCost <= costThreshold {
			return nil
		}
		sample := &Sample{
			Strain:               row.Strain,
			Date:                 row.Date,
			Pango:                row.Record.Pango,
			NumMissingSites:      row.Record.NumMissingSites,
			AlignmentComposition: row.Record.AlignmentComposition,
			MissingPositions:     row.Record.MissingPositions,
			DeletionPositions:    row.Record.DeletionPositions,
			HmmMatch:             matchFromRecord(row.Record.Match),
			HmmReruns:            map[string]*HmmMatch{},
		}
		for dir, rec := range row.Record.Reruns {
			sample.HmmReruns[dir] = matchFromRecord(rec)
		}
		reclassifyMutations(base, sample.HmmMatch)
		candidates = append(candidates, sample)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Retrospective: %d candidate strains in [%s, %s)", len(candidates), start, date)

	var records []RetroGroupRecord
	for _, g := range FormGroups(candidates) {
		if !g.checkGate(base, gate) {
			continue
		}
		st := g.stats(base)
		created := a.attachGroup(g, true)
		records = append(records, RetroGroupRecord{
			Dates:                 g.Dates(),
			Depth:                 1,
			GroupID:               g.ID,
			NumMutations:          st.totalMuts,
			NumNodes:              created,
			NumRecurrentMutations: st.numRecurrent,
			NumRootMutations:      st.rootMutations,
			PangoLineages:         g.PangoLineages(),
			Strains:               g.Strains(),
			DateAdded:             date,
		})
		log.Infof("Retrospective group %s attached: %d nodes, %d strains", g.ID, created, len(g.Samples))
	}
	return records, nil
}

// reclassifyMutations restores the reversion flags, which are not stored
// in the match database, by walking the current ARG.
func reclassifyMutations(ts *TreeSequence, m *HmmMatch) {
	segIdx := 0
	for i := range m.Mutations {
		mut := &m.Mutations[i]
		for mut.SitePosition >= m.Path[segIdx].Right {
			segIdx++
		}
		parent := m.Path[segIdx].Parent
		tree := ts.TreeAt(mut.SitePosition)
		site := ts.SiteAt(mut.SitePosition)
		mut.IsReversion, mut.IsImmediateReversion = classifyReversion(ts, tree, site, parent, mut.DerivedState)
	}
}
