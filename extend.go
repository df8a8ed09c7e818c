// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ExtendOptions control one daily extension. Use DefaultExtendOptions
// and override; Extend expects every field populated.
type ExtendOptions struct {
	NumMismatches         int
	HmmCostThreshold      float64
	MinGroupSize          int
	MinRootMutations      int
	MinDifferentDates     int
	MaxMutationsPerSample float64
	MaxRecurrentMutations int
	RetrospectiveWindow   int
	DeletionsAsMissing    bool
	MaxDailySamples       int
	MaxMissingSites       int
	RandomSeed            int64
	NumThreads            int
	LikelihoodThreshold   float64
}

// DefaultExtendOptions returns the standard daily-run parameters.
func DefaultExtendOptions() ExtendOptions {
	return ExtendOptions{
		NumMismatches:         3,
		HmmCostThreshold:      5,
		MinGroupSize:          10,
		MinRootMutations:      2,
		MinDifferentDates:     3,
		MaxMutationsPerSample: 10,
		MaxRecurrentMutations: 10,
		RetrospectiveWindow:   30,
		DeletionsAsMissing:    true,
		RandomSeed:            42,
		LikelihoodThreshold:   DefaultLikelihoodThreshold,
	}
}

const dateLayout = "2006-01-02"

func daysBetween(d1, d2 string) (int, error) {
	t1, err := time.Parse(dateLayout, d1)
	if err != nil {
		return 0, errors.Wrapf(ErrConfig, "bad date %q", d1)
	}
	t2, err := time.Parse(dateLayout, d2)
	if err != nil {
		return 0, errors.Wrapf(ErrConfig, "bad date %q", d2)
	}
	return int(t2.Sub(t1).Hours() / 24), nil
}

func addDays(date string, days int) (string, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", errors.Wrapf(ErrConfig, "bad date %q", date)
	}
	return t.AddDate(0, 0, days).Format(dateLayout), nil
}

// Extend matches the given date's samples against the base ARG and
// returns a new ARG containing them. The base is never modified: either
// a fully consistent extension comes back, or the error leaves the
// caller holding the unchanged base. The match database is updated with
// every HMM run along the way.
func Extend(alignments *AlignmentStore, metadata *MetadataDb, base *TreeSequence, date string, matchDb *MatchDb, opts ExtendOptions) (*TreeSequence, error) {
	baseTop, err := base.Tables().TopLevel()
	if err != nil {
		return nil, err
	}
	if baseTop.Date == "" {
		return nil, errors.Wrap(ErrConfig, "base ARG carries no date")
	}
	if date <= baseTop.Date {
		return nil, errors.Wrapf(ErrConfig, "date %s not after base date %s", date, baseTop.Date)
	}
	increment, err := daysBetween(baseTop.Date, date)
	if err != nil {
		return nil, err
	}

	rows, err := metadata.Get(date)
	if err != nil {
		return nil, err
	}
	log.Infof("Extend %s: %d metadata rows, base %d nodes", date, len(rows), base.NumNodes())
	rows = subsampleRows(rows, opts.MaxDailySamples, opts.RandomSeed, date)

	strains := make([]string, len(rows))
	dates := make([]string, len(rows))
	for i, row := range rows {
		strains[i] = row.Strain
		dates[i] = date
	}
	samples, err := Preprocess(strains, dates, alignments, base.SitesPosition(), PreprocessOptions{
		DeletionsAsMissing: opts.DeletionsAsMissing,
		SkipMissing:        true,
		NumWorkers:         opts.NumThreads,
	})
	if err != nil {
		return nil, err
	}
	kept := samples[:0]
	for i, sample := range samples {
		sample.Pango = rows[i].Pango
		if sample.Haplotype == nil {
			continue
		}
		if opts.MaxMissingSites > 0 && sample.NumMissingSites > opts.MaxMissingSites {
			log.Debugf("Dropping %s: num_missing_sites=%d > %d", sample.Strain, sample.NumMissingSites, opts.MaxMissingSites)
			continue
		}
		kept = append(kept, sample)
	}
	samples = kept

	mu, rho := SolveNumMismatches(opts.NumMismatches)
	matches, err := MatchHaplotypes(base, samples, mu, rho, MatcherOptions{
		LikelihoodThreshold: opts.LikelihoodThreshold,
		NumWorkers:          opts.NumThreads,
	})
	if err != nil {
		return nil, err
	}
	L := base.SequenceLength()
	var costly []*Sample
	for i, sample := range samples {
		sample.HmmMatch = matches[i]
		sample.HmmReruns = map[string]*HmmMatch{}
		if sample.HmmMatch.Cost(opts.NumMismatches, L) > opts.HmmCostThreshold {
			costly = append(costly, sample)
		}
	}
	if len(costly) > 0 {
		log.Infof("Extend %s: rerunning HMM for %d samples over cost threshold", date, len(costly))
		if err := MatchRecombinants(costly, base, opts.NumMismatches, opts.LikelihoodThreshold, opts.NumThreads); err != nil {
			return nil, err
		}
	}
	if err := matchDb.Add(samples, date, opts.NumMismatches, L); err != nil {
		return nil, err
	}

	tables := base.Tables().Copy()
	for i := range tables.Nodes {
		tables.Nodes[i].Time += float64(increment)
	}
	for i := range tables.Mutations {
		tables.Mutations[i].Time += float64(increment)
	}
	top := copyTopLevel(baseTop)
	a := &attacher{tables: tables, base: base, date: date, top: &top}

	var eligible []*Sample
	for _, sample := range samples {
		if sample.HmmMatch.Cost(opts.NumMismatches, L) > opts.HmmCostThreshold {
			log.Debugf("Deferring %s: hmm_cost over threshold", sample.Strain)
			continue
		}
		if isExactMatch(sample.HmmMatch) {
			a.countExactMatch(sample)
			continue
		}
		eligible = append(eligible, sample)
	}
	groups := FormGroups(eligible)
	for _, g := range groups {
		a.attachGroup(g, false)
	}
	log.Infof("Extend %s: attached %d groups (%d samples), %d exact matches",
		date, len(groups), len(eligible), len(samples)-len(eligible)-len(costly))

	gate := GateParams{
		MinGroupSize:          opts.MinGroupSize,
		MinRootMutations:      opts.MinRootMutations,
		MinDifferentDates:     opts.MinDifferentDates,
		MaxRecurrentMutations: opts.MaxRecurrentMutations,
		MaxMutationsPerSample: opts.MaxMutationsPerSample,
	}
	records, err := runRetrospective(a, matchDb, base, date, opts.NumMismatches, opts.HmmCostThreshold, opts.RetrospectiveWindow, gate)
	if err != nil {
		return nil, err
	}

	top.Date = date
	top.RetroGroups = append(top.RetroGroups, records...)
	if err := tables.SetTopLevel(top); err != nil {
		return nil, err
	}
	tables.Sort()
	ts, err := NewTreeSequence(tables)
	if err != nil {
		// The base on disk is untouched; report and roll back.
		return nil, errors.Wrapf(err, "extension for %s failed validation", date)
	}
	log.Infof("Extend %s: done, %d nodes %d mutations", date, ts.NumNodes(), ts.NumMutations())
	return ts, nil
}

// subsampleRows uniformly picks at most max rows, seeded by the run seed
// mixed with the date so each day draws independently but repeatably.
func subsampleRows(rows []MetadataRow, max int, seed int64, date string) []MetadataRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	h := fnv.New64a()
	h.Write([]byte(date))
	rng := rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
	idx := rng.Perm(len(rows))[:max]
	sort.Ints(idx)
	out := make([]MetadataRow, max)
	for i, j := range idx {
		out[i] = rows[j]
	}
	log.Infof("Subsampled %d of %d rows for %s", max, len(rows), date)
	return out
}

func copyTopLevel(md TopLevelMetadata) TopLevelMetadata {
	out := md
	out.SamplesStrain = append([]string(nil), md.SamplesStrain...)
	out.RetroGroups = append([]RetroGroupRecord(nil), md.RetroGroups...)
	out.ExactMatches = ExactMatchCounts{
		Node:  map[string]int{},
		Date:  map[string]int{},
		Pango: map[string]int{},
	}
	for k, v := range md.ExactMatches.Node {
		out.ExactMatches.Node[k] = v
	}
	for k, v := range md.ExactMatches.Date {
		out.ExactMatches.Date[k] = v
	}
	for k, v := range md.ExactMatches.Pango {
		out.ExactMatches.Pango[k] = v
	}
	return out
}
