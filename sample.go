// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Sample is one strain being considered for attachment: its encoded
// haplotype over the ARG's site grid plus the bookkeeping the later
// stages fill in. Once matched and stored a sample never changes.
type Sample struct {
	Strain string
	Date   string
	Pango  string

	// Haplotype over the site grid; nil when no alignment was stored.
	Haplotype            []int8
	AlignmentComposition map[string]int
	NumMissingSites      int
	MissingPositions     []int
	DeletionPositions    []int

	HmmMatch  *HmmMatch
	HmmReruns map[string]*HmmMatch
	GroupID   string
}

// NewSample builds a bare sample for synthetic haplotypes in tests and
// tools; Preprocess is the production entry point.
func NewSample(strain, date string, haplotype []int8) *Sample {
	return &Sample{Strain: strain, Date: date, Pango: "Unknown", Haplotype: haplotype}
}

// Summary renders a one-line description of the matching state.
func (s *Sample) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s missing=%d", s.Strain, s.Date, s.NumMissingSites)
	if s.HmmMatch != nil {
		fmt.Fprintf(&b, " path=%d mutations=%d", len(s.HmmMatch.Path), len(s.HmmMatch.Mutations))
	}
	dirs := make([]string, 0, len(s.HmmReruns))
	for dir := range s.HmmReruns {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		fmt.Fprintf(&b, " %s: %s", dir, s.HmmReruns[dir].MutationSummary())
	}
	return b.String()
}

// PreprocessOptions control alignment loading.
type PreprocessOptions struct {
	DeletionsAsMissing bool
	// SkipMissing leaves Haplotype nil for strains without a stored
	// alignment instead of failing the whole batch.
	SkipMissing bool
	NumWorkers  int
}

// Preprocess loads the requested strains from the alignment store and
// builds one Sample per strain, restricted to the given site position
// grid. The output order matches the input order; the work is spread
// over a bounded worker pool.
func Preprocess(strains []string, dates []string, store *AlignmentStore, keepSites []int, opts PreprocessOptions) ([]*Sample, error) {
	samples := make([]*Sample, len(strains))
	throttle := throttle{Max: opts.NumWorkers}
	if throttle.Max < 1 {
		throttle.Max = 1
	}
	for i := range strains {
		i := i
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			date := ""
			if dates != nil {
				date = dates[i]
			}
			sample, err := preprocessOne(strains[i], date, store, keepSites, opts)
			if err != nil {
				if opts.SkipMissing && errors.Is(err, ErrAlignmentNotFound) {
					log.Warnf("No alignment stored for %s", strains[i])
					samples[i] = &Sample{Strain: strains[i], Date: date, Pango: "Unknown"}
					return
				}
				throttle.Report(err)
				return
			}
			samples[i] = sample
		}()
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return samples, nil
}

func preprocessOne(strain, date string, store *AlignmentStore, keepSites []int, opts PreprocessOptions) (*Sample, error) {
	alignment, err := store.Get(strain)
	if err != nil {
		return nil, err
	}
	full := EncodeAlignment(alignment)
	sample := &Sample{
		Strain:               strain,
		Date:                 date,
		Pango:                "Unknown",
		Haplotype:            make([]int8, len(keepSites)),
		AlignmentComposition: map[string]int{},
	}
	del := int8(len(Alleles) - 1)
	for j, pos := range keepSites {
		if pos >= len(full) {
			return nil, errors.Wrapf(ErrAlignmentCorrupt, "%s: site position %d past alignment end", strain, pos)
		}
		a := full[pos]
		sample.Haplotype[j] = a
		sample.AlignmentComposition[compositionKey(alignment[pos])]++
		switch a {
		case MissingData:
			sample.NumMissingSites++
			sample.MissingPositions = append(sample.MissingPositions, pos)
		case del:
			sample.DeletionPositions = append(sample.DeletionPositions, pos)
		}
	}
	if opts.DeletionsAsMissing {
		maskDeletions(sample.Haplotype)
	}
	return sample, nil
}

func compositionKey(c byte) string {
	if encodeTable[c] == MissingData {
		return "N"
	}
	return string(c)
}
