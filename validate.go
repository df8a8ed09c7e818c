// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"github.com/pkg/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"
)

// Validate checks that every sample node in the ARG encodes the stored
// alignment: the haplotype reconstructed from the trees must equal the
// encoded alignment at every non-missing site. On mismatch the error
// carries a compact diff of the two decoded sequences.
func Validate(ts *TreeSequence, store *AlignmentStore, deletionsAsMissing bool) error {
	positions := ts.SitesPosition()
	for _, u := range ts.Samples() {
		strain := nodeStrain(ts.tables.Nodes[u])
		if strain == "" {
			continue
		}
		alignment, err := store.Get(strain)
		if errors.Is(err, ErrAlignmentNotFound) {
			log.Warnf("validate: no alignment for %s", strain)
			continue
		} else if err != nil {
			return err
		}
		encoded := EncodeAlignment(alignment)
		expected := make([]int8, len(positions))
		for j, pos := range positions {
			expected[j] = encoded[pos]
		}
		if deletionsAsMissing {
			maskDeletions(expected)
		}
		got := ts.NodeHaplotype(u)
		for j := range positions {
			if expected[j] == MissingData {
				continue
			}
			if got[j] != expected[j] {
				dmp := diffmatchpatch.New()
				diffs := dmp.DiffMain(string(DecodeAlignment(expected)), string(DecodeAlignment(got)), false)
				return errors.Wrapf(ErrArgInvariant,
					"%s: haplotype mismatch at position %d: %s",
					strain, positions[j], dmp.DiffPrettyText(diffs))
			}
		}
		log.Debugf("validate: %s ok", strain)
	}
	return nil
}
