// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// InitialTsOptions configure construction of the base ARG.
type InitialTsOptions struct {
	// ReferenceStrain names the reference sample node.
	ReferenceStrain string
	// ReferenceDate is the collection date of the reference sequence.
	ReferenceDate string
	// ProblematicSites are positions excluded from the site grid.
	ProblematicSites []int
}

// InitialTs builds the starting ARG from a reference sequence: a root
// ancestor above a single reference sample, with one site per position.
// Position 0 is never a site; alignments index the genome 1-based with a
// padding byte at the front.
func InitialTs(reference []byte, opts InitialTsOptions) (*TreeSequence, error) {
	if opts.ReferenceStrain == "" {
		opts.ReferenceStrain = "Wuhan/Hu-1/2019"
	}
	if opts.ReferenceDate == "" {
		opts.ReferenceDate = "2019-12-26"
	}
	problematic := map[int]bool{0: true}
	for _, pos := range opts.ProblematicSites {
		problematic[pos] = true
	}
	tables := &Tables{SequenceLength: len(reference)}

	rootMd := map[string]interface{}{"sc2ts": map[string]interface{}{"notes": "Root ancestor"}}
	root := tables.AddNode(0, 1, mustJSON(rootMd))
	refMd := map[string]interface{}{
		"strain": opts.ReferenceStrain,
		"date":   opts.ReferenceDate,
		"sc2ts":  map[string]interface{}{"notes": "Reference sequence"},
	}
	ref := tables.AddNode(NodeIsSample, 0, mustJSON(refMd))
	tables.AddEdge(0, len(reference), root, ref)

	kept := 0
	for pos := 0; pos < len(reference); pos++ {
		if problematic[pos] {
			continue
		}
		state := string(reference[pos])
		if !strings.ContainsAny(state, Alleles) {
			return nil, errors.Wrapf(ErrConfig, "reference base %q at position %d", state, pos)
		}
		tables.AddSite(pos, state, nil)
		kept++
	}
	top := TopLevelMetadata{
		Date:          opts.ReferenceDate,
		SamplesStrain: []string{opts.ReferenceStrain},
	}
	if err := tables.SetTopLevel(top); err != nil {
		return nil, err
	}
	log.Infof("Initial ARG: %d sites over length %d", kept, len(reference))
	return NewTreeSequence(tables)
}

// ReadFasta parses a FASTA stream into label -> sequence, uppercasing
// the bases. A one-byte 'X' pad is prepended to each sequence so genome
// positions are 1-based, matching the site grid convention.
func ReadFasta(r io.Reader) (map[string][]byte, []string, error) {
	seqs := map[string][]byte{}
	var labels []string
	var label string
	var buf bytes.Buffer
	flush := func() {
		if label != "" {
			seqs[label] = append([]byte("X"), bytes.ToUpper(buf.Bytes())...)
			labels = append(labels, label)
		}
		buf.Reset()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ">") {
			flush()
			label = strings.Fields(line[1:])[0]
			continue
		}
		buf.WriteString(strings.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	flush()
	return seqs, labels, nil
}

// ReadFastaFile reads a FASTA file from disk.
func ReadFastaFile(path string) (map[string][]byte, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	defer f.Close()
	return ReadFasta(f)
}

// ReadProblematicSites loads a whitespace-separated list of positions.
func ReadProblematicSites(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	var sites []int
	for _, field := range strings.Fields(string(data)) {
		pos, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "bad problematic site %q", field)
		}
		sites = append(sites, pos)
	}
	sort.Ints(sites)
	return sites, nil
}
