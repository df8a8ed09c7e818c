// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"bufio"
	"io"
	"os"

	"github.com/kshedden/gonpy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// ExportGenotypeMatrix writes the sample nodes' genotype matrix (rows =
// samples, columns = sites, missing as -1) as a .npy file for analysis
// in the numpy ecosystem.
func ExportGenotypeMatrix(ts *TreeSequence, path string) error {
	samples := ts.Samples()
	G := ts.GenotypeMatrix(samples)
	data := make([]int8, 0, len(samples)*len(G))
	for j := range samples {
		for site := range G {
			data = append(data, G[site][j])
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	// gonpy closes our writer and ignores errors. Give it a nopCloser so
	// we can close f properly.
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(samples), len(G)}
	if err := npw.WriteInt8(data); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	log.Infof("Wrote %dx%d genotype matrix to %s", len(samples), len(G), path)
	return f.Close()
}
