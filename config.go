// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// extendConfig is the TOML form of ExtendOptions, so long-running daily
// pipelines can keep their thresholds in one reviewed file instead of a
// flag soup.
type extendConfig struct {
	NumMismatches         *int     `toml:"num_mismatches"`
	HmmCostThreshold      *float64 `toml:"hmm_cost_threshold"`
	MinGroupSize          *int     `toml:"min_group_size"`
	MinRootMutations      *int     `toml:"min_root_mutations"`
	MinDifferentDates     *int     `toml:"min_different_dates"`
	MaxMutationsPerSample *float64 `toml:"max_mutations_per_sample"`
	MaxRecurrentMutations *int     `toml:"max_recurrent_mutations"`
	RetrospectiveWindow   *int     `toml:"retrospective_window"`
	DeletionsAsMissing    *bool    `toml:"deletions_as_missing"`
	MaxDailySamples       *int     `toml:"max_daily_samples"`
	MaxMissingSites       *int     `toml:"max_missing_sites"`
	RandomSeed            *int64   `toml:"random_seed"`
	NumThreads            *int     `toml:"num_threads"`
}

// LoadExtendConfig overlays a TOML config file onto the given options.
// Keys absent from the file keep their current values.
func LoadExtendConfig(path string, opts *ExtendOptions) error {
	var cfg extendConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return errors.Wrapf(ErrConfig, "%s: %v", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Wrapf(ErrConfig, "%s: unknown keys %v", path, undecoded)
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&opts.NumMismatches, cfg.NumMismatches)
	setInt(&opts.MinGroupSize, cfg.MinGroupSize)
	setInt(&opts.MinRootMutations, cfg.MinRootMutations)
	setInt(&opts.MinDifferentDates, cfg.MinDifferentDates)
	setInt(&opts.MaxRecurrentMutations, cfg.MaxRecurrentMutations)
	setInt(&opts.RetrospectiveWindow, cfg.RetrospectiveWindow)
	setInt(&opts.MaxDailySamples, cfg.MaxDailySamples)
	setInt(&opts.MaxMissingSites, cfg.MaxMissingSites)
	setInt(&opts.NumThreads, cfg.NumThreads)
	if cfg.HmmCostThreshold != nil {
		opts.HmmCostThreshold = *cfg.HmmCostThreshold
	}
	if cfg.MaxMutationsPerSample != nil {
		opts.MaxMutationsPerSample = *cfg.MaxMutationsPerSample
	}
	if cfg.DeletionsAsMissing != nil {
		opts.DeletionsAsMissing = *cfg.DeletionsAsMissing
	}
	if cfg.RandomSeed != nil {
		opts.RandomSeed = *cfg.RandomSeed
	}
	return nil
}
