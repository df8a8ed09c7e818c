// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import "github.com/pkg/errors"

// Error kinds. Callers classify failures with errors.Is against these
// sentinels; the dynamic detail travels in the wrapping message.
var (
	ErrAlignmentNotFound = errors.New("AlignmentNotFound")
	ErrAlignmentCorrupt  = errors.New("AlignmentCorrupt")
	ErrStrainConflict    = errors.New("StrainConflict")
	ErrMatchUnderflow    = errors.New("MatchUnderflow")
	ErrArgInvariant      = errors.New("ArgInvariantViolation")
	ErrStoreIO           = errors.New("StoreIoError")
	ErrConfig            = errors.New("ConfigError")
)
