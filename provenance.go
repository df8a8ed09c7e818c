// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/segmentio/ksuid"
)

const version = "0.1.0"

// ProvenanceRecord describes one program execution, stored alongside the
// tables it produced.
type ProvenanceRecord struct {
	SchemaVersion string            `json:"schema_version"`
	Software      map[string]string `json:"software"`
	RunID         string            `json:"run_id"`
	Parameters    map[string]interface{} `json:"parameters"`
	Environment   map[string]string `json:"environment"`
	Resources     map[string]float64 `json:"resources"`
}

// AddProvenance appends a provenance row recording the command that
// produced these tables. Each run gets a unique sortable id.
func AddProvenance(t *Tables, command string, args []string, started time.Time) error {
	record := ProvenanceRecord{
		SchemaVersion: "1.0.0",
		Software:      map[string]string{"name": "sc2ts", "version": version},
		RunID:         ksuid.New().String(),
		Parameters: map[string]interface{}{
			"command": command,
			"args":    args,
		},
		Environment: map[string]string{
			"go":   runtime.Version(),
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
		Resources: map[string]float64{
			"elapsed_time": time.Since(started).Seconds(),
		},
	}
	buf, err := json.Marshal(record)
	if err != nil {
		return err
	}
	t.Provenances = append(t.Provenances, Provenance{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Record:    buf,
	})
	return nil
}
