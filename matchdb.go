// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Match directions. The no-recombination rerun is stored inside the
// sample record rather than as its own direction.
const (
	DirectionForward = "forward"
	DirectionReverse = "reverse"
)

// MatchDbRow is one cached HMM run for a strain.
type MatchDbRow struct {
	Strain    string
	Date      string
	Direction string
	K         int
	HmmCost   float64
	Record    SampleMatchRecord
}

// SampleMatchRecord is everything about a matched sample that later
// stages need: the match itself, the reruns, and the alignment summary
// fields that end up in node metadata.
type SampleMatchRecord struct {
	Match                *HmmMatchRecord            `json:"match"`
	Reruns               map[string]*HmmMatchRecord `json:"reruns"`
	Pango                string                     `json:"pango_lineage"`
	NumMissingSites      int                        `json:"num_missing_sites"`
	AlignmentComposition map[string]int             `json:"alignment_composition"`
	MissingPositions     []int                      `json:"missing_positions"`
	DeletionPositions    []int                      `json:"deletion_positions"`
}

// MatchDb is the durable cache of HMM matches keyed by (strain,
// direction, k). Writers are serialised; deletion is restricted to
// strictly newer dates so committed history is never touched.
type MatchDb struct {
	db   *sql.DB
	path string
	mtx  sync.Mutex
}

const matchSchema = `
CREATE TABLE IF NOT EXISTS match (
	strain TEXT NOT NULL,
	date TEXT NOT NULL,
	direction TEXT NOT NULL,
	num_mismatches INTEGER NOT NULL,
	record TEXT NOT NULL,
	hmm_cost REAL NOT NULL,
	PRIMARY KEY (strain, direction, num_mismatches)
);
CREATE INDEX IF NOT EXISTS idx_match_date ON match (date);
`

// InitialiseMatchDb creates a fresh match database at path, replacing
// any existing one.
func InitialiseMatchDb(path string) (*MatchDb, error) {
	os.Remove(path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	if _, err := db.Exec(matchSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	return &MatchDb{db: db, path: path}, nil
}

// OpenMatchDb opens an existing match database.
func OpenMatchDb(path string) (*MatchDb, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrStoreIO, "match db %s: %v", path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	return &MatchDb{db: db, path: path}, nil
}

func (mdb *MatchDb) Close() error { return mdb.db.Close() }

// Len counts the cached rows.
func (mdb *MatchDb) Len() (int, error) {
	var n int
	err := mdb.db.QueryRow(`SELECT COUNT(*) FROM match`).Scan(&n)
	return n, err
}

// Add stores the matches of the given samples for one date and k. The
// forward match is the row's primary record; reruns ride inside it.
func (mdb *MatchDb) Add(samples []*Sample, date string, k, sequenceLength int) error {
	mdb.mtx.Lock()
	defer mdb.mtx.Unlock()
	tx, err := mdb.db.Begin()
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO match
		(strain, date, direction, num_mismatches, record, hmm_cost)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer stmt.Close()
	added := 0
	for _, sample := range samples {
		if sample.HmmMatch == nil {
			continue
		}
		record := SampleMatchRecord{
			Match:                sample.HmmMatch.Record(),
			Reruns:               map[string]*HmmMatchRecord{},
			Pango:                sample.Pango,
			NumMissingSites:      sample.NumMissingSites,
			AlignmentComposition: sample.AlignmentComposition,
			MissingPositions:     sample.MissingPositions,
			DeletionPositions:    sample.DeletionPositions,
		}
		for dir, match := range sample.HmmReruns {
			record.Reruns[dir] = match.Record()
		}
		buf, err := json.Marshal(record)
		if err != nil {
			return err
		}
		cost := sample.HmmMatch.Cost(k, sequenceLength)
		if _, err := stmt.Exec(sample.Strain, date, DirectionForward, k, string(buf), cost); err != nil {
			return errors.Wrap(ErrStoreIO, err.Error())
		}
		added++
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	log.Debugf("MatchDb: added %d matches for %s", added, date)
	return nil
}

// Get returns the cached row for (strain, direction, k), or nil.
func (mdb *MatchDb) Get(strain, direction string, k int) (*MatchDbRow, error) {
	row := mdb.db.QueryRow(`SELECT strain, date, direction, num_mismatches, record, hmm_cost
		FROM match WHERE strain = ? AND direction = ? AND num_mismatches = ?`, strain, direction, k)
	out, err := scanMatchRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return out, err
}

// CountNewer counts rows with date strictly after the given one.
func (mdb *MatchDb) CountNewer(date string) (int, error) {
	var n int
	err := mdb.db.QueryRow(`SELECT COUNT(*) FROM match WHERE date > ?`, date).Scan(&n)
	return n, err
}

// DeleteNewer removes rows with date strictly after the given one,
// resetting the forward view when a date is re-run.
func (mdb *MatchDb) DeleteNewer(date string) error {
	mdb.mtx.Lock()
	defer mdb.mtx.Unlock()
	res, err := mdb.db.Exec(`DELETE FROM match WHERE date > ?`, date)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	n, _ := res.RowsAffected()
	log.Infof("MatchDb: deleted %d matches newer than %s", n, date)
	return nil
}

// IterBetween visits rows with d1 <= date < d2, ordered by date then
// strain.
func (mdb *MatchDb) IterBetween(d1, d2 string, f func(*MatchDbRow) error) error {
	rows, err := mdb.db.Query(`SELECT strain, date, direction, num_mismatches, record, hmm_cost
		FROM match WHERE date >= ? AND date < ? ORDER BY date, strain`, d1, d2)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		row, err := scanMatchRow(rows.Scan)
		if err != nil {
			return err
		}
		if err := f(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastDate returns the most recent date with cached matches, or "".
func (mdb *MatchDb) LastDate() (string, error) {
	var date sql.NullString
	err := mdb.db.QueryRow(`SELECT MAX(date) FROM match`).Scan(&date)
	if err != nil {
		return "", errors.Wrap(ErrStoreIO, err.Error())
	}
	return date.String, nil
}

// CostCounts tallies rows by integer hmm_cost, for reporting.
func (mdb *MatchDb) CostCounts() (map[int]int, error) {
	rows, err := mdb.db.Query(`SELECT CAST(hmm_cost AS INTEGER), COUNT(*) FROM match GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	defer rows.Close()
	counts := map[int]int{}
	for rows.Next() {
		var cost, n int
		if err := rows.Scan(&cost, &n); err != nil {
			return nil, errors.Wrap(ErrStoreIO, err.Error())
		}
		counts[cost] = n
	}
	return counts, rows.Err()
}

func scanMatchRow(scan func(...interface{}) error) (*MatchDbRow, error) {
	var row MatchDbRow
	var record string
	if err := scan(&row.Strain, &row.Date, &row.Direction, &row.K, &record, &row.HmmCost); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(record), &row.Record); err != nil {
		return nil, err
	}
	return &row, nil
}

func (mdb *MatchDb) String() string {
	n, err := mdb.Len()
	if err != nil {
		return fmt.Sprintf("MatchDb at %s (unreadable: %v)", mdb.path, err)
	}
	return fmt.Sprintf("MatchDb at %s with %d matches", mdb.path, n)
}
