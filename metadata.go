// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MetadataRow is one strain's metadata record. Extra carries any columns
// beyond the required ones, preserved verbatim.
type MetadataRow struct {
	Strain string
	Date   string
	Pango  string
	Extra  map[string]string
}

// MetadataDb is a date-indexed store of sample metadata imported from
// CSV. Dates are ISO-8601 strings so lexicographic ordering is
// chronological.
type MetadataDb struct {
	db   *sql.DB
	path string
}

const metadataSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	strain TEXT PRIMARY KEY,
	date TEXT NOT NULL,
	pango TEXT NOT NULL,
	extra TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metadata_date ON metadata (date);
`

// ImportMetadataCSV converts a CSV metadata file into a database at
// dbPath. The file must carry strain and date columns; a pango_lineage
// column is picked up when present, defaulting to "Unknown".
func ImportMetadataCSV(csvPath, dbPath string, sep rune) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = sep
	header, err := r.Read()
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"strain", "date"} {
		if _, ok := col[required]; !ok {
			return errors.Wrapf(ErrConfig, "metadata CSV missing %q column", required)
		}
	}

	os.Remove(dbPath)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer db.Close()
	if _, err := db.Exec(metadataSchema); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO metadata (strain, date, pango, extra) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer stmt.Close()
	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(ErrStoreIO, err.Error())
		}
		pango := "Unknown"
		if i, ok := col["pango_lineage"]; ok && record[i] != "" {
			pango = record[i]
		}
		extra := map[string]string{}
		for name, i := range col {
			if name != "strain" && name != "date" && name != "pango_lineage" {
				extra[name] = record[i]
			}
		}
		extraJSON, err := json.Marshal(extra)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(record[col["strain"]], record[col["date"]], pango, string(extraJSON)); err != nil {
			return errors.Wrap(ErrStoreIO, err.Error())
		}
		rows++
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	log.Infof("Imported %d metadata rows into %s", rows, dbPath)
	return nil
}

// OpenMetadataDb opens an existing metadata database.
func OpenMetadataDb(path string) (*MetadataDb, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrStoreIO, "metadata db %s: %v", path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	return &MetadataDb{db: db, path: path}, nil
}

func (mdb *MetadataDb) Close() error { return mdb.db.Close() }

// Get returns the rows for one date, ordered by strain.
func (mdb *MetadataDb) Get(date string) ([]MetadataRow, error) {
	rows, err := mdb.db.Query(`SELECT strain, date, pango, extra FROM metadata WHERE date = ? ORDER BY strain`, date)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	defer rows.Close()
	var out []MetadataRow
	for rows.Next() {
		var row MetadataRow
		var extra string
		if err := rows.Scan(&row.Strain, &row.Date, &row.Pango, &extra); err != nil {
			return nil, errors.Wrap(ErrStoreIO, err.Error())
		}
		if err := json.Unmarshal([]byte(extra), &row.Extra); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DateSampleCounts tallies rows per date, in date order.
func (mdb *MetadataDb) DateSampleCounts() ([]string, map[string]int, error) {
	rows, err := mdb.db.Query(`SELECT date, COUNT(*) FROM metadata GROUP BY date`)
	if err != nil {
		return nil, nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	defer rows.Close()
	counts := map[string]int{}
	var dates []string
	for rows.Next() {
		var date string
		var n int
		if err := rows.Scan(&date, &n); err != nil {
			return nil, nil, errors.Wrap(ErrStoreIO, err.Error())
		}
		counts[date] = n
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, counts, rows.Err()
}

func (mdb *MetadataDb) String() string {
	dates, counts, err := mdb.DateSampleCounts()
	if err != nil {
		return fmt.Sprintf("MetadataDb at %s (unreadable: %v)", mdb.path, err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return fmt.Sprintf("MetadataDb at %s with %d samples over %d dates", mdb.path, total, len(dates))
}
