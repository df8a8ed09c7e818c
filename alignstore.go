// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/pgzip"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// AlignmentStore is a content-addressed blob store of whole-genome
// alignments keyed by strain. Blobs are pgzip-compressed on disk; each
// row carries a blake2b digest of the uncompressed bytes so duplicate
// appends can be checked without decompressing.
type AlignmentStore struct {
	db       *sql.DB
	path     string
	readonly bool
	// expected uncompressed blob length; 0 until the first append.
	refLength int
}

const alignmentSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS alignment (
	strain TEXT PRIMARY KEY,
	digest BLOB NOT NULL,
	data BLOB NOT NULL
);
`

// OpenAlignmentStore opens the store at path. Modes: "r" (must exist),
// "rw" (must exist, writable), "create" (initialise a new store,
// failing if one exists).
func OpenAlignmentStore(path, mode string) (*AlignmentStore, error) {
	switch mode {
	case "r", "rw":
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(ErrStoreIO, "alignment store %s: %v", path, err)
		}
	case "create":
		if _, err := os.Stat(path); err == nil {
			return nil, errors.Wrapf(ErrStoreIO, "alignment store %s already exists", path)
		}
	default:
		return nil, errors.Wrapf(ErrConfig, "bad alignment store mode %q", mode)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	store := &AlignmentStore{db: db, path: path, readonly: mode == "r"}
	if mode == "create" {
		if _, err := db.Exec(alignmentSchema); err != nil {
			db.Close()
			return nil, errors.Wrap(ErrStoreIO, err.Error())
		}
	}
	var length int
	err = db.QueryRow(`SELECT value FROM meta WHERE key = 'sequence_length'`).Scan(&length)
	if err == nil {
		store.refLength = length
	} else if err != sql.ErrNoRows {
		if mode != "create" {
			db.Close()
			return nil, errors.Wrap(ErrStoreIO, err.Error())
		}
	}
	return store, nil
}

func (store *AlignmentStore) Path() string { return store.path }

func (store *AlignmentStore) Close() error { return store.db.Close() }

// SequenceLength is the uncompressed length every blob must have, or 0
// before the first append.
func (store *AlignmentStore) SequenceLength() int { return store.refLength }

// Len counts the stored alignments.
func (store *AlignmentStore) Len() (int, error) {
	var n int
	err := store.db.QueryRow(`SELECT COUNT(*) FROM alignment`).Scan(&n)
	return n, err
}

// Append stores the given alignments. The first alignment ever appended
// fixes the reference length; later blobs must match it. Re-appending a
// byte-identical blob is a no-op; a different blob under an existing
// strain fails with StrainConflict and aborts the batch.
func (store *AlignmentStore) Append(alignments func(yield func(strain string, data []byte) error) error) error {
	if store.readonly {
		return errors.Wrap(ErrStoreIO, "alignment store opened read-only")
	}
	tx, err := store.db.Begin()
	if err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	defer tx.Rollback()
	added := 0
	err = alignments(func(strain string, data []byte) error {
		if store.refLength == 0 {
			store.refLength = len(data)
			if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('sequence_length', ?)`, store.refLength); err != nil {
				return errors.Wrap(ErrStoreIO, err.Error())
			}
		}
		if len(data) != store.refLength {
			return errors.Wrapf(ErrAlignmentCorrupt, "%s: length %d != %d", strain, len(data), store.refLength)
		}
		digest := blake2b.Sum256(data)
		var existing []byte
		err := tx.QueryRow(`SELECT digest FROM alignment WHERE strain = ?`, strain).Scan(&existing)
		if err == nil {
			if !bytes.Equal(existing, digest[:]) {
				return errors.Wrapf(ErrStrainConflict, "%s already stored with different bytes", strain)
			}
			return nil
		} else if err != sql.ErrNoRows {
			return errors.Wrap(ErrStoreIO, err.Error())
		}
		var buf bytes.Buffer
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO alignment (strain, digest, data) VALUES (?, ?, ?)`,
			strain, digest[:], buf.Bytes()); err != nil {
			return errors.Wrap(ErrStoreIO, err.Error())
		}
		added++
		return nil
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	log.Infof("Appended %d alignments to %s", added, store.path)
	return nil
}

// AppendMap stores a map of alignments in strain order.
func (store *AlignmentStore) AppendMap(alignments map[string][]byte) error {
	strains := make([]string, 0, len(alignments))
	for strain := range alignments {
		strains = append(strains, strain)
	}
	sort.Strings(strains)
	return store.Append(func(yield func(string, []byte) error) error {
		for _, strain := range strains {
			if err := yield(strain, alignments[strain]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the stored alignment for strain, or AlignmentNotFound.
func (store *AlignmentStore) Get(strain string) ([]byte, error) {
	var blob []byte
	err := store.db.QueryRow(`SELECT data FROM alignment WHERE strain = ?`, strain).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrAlignmentNotFound, strain)
	} else if err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	zr, err := pgzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrapf(ErrAlignmentCorrupt, "%s: %v", strain, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrapf(ErrAlignmentCorrupt, "%s: %v", strain, err)
	}
	if store.refLength != 0 && len(data) != store.refLength {
		return nil, errors.Wrapf(ErrAlignmentCorrupt, "%s: length %d != %d", strain, len(data), store.refLength)
	}
	return data, nil
}

func (store *AlignmentStore) String() string {
	n, err := store.Len()
	if err != nil {
		return fmt.Sprintf("AlignmentStore at %s (unreadable: %v)", store.path, err)
	}
	return fmt.Sprintf("AlignmentStore at %s with %d alignments of length %d", store.path, n, store.refLength)
}
