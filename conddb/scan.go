// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scan is the result of a headstage scan.
type Scan struct {
	ID           uuid.UUID
	Time         time.Time
	Board        string
	SampleRate   float64
	PortDelays   []int
	CableLengths []float64 // meters
	Headstages   []Headstage
}

// Headstage describes a headstage found by a scan.
type Headstage struct {
	Position int
	Name     string
	Chip     string
	Channels int
	Delay    int
}

const (
	insertScan = `INSERT INTO scans (identifier, datetime, board, sample_rate, port_delays, cable_lengths) VALUES (?, ?, ?, ?, ?, ?)`

	insertHeadstage = `INSERT INTO headstages (scan, position, name, chip, channels, delay) VALUES (?, ?, ?, ?, ?, ?)`
)

// InsertScan stores a scan and its headstages.
func (db *DB) InsertScan(ctx context.Context, scan Scan) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delays, err := json.Marshal(scan.PortDelays)
	if err != nil {
		return fmt.Errorf("conddb: could not encode port delays: %w", err)
	}
	cables, err := json.Marshal(scan.CableLengths)
	if err != nil {
		return fmt.Errorf("conddb: could not encode cable lengths: %w", err)
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conddb: could not start scan transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(
		ctx, insertScan,
		scan.ID.String(), scan.Time, scan.Board, scan.SampleRate,
		string(delays), string(cables),
	)
	if err != nil {
		return fmt.Errorf("conddb: could not insert scan %v: %w", scan.ID, err)
	}

	for _, hs := range scan.Headstages {
		_, err = tx.ExecContext(
			ctx, insertHeadstage,
			scan.ID.String(), hs.Position, hs.Name, hs.Chip, hs.Channels, hs.Delay,
		)
		if err != nil {
			return fmt.Errorf("conddb: could not insert headstage %s of scan %v: %w", hs.Name, scan.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("conddb: could not commit scan %v: %w", scan.ID, err)
	}
	return nil
}

// LastScan returns the most recent scan, without its headstages.
func (db *DB) LastScan(ctx context.Context) (Scan, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var scan Scan
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT identifier, datetime, board, sample_rate, port_delays, cable_lengths FROM scans ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return scan, fmt.Errorf("conddb: could not query last scan: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var delays, cables string
		err = rows.Scan(&scan.ID, &scan.Time, &scan.Board, &scan.SampleRate, &delays, &cables)
		if err != nil {
			return scan, fmt.Errorf("conddb: could not get last scan: %w", err)
		}
		err = json.Unmarshal([]byte(delays), &scan.PortDelays)
		if err != nil {
			return scan, fmt.Errorf("conddb: could not decode port delays: %w", err)
		}
		err = json.Unmarshal([]byte(cables), &scan.CableLengths)
		if err != nil {
			return scan, fmt.Errorf("conddb: could not decode cable lengths: %w", err)
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return scan, fmt.Errorf("conddb: could not scan db for last scan: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return scan, fmt.Errorf("conddb: context error while retrieving last scan: %w", err)
	}

	if n == 0 {
		return scan, fmt.Errorf("conddb: no scan in db %q", db.name)
	}

	return scan, nil
}

// Headstages returns the headstages found by the scan id.
func (db *DB) Headstages(ctx context.Context, id uuid.UUID) ([]Headstage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var hss []Headstage
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT position, name, chip, channels, delay FROM headstages WHERE scan=? ORDER BY position",
		id.String(),
	)
	if err != nil {
		return hss, fmt.Errorf("conddb: could not query headstages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hs Headstage
		err = rows.Scan(&hs.Position, &hs.Name, &hs.Chip, &hs.Channels, &hs.Delay)
		if err != nil {
			return hss, fmt.Errorf("conddb: could not scan headstage: %w", err)
		}
		hss = append(hss, hs)
	}

	if err := rows.Err(); err != nil {
		return hss, fmt.Errorf("conddb: could not scan db for headstages: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return hss, fmt.Errorf("conddb: context error while retrieving headstages: %w", err)
	}

	return hss, nil
}
