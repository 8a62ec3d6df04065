// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run describes an acquisition run.
type Run struct {
	ID         uuid.UUID
	Scan       uuid.UUID
	Start      time.Time
	Stop       time.Time
	SampleRate float64
	Upper      float64 // Hz
	Lower      float64 // Hz
	DSP        float64 // Hz, 0 when disabled
	Channels   int
	Frames     int64
	Framing    int64 // blocks with framing errors
}

// InsertRun stores a run.
func (db *DB) InsertRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`INSERT INTO runs (identifier, scan, start, stop, sample_rate, upper_bw, lower_bw, dsp, channels, frames, framing) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Scan.String(), run.Start, run.Stop,
		run.SampleRate, run.Upper, run.Lower, run.DSP,
		run.Channels, run.Frames, run.Framing,
	)
	if err != nil {
		return fmt.Errorf("conddb: could not insert run %v: %w", run.ID, err)
	}
	return nil
}

// Runs returns the last n runs, most recent first.
func (db *DB) Runs(ctx context.Context, n int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var runs []Run
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT identifier, scan, start, stop, sample_rate, upper_bw, lower_bw, dsp, channels, frames, framing FROM runs ORDER BY start DESC LIMIT ?",
		n,
	)
	if err != nil {
		return runs, fmt.Errorf("conddb: could not query runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var run Run
		err = rows.Scan(
			&run.ID, &run.Scan, &run.Start, &run.Stop,
			&run.SampleRate, &run.Upper, &run.Lower, &run.DSP,
			&run.Channels, &run.Frames, &run.Framing,
		)
		if err != nil {
			return runs, fmt.Errorf("conddb: could not scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return runs, fmt.Errorf("conddb: could not scan db for runs: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return runs, fmt.Errorf("conddb: context error while retrieving runs: %w", err)
	}

	return runs, nil
}
