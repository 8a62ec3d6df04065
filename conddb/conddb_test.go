// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/rhythm/internal/fakedb"
	"github.com/google/uuid"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	if got, want := db.Name(), "fakedb"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}
}

func TestDSN(t *testing.T) {
	got := dsn("rhythm")
	if !strings.HasSuffix(got, "/rhythm?parseTime=true") {
		t.Fatalf("invalid dsn: got=%q", got)
	}
}

func TestInsertScan(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	scan := Scan{
		ID:           uuid.MustParse("3c1f0c5a-64a5-4d2e-9b55-0e3c9a1f5d01"),
		Time:         time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
		Board:        "acquisition-board",
		SampleRate:   30000,
		PortDelays:   []int{4, 0, 5, 0},
		CableLengths: []float64{1.2, 0, 2.5, 0},
		Headstages: []Headstage{
			{Position: 0, Name: "A1", Chip: "RHD2132", Channels: 32, Delay: 4},
			{Position: 4, Name: "C1", Chip: "RHD2164", Channels: 64, Delay: 5},
		},
	}

	execs, err := fakedb.Record(context.Background(), nil, func(ctx context.Context) error {
		return db.InsertScan(ctx, scan)
	})
	if err != nil {
		t.Fatalf("could not insert scan: %+v", err)
	}

	if got, want := len(execs), 3; got != want {
		t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
	}
	if got, want := execs[0].Query, insertScan; got != want {
		t.Fatalf("invalid scan query: got=%q, want=%q", got, want)
	}
	for i, v := range []driver.Value{
		scan.ID.String(), scan.Time, scan.Board, scan.SampleRate,
		"[4,0,5,0]", "[1.2,0,2.5,0]",
	} {
		if got, want := execs[0].Args[i], v; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid scan arg[%d]: got=%v, want=%v", i, got, want)
		}
	}
	for i, hs := range scan.Headstages {
		exec := execs[i+1]
		if got, want := exec.Query, insertHeadstage; got != want {
			t.Fatalf("invalid headstage query: got=%q, want=%q", got, want)
		}
		if got, want := exec.Args[2], driver.Value(hs.Name); got != want {
			t.Fatalf("invalid headstage name: got=%v, want=%v", got, want)
		}
	}
}

func TestInsertScanError(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	errDB := errors.New("db is read-only")
	_, err = fakedb.Record(context.Background(), errDB, func(ctx context.Context) error {
		return db.InsertScan(ctx, Scan{ID: uuid.New()})
	})
	if !errors.Is(err, errDB) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, errDB)
	}
}

func TestLastScan(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := Scan{
		ID:           uuid.MustParse("3c1f0c5a-64a5-4d2e-9b55-0e3c9a1f5d01"),
		Time:         time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
		Board:        "acquisition-board",
		SampleRate:   20000,
		PortDelays:   []int{3, 3, 0, 0},
		CableLengths: []float64{0.5, 0.5, 0, 0},
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"identifier", "datetime", "board", "sample_rate", "port_delays", "cable_lengths"},
		Values: [][]driver.Value{
			{want.ID.String(), want.Time, want.Board, want.SampleRate, "[3,3,0,0]", "[0.5,0.5,0,0]"},
		},
	}, func(ctx context.Context) error {
		got, err := db.LastScan(ctx)
		if err != nil {
			t.Fatalf("could not retrieve last scan: %+v", err)
		}

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid last scan:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"identifier", "datetime", "board", "sample_rate", "port_delays", "cable_lengths"},
	}, func(ctx context.Context) error {
		_, err := db.LastScan(ctx)
		if err == nil {
			t.Fatalf("expected an error on an empty db")
		}
		return nil
	})
}

func TestHeadstages(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := []Headstage{
		{0, "A1", "RHD2132", 32, 4},
		{1, "A2", "RHD2216", 16, 4},
		{6, "D1", "RHD2164", 64, 7},
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"position", "name", "chip", "channels", "delay"},
		Values: [][]driver.Value{
			{int64(0), "A1", "RHD2132", int64(32), int64(4)},
			{int64(1), "A2", "RHD2216", int64(16), int64(4)},
			{int64(6), "D1", "RHD2164", int64(64), int64(7)},
		},
	}, func(ctx context.Context) error {
		got, err := db.Headstages(ctx, uuid.New())
		if err != nil {
			t.Fatalf("could not retrieve headstages: %+v", err)
		}

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid headstages:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})
}

func TestRuns(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	var (
		beg = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
		end = beg.Add(10 * time.Minute)
	)
	run := Run{
		ID:         uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		Scan:       uuid.MustParse("3c1f0c5a-64a5-4d2e-9b55-0e3c9a1f5d01"),
		Start:      beg,
		Stop:       end,
		SampleRate: 30000,
		Upper:      7500,
		Lower:      1,
		DSP:        1.16,
		Channels:   43,
		Frames:     18000000,
		Framing:    2,
	}

	execs, err := fakedb.Record(context.Background(), nil, func(ctx context.Context) error {
		return db.InsertRun(ctx, run)
	})
	if err != nil {
		t.Fatalf("could not insert run: %+v", err)
	}
	if got, want := len(execs), 1; got != want {
		t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
	}
	if got, want := execs[0].Args[0], driver.Value(run.ID.String()); got != want {
		t.Fatalf("invalid run id: got=%v, want=%v", got, want)
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{
			"identifier", "scan", "start", "stop", "sample_rate",
			"upper_bw", "lower_bw", "dsp", "channels", "frames", "framing",
		},
		Values: [][]driver.Value{
			{
				run.ID.String(), run.Scan.String(), run.Start, run.Stop, run.SampleRate,
				run.Upper, run.Lower, run.DSP, int64(run.Channels), run.Frames, run.Framing,
			},
		},
	}, func(ctx context.Context) error {
		runs, err := db.Runs(ctx, 10)
		if err != nil {
			t.Fatalf("could not retrieve runs: %+v", err)
		}

		if got, want := runs, []Run{run}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid runs:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})
}
