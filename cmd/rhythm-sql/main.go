// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rhythm-sql inspects the condition database: the last headstage
// scan and the most recent acquisition runs.
package main // import "github.com/go-lpc/rhythm/cmd/rhythm-sql"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/rhythm/conddb"
)

func main() {
	log.SetPrefix("rhythm-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "rhythm", "name of the condition database")
		nruns  = flag.Int("n", 10, "number of runs to display")
	)

	flag.Parse()

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open condition db: %+v", err)
	}
	defer db.Close()

	err = doQuery(db, *nruns)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

func doQuery(db *conddb.DB, nruns int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scan, err := db.LastScan(ctx)
	if err != nil {
		return fmt.Errorf("could not get last scan: %w", err)
	}
	log.Printf("scan:  %v (%s)", scan.ID, scan.Time.Format(time.RFC3339))
	log.Printf("board: %s @ %g Hz", scan.Board, scan.SampleRate)
	log.Printf("ports: delays=%v cables=%v m", scan.PortDelays, scan.CableLengths)

	hss, err := db.Headstages(ctx, scan.ID)
	if err != nil {
		return fmt.Errorf("could not get headstages of scan %v: %w", scan.ID, err)
	}
	for _, hs := range hss {
		log.Printf("  %s: %s, channels=%d, delay=%d", hs.Name, hs.Chip, hs.Channels, hs.Delay)
	}

	runs, err := db.Runs(ctx, nruns)
	if err != nil {
		return fmt.Errorf("could not get runs: %w", err)
	}
	log.Printf("runs: %d", len(runs))
	for _, run := range runs {
		log.Printf(
			"  %v: %s (%v), rate=%g Hz, bw=[%g, %g] Hz, dsp=%g Hz, channels=%d, frames=%d, framing=%d",
			run.ID, run.Start.Format(time.RFC3339), run.Stop.Sub(run.Start).Round(time.Second),
			run.SampleRate, run.Lower, run.Upper, run.DSP,
			run.Channels, run.Frames, run.Framing,
		)
	}
	return nil
}
