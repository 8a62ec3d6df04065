// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rhythm-ctl is an interactive shell to configure and drive a
// Rhythm board.
//
// Example:
//
//	$> rhythm-ctl -sim A1:RHD2164
//	rhythm> init
//	rhythm> scan
//	rhythm> rate 14
//	rhythm> start
//	rhythm> status
//	rhythm> stop
package main // import "github.com/go-lpc/rhythm/cmd/rhythm-ctl"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/rhythm/daq"
	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/internal/board"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("rhythm-ctl: ")
	log.SetFlags(0)

	var (
		brd     board.Flags
		bitfile = flag.String("bitfile", "", "path to the FPGA bitfile")
		setfile = flag.String("settings", "", "path to a YAML settings file")
	)
	brd.Register(flag.CommandLine)
	flag.Parse()

	err := run(brd, *bitfile, *setfile)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(brd board.Flags, bitfile, setfile string) error {
	opts := []daq.Option{daq.WithLogger(log.Default())}
	if bitfile != "" {
		opts = append(opts, daq.WithBitfile(bitfile))
	}
	if setfile != "" {
		set, err := daq.LoadSettings(setfile)
		if err != nil {
			return fmt.Errorf("could not load settings: %w", err)
		}
		opts = append(opts, daq.WithSettings(set))
	}

	tr, err := brd.Open()
	if err != nil {
		return fmt.Errorf("could not open board: %w", err)
	}

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	sh := newShell(daq.New(tr, opts...), os.Stdout, term.Prompt)
	defer sh.dev.Close()
	term.SetCompleter(sh.complete)

	for {
		line, err := term.Prompt("rhythm> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(context.Background(), line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.out, "error: %+v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

type shell struct {
	dev  *daq.Device
	out  io.Writer
	ask  func(prompt string) (string, error)
	cmds map[string]command
}

type command struct {
	help string
	fct  func(ctx context.Context, args []string) error
}

func newShell(dev *daq.Device, out io.Writer, ask func(string) (string, error)) *shell {
	sh := &shell{dev: dev, out: out, ask: ask}
	sh.cmds = map[string]command{
		"help":   {"print this help", sh.help},
		"init":   {"upload the firmware and configure the board", sh.init},
		"scan":   {"scan the ports for headstages", sh.scan},
		"rate":   {"rate <index>: set the sample rate", sh.rate},
		"bw":     {"bw <lower> <upper>: set the amplifier bandwidth (Hz)", sh.bw},
		"dsp":    {"dsp <Hz>|off: set the DSP offset-removal cutoff", sh.dsp},
		"hs":     {"hs <A1..D2> on|off: enable or disable a headstage", sh.hs},
		"leds":   {"leds on|off: enable or disable the board LEDs", sh.leds},
		"start":  {"start the acquisition", sh.start},
		"stop":   {"stop the acquisition", sh.stop},
		"status": {"print the state of the board", sh.status},
		"save":   {"save <file>: save the settings to a YAML file", sh.save},
		"quit":   {"quit the shell", sh.quit},
	}
	return sh
}

func (sh *shell) names() []string {
	names := make([]string, 0, len(sh.cmds))
	for k := range sh.cmds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (sh *shell) complete(line string) []string {
	var out []string
	for _, name := range sh.names() {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			out = append(out, name)
		}
	}
	return out
}

func (sh *shell) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, ok := sh.cmds[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try \"help\")", args[0])
	}
	return cmd.fct(ctx, args[1:])
}

func (sh *shell) help(ctx context.Context, args []string) error {
	for _, name := range sh.names() {
		fmt.Fprintf(sh.out, "  %-8s %s\n", name, sh.cmds[name].help)
	}
	return nil
}

func (sh *shell) init(ctx context.Context, args []string) error {
	for {
		err := sh.dev.Initialize(ctx)
		if !errors.Is(err, daq.ErrFirmwareMissing) {
			return err
		}
		fmt.Fprintf(sh.out, "could not upload %q: %+v\n", sh.dev.Bitfile(), err)
		fname, err := sh.ask("bitfile (empty to abort): ")
		if err != nil {
			return fmt.Errorf("could not read bitfile path: %w", err)
		}
		fname = strings.TrimSpace(fname)
		if fname == "" {
			return daq.ErrFirmwareMissing
		}
		sh.dev.SetBitfile(fname)
	}
}

func (sh *shell) scan(ctx context.Context, args []string) error {
	res, err := sh.dev.Scan(ctx)
	if err != nil {
		return err
	}
	for _, hs := range res.Headstages {
		fmt.Fprintf(sh.out, "%v\n", hs)
	}
	for _, pos := range res.Rejected {
		fmt.Fprintf(sh.out, "%s: rejected (not enough data streams)\n", fpga.Position(pos))
	}
	fmt.Fprintf(sh.out, "channels: %d\n", sh.dev.NumChannels())
	return res.Err()
}

func (sh *shell) rate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rate <index>")
	}
	i, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid sample rate index %q: %w", args[0], err)
	}
	hz, err := sh.dev.SetSampleRate(i)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "sample rate: %g Hz\n", hz)
	return nil
}

func (sh *shell) bw(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: bw <lower> <upper>")
	}
	lo, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid lower bandwidth %q: %w", args[0], err)
	}
	hi, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid upper bandwidth %q: %w", args[1], err)
	}
	lo, err = sh.dev.SetLowerBandwidth(lo)
	if err != nil {
		return err
	}
	hi, err = sh.dev.SetUpperBandwidth(hi)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "bandwidth: %g Hz - %g Hz\n", lo, hi)
	return nil
}

func (sh *shell) dsp(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dsp <Hz>|off")
	}
	if strings.ToLower(args[0]) == "off" {
		return sh.dev.EnableDsp(false)
	}
	f, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid DSP cutoff %q: %w", args[0], err)
	}
	err = sh.dev.EnableDsp(true)
	if err != nil {
		return err
	}
	f, err = sh.dev.SetDspCutoffFreq(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "dsp cutoff: %g Hz\n", f)
	return nil
}

func onOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q", s)
}

func position(s string) (int, error) {
	for i := 0; i < daq.NumPositions; i++ {
		if strings.EqualFold(s, fpga.Position(i)) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("invalid headstage position %q", s)
}

func (sh *shell) hs(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: hs <A1..D2> on|off")
	}
	pos, err := position(args[0])
	if err != nil {
		return err
	}
	v, err := onOff(args[1])
	if err != nil {
		return err
	}
	return sh.dev.EnableHeadstage(pos, v)
}

func (sh *shell) leds(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: leds on|off")
	}
	v, err := onOff(args[0])
	if err != nil {
		return err
	}
	return sh.dev.EnableLEDs(v)
}

func (sh *shell) start(ctx context.Context, args []string) error {
	return sh.dev.Start(ctx)
}

func (sh *shell) stop(ctx context.Context, args []string) error {
	err := sh.dev.Stop()
	if err != nil {
		return err
	}
	frames, framing := sh.dev.Stats()
	fmt.Fprintf(sh.out, "frames: %d, framing errors: %d\n", frames, framing)
	return nil
}

func (sh *shell) status(ctx context.Context, args []string) error {
	var (
		set = sh.dev.Settings()
		bw  = sh.dev.Bandwidth()
	)
	frames, framing := sh.dev.Stats()
	fmt.Fprintf(sh.out, "state:     %v\n", sh.dev.State())
	fmt.Fprintf(sh.out, "bitfile:   %s\n", sh.dev.Bitfile())
	fmt.Fprintf(sh.out, "rate:      %d\n", set.SampleRate)
	fmt.Fprintf(sh.out, "bandwidth: %g Hz - %g Hz (dsp=%v, %g Hz)\n", bw.Lower, bw.Upper, set.DSP, bw.DSP)
	fmt.Fprintf(sh.out, "channels:  %d\n", sh.dev.NumChannels())
	fmt.Fprintf(sh.out, "frames:    %d (framing errors: %d)\n", frames, framing)
	return nil
}

func (sh *shell) save(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: save <file>")
	}
	return sh.dev.Settings().Save(args[0])
}

func (sh *shell) quit(ctx context.Context, args []string) error {
	return errQuit
}
