// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
	"os"

	"github.com/go-lpc/rhythm/rhd"
	"gopkg.in/yaml.v3"
)

// Settings holds the user-facing acquisition parameters.
type Settings struct {
	SampleRate int           `yaml:"sample-rate"` // index in the rate table
	Bandwidth  rhd.Bandwidth `yaml:"bandwidth"`
	DSP        bool          `yaml:"dsp"`
	FastSettle bool          `yaml:"fast-settle"`

	Aux       bool   `yaml:"aux"`
	ADC       bool   `yaml:"adc"`
	ADCRanges [8]int `yaml:"adc-ranges"` // 0: ±5V, 1: 0-10V

	// CableLengths are the headstage cable lengths (m) of each port.
	// They are overwritten by a scan.
	CableLengths [4]float64 `yaml:"cable-lengths"`

	LEDs         bool `yaml:"leds"`
	ClockDivider int  `yaml:"clock-divider"`
	NoiseSlicer  int  `yaml:"noise-slicer"`
	DACGain      int  `yaml:"dac-gain"`
	TTLMode      bool `yaml:"ttl-mode"`

	DACHighpass struct {
		Enabled bool    `yaml:"enabled"`
		Cutoff  float64 `yaml:"cutoff"`
	} `yaml:"dac-highpass"`
}

// DefaultSettings returns the settings of a freshly opened board.
func DefaultSettings() Settings {
	set := Settings{
		SampleRate: rhd.CalibrationRate,
		Bandwidth: rhd.Bandwidth{
			Lower: 1.0,
			Upper: 7500,
			DSP:   0.5,
		},
		DSP:          true,
		Aux:          true,
		LEDs:         true,
		ClockDivider: 1,
	}
	set.DACHighpass.Cutoff = 250
	return set
}

// LoadSettings reads settings from a YAML file. Missing fields keep
// their default value.
func LoadSettings(fname string) (Settings, error) {
	set := DefaultSettings()

	raw, err := os.ReadFile(fname)
	if err != nil {
		return set, fmt.Errorf("daq: could not read settings file %q: %w", fname, err)
	}

	err = yaml.Unmarshal(raw, &set)
	if err != nil {
		return set, fmt.Errorf("daq: could not decode settings file %q: %w", fname, err)
	}

	err = set.validate()
	if err != nil {
		return set, fmt.Errorf("daq: invalid settings file %q: %w", fname, err)
	}
	return set, nil
}

// Save writes the settings to a YAML file.
func (set Settings) Save(fname string) error {
	raw, err := yaml.Marshal(set)
	if err != nil {
		return fmt.Errorf("daq: could not encode settings: %w", err)
	}
	err = os.WriteFile(fname, raw, 0644)
	if err != nil {
		return fmt.Errorf("daq: could not write settings file %q: %w", fname, err)
	}
	return nil
}

func (set Settings) validate() error {
	if set.SampleRate < 0 || set.SampleRate >= rhd.NumRates() {
		return fmt.Errorf("invalid sample rate index %d", set.SampleRate)
	}
	for i, v := range set.ADCRanges {
		if v != 0 && v != 1 {
			return fmt.Errorf("invalid range %d for ADC %d", v, i+1)
		}
	}
	if set.NoiseSlicer < 0 || set.NoiseSlicer > 127 {
		return fmt.Errorf("invalid noise slicer level %d", set.NoiseSlicer)
	}
	if set.DACGain < 0 || set.DACGain > 7 {
		return fmt.Errorf("invalid DAC gain %d", set.DACGain)
	}
	if set.ClockDivider < 1 {
		return fmt.Errorf("invalid clock divider %d", set.ClockDivider)
	}
	return nil
}
