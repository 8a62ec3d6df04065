// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"

	"github.com/go-lpc/rhythm/fpga"
	"github.com/go-lpc/rhythm/rhd"
)

// NumPositions is the number of headstage positions (A1 to D2).
const NumPositions = 8

// Headstage is a headstage position of the board and the chip found there.
type Headstage struct {
	Position int        // 0=A1, 1=A2, 2=B1...
	Chip     rhd.ChipID // chip found by the last scan
	Enabled  bool

	Streams     []int // indices of the data streams assigned to the headstage
	NumChannels int   // active amplifier channels

	half bool // RHD2132 operated with 16 channels
}

// Name returns the name of the headstage position (A1, A2...).
func (hs Headstage) Name() string { return fpga.Position(hs.Position) }

// Port returns the SPI port of the headstage.
func (hs Headstage) Port() int { return hs.Position / 2 }

// Connected returns whether the headstage is acquired.
func (hs Headstage) Connected() bool {
	return hs.Enabled && len(hs.Streams) > 0
}

func (hs Headstage) String() string {
	return fmt.Sprintf("%s[%v, streams=%v, channels=%d]", hs.Name(), hs.Chip, hs.Streams, hs.NumChannels)
}

// DataStream is one hardware data lane.
type DataStream struct {
	Source    int        // MISO source (position, +8 for the DDR line)
	Channels  int        // channels decoded from the stream
	Chip      rhd.ChipID // RHD2164B for the DDR half of an RHD2164
	Headstage int        // position of the headstage feeding the stream
}

// offset returns the first amplifier channel decoded from the stream.
func (ds DataStream) offset() int {
	if ds.Chip == rhd.RHD2132 && ds.Channels == 16 {
		return rhd.Offset16
	}
	return 0
}

// allocate assigns data streams to the enabled headstages, walking
// positions in order. Headstages left without a stream are returned in
// rejected.
func allocate(hss []Headstage, max int) (streams []DataStream, rejected []int) {
	for i := range hss {
		hs := &hss[i]
		hs.Streams = nil
		hs.NumChannels = 0
		if !hs.Enabled || !hs.Chip.Valid() {
			continue
		}
		if len(streams) >= max {
			rejected = append(rejected, hs.Position)
			continue
		}

		switch hs.Chip {
		case rhd.RHD2164:
			if len(streams) < max-1 {
				hs.Streams = []int{len(streams), len(streams) + 1}
				hs.NumChannels = 64
				streams = append(streams,
					DataStream{Source: hs.Position, Channels: 32, Chip: rhd.RHD2164, Headstage: hs.Position},
					DataStream{Source: hs.Position + fpga.DDROffset, Channels: 32, Chip: rhd.RHD2164B, Headstage: hs.Position},
				)
				continue
			}
			hs.Streams = []int{len(streams)}
			hs.NumChannels = 32
			streams = append(streams, DataStream{Source: hs.Position, Channels: 32, Chip: rhd.RHD2164, Headstage: hs.Position})

		case rhd.RHD2132:
			n := 32
			if hs.half {
				n = 16
			}
			hs.Streams = []int{len(streams)}
			hs.NumChannels = n
			streams = append(streams, DataStream{Source: hs.Position, Channels: n, Chip: rhd.RHD2132, Headstage: hs.Position})

		default:
			hs.Streams = []int{len(streams)}
			hs.NumChannels = hs.Chip.NumChannels()
			streams = append(streams, DataStream{Source: hs.Position, Channels: hs.NumChannels, Chip: hs.Chip, Headstage: hs.Position})
		}
	}
	return streams, rejected
}

// ChannelKind is the class of a logical channel.
type ChannelKind int

const (
	Electrode ChannelKind = iota
	AuxChannel
	ADCChannel
)

func (k ChannelKind) String() string {
	switch k {
	case Electrode:
		return "electrode"
	case AuxChannel:
		return "aux"
	case ADCChannel:
		return "adc"
	}
	return fmt.Sprintf("ChannelKind(%d)", int(k))
}

// Channel is a logical output channel.
type Channel struct {
	Name      string
	Kind      ChannelKind
	Headstage int // position, -1 for board ADCs
	Stream    int // data stream, -1 for board ADCs
	Index     int // channel within the headstage, aux input or ADC index
}

// ChannelMap lists the logical channels in decoding order: all electrodes
// in stream order, then 3 aux inputs per connected headstage, then the 8
// board ADCs.
type ChannelMap []Channel

func newChannelMap(hss []Headstage, streams []DataStream, aux, adc bool) ChannelMap {
	var (
		chans ChannelMap
		first = make(map[int]int) // position -> channel index of its first stream
	)
	for i, ds := range streams {
		beg, ok := first[ds.Headstage]
		if !ok {
			first[ds.Headstage] = i
		}
		base := 0
		if ok {
			// second stream of an RHD2164.
			base = streams[beg].Channels
		}
		for ch := 0; ch < ds.Channels; ch++ {
			chans = append(chans, Channel{
				Name:      fmt.Sprintf("%s_CH%d", fpga.Position(ds.Headstage), base+ch+1),
				Kind:      Electrode,
				Headstage: ds.Headstage,
				Stream:    i,
				Index:     base + ch,
			})
		}
	}
	if aux {
		for _, hs := range hss {
			if !hs.Connected() {
				continue
			}
			for j := 0; j < fpga.NumAux; j++ {
				chans = append(chans, Channel{
					Name:      fmt.Sprintf("%s_AUX%d", hs.Name(), j+1),
					Kind:      AuxChannel,
					Headstage: hs.Position,
					Stream:    hs.Streams[0],
					Index:     j,
				})
			}
		}
	}
	if adc {
		for j := 0; j < fpga.NumADCs; j++ {
			chans = append(chans, Channel{
				Name:      fmt.Sprintf("ADC%d", j+1),
				Kind:      ADCChannel,
				Headstage: -1,
				Stream:    -1,
				Index:     j,
			})
		}
	}
	return chans
}

// Count returns the number of channels of kind k.
func (cm ChannelMap) Count(k ChannelKind) int {
	n := 0
	for _, ch := range cm {
		if ch.Kind == k {
			n++
		}
	}
	return n
}

// Names returns the names of all channels.
func (cm ChannelMap) Names() []string {
	names := make([]string, len(cm))
	for i, ch := range cm {
		names[i] = ch.Name
	}
	return names
}

// ChannelFromHeadstage returns the global index of channel ch of the
// headstage at position hs. Channels beyond the electrodes of the
// headstage address its aux inputs.
func (cm ChannelMap) ChannelFromHeadstage(hs, ch int) (int, bool) {
	var (
		kind = Electrode
		idx  = ch
		nel  = 0
	)
	for _, c := range cm {
		if c.Kind == Electrode && c.Headstage == hs {
			nel++
		}
	}
	if ch >= nel {
		kind = AuxChannel
		idx = ch - nel
	}
	for i, c := range cm {
		if c.Kind == kind && c.Headstage == hs && c.Index == idx {
			return i, true
		}
	}
	return -1, false
}

// HeadstageChannel returns the headstage position and the channel within
// the headstage of the global channel i. It is the inverse of
// ChannelFromHeadstage.
func (cm ChannelMap) HeadstageChannel(i int) (hs, ch int, ok bool) {
	if i < 0 || i >= len(cm) {
		return -1, -1, false
	}
	c := cm[i]
	switch c.Kind {
	case Electrode:
		return c.Headstage, c.Index, true
	case AuxChannel:
		nel := 0
		for _, o := range cm {
			if o.Kind == Electrode && o.Headstage == c.Headstage {
				nel++
			}
		}
		return c.Headstage, nel + c.Index, true
	}
	return -1, -1, false
}
