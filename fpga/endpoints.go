// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fpga

// Endpoint is the address of a firmware endpoint.
type Endpoint uint8

// Wire-ins.
const (
	WireInResetRun       Endpoint = 0x00
	WireInMaxTimeStepLsb Endpoint = 0x01
	WireInMaxTimeStepMsb Endpoint = 0x02
	WireInDataFreqPll    Endpoint = 0x03
	WireInMisoDelay      Endpoint = 0x04
	WireInCmdRamAddr     Endpoint = 0x05
	WireInCmdRamBank     Endpoint = 0x06
	WireInCmdRamData     Endpoint = 0x07
	WireInAuxCmdBank1    Endpoint = 0x08
	WireInAuxCmdBank2    Endpoint = 0x09
	WireInAuxCmdBank3    Endpoint = 0x0a
	WireInAuxCmdLength1  Endpoint = 0x0b
	WireInAuxCmdLength2  Endpoint = 0x0c
	WireInAuxCmdLength3  Endpoint = 0x0d
	WireInAuxCmdLoop1    Endpoint = 0x0e
	WireInAuxCmdLoop2    Endpoint = 0x0f
	WireInAuxCmdLoop3    Endpoint = 0x10
	WireInLedDisplay     Endpoint = 0x11
	WireInDataStreamSel1 Endpoint = 0x12 // streams 1-4
	WireInDataStreamSel2 Endpoint = 0x13 // streams 5-8
	WireInDataStreamEn   Endpoint = 0x14
	WireInTtlOut         Endpoint = 0x15
	WireInDacSource1     Endpoint = 0x16
	WireInDacManual      Endpoint = 0x1e
	WireInMultiUse       Endpoint = 0x1f

	// USB3 firmware.
	WireInMaxTimeStep    = WireInMaxTimeStepLsb
	WireInAuxCmdLength   = WireInAuxCmdLength1 // 3 packed 10-bit fields
	WireInAuxCmdLoop     = WireInAuxCmdLength2 // 3 packed 10-bit fields
	WireInDataStreamSel3 = WireInAuxCmdLength3 // streams 9-12
	WireInDataStreamSel4 = WireInAuxCmdLoop1   // streams 13-16
)

// Triggers.
const (
	TrigInDcmProg       Endpoint = 0x40
	TrigInSpiStart      Endpoint = 0x41
	TrigInRamWrite      Endpoint = 0x42
	TrigInDacThresh     Endpoint = 0x43
	TrigInDacHpf        Endpoint = 0x44
	TrigInExtFastSettle Endpoint = 0x45
	TrigInExtDigOut     Endpoint = 0x46
	TrigInOpenEphys     Endpoint = 0x5a
)

// Wire-outs.
const (
	WireOutNumWordsLsb   Endpoint = 0x20
	WireOutNumWordsMsb   Endpoint = 0x21
	WireOutSpiRunning    Endpoint = 0x22
	WireOutTtlIn         Endpoint = 0x23
	WireOutDataClkLocked Endpoint = 0x24
	WireOutBoardMode     Endpoint = 0x25
	WireOutBoardID       Endpoint = 0x3e
	WireOutBoardVersion  Endpoint = 0x3f

	// USB3 firmware.
	WireOutNumWords = WireOutNumWordsLsb
)

// PipeOutData is the pipe streaming acquired frames.
const PipeOutData Endpoint = 0xa0

// Bits of the WireInResetRun endpoint.
const (
	resetBit       = 0x0001
	continuousBit  = 0x0002
	dspSettleBit   = 0x0004
	ttlModeBit     = 0x0008
	flushBit       = 0x10000 // USB3
	noiseShift     = 6
	noiseMask      = 0x1fc0
	dacGainShift   = 13
	dacGainMask    = 0xe000
	ledEnableBit   = 0 // TrigInOpenEphys
	clkDivideBit   = 1 // TrigInOpenEphys
	clockLockedBit = 0x0002
	dcmDoneBit     = 0x0001
)
