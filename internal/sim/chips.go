// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"strings"

	"github.com/go-lpc/rhythm/rhd"
)

// ParseChips parses a comma-separated list of chips plugged at headstage
// positions, such as "A1:RHD2164,C2:RHD2132". Simulated chips answer
// cleanly for MISO delays 1 to 6.
func ParseChips(s string) ([]Option, error) {
	var opts []Option
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, v := range strings.Split(s, ",") {
		toks := strings.Split(strings.TrimSpace(v), ":")
		if len(toks) != 2 {
			return nil, fmt.Errorf("sim: invalid chip %q", v)
		}
		pos, err := position(toks[0])
		if err != nil {
			return nil, err
		}
		var id rhd.ChipID
		switch strings.ToUpper(toks[1]) {
		case "RHD2132":
			id = rhd.RHD2132
		case "RHD2216":
			id = rhd.RHD2216
		case "RHD2164":
			id = rhd.RHD2164
		default:
			return nil, fmt.Errorf("sim: invalid chip type %q", toks[1])
		}
		opts = append(opts, WithChip(pos, id, 1, 6))
	}
	return opts, nil
}

func position(s string) (int, error) {
	s = strings.ToUpper(s)
	if len(s) != 2 || s[0] < 'A' || s[0] > 'D' || s[1] < '1' || s[1] > '2' {
		return 0, fmt.Errorf("sim: invalid headstage position %q", s)
	}
	return 2*int(s[0]-'A') + int(s[1]-'1'), nil
}
