// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBlockCodec(t *testing.T) {
	want := mkBlock(5, 42, 7)
	want.Samples[3] = -12.5

	raw, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("could not encode block: %+v", err)
	}
	if got, want := len(raw), 8+7*(12+4*5); got != want {
		t.Fatalf("invalid encoded size: got=%d, want=%d", got, want)
	}

	var got Block
	err = got.UnmarshalBinary(raw)
	if err != nil {
		t.Fatalf("could not decode block: %+v", err)
	}
	if diff := cmp.Diff(want, &got); diff != "" {
		t.Fatalf("invalid block (-want +got):\n%s", diff)
	}
}

func TestBlockCodecErrors(t *testing.T) {
	raw, err := mkBlock(2, 0, 3).MarshalBinary()
	if err != nil {
		t.Fatalf("could not encode block: %+v", err)
	}

	for _, tc := range []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short-header", raw[:5]},
		{"short-payload", raw[:len(raw)-1]},
		{"long-payload", append(append([]byte(nil), raw...), 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var blk Block
			err := blk.UnmarshalBinary(tc.raw)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
