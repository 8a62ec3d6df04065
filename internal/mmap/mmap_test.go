// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestReader(t *testing.T) {
	t.Run("nil-reader", func(t *testing.T) {
		var r *Reader

		_, err := r.ReadAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		err = r.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var r Reader

		_, err := r.ReadAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		err = r.Close()
		if err != nil {
			t.Fatalf("error closing nil-data reader: %+v", err)
		}
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "data.raw")
	err := os.WriteFile(fname, []byte("0123456789"), 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}

	r, err := Open(fname)
	if err != nil {
		t.Fatalf("could not open file: %+v", err)
	}
	defer r.Close()

	if got, want := r.Len(), 10; got != want {
		t.Fatalf("invalid length: got=%d, want=%d", got, want)
	}
	if got, want := r.At(3), byte('3'); got != want {
		t.Fatalf("invalid byte: got=%q, want=%q", got, want)
	}

	p := make([]byte, 4)
	n, err := r.ReadAt(p, 2)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := string(p[:n]), "2345"; got != want {
		t.Fatalf("invalid read: got=%q, want=%q", got, want)
	}

	n, err = r.ReadAt(p, 8)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.EOF)
	}
	if got, want := string(p[:n]), "89"; got != want {
		t.Fatalf("invalid read: got=%q, want=%q", got, want)
	}

	_, err = r.ReadAt(p, 11)
	if err == nil {
		t.Fatalf("expected an error for an invalid offset")
	}

	err = r.Close()
	if err != nil {
		t.Fatalf("could not close reader: %+v", err)
	}
	_, err = r.ReadAt(p, 0)
	if !errors.Is(err, errClosed) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, errClosed)
	}

	empty := filepath.Join(dir, "empty.raw")
	err = os.WriteFile(empty, nil, 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	r, err = Open(empty)
	if err != nil {
		t.Fatalf("could not open empty file: %+v", err)
	}
	if got, want := r.Len(), 0; got != want {
		t.Fatalf("invalid length: got=%d, want=%d", got, want)
	}
	_ = r.Close()

	_, err = Open(filepath.Join(dir, "not-there.raw"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}
