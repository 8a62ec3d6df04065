// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"errors"
	"sync"
)

var errMeasRunning = errors.New("daq: measurement already running")

// Measurement serializes access to the board between the acquisition
// engine and a cooperating measurement task (impedance testing).
//
// The engine stops the task before changing any register and waits for
// it before starting an acquisition.
type Measurement struct {
	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

// Run launches fn in a new goroutine. fn must return promptly once quit
// is closed.
func (m *Measurement) Run(fn func(quit <-chan struct{}) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case <-m.done:
		default:
			return errMeasRunning
		}
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	m.quit = quit
	m.done = done

	go func() {
		defer close(done)
		_ = fn(quit)
	}()
	return nil
}

// Running returns whether the task is running.
func (m *Measurement) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Stop requests the task to terminate and waits for it.
func (m *Measurement) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	quit, done := m.quit, m.done
	m.quit = nil
	m.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	if done != nil {
		<-done
	}
}

// Wait waits for the task to terminate on its own.
func (m *Measurement) Wait() {
	if m == nil {
		return
	}
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}
