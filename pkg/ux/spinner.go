// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is an animated progress line. At LevelMachine it prints the
// message once and never animates.
type Spinner struct {
	p          *Printer
	message    string
	interval   time.Duration
	stop       chan struct{}
	done       chan struct{}
	mu         sync.Mutex
	running    bool
	frameIndex int
	current    int
	total      int
}

// NewSpinner creates a spinner for p.
func (p *Printer) NewSpinner(message string) *Spinner {
	return &Spinner{
		p:        p,
		message:  message,
		interval: 80 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the animation.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if s.p.level == LevelMachine {
		fmt.Fprintf(s.p.w, "PROGRESS: %s\n", s.message)
		close(s.done)
		return
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				fmt.Fprint(s.p.w, "\r\033[K")
				return
			case <-ticker.C:
				s.mu.Lock()
				frame := Styles.Highlight.Render(spinnerFrames[s.frameIndex])
				line := s.line()
				s.frameIndex = (s.frameIndex + 1) % len(spinnerFrames)
				s.mu.Unlock()
				fmt.Fprintf(s.p.w, "\r%s %s", frame, line)
			}
		}
	}()
}

func (s *Spinner) line() string {
	if s.total == 0 {
		return s.message
	}
	return fmt.Sprintf("%s [%d/%d]", s.message, s.current, s.total)
}

// SetProgress shows current of total after the message.
func (s *Spinner) SetProgress(current, total int) {
	s.mu.Lock()
	s.current, s.total = current, total
	s.mu.Unlock()
}

// Stop halts the animation and clears the line. Stopping a spinner that
// was never started is a no-op.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// StopWithSuccess stops and prints a success message.
func (s *Spinner) StopWithSuccess(message string) {
	s.Stop()
	s.p.Success(message)
}

// StopWithError stops and prints an error message.
func (s *Spinner) StopWithError(message string) {
	s.Stop()
	s.p.Error(message)
}
