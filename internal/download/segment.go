// Package download implements segment retrieval and reassembly: given a
// Core Index, fetch each segment's first live redundant copy, decrypt
// and decompress it, and write it back out in file order. The buffered,
// non-blocking segment type is adapted directly from javi11/altmount's
// internal/usenet segment/segmentWriter (buffer-backed instead of
// io.Pipe, a ready channel instead of blocking on a reader, first-error-
// wins semantics) so a slow consumer never stalls the NNTP connection
// that filled the buffer.
package download

import (
	"bytes"
	"io"
	"sync"
)

// segment buffers one segment's plaintext bytes between the fetch
// worker that fills it and the reassembly worker that drains it.
type segment struct {
	id string

	mu     sync.Mutex
	buf    *bytes.Buffer
	ready  chan struct{}
	err    error
	closed bool
}

func newSegment(id string) *segment {
	return &segment{id: id, ready: make(chan struct{})}
}

// Fill stores the segment's final plaintext bytes and signals ready.
// Safe to call at most once per segment.
func (s *segment) Fill(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = bytes.NewBuffer(data)
	s.signalReady()
}

// FailWith records a fetch error and signals ready so any waiting reader
// unblocks and observes it instead of hanging forever.
func (s *segment) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.err == nil {
		s.err = err
	}
	s.signalReady()
}

func (s *segment) signalReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Bytes blocks until Fill or FailWith has been called, then returns the
// segment's plaintext or the error that prevented it from being filled.
func (s *segment) Bytes() ([]byte, error) {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.buf == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return s.buf.Bytes(), nil
}

func (s *segment) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.signalReady()
	s.buf = nil
}
