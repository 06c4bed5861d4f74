package wsrep

import (
	log "github.com/sirupsen/logrus"
)

type FragmentUnit int32

const (
	FragmentBytes FragmentUnit = iota
	FragmentRows
	FragmentStatements
)

func (u FragmentUnit) String() string {
	switch u {
	case FragmentBytes:
		return "bytes"
	case FragmentRows:
		return "rows"
	case FragmentStatements:
		return "statements"
	}
	return "unknown"
}

// StreamingContext decides when a streaming transaction must emit the
// next fragment and remembers the fragments already replicated. It is
// co-owned with the transaction and protected by the client mutex.
type StreamingContext struct {
	enabled            bool
	unit               FragmentUnit
	size               int
	unitCounter        int
	fragments          []Seqno
	rollbackReplicated bool
}

func (s *StreamingContext) Enable(unit FragmentUnit, size int) {
	if size <= 0 {
		log.Panicf("streaming: fragment size %v", size)
	}
	s.enabled = true
	s.unit = unit
	s.size = size
}

func (s *StreamingContext) Enabled() bool {
	return s.enabled
}

func (s *StreamingContext) Unit() FragmentUnit {
	return s.unit
}

func (s *StreamingContext) Size() int {
	return s.size
}

// Fragments returns the seqnos of the fragments replicated so far.
func (s *StreamingContext) Fragments() []Seqno {
	out := make([]Seqno, len(s.fragments))
	copy(out, s.fragments)
	return out
}

func (s *StreamingContext) FragmentsSent() int {
	return len(s.fragments)
}

func (s *StreamingContext) RollbackReplicated() bool {
	return s.rollbackReplicated
}

func (s *StreamingContext) count(unit FragmentUnit, n int) {
	if !s.enabled || unit != s.unit {
		return
	}
	s.unitCounter += n
}

// fragmentDue tells whether enough units have accumulated for the next
// fragment.
func (s *StreamingContext) fragmentDue() bool {
	return s.enabled && s.unitCounter >= s.size
}

func (s *StreamingContext) consumeFragment() {
	s.unitCounter -= s.size
	if s.unitCounter < 0 {
		s.unitCounter = 0
	}
}

func (s *StreamingContext) storedFragment(seqno Seqno) {
	s.fragments = append(s.fragments, seqno)
}

func (s *StreamingContext) markRollbackReplicated() {
	s.rollbackReplicated = true
}

// cleanup drops the per transaction bookkeeping. The fragment unit and
// size set by Enable are session settings and stay in effect.
func (s *StreamingContext) cleanup() {
	s.unitCounter = 0
	s.fragments = nil
	s.rollbackReplicated = false
}
