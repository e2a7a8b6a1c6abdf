package network

import (
	"errors"
	"math"
	"time"
)

// ErrStatsUnsupported is returned by links without native statistics.
var ErrStatsUnsupported = errors.New("native connection statistics unsupported")

// Stats is a snapshot of kernel-level connection statistics.
type Stats struct {
	RTT         time.Duration
	Retransmits uint64
	SegmentsOut uint64
}

// LossSampler turns successive Stats snapshots into a loss percentage.
// The zero value is ready to use; the first sample only sets the baseline.
type LossSampler struct {
	retransmits uint64
	segmentsOut uint64
	primed      bool
}

// Sample returns the percentage of segments retransmitted since the
// previous sample, clamped to [0, 100] and rounded to thousandths. ok is
// false for the baseline sample.
func (l *LossSampler) Sample(s Stats) (loss float64, ok bool) {
	defer func() {
		l.retransmits = s.Retransmits
		l.segmentsOut = s.SegmentsOut
		l.primed = true
	}()
	if !l.primed {
		return 0, false
	}

	sent := delta(s.SegmentsOut, l.segmentsOut)
	if sent == 0 {
		return 0, true
	}
	retrans := delta(s.Retransmits, l.retransmits)

	loss = float64(retrans) / float64(sent) * 100
	loss = math.Max(0, math.Min(100, loss))
	return math.Round(loss*1000) / 1000, true
}

// delta treats a counter that went backwards (reset or wrap) as no change.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
