package watch

import (
	"strings"
	"time"
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// activity counts event arrivals in fixed-width buckets, newest last.
type activity struct {
	buckets []int
	width   time.Duration
	start   time.Time
	last    time.Time
}

func newActivity(n int, width time.Duration, now time.Time) activity {
	return activity{buckets: make([]int, n), width: width, start: now}
}

// advance rotates buckets so the newest one covers now.
func (a *activity) advance(now time.Time) {
	steps := int(now.Sub(a.start) / a.width)
	if steps <= 0 {
		return
	}
	n := len(a.buckets)
	if steps >= n {
		clear(a.buckets)
	} else {
		copy(a.buckets, a.buckets[steps:])
		clear(a.buckets[n-steps:])
	}
	a.start = a.start.Add(time.Duration(steps) * a.width)
}

func (a *activity) record(now time.Time) {
	a.advance(now)
	a.buckets[len(a.buckets)-1]++
	a.last = now
}

func (a activity) total() int {
	n := 0
	for _, b := range a.buckets {
		n += b
	}
	return n
}

func (a activity) sparkline() string {
	peak := 0
	for _, b := range a.buckets {
		peak = max(peak, b)
	}
	var sb strings.Builder
	for _, b := range a.buckets {
		if peak == 0 {
			sb.WriteRune(sparkLevels[0])
			continue
		}
		sb.WriteRune(sparkLevels[b*(len(sparkLevels)-1)/peak])
	}
	return sb.String()
}
