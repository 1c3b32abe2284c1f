package grid

import (
	"math"
	"time"

	"hypergrid/logger"
)

const (
	batchWindowSize   = 10
	batchMinSize      = 1
	batchMaxSize      = 200
	batchAdjustFactor = 0.1
	batchCooldown     = 30 * time.Second
	batchLongCooldown = 60 * time.Second
)

// BatchThrottle adapts how many orders one batch submits based on
// observed per-order execution time. It nudges the size toward a
// target latency and backs off when timings swing.
type BatchThrottle struct {
	size          int
	target        time.Duration
	window        []time.Duration
	lastAdjust    time.Time
	consecutive   int
	interCallWait time.Duration
}

// NewBatchThrottle starts at the configured batch size with the given
// per-order latency target and delay between calls inside a batch
func NewBatchThrottle(initial int, target, interCallWait time.Duration) *BatchThrottle {
	if initial < batchMinSize {
		initial = batchMinSize
	}
	if initial > batchMaxSize {
		initial = batchMaxSize
	}
	return &BatchThrottle{
		size:          initial,
		target:        target,
		interCallWait: interCallWait,
	}
}

// Size current batch size
func (b *BatchThrottle) Size() int { return b.size }

// InterCallWait delay to sleep between calls within a batch
func (b *BatchThrottle) InterCallWait() time.Duration { return b.interCallWait }

// Record feeds one per-order execution time into the window
func (b *BatchThrottle) Record(d time.Duration) {
	b.window = append(b.window, d)
	if len(b.window) > batchWindowSize {
		b.window = b.window[1:]
	}
}

// Next returns the batch size for the given number of pending tasks,
// adjusting first if the window justifies it
func (b *BatchThrottle) Next(taskCount int) int {
	b.adjust(taskCount)
	n := b.size
	if n > taskCount {
		n = taskCount
	}
	if n < batchMinSize && taskCount > 0 {
		n = batchMinSize
	}
	return n
}

func (b *BatchThrottle) adjust(taskCount int) {
	if len(b.window) < 3 {
		return
	}
	cooldown := batchCooldown
	if b.consecutive > 5 {
		cooldown = batchLongCooldown
	}
	if time.Since(b.lastAdjust) < cooldown {
		return
	}

	avg := b.average()
	deviation := math.Abs(float64(avg-b.target)) / float64(b.target)
	variation := b.variationCoefficient(avg)
	if deviation <= 0.2 && variation <= 0.3 {
		b.consecutive = 0
		return
	}

	next := float64(b.size)
	switch {
	case avg > time.Duration(float64(b.target)*1.2):
		next *= 1 - batchAdjustFactor
	case avg < time.Duration(float64(b.target)*0.8):
		next *= 1 + batchAdjustFactor
	}
	switch trend := b.trend(); {
	case trend > 0.1:
		next *= 0.95 // latencies rising, shrink ahead of the curve
	case trend < -0.1:
		next *= 1.05
	}

	size := int(clamp(next, batchMinSize, batchMaxSize))
	if taskCount > 0 && size > taskCount {
		size = taskCount
	}
	if size != b.size {
		logger.Debugf("📊 batch size %d → %d (avg %v, target %v)", b.size, size, avg.Round(time.Millisecond), b.target)
		b.size = size
		b.consecutive++
	} else {
		b.consecutive = 0
	}
	b.lastAdjust = time.Now()
}

func (b *BatchThrottle) average() time.Duration {
	var sum time.Duration
	for _, d := range b.window {
		sum += d
	}
	return sum / time.Duration(len(b.window))
}

// variationCoefficient stddev over mean of the window
func (b *BatchThrottle) variationCoefficient(avg time.Duration) float64 {
	if avg <= 0 {
		return 0
	}
	var sq float64
	for _, d := range b.window {
		diff := float64(d - avg)
		sq += diff * diff
	}
	std := math.Sqrt(sq / float64(len(b.window)))
	return std / float64(avg)
}

// trend relative change of the recent half of the window against the
// earlier half; needs at least 5 samples to mean anything
func (b *BatchThrottle) trend() float64 {
	if len(b.window) < 5 {
		return 0
	}
	half := len(b.window) / 2
	var early, recent time.Duration
	for _, d := range b.window[:half] {
		early += d
	}
	for _, d := range b.window[half:] {
		recent += d
	}
	earlyAvg := float64(early) / float64(half)
	recentAvg := float64(recent) / float64(len(b.window)-half)
	if earlyAvg <= 0 {
		return 0
	}
	return (recentAvg - earlyAvg) / earlyAvg
}
