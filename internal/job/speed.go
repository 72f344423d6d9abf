package job

import (
	"sync"
	"sync/atomic"
	"time"
)

// speedCalculator measures download speed over a sliding sample window for
// smoother readings than instantaneous byte counts.
type speedCalculator struct {
	mu             sync.Mutex
	samples        []int64
	lastCheck      time.Time
	bytesSinceLast int64
	windowSize     int
}

func newSpeedCalculator(windowSize int) *speedCalculator {
	if windowSize <= 0 {
		windowSize = 5
	}
	return &speedCalculator{
		samples:    make([]int64, 0, windowSize),
		lastCheck:  time.Now(),
		windowSize: windowSize,
	}
}

func (sc *speedCalculator) AddBytes(n int64) {
	atomic.AddInt64(&sc.bytesSinceLast, n)
}

// Speed returns the average bytes/sec over the recent window.
func (sc *speedCalculator) Speed() int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(sc.lastCheck)

	if elapsed < time.Second {
		if len(sc.samples) > 0 {
			return sc.average()
		}
		return 0
	}

	bytesSinceLast := atomic.SwapInt64(&sc.bytesSinceLast, 0)
	speed := int64(float64(bytesSinceLast) / elapsed.Seconds())

	sc.samples = append(sc.samples, speed)
	if len(sc.samples) > sc.windowSize {
		sc.samples = sc.samples[1:]
	}
	sc.lastCheck = now

	return sc.average()
}

func (sc *speedCalculator) average() int64 {
	if len(sc.samples) == 0 {
		return 0
	}

	var sum int64
	for _, s := range sc.samples {
		sum += s
	}

	return sum / int64(len(sc.samples))
}
