package engine

import (
	"math"
	"time"
)

// Backoff is the delay before retry attempt n: 2^n seconds, never below floor
// and, when ceiling is set, never above it.
func Backoff(n int, floor, ceiling time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	var d time.Duration
	if n >= 32 {
		d = math.MaxInt64
	} else {
		d = time.Duration(int64(1)<<uint(n)) * time.Second
	}
	if d < floor {
		d = floor
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// claimLimit is ceil(available*ratio), bounded by room.
func claimLimit(available int, ratio float64, room int) int {
	n := int(math.Ceil(float64(available) * ratio))
	if n > room {
		n = room
	}
	if n < 0 {
		return 0
	}
	return n
}
