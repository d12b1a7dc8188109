package trigger

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// startupSpread picks the delay before an interval schedule first fires. The
// tag keeps schedules registered in the same instant apart.
func startupSpread(every, limit time.Duration, tag string) time.Duration {
	spreadMax := min(every, limit)
	if spreadMax <= 0 {
		return 0
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), fnv64a(tag)))
	return time.Duration(rng.Int64N(int64(spreadMax)))
}

// seedLastRun backdates a periodic task so that it becomes due after delay.
func seedLastRun(now time.Time, every, delay time.Duration) time.Time {
	return now.Add(delay - every)
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
