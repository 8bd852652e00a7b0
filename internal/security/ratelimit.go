package security

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter tracks per-agent sliding request windows. State for an agent
// is created on first use and pruned lazily on each check.
type RateLimiter struct {
	mu        sync.Mutex
	agents    map[string]*agentState
	perMinute int
	perHour   int // 0 disables the hour window
}

type agentState struct {
	minute []time.Time
	hour   []time.Time
}

// NewRateLimiter creates a limiter with the given window capacities.
func NewRateLimiter(perMinute, perHour int) *RateLimiter {
	return &RateLimiter{
		agents:    make(map[string]*agentState),
		perMinute: perMinute,
		perHour:   perHour,
	}
}

// Check prunes expired entries and reports whether the agent may proceed.
// It does not record the request; call Record after the operation is admitted.
func (rl *RateLimiter) Check(agentID string, now time.Time) *Rejection {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := rl.agents[agentID]
	if st == nil {
		return nil
	}
	st.minute = prune(st.minute, now.Add(-time.Minute))
	if rl.perMinute > 0 && len(st.minute) >= rl.perMinute {
		return &Rejection{
			Reason: ReasonRateLimit,
			Input:  agentID,
			Detail: fmt.Sprintf("%d operations in the last minute (limit %d)", len(st.minute), rl.perMinute),
		}
	}
	if rl.perHour > 0 {
		st.hour = prune(st.hour, now.Add(-time.Hour))
		if len(st.hour) >= rl.perHour {
			return &Rejection{
				Reason: ReasonRateLimit,
				Input:  agentID,
				Detail: fmt.Sprintf("%d operations in the last hour (limit %d)", len(st.hour), rl.perHour),
			}
		}
	}
	return nil
}

// Record appends a timestamp for the agent after a successful check.
func (rl *RateLimiter) Record(agentID string, now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := rl.agents[agentID]
	if st == nil {
		st = &agentState{}
		rl.agents[agentID] = st
	}
	st.minute = append(st.minute, now)
	if rl.perHour > 0 {
		st.hour = append(st.hour, now)
	}
}

// prune drops timestamps at or before the cutoff. The slice is time-ordered,
// so the first retained index is found by a linear scan from the front.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// CheckFileSize rejects sizes above the per-file cap. A zero or negative cap
// disables the check.
func CheckFileSize(size, max int64) *Rejection {
	if max > 0 && size > max {
		return &Rejection{
			Reason: ReasonFileSize,
			Detail: fmt.Sprintf("file size %d exceeds limit %d", size, max),
		}
	}
	return nil
}

// CheckBatch rejects batches whose cumulative bytes exceed the batch cap or
// whose operation count exceeds maxOps (0 disables the count cap).
func CheckBatch(totalBytes, maxBytes int64, nOps, maxOps int) *Rejection {
	if maxBytes > 0 && totalBytes > maxBytes {
		return &Rejection{
			Reason: ReasonBatchSize,
			Detail: fmt.Sprintf("batch size %d exceeds limit %d", totalBytes, maxBytes),
		}
	}
	if maxOps > 0 && nOps > maxOps {
		return &Rejection{
			Reason: ReasonBatchSize,
			Detail: fmt.Sprintf("batch has %d operations (limit %d)", nOps, maxOps),
		}
	}
	return nil
}
