// Package ratelimit provides the task-priority-aware bandwidth shaper
// shared by the chunk downloader's per-chunk fetches and the
// single-stream download path's writes. It is zero-overhead when no
// limit is set.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// lowPriorityYield is the extra sleep a Low-priority task's transfer
// pays after the shared limiter grants it tokens, so High/Normal
// priority tasks tend to win contention for the burst budget.
const lowPriorityYield = 10 * time.Millisecond

// Limiter enforces a single global bytes-per-second ceiling across all
// tasks while letting each task declare a bandwidth priority that
// biases how readily it yields under contention.
type Limiter struct {
	global       *rate.Limiter
	enabled      atomic.Bool
	mu           sync.RWMutex
	taskPriority map[string]int
}

// New builds a Limiter with no cap (every Wait call returns
// immediately until SetGlobalLimit is called).
func New() *Limiter {
	return &Limiter{
		global:       rate.NewLimiter(rate.Inf, 0),
		taskPriority: make(map[string]int),
	}
}

// SetGlobalLimit sets the shared cap in bytes per second; 0 disables
// limiting entirely.
func (l *Limiter) SetGlobalLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		l.enabled.Store(false)
		l.global.SetLimit(rate.Inf)
		return
	}
	l.enabled.Store(true)
	l.global.SetLimit(rate.Limit(bytesPerSec))
	l.global.SetBurst(bytesPerSec)
}

// SetTaskPriority records the priority a task's transfers should be
// weighed at; defaults to Normal if never set.
func (l *Limiter) SetTaskPriority(taskID string, priority int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taskPriority[taskID] = priority
}

// ForgetTask drops a completed/cancelled task's priority entry.
func (l *Limiter) ForgetTask(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.taskPriority, taskID)
}

// Wait blocks until n bytes may be transferred under the global cap,
// then applies the Low-priority yield if applicable. Returns
// immediately, uncancellably fast, when no limit is configured.
func (l *Limiter) Wait(ctx context.Context, taskID string, n int) error {
	if !l.enabled.Load() {
		return nil
	}

	l.mu.RLock()
	priority, ok := l.taskPriority[taskID]
	l.mu.RUnlock()
	if !ok {
		priority = defaultPriority
	}

	if err := l.global.WaitN(ctx, n); err != nil {
		return err
	}

	if priority == lowPriority {
		select {
		case <-time.After(lowPriorityYield):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

const (
	lowPriority     = 1
	defaultPriority = 2
)

// NormalizePriority clamps a raw Options.BandwidthPriority value into
// the accepted {Low, Normal, High} range.
func NormalizePriority(p int) int {
	switch {
	case p <= lowPriority:
		return lowPriority
	case p >= 3:
		return 3
	default:
		return defaultPriority
	}
}
