// Package ratelimit keeps fixed-window request counters for rate-limit
// policies. Counters are keyed by (policyID, window, windowStart), so a new
// window starts from zero without any reset job.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/better-wallet/spendguard/pkg/types"
)

// Window is one of the fixed accounting windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Windows lists every window in evaluation order.
var Windows = []Window{WindowMinute, WindowHour, WindowDay}

// Limits are per-window ceilings. Zero leaves a window unbounded.
type Limits struct {
	Minute int64
	Hour   int64
	Day    int64
}

// LimitsFor returns the ceilings of a rate-limit policy.
func LimitsFor(cfg *types.RateLimitConfig) Limits {
	return Limits{
		Minute: int64(cfg.RequestsPerMinute),
		Hour:   int64(cfg.RequestsPerHour),
		Day:    int64(cfg.RequestsPerDay),
	}
}

// Admits reports whether one more request fits under every bounded window.
func (l Limits) Admits(u types.RateUsage) bool {
	return (l.Minute == 0 || u.Minute < l.Minute) &&
		(l.Hour == 0 || u.Hour < l.Hour) &&
		(l.Day == 0 || u.Day < l.Day)
}

// Counter reads and advances per-policy window counters.
type Counter interface {
	// Usage returns the counts for the windows containing now.
	Usage(ctx context.Context, policyID string, now time.Time) (types.RateUsage, error)
	// Reserve atomically takes one slot in every window containing now when
	// all bounded windows are below their ceilings. It returns the usage seen
	// before the reservation; a refused reservation changes nothing.
	Reserve(ctx context.Context, policyID string, now time.Time, limits Limits) (types.RateUsage, bool, error)
	// Release gives back a slot taken by Reserve at now.
	Release(ctx context.Context, policyID string, now time.Time) error
}

// Start returns the beginning of the window containing now, in UTC.
func (w Window) Start(now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowMinute:
		return now.Truncate(time.Minute)
	case WindowHour:
		return now.Truncate(time.Hour)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Length is the duration of the window.
func (w Window) Length() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// NextReset returns the first instant after now that starts a new window.
func (w Window) NextReset(now time.Time) time.Time {
	return w.Start(now).Add(w.Length())
}

func key(prefix, policyID string, w Window, start time.Time) string {
	return fmt.Sprintf("%s:rate:%s:%s:%d", prefix, policyID, w, start.Unix())
}

func setUsage(u *types.RateUsage, w Window, n int64) {
	switch w {
	case WindowMinute:
		u.Minute = n
	case WindowHour:
		u.Hour = n
	case WindowDay:
		u.Day = n
	}
}
