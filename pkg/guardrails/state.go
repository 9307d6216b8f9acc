package guardrails

import (
	"sync"
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// rateWindow is the length of the fixed per-minute window.
const rateWindow = time.Minute

// Counters is a point-in-time copy of a binding's guardrail state.
type Counters struct {
	// WindowCount is the admissions in the current per-minute window.
	WindowCount int `json:"windowCount"`

	// WindowStart is when the current per-minute window opened.
	WindowStart time.Time `json:"windowStart"`

	// InFlight is the number of running executions.
	InFlight int `json:"inFlight"`

	// DailyCount is the admissions on Day.
	DailyCount int `json:"dailyCount"`

	// Day is the UTC calendar day of DailyCount, formatted as 2006-01-02.
	Day string `json:"day"`
}

// state holds the mutable counters of one binding. All three checks and all
// increments happen under one lock, so concurrent evaluations cannot both take
// the last slot.
//
// The per-minute limit uses a fixed window that opens on the first admission
// attempt after the previous window expired. Bursts straddling a boundary can
// admit up to twice the limit within 60 seconds.
type state struct {
	mu sync.Mutex

	windowStart time.Time
	windowCount int
	inFlight    int
	day         string
	dailyCount  int
}

// admit runs the guardrail checks in order (rate, concurrency, daily quota) and, on
// success, charges the counters. When holdSlot is true an in-flight slot is taken and
// the returned release function must be called exactly once when the run ends.
func (s *state) admit(b *engine.PlaybookBinding, now time.Time, holdSlot bool) (release func(), rejected *GuardrailRejected) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roll(now)

	if b.MaxPerMinute > 0 && s.windowCount >= b.MaxPerMinute {
		return nil, &GuardrailRejected{Reason: ReasonRateLimited, Limit: b.MaxPerMinute, Current: s.windowCount}
	}
	if b.MaxConcurrent > 0 && s.inFlight >= b.MaxConcurrent {
		return nil, &GuardrailRejected{Reason: ReasonConcurrencyLimited, Limit: b.MaxConcurrent, Current: s.inFlight}
	}
	if b.DailyQuota > 0 && s.dailyCount >= b.DailyQuota {
		return nil, &GuardrailRejected{Reason: ReasonDailyQuotaExceeded, Limit: b.DailyQuota, Current: s.dailyCount}
	}

	s.windowCount++
	s.dailyCount++
	if !holdSlot {
		return func() {}, nil
	}
	s.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		})
	}, nil
}

// roll resets expired windows. Callers must hold mu.
func (s *state) roll(now time.Time) {
	if s.windowExpired(now) {
		s.windowStart = now
		s.windowCount = 0
	}
	day := now.UTC().Format("2006-01-02")
	if day != s.day {
		s.day = day
		s.dailyCount = 0
	}
}

func (s *state) windowExpired(now time.Time) bool {
	return s.windowStart.IsZero() || now.Sub(s.windowStart) >= rateWindow || now.Before(s.windowStart)
}

func (s *state) snapshot(now time.Time) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counters{
		WindowCount: s.windowCount,
		WindowStart: s.windowStart,
		InFlight:    s.inFlight,
		DailyCount:  s.dailyCount,
		Day:         s.day,
	}
	if s.windowExpired(now) {
		c.WindowCount = 0
	}
	if day := now.UTC().Format("2006-01-02"); day != s.day {
		c.Day = day
		c.DailyCount = 0
	}
	return c
}
