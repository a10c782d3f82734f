// Package errorfilter implements the per-category debouncer described in
// spec.md section 4.6: transient CAN/SDO/PDO errors are tolerated until a
// configured rate is exceeded within a sliding time window.
package errorfilter

import (
	"sync"
	"time"
)

// Category identifies one of the three tracked error sources.
type Category int

const (
	ReadSdo Category = iota
	WriteSdo
	ReadPdo
	categoryCount
)

func (c Category) String() string {
	switch c {
	case ReadSdo:
		return "read_sdo"
	case WriteSdo:
		return "write_sdo"
	case ReadPdo:
		return "read_pdo"
	default:
		return "unknown"
	}
}

// Params configures one category's debounce window.
type Params struct {
	MaxErrorsCount      int
	MaxErrorsTimeWindow time.Duration
}

// DefaultParams matches the defaults in spec.md section 6.
func DefaultParams() [categoryCount]Params {
	return [categoryCount]Params{
		ReadSdo:  {MaxErrorsCount: 2, MaxErrorsTimeWindow: 2 * time.Second},
		WriteSdo: {MaxErrorsCount: 2, MaxErrorsTimeWindow: 2 * time.Second},
		ReadPdo:  {MaxErrorsCount: 1, MaxErrorsTimeWindow: 1 * time.Second},
	}
}

type counter struct {
	params     Params
	count      int
	lastErrorAt time.Time
}

// Filter aggregates the three category counters and the clear-errors flag.
// It has no background timers; eviction happens lazily on UpdateError.
type Filter struct {
	mu          sync.Mutex
	counters    [categoryCount]counter
	clearFlag   bool
	now         func() time.Time
}

// New builds a Filter with the given per-category parameters.
func New(params [categoryCount]Params) *Filter {
	f := &Filter{now: time.Now}
	for i := range f.counters {
		f.counters[i].params = params[i]
	}
	return f
}

// UpdateError records whether an error of the given category occurred this
// cycle. If occurred, the count is incremented and the timestamp refreshed.
// If not occurred and the last recorded error for this category is older
// than its window (or the clear-errors flag is set), the count resets to 0.
func (f *Filter) UpdateError(category Category, occurred bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := &f.counters[category]
	now := f.now()

	if occurred {
		c.count++
		c.lastErrorAt = now
		return
	}

	if f.clearFlag {
		for i := range f.counters {
			f.counters[i].count = 0
		}
		f.clearFlag = false
		return
	}

	if !c.lastErrorAt.IsZero() && now.Sub(c.lastErrorAt) > c.params.MaxErrorsTimeWindow {
		c.count = 0
	}
}

// IsError reports whether the given category has tripped its threshold.
func (f *Filter) IsError(category Category) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &f.counters[category]
	if c.params.MaxErrorsCount <= 0 {
		return false
	}
	return c.count >= c.params.MaxErrorsCount
}

// IsErrorAny is the OR of IsError across every tracked category.
func (f *Filter) IsErrorAny() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.counters {
		c := &f.counters[i]
		if c.params.MaxErrorsCount > 0 && c.count >= c.params.MaxErrorsCount {
			return true
		}
	}
	return false
}

// Count exposes the current count for a category; primarily for telemetry
// and tests.
func (f *Filter) Count(category Category) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[category].count
}

// SetClearErrorsFlag arms an immediate reset: the next UpdateError call with
// occurred=false forces every category's count to 0 regardless of window.
// Used by the clear_errors service handler for an operator-initiated clear.
func (f *Filter) SetClearErrorsFlag() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearFlag = true
}
