// ABOUTME: Error classification, backoff timing, and the retry manager that drives explicit retry passes.
// ABOUTME: Classification is a pure function over error text with a data-driven substring table.
package harvest

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// ErrorClass buckets a failure by its error text. Serialized into the
// failed-file map, so values are stable strings.
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "timeout"
	ClassMemory     ErrorClass = "memory"
	ClassConnection ErrorClass = "connection"
	ClassMalformed  ErrorClass = "malformed"
	ClassOther      ErrorClass = "other"
)

// classifyRule maps a case-insensitive substring to an error class. Rules
// are ordered most-specific first; the first match wins.
type classifyRule struct {
	needle string
	class  ErrorClass
}

var classifyRules = []classifyRule{
	{"outofmemoryerror", ClassMemory},
	{"out of memory", ClassMemory},
	{"java heap space", ClassMemory},
	{"cannot allocate memory", ClassMemory},
	{"gc overhead limit", ClassMemory},
	{"connection refused", ClassConnection},
	{"connection reset", ClassConnection},
	{"broken pipe", ClassConnection},
	{"no route to host", ClassConnection},
	{"server unreachable", ClassConnection},
	{"deadline exceeded", ClassTimeout},
	{"timed out", ClassTimeout},
	{"timeout", ClassTimeout},
	{"malformed", ClassMalformed},
	{"unparsable", ClassMalformed},
	{"empty result", ClassMalformed},
	{"fielded output line", ClassMalformed},
}

// Classify buckets free-form error text into an ErrorClass using
// case-insensitive substring matching against the rule table.
func Classify(errText string) ErrorClass {
	lower := strings.ToLower(errText)
	for _, rule := range classifyRules {
		if strings.Contains(lower, rule.needle) {
			return rule.class
		}
	}
	return ClassOther
}

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64 // 1.0 = constant delay
	MaxDelay     time.Duration
	Jitter       bool
}

// DelayForAttempt calculates the delay before retrying a given 0-indexed
// attempt: InitialDelay * Factor^attempt, capped at MaxDelay. With Jitter
// the delay is randomized in [0, calculated].
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	delayNanos := math.Min(baseNanos, float64(b.MaxDelay.Nanoseconds()))
	if b.Jitter {
		delayNanos = rand.Float64() * delayNanos
	}
	return time.Duration(int64(delayNanos))
}

// DefaultBackoff is a constant 5-second delay, matching the fixed
// inter-attempt delay used for in-attempt connection retries.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Second,
		Factor:       1.0,
		MaxDelay:     60 * time.Second,
		Jitter:       false,
	}
}

// RetryCandidate pairs a failed input path with its persisted retry entry.
type RetryCandidate struct {
	Path  string
	Entry RetryEntry
}

// RetryManager selects failed files for an explicit retry pass. Retries run
// through the same worker-pool path as fresh files; the manager only produces
// the candidate list.
type RetryManager struct {
	MaxAttempts int // entries at or above this count are never selected
	Backoff     BackoffConfig
}

// NewRetryManager returns a manager with the given attempt ceiling and the
// default fixed backoff.
func NewRetryManager(maxAttempts int) *RetryManager {
	return &RetryManager{MaxAttempts: maxAttempts, Backoff: DefaultBackoff()}
}

// SelectCandidates returns the failed-file entries eligible for another
// attempt: attempts below MaxAttempts and, when filter is non-empty, matching
// the classification. Results are sorted by path for deterministic passes.
func (m *RetryManager) SelectCandidates(state *RunState, filter ErrorClass) []RetryCandidate {
	var out []RetryCandidate
	for path, entry := range state.Failed {
		if entry.Attempts >= m.MaxAttempts {
			continue
		}
		if filter != "" && entry.Class != filter {
			continue
		}
		out = append(out, RetryCandidate{Path: path, Entry: *entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ApplyOutcome records the result of a retry attempt in the state store.
// Success removes the entry from the failed-file map; failure increments the
// attempt count and refreshes the error text and timestamp.
func (m *RetryManager) ApplyOutcome(store *StateStore, path string, runErr error) error {
	if runErr == nil {
		return store.ClearFailure(path)
	}
	return store.RecordFailure(path, runErr.Error(), Classify(runErr.Error()))
}
