// Package retry decides whether a failed step attempt runs again and how
// long to wait. Decisions are pure: the clock and RNG are injected so tests
// pin every branch.
package retry

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ronappleton/arazzo-runner/internal/runerr"
)

type Config struct {
	MaxAttempts   int             `yaml:"max_attempts"`
	BaseDelay     time.Duration   `yaml:"base_delay"`
	Factor        float64         `yaml:"factor"`
	MaxDelay      time.Duration   `yaml:"max_delay"`
	RetryStatuses map[int]bool    `yaml:"-"`
	Statuses      []int           `yaml:"retry_statuses"`
}

func Default() Config {
	return Config{
		MaxAttempts:   5,
		BaseDelay:     time.Second,
		Factor:        2.0,
		MaxDelay:      60 * time.Second,
		RetryStatuses: map[int]bool{429: true, 502: true, 503: true, 504: true, 408: true},
	}
}

// Normalize folds the yaml-friendly Statuses list into the lookup set.
func (c *Config) Normalize() {
	if len(c.Statuses) > 0 {
		c.RetryStatuses = map[int]bool{}
		for _, s := range c.Statuses {
			c.RetryStatuses[s] = true
		}
	}
	if c.RetryStatuses == nil {
		c.RetryStatuses = Default().RetryStatuses
	}
}

type Reason string

const (
	ReasonNotRetryable      Reason = "not_retryable"
	ReasonAttemptsExhausted Reason = "attempts_exhausted"
	ReasonPolicyFailure     Reason = "policy_failure"
	ReasonNetworkFailure    Reason = "network_failure"
	ReasonHTTPStatus        Reason = "http_status"
	ReasonRetryAfterHeader  Reason = "retry_after_header"
	ReasonBackoff           Reason = "backoff"
)

// Decision is the verdict for one failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason Reason
}

// Attempt carries everything the decision needs about the failure.
type Attempt struct {
	// Number is the 1-based attempt ordinal that just failed.
	Number int
	// RetryLimit is the matched failure action's retryLimit; zero means one
	// retry by default.
	RetryLimit int
	// RetryAfterSeconds is the failure action's retryAfter, used only when
	// the response carries no Retry-After header.
	RetryAfterSeconds float64
	Err               error
	Status            int         // response status, 0 on network failure
	Headers           http.Header // response headers, nil on network failure
}

// Decide reports whether the attempt should run again. now feeds HTTP-date
// parsing; randFloat must return a value in [0,1) for full jitter.
func Decide(cfg Config, a Attempt, now time.Time, randFloat func() float64) Decision {
	switch runerr.KindOf(a.Err) {
	case runerr.KindPolicy, runerr.KindCanceled, runerr.KindExpression, runerr.KindSecret:
		return Decision{Reason: ReasonPolicyFailure}
	}

	limit := a.RetryLimit
	if limit < 1 {
		limit = 1
	}
	maxAttempts := cfg.MaxAttempts
	if limit+1 < maxAttempts {
		maxAttempts = limit + 1
	}
	if a.Number >= maxAttempts {
		return Decision{Reason: ReasonAttemptsExhausted}
	}

	networkFailed := a.Status == 0
	if !networkFailed && !cfg.RetryStatuses[a.Status] {
		return Decision{Reason: ReasonHTTPStatus}
	}
	if networkFailed {
		kind := runerr.KindOf(a.Err)
		if kind != runerr.KindNetwork && kind != runerr.KindTimeout && kind != "" {
			return Decision{Reason: ReasonNotRetryable}
		}
	}

	if delay, ok := retryAfterDelay(a.Headers, now); ok {
		return Decision{Retry: true, Delay: clamp(delay, cfg.MaxDelay), Reason: ReasonRetryAfterHeader}
	}
	if a.RetryAfterSeconds > 0 {
		delay := time.Duration(a.RetryAfterSeconds * float64(time.Second))
		return Decision{Retry: true, Delay: clamp(delay, cfg.MaxDelay), Reason: ReasonBackoff}
	}

	// Exponential backoff with full jitter.
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(a.Number-1))
	raw = math.Min(raw, float64(cfg.MaxDelay))
	delay := time.Duration(raw * randFloat())
	reason := ReasonNetworkFailure
	if a.Status != 0 {
		reason = ReasonHTTPStatus
	}
	return Decision{Retry: true, Delay: delay, Reason: reason}
}

// retryAfterDelay parses Retry-After as delta-seconds or HTTP-date.
func retryAfterDelay(h http.Header, now time.Time) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
