package agent

import (
	"math/rand"
	"time"
)

// RetryProfile is one of the two backoff cadences §4.4 "Retries" names:
// a fast profile for the pairing handshake (where the peer is expected
// to answer within seconds) and a slow one for ordinary message delivery
// retries against a relay that's temporarily unreachable.
type RetryProfile int

const (
	ProfileFast RetryProfile = iota
	ProfileSlow
)

// backoffParams holds the interval bounds for a profile. Grounded on
// async/retrieval_scheduler.go's base-interval-plus-jitter scheduling,
// adapted from a fixed polling cadence to a per-attempt exponential
// backoff since a connection retry (unlike retrieval polling) should
// back off harder the longer a peer stays unreachable.
type backoffParams struct {
	initial time.Duration
	max     time.Duration
}

var profileParams = map[RetryProfile]backoffParams{
	ProfileFast: {initial: 500 * time.Millisecond, max: 10 * time.Second},
	ProfileSlow: {initial: 5 * time.Second, max: 10 * time.Minute},
}

// maxConsecutiveRetries bounds how many backed-off attempts a worker
// makes before surfacing the error to the application and going idle
// (§4.4 "crossing max_consecutive_retries surfaces the error... and
// marks the worker idle").
const maxConsecutiveRetries = 10

// RetryState tracks one retry worker's backoff position. It is not
// safe for concurrent use; each connection's send/pairing worker owns
// its own RetryState.
type RetryState struct {
	profile    RetryProfile
	attempt    int
	nextDelay  time.Duration
}

// NewRetryState starts a fresh backoff sequence for profile.
func NewRetryState(profile RetryProfile) *RetryState {
	return &RetryState{profile: profile, nextDelay: profileParams[profile].initial}
}

// Reset returns the state to its initial position, called after a
// successful attempt breaks the failure streak.
func (r *RetryState) Reset() {
	r.attempt = 0
	r.nextDelay = profileParams[r.profile].initial
}

// Exhausted reports whether the next call to Next would exceed
// max_consecutive_retries.
func (r *RetryState) Exhausted() bool {
	return r.attempt >= maxConsecutiveRetries
}

// Next returns the delay to wait before the next attempt and advances
// the backoff state. Each persistent failure doubles the interval,
// capped at the profile's maximum, with +/-20% jitter so many workers
// retrying the same relay don't all wake in lockstep.
func (r *RetryState) Next() time.Duration {
	delay := r.nextDelay
	r.attempt++

	doubled := r.nextDelay * 2
	if doubled > profileParams[r.profile].max || doubled <= 0 {
		doubled = profileParams[r.profile].max
	}
	r.nextDelay = doubled

	jitter := time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
	return jitter
}

// Attempt returns how many attempts have been made so far in this streak.
func (r *RetryState) Attempt() int { return r.attempt }
