// Package backoff holds the retry policy for failed missions, separated
// from the queue's storage mechanics so it can be tested as a pure function.
package backoff

import "time"

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Default matches the queue settings shipped in casahunt.yml.
func Default() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   time.Hour,
	}
}

// Next returns the delay before attempt+1 may run: BaseDelay doubled per
// prior attempt, capped at MaxDelay. attempt is the number of failures so
// far (0 for the first failure).
func (p Policy) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a mission with the given retry count is past
// the ceiling and must stay failed.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}
