package op

import (
	"math/rand"
	"time"
)

// Clock supplies the scheduler's notion of time. Injected at construction
// so backoff eligibility can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

const (
	backoffBase = 5 * time.Second
	backoffCap  = 15 * time.Minute

	// confirmDelay spaces out status polls for a transaction that is on
	// chain but not yet final. Not a failure, so no retry count involved.
	confirmDelay = 10 * time.Second
)

// backoffFor returns the wait before the next attempt after retryCount
// failures: exponential in the retry count, capped, with up to 10% jitter
// so a burst of failures does not re-attempt in lockstep.
func backoffFor(retryCount uint32) time.Duration {
	d := backoffBase
	for i := uint32(0); i < retryCount && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
