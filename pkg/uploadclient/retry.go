package uploadclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"

	apperrors "fibreel-media/pkg/errors"
)

// RetryPolicy computes the wait before retry attempt n as
//
//	min(MaxDelay, BaseDelay * Multiplier^(n-1)) * (0.5 + random(0, 0.5))
//
// The jitter factor keeps a fleet of clients that failed together from
// retrying together.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// rand returns a value in [0, 1). Overridable for deterministic tests.
	rand func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the jittered wait before the given retry attempt. Attempts
// count from 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	capped := math.Min(raw, float64(p.MaxDelay))

	random := p.rand
	if random == nil {
		random = rand.Float64
	}
	return time.Duration(capped * (0.5 + random()/2))
}

// AttemptBudget caps attempts per call type. Chunk sends tolerate the most
// retries: they are cheap to repeat and fail the most, while initiation
// failures usually mean the request itself is wrong.
type AttemptBudget struct {
	Initiate int
	Chunk    int
	Complete int
	Status   int
}

func DefaultAttemptBudget() AttemptBudget {
	return AttemptBudget{
		Initiate: 3,
		Chunk:    5,
		Complete: 4,
		Status:   3,
	}
}

// Classify maps any error surfaced by a call into the error kind that drives
// the retry decision. Errors already tagged with a kind keep it; raw
// transport errors are recognized by type.
func Classify(err error) apperrors.Kind {
	if err == nil {
		return apperrors.KindUnknown
	}
	if kind := apperrors.KindOf(err); kind != apperrors.KindUnknown {
		return kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.KindTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if errors.Is(urlErr.Err, context.Canceled) {
			return apperrors.KindCancelled
		}
		return apperrors.KindNetwork
	}
	return apperrors.KindUnknown
}

// Transient reports whether the error is worth retrying with the same
// request: network failures, timeouts, 5xx answers, and rate-limit pushback.
func Transient(err error) bool {
	return Classify(err).Retryable()
}
