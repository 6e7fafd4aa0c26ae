package saga

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

const (
	backoffMultiplier    = 2
	backoffRandomization = 0.5
)

// stepBackOff spaces out retries of a saga operation. Store faults and timeouts wait an
// exponentially growing, jittered interval; a version conflict means the row just moved,
// so the next attempt goes at once.
type stepBackOff struct {
	backoff.BackOff
	lastErr error
}

func newStepBackOff(base, ceiling time.Duration) *stepBackOff {
	if base > ceiling {
		base = ceiling
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base
	expo.RandomizationFactor = backoffRandomization
	expo.Multiplier = backoffMultiplier
	expo.MaxInterval = ceiling
	// the attempt ceiling bounds the loop, not wall time
	expo.MaxElapsedTime = 0
	expo.Reset()

	return &stepBackOff{BackOff: expo}
}

func (b *stepBackOff) NextBackOff() time.Duration {
	if errors.Is(b.lastErr, models.ErrVersionConflict) {
		return 0
	}
	return b.BackOff.NextBackOff()
}
