package exclusion

import (
	"math"
	"time"

	"keybroker/internal/models"
)

// BackoffPolicy shapes exclusion cooldowns.
type BackoffPolicy struct {
	Base       time.Duration // first cooldown when the caller gives none
	Factor     float64       // growth per consecutive exclusion
	Max        time.Duration // cap on grown cooldowns
	Transient  time.Duration // fixed cooldown for transient failures
	ResetAfter time.Duration // calm period after which the retry count restarts
}

// DefaultBackoffPolicy returns the default policy
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       60 * time.Second,
		Factor:     2,
		Max:        30 * time.Minute,
		Transient:  15 * time.Second,
		ResetAfter: time.Hour,
	}
}

// Cooldown returns how long to exclude a binding for its retryCount-th
// consecutive exclusion. Transient failures always get the fixed transient
// cooldown. Otherwise requested (or Base) grows by Factor per retry and is
// capped at Max, but never ends up shorter than requested.
func (p BackoffPolicy) Cooldown(reason models.ExclusionReason, requested time.Duration, retryCount int) time.Duration {
	if reason.IsTransient() {
		if p.Transient > 0 {
			return p.Transient
		}
		return requested
	}

	base := requested
	if base <= 0 {
		base = p.Base
	}
	if retryCount < 1 {
		retryCount = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	grown := float64(base) * math.Pow(factor, float64(retryCount-1))
	d := time.Duration(grown)
	if grown > float64(math.MaxInt64) {
		d = time.Duration(math.MaxInt64)
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < requested {
		d = requested
	}
	return d
}
