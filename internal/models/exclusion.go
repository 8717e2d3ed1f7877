package models

import (
	"time"

	"github.com/google/uuid"
)

// ExclusionReason tells why a binding was taken out of rotation. Quota-type
// reasons back off exponentially; transient ones use a short fixed cooldown.
type ExclusionReason string

const (
	ReasonRateLimited      ExclusionReason = "rate_limited"
	ReasonQuotaExhausted   ExclusionReason = "quota_exhausted"
	ReasonTransient        ExclusionReason = "transient_error"
	ReasonValidationFailed ExclusionReason = "validation_failed"
)

// IsTransient reports whether the reason is a momentary failure.
func (r ExclusionReason) IsTransient() bool {
	return r == ReasonTransient
}

//
// ExclusionEntry (binding_exclusions table)
//

// ExclusionEntry is a time-boxed ban on one ModelBinding.
type ExclusionEntry struct {
	BindingID  uuid.UUID       `db:"binding_id" json:"bindingId"`
	Reason     ExclusionReason `db:"reason" json:"reason"`
	ExcludedAt time.Time       `db:"excluded_at" json:"excludedAt"`
	RetryAt    time.Time       `db:"retry_at" json:"retryAt"`
	RetryCount int             `db:"retry_count" json:"retryCount"`
}

// Active reports whether the ban still holds at now.
func (e *ExclusionEntry) Active(now time.Time) bool {
	return e.RetryAt.After(now)
}
