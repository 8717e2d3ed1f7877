package broker

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode"

	"keybroker/internal/metrics"
	"keybroker/internal/models"
)

// OutcomeKind classifies the result of a provider call.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeRateLimited       OutcomeKind = "rate_limited"
	OutcomeTransient         OutcomeKind = "transient"
	OutcomeInvalidCredential OutcomeKind = "invalid_credential"
	OutcomeHardError         OutcomeKind = "hard_error"
)

// Outcome is what the caller observed from the provider.
type Outcome struct {
	Kind OutcomeKind

	// Tokens actually consumed; on success TPM is corrected from the
	// reservation made at selection.
	Tokens int64

	// Window the provider named as throttled, if any.
	Window models.WindowKind

	// RetryAfter as announced by the provider, if any.
	RetryAfter time.Duration

	Message string
}

// Success is a successful call that consumed tokens
func Success(tokens int64) Outcome {
	return Outcome{Kind: OutcomeSuccess, Tokens: tokens}
}

// RateLimited is a throttled call
func RateLimited(window models.WindowKind, retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeRateLimited, Window: window, RetryAfter: retryAfter}
}

var invalidCredentialHints = []string{
	"leaked",
	"revoked",
	"invalid api key",
	"invalid_api_key",
	"api key not valid",
	"api_key_invalid",
	"incorrect api key",
	"api key expired",
}

var rateLimitHints = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"resource_exhausted",
	"resource exhausted",
	"too many requests",
}

var transientHints = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"overloaded",
}

// transientWords only match as whole words, so "eof" hits "unexpected EOF"
// but not "thereof".
var transientWords = []string{"eof"}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func containsWord(s string, words []string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if slices.Contains(words, f) {
			return true
		}
	}
	return false
}

// Classify maps a provider HTTP status and error text to an outcome kind.
// A status of 0 means the call never got a response.
func Classify(status int, message string) OutcomeKind {
	msg := strings.ToLower(message)

	switch {
	case containsAny(msg, invalidCredentialHints):
		return OutcomeInvalidCredential
	case status == http.StatusUnauthorized:
		return OutcomeInvalidCredential
	case status == http.StatusTooManyRequests || containsAny(msg, rateLimitHints):
		return OutcomeRateLimited
	case status == 0, status == http.StatusRequestTimeout, status >= 500, containsAny(msg, transientHints), containsWord(msg, transientWords):
		return OutcomeTransient
	case status >= 200 && status < 300:
		return OutcomeSuccess
	default:
		return OutcomeHardError
	}
}

// Report takes the outcome of a call on c. Quota exhaustion, transient
// failures and invalid credentials are all absorbed here; an error is only
// returned when a credential could not be deactivated.
func (b *Broker) Report(ctx context.Context, c *Candidate, o Outcome) error {
	id := c.Binding.ID
	provider := string(c.Provider())
	metrics.OutcomesTotal.WithLabelValues(provider, string(o.Kind)).Inc()

	switch o.Kind {
	case OutcomeSuccess:
		if o.Tokens > 0 {
			metrics.TokensTotal.WithLabelValues(provider, c.Binding.ModelName).Add(float64(o.Tokens))
		}
		if err := b.tracker.AdjustTokens(ctx, id, o.Tokens-c.admission.Tokens); err != nil {
			b.logger.Warn("Failed to adjust tokens", "binding_id", id, "error", err)
		}
		if _, excluded := b.ledger.Get(id); excluded {
			b.ledger.Clear(ctx, id)
		}

	case OutcomeRateLimited:
		b.reportRateLimited(ctx, c, o)

	case OutcomeTransient:
		b.ledger.Exclude(ctx, id, models.ReasonTransient, 0)

	case OutcomeInvalidCredential:
		reason := o.Message
		if reason == "" {
			reason = "provider rejected the credential"
		}
		if err := b.catalog.Deactivate(ctx, c.Credential.ID, reason); err != nil {
			return err
		}
		metrics.CredentialDeactivationsTotal.Inc()

	case OutcomeHardError:
		b.logger.Debug("Call failed", "binding_id", id, "message", o.Message)
	}
	return nil
}

func (b *Broker) reportRateLimited(ctx context.Context, c *Candidate, o Outcome) {
	id := c.Binding.ID
	cooldown := o.RetryAfter

	if o.Window.Valid() {
		if err := b.tracker.MarkExhaustedNow(ctx, id, o.Window); err != nil {
			b.logger.Warn("Failed to mark window exhausted", "binding_id", id, "window", o.Window, "error", err)
		}
		if cooldown <= 0 {
			if until := b.tracker.ExhaustedUntil(id); !until.IsZero() {
				cooldown = until.Sub(b.tracker.Now())
			}
		}
	}

	reason := models.ReasonRateLimited
	if o.Window == models.WindowRPD || strings.Contains(strings.ToLower(o.Message), "quota") {
		reason = models.ReasonQuotaExhausted
	}
	b.ledger.Exclude(ctx, id, reason, cooldown)
}
