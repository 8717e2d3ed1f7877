package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WindowKind names one of the four provider-side throttles.
type WindowKind string

const (
	WindowRPM WindowKind = "rpm" // requests per minute
	WindowRPH WindowKind = "rph" // requests per hour
	WindowRPD WindowKind = "rpd" // requests per day
	WindowTPM WindowKind = "tpm" // tokens per minute
)

// WindowKinds lists the windows in evaluation order.
var WindowKinds = []WindowKind{WindowRPM, WindowRPH, WindowRPD, WindowTPM}

// Duration returns the length of the window.
func (k WindowKind) Duration() time.Duration {
	switch k {
	case WindowRPM, WindowTPM:
		return time.Minute
	case WindowRPH:
		return time.Hour
	case WindowRPD:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether k is one of the four known windows.
func (k WindowKind) Valid() bool {
	return k.Duration() > 0
}

// ErrMalformedUsage is returned by ParseUsageDocument for payloads that are
// not a well-formed usage document.
var ErrMalformedUsage = errors.New("malformed usage document")

// UsageWindow is a fixed window counter. Limit <= 0 means no limit is
// configured for the window.
type UsageWindow struct {
	Used        int64      `json:"used"`
	Limit       int64      `json:"limit"`
	WindowStart *time.Time `json:"windowStart"`
	ExhaustedAt *time.Time `json:"exhaustedAt,omitempty"`
}

// Expired reports whether the window has run its course at now.
func (w *UsageWindow) Expired(kind WindowKind, now time.Time) bool {
	if w.WindowStart == nil {
		return true
	}
	return !now.Before(w.WindowStart.Add(kind.Duration()))
}

// Roll starts a new window when the current one has expired. It returns true
// when the counter was reset.
func (w *UsageWindow) Roll(kind WindowKind, now time.Time) bool {
	if !w.Expired(kind, now) {
		return false
	}
	start := now
	w.WindowStart = &start
	w.ExhaustedAt = nil
	reset := w.Used != 0
	w.Used = 0
	return reset
}

// Exhausted reports whether the window is at or over its limit and still running.
func (w *UsageWindow) Exhausted(kind WindowKind, now time.Time) bool {
	if w.Limit <= 0 {
		return false
	}
	return w.Used >= w.Limit && !w.Expired(kind, now)
}

// ResetAt returns when the current window ends; zero if no window is running.
func (w *UsageWindow) ResetAt(kind WindowKind) time.Time {
	if w.WindowStart == nil {
		return time.Time{}
	}
	return w.WindowStart.Add(kind.Duration())
}

// Remaining returns how much of the window is left, or -1 when unlimited.
func (w *UsageWindow) Remaining() int64 {
	if w.Limit <= 0 {
		return -1
	}
	if w.Used >= w.Limit {
		return 0
	}
	return w.Limit - w.Used
}

// UsageLimits are the per-window limits of a binding.
type UsageLimits struct {
	RPM int64 `yaml:"rpm" json:"rpm"`
	RPH int64 `yaml:"rph" json:"rph"`
	RPD int64 `yaml:"rpd" json:"rpd"`
	TPM int64 `yaml:"tpm" json:"tpm"`
}

// IsZero reports whether no limit is set at all.
func (l UsageLimits) IsZero() bool {
	return l == UsageLimits{}
}

//
// UsageDocument (model_bindings.usage)
//

// UsageDocument is the persisted usage state of a binding. It is stored as
// text so that a corrupt payload can be read back and repaired; Scan never
// fails on bad content; it yields a fresh document with Malformed set.
type UsageDocument struct {
	RPM UsageWindow `json:"rpm"`
	RPH UsageWindow `json:"rph"`
	RPD UsageWindow `json:"rpd"`
	TPM UsageWindow `json:"tpm"`

	// Malformed is set when the stored payload could not be parsed.
	Malformed bool `json:"-"`
}

// NewUsageDocument returns a fresh document with the given limits.
func NewUsageDocument(limits UsageLimits) UsageDocument {
	var d UsageDocument
	d.SetLimits(limits)
	return d
}

// Window returns a pointer to the window of the given kind.
func (d *UsageDocument) Window(kind WindowKind) *UsageWindow {
	switch kind {
	case WindowRPM:
		return &d.RPM
	case WindowRPH:
		return &d.RPH
	case WindowRPD:
		return &d.RPD
	case WindowTPM:
		return &d.TPM
	default:
		return nil
	}
}

// Limits returns the configured limits.
func (d *UsageDocument) Limits() UsageLimits {
	return UsageLimits{RPM: d.RPM.Limit, RPH: d.RPH.Limit, RPD: d.RPD.Limit, TPM: d.TPM.Limit}
}

// SetLimits replaces the limits, leaving counters untouched.
func (d *UsageDocument) SetLimits(l UsageLimits) {
	d.RPM.Limit = l.RPM
	d.RPH.Limit = l.RPH
	d.RPD.Limit = l.RPD
	d.TPM.Limit = l.TPM
}

// Roll rolls every expired window forward.
func (d *UsageDocument) Roll(now time.Time) {
	for _, kind := range WindowKinds {
		d.Window(kind).Roll(kind, now)
	}
}

// Exhausted reports whether any window is exhausted, and which one.
func (d *UsageDocument) Exhausted(now time.Time) (bool, WindowKind) {
	for _, kind := range WindowKinds {
		if d.Window(kind).Exhausted(kind, now) {
			return true, kind
		}
	}
	return false, ""
}

// ExhaustedUntil returns the latest reset time among exhausted windows.
func (d *UsageDocument) ExhaustedUntil(now time.Time) time.Time {
	var until time.Time
	for _, kind := range WindowKinds {
		w := d.Window(kind)
		if w.Exhausted(kind, now) {
			if reset := w.ResetAt(kind); reset.After(until) {
				until = reset
			}
		}
	}
	return until
}

// Value implements driver.Valuer.
func (d UsageDocument) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *UsageDocument) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("usage: unsupported column type %T", value)
	}

	doc, err := ParseUsageDocument(raw)
	*d = doc
	if err != nil {
		d.Malformed = true
	}
	return nil
}

type rawUsageDocument struct {
	RPM *UsageWindow `json:"rpm"`
	RPH *UsageWindow `json:"rph"`
	RPD *UsageWindow `json:"rpd"`
	TPM *UsageWindow `json:"tpm"`
}

// ParseUsageDocument strictly parses a stored usage payload. On any error the
// returned document is fresh (zero usage, no limits) so callers that favor
// availability can keep going with it.
func ParseUsageDocument(raw []byte) (UsageDocument, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return UsageDocument{}, fmt.Errorf("%w: empty payload", ErrMalformedUsage)
	}

	var parsed rawUsageDocument
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return UsageDocument{}, fmt.Errorf("%w: %v", ErrMalformedUsage, err)
	}

	windows := map[WindowKind]*UsageWindow{
		WindowRPM: parsed.RPM,
		WindowRPH: parsed.RPH,
		WindowRPD: parsed.RPD,
		WindowTPM: parsed.TPM,
	}
	var doc UsageDocument
	for _, kind := range WindowKinds {
		w := windows[kind]
		if w == nil {
			return UsageDocument{}, fmt.Errorf("%w: missing %s window", ErrMalformedUsage, kind)
		}
		if w.Used < 0 || w.Limit < 0 {
			return UsageDocument{}, fmt.Errorf("%w: negative counter in %s window", ErrMalformedUsage, kind)
		}
		*doc.Window(kind) = *w
	}
	return doc, nil
}
