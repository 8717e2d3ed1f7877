package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/audit"
	"keybroker/internal/broker"
	"keybroker/internal/middleware"
	"keybroker/internal/models"
	"keybroker/internal/utils"
)

// SelectRequest is the body of POST /v1/broker/select
type SelectRequest struct {
	Capability      string      `json:"capability"`
	Provider        string      `json:"provider"`
	Model           string      `json:"model"`
	Family          string      `json:"family"`
	TenantID        *uuid.UUID  `json:"tenant_id,omitempty"`
	Scope           string      `json:"scope"`
	EstimatedTokens int64       `json:"estimated_tokens"`
	Exclude         []uuid.UUID `json:"exclude,omitempty"`
}

func (s SelectRequest) requirement() (broker.Requirement, error) {
	req := broker.Requirement{
		Capability:      s.Capability,
		Model:           s.Model,
		Family:          s.Family,
		TenantID:        s.TenantID,
		EstimatedTokens: s.EstimatedTokens,
		Exclude:         s.Exclude,
	}
	if s.Provider != "" {
		p, err := models.ParseProviderType(s.Provider)
		if err != nil {
			return req, err
		}
		req.Provider = p
	}
	if s.Scope != "" {
		scope, err := broker.ParseScope(s.Scope)
		if err != nil {
			return req, err
		}
		req.Scope = scope
	}
	return req, nil
}

// LeaseResponse is a selected candidate handed to the caller
type LeaseResponse struct {
	LeaseID        string    `json:"lease_id"`
	CredentialID   uuid.UUID `json:"credential_id"`
	BindingID      uuid.UUID `json:"binding_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Secret         string    `json:"secret"`
	ReservedTokens int64     `json:"reserved_tokens"`
	ExpiresAt      time.Time `json:"expires_at"`

	// Remaining is the headroom left per limited window after this lease
	Remaining map[models.WindowKind]int64 `json:"remaining,omitempty"`
}

// ReportRequest is the body of POST /v1/broker/report. When Outcome is
// empty it is derived from Status and Message.
type ReportRequest struct {
	LeaseID           string `json:"lease_id"`
	Outcome           string `json:"outcome"`
	Status            int    `json:"status"`
	Message           string `json:"message"`
	Tokens            int64  `json:"tokens"`
	Window            string `json:"window"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func (r ReportRequest) outcome() (broker.Outcome, error) {
	kind := broker.OutcomeKind(r.Outcome)
	switch kind {
	case "":
		kind = broker.Classify(r.Status, r.Message)
	case broker.OutcomeSuccess, broker.OutcomeRateLimited, broker.OutcomeTransient,
		broker.OutcomeInvalidCredential, broker.OutcomeHardError:
	default:
		return broker.Outcome{}, errors.New("unknown outcome " + r.Outcome)
	}

	window := models.WindowKind(r.Window)
	if window != "" && !window.Valid() {
		return broker.Outcome{}, errors.New("unknown window " + r.Window)
	}
	return broker.Outcome{
		Kind:       kind,
		Tokens:     r.Tokens,
		Window:     window,
		RetryAfter: time.Duration(r.RetryAfterSeconds) * time.Second,
		Message:    r.Message,
	}, nil
}

// handleSelect picks a candidate and leases it to the caller until the
// outcome is reported or the lease expires. An expired lease keeps its usage
// counted.
func (d *Dependencies) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := body.requirement()
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := d.Broker.SelectCandidate(r.Context(), req)
	if err != nil {
		if errors.Is(err, broker.ErrNoCandidate) {
			utils.RespondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		d.Logger.Error("Selection failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "selection failed")
		return
	}

	leaseID := uuid.NewString()
	d.Leases.Set(leaseID, c)
	d.journal(w, r, audit.EventSelect, leaseID, c, func(e *audit.Event) {
		e.TenantID = req.TenantID
		e.Tokens = c.ReservedTokens()
	})

	utils.RespondWithJSON(w, http.StatusOK, LeaseResponse{
		LeaseID:        leaseID,
		CredentialID:   c.Credential.ID,
		BindingID:      c.Binding.ID,
		Provider:       string(c.Provider()),
		Model:          c.Binding.ModelName,
		Secret:         c.Secret,
		ReservedTokens: c.ReservedTokens(),
		ExpiresAt:      time.Now().Add(d.LeaseTTL),
		Remaining:      d.Broker.Remaining(c.Binding.ID),
	})
}

func (d *Dependencies) handleReport(w http.ResponseWriter, r *http.Request) {
	var body ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	outcome, err := body.outcome()
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, ok := d.Leases.Take(body.LeaseID)
	if !ok {
		utils.RespondWithError(w, http.StatusNotFound, "unknown or expired lease")
		return
	}
	d.journal(w, r, audit.EventReport, body.LeaseID, c, func(e *audit.Event) {
		e.Outcome = string(outcome.Kind)
		e.Tokens = outcome.Tokens
		e.Status = body.Status
		e.Message = outcome.Message
	})

	if err := d.Broker.Report(r.Context(), c, outcome); err != nil {
		d.Logger.Error("Failed to apply outcome", "lease_id", body.LeaseID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to apply outcome")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome.Kind)})
}

func (d *Dependencies) journal(w http.ResponseWriter, r *http.Request, kind, leaseID string, c *broker.Candidate, fill func(*audit.Event)) {
	e := audit.Event{
		Kind:         kind,
		RequestID:    w.Header().Get("X-Request-ID"),
		LeaseID:      leaseID,
		BindingID:    c.Binding.ID,
		CredentialID: c.Credential.ID,
		Provider:     string(c.Provider()),
		Model:        c.Binding.ModelName,
	}
	if caller, ok := middleware.GetCaller(r.Context()); ok {
		e.Caller = caller
	}
	fill(&e)
	d.Journal.Record(e)
}
