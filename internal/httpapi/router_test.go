package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/audit"
	"keybroker/internal/broker"
	"keybroker/internal/catalog"
	"keybroker/internal/exclusion"
	"keybroker/internal/models"
	"keybroker/internal/queue"
	"keybroker/internal/reconcile"
	"keybroker/internal/storage"
	"keybroker/internal/usage"
)

type checker struct{ err error }

func (c checker) Health(ctx context.Context) error { return c.err }

type testEnv struct {
	handler http.Handler
	deps    *Dependencies
	binding *models.ModelBinding
	store   *storage.MemoryStore
}

func newTestEnv(t *testing.T, tokens ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	cred := &models.Credential{Provider: models.ProviderGroq, SealedSecret: "gsk_live", Fingerprint: "f1", IsActive: true}
	require.NoError(t, store.Credentials().Create(ctx, cred))
	b := &models.ModelBinding{
		CredentialID: cred.ID,
		ModelName:    "llama-3.1-8b-instant",
		IsEnabled:    true,
		Usage:        models.NewUsageDocument(models.UsageLimits{RPM: 2}),
	}
	require.NoError(t, store.Bindings().Create(ctx, b))

	ledger := exclusion.NewLedger(store.Exclusions(), exclusion.DefaultBackoffPolicy())
	br := broker.New(catalog.New(store.Credentials(), store.Bindings(), nil), usage.NewTracker(), ledger, broker.DefaultConfig())
	require.NoError(t, br.Reload(ctx))

	deps := &Dependencies{
		Broker:       br,
		Sweeper:      reconcile.NewSweeper(ledger, store.Bindings(), br, reconcile.Config{}),
		Leases:       storage.NewLRUCache[*broker.Candidate](100, time.Minute),
		LeaseTTL:     time.Minute,
		Health:       map[string]HealthChecker{"store": checker{}},
		CallerTokens: tokens,
	}
	return &testEnv{handler: NewRouter(deps), deps: deps, binding: b, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	env.deps.Health["redis"] = checker{err: errors.New("connection refused")}
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keybroker_broker_bindings")
}

func TestSelectAndReport(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/broker/select", SelectRequest{Provider: "groq", EstimatedTokens: 50})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lease))
	assert.Equal(t, env.binding.ID, lease.BindingID)
	assert.Equal(t, "gsk_live", lease.Secret)
	assert.Equal(t, "GROQ", lease.Provider)
	assert.Equal(t, int64(50), lease.ReservedTokens)
	assert.Equal(t, map[models.WindowKind]int64{models.WindowRPM: 1}, lease.Remaining)

	w = env.do(t, http.MethodPost, "/v1/broker/report", ReportRequest{LeaseID: lease.LeaseID, Status: 429, Message: "Rate limit reached"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), string(broker.OutcomeRateLimited))
	assert.True(t, env.deps.Broker.IsExcluded(env.binding.ID))

	w = env.do(t, http.MethodPost, "/v1/broker/report", ReportRequest{LeaseID: lease.LeaseID, Outcome: "success"})
	assert.Equal(t, http.StatusNotFound, w.Code, "a lease is reported once")

	w = env.do(t, http.MethodPost, "/v1/broker/select", SelectRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "exhausted")
}

func TestSelect_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"unknown provider", SelectRequest{Provider: "acme"}},
		{"unknown scope", SelectRequest{Scope: "company"}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/broker/select", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := env.do(t, http.MethodPost, "/v1/broker/report", ReportRequest{LeaseID: uuid.NewString(), Outcome: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/v1/broker/report", ReportRequest{LeaseID: uuid.NewString(), Outcome: "rate_limited", Window: "rpw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndSweep(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetRawUsage(env.binding.ID, "garbage"))

	w := env.do(t, http.MethodPost, "/v1/broker/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.RepairedUsage)

	w = env.do(t, http.MethodGet, "/v1/broker/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		ActiveCredentials int `json:"active_credentials"`
		HealthyBindings   int `json:"healthy_bindings"`
		LastSweep         *struct {
			RepairedUsage int `json:"repaired_usage"`
		} `json:"last_sweep"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.ActiveCredentials)
	assert.Equal(t, 1, status.HealthyBindings)
	require.NotNil(t, status.LastSweep)
	assert.Equal(t, 1, status.LastSweep.RepairedUsage)
}

func TestCallerTokensGuardLeases(t *testing.T) {
	env := newTestEnv(t, "inference-svc")

	w := env.do(t, http.MethodPost, "/v1/broker/select", SelectRequest{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/v1/broker/select", SelectRequest{}, "Authorization", "Bearer inference-svc")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/broker/status", nil)
	assert.Equal(t, http.StatusOK, w.Code, "status stays public")
	assert.NotContains(t, w.Body.String(), "gsk_live")
}

type recordedEvents struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordedEvents) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestLeasesAreJournaled(t *testing.T) {
	env := newTestEnv(t, "inference")
	rec := &recordedEvents{}
	env.deps.Journal = rec

	w := env.do(t, http.MethodPost, "/v1/broker/select", SelectRequest{}, "X-Broker-Token", "inference")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lease))

	w = env.do(t, http.MethodPost, "/v1/broker/report", ReportRequest{LeaseID: lease.LeaseID, Outcome: "success", Tokens: 7}, "X-Broker-Token", "inference")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, rec.events, 2)
	sel, rep := rec.events[0], rec.events[1]
	assert.Equal(t, audit.EventSelect, sel.Kind)
	assert.Equal(t, lease.LeaseID, sel.LeaseID)
	assert.Equal(t, env.binding.ID, sel.BindingID)
	assert.NotEmpty(t, sel.Caller)
	assert.NotEmpty(t, sel.RequestID)
	assert.Equal(t, audit.EventReport, rep.Kind)
	assert.Equal(t, "success", rep.Outcome)
	assert.Equal(t, int64(7), rep.Tokens)
}

func TestReport_ConcurrentReportsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordedEvents{}
	env.deps.Journal = rec

	w := env.do(t, http.MethodPost, "/v1/broker/select", SelectRequest{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lease))

	body, err := json.Marshal(ReportRequest{LeaseID: lease.LeaseID, Status: 429})
	require.NoError(t, err)

	const reporters = 16
	codes := make([]int, reporters)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rw := httptest.NewRecorder()
			env.handler.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/v1/broker/report", bytes.NewReader(body)))
			codes[i] = rw.Code
		}(i)
	}
	close(start)
	wg.Wait()

	ok := 0
	for _, code := range codes {
		if code == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusNotFound, code)
		}
	}
	assert.Equal(t, 1, ok)

	reports := 0
	for _, e := range rec.events {
		if e.Kind == audit.EventReport {
			reports++
		}
	}
	assert.Equal(t, 1, reports)
}

func TestUsageDeadLetters(t *testing.T) {
	env := newTestEnv(t, "ops")
	ctx := context.Background()

	q := queue.NewMemoryQueue[storage.UsageSnapshot](queue.DefaultConfig("usage-http-test"))
	dlq := queue.NewMemoryDeadLetterQueue[storage.UsageSnapshot]()
	env.deps.Usage = storage.NewUsageWriter(q, dlq, env.store.Bindings(), storage.UsageWriterConfig{BatchSize: 10})

	doc := env.binding.Usage
	doc.RPM.Used = 1
	require.NoError(t, dlq.Add(ctx, storage.UsageSnapshot{BindingID: env.binding.ID, Seq: 1, Usage: doc}, errors.New("connection reset")))

	w := env.do(t, http.MethodGet, "/v1/broker/usage/dead-letters", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/v1/broker/usage/dead-letters?limit=0", nil, "Authorization", "Bearer ops")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/broker/usage/dead-letters", nil, "Authorization", "Bearer ops")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var listed struct {
		Count int                                            `json:"count"`
		Items []queue.DeadLetterItem[storage.UsageSnapshot] `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "connection reset", listed.Items[0].Error)
	assert.Equal(t, env.binding.ID, listed.Items[0].Item.BindingID)

	w = env.do(t, http.MethodPost, "/v1/broker/usage/dead-letters/missing/retry", nil, "Authorization", "Bearer ops")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/broker/usage/dead-letters/"+listed.Items[0].ID+"/retry", nil, "Authorization", "Bearer ops")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/broker/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		UsageQueueLength *int `json:"usage_queue_length"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.NotNil(t, status.UsageQueueLength)
	assert.Equal(t, 1, *status.UsageQueueLength, "the retried snapshot is queued again")
}
