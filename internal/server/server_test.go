package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/cache"
	"adsmetrics-proxy/internal/model"
	"adsmetrics-proxy/internal/refreshlock"
	"adsmetrics-proxy/internal/store/memory"
	"adsmetrics-proxy/internal/upstream"
)

type stubService struct {
	get        func(context.Context, cache.Request) (cache.Result, error)
	refresh    func(context.Context, cache.Request) (cache.Result, error)
	invalidate func(context.Context, string) error
}

func (s *stubService) GetEntities(ctx context.Context, req cache.Request) (cache.Result, error) {
	return s.get(ctx, req)
}

func (s *stubService) Refresh(ctx context.Context, req cache.Request) (cache.Result, error) {
	return s.refresh(ctx, req)
}

func (s *stubService) Invalidate(ctx context.Context, customerID string) error {
	return s.invalidate(ctx, customerID)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestEntitiesEndToEnd(t *testing.T) {
	st := memory.New()
	fake := upstream.NewFake(model.RawEntityCounters{
		EntityType:       model.EntityAdGroup,
		EntityID:         "900",
		EntityName:       "Exact match",
		Status:           "ENABLED",
		ParentEntityType: model.EntityCampaign,
		ParentEntityID:   "123",
		Date:             "2024-01-03",
		Counters: model.Counters{
			Impressions:      1000,
			Clicks:           50,
			CostMicros:       25_000_000,
			Conversions:      decimal.NewFromInt(5),
			ConversionsValue: decimal.NewFromInt(500),
		},
	})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	locks := refreshlock.New(clock)
	svc, err := cache.New(st, fake, locks, cache.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	h := New(svc, st, locks, Options{}).Handler()
	target := "/api/customers/42/entities?type=ad_group&scope=campaign:123&start=2024-01-01&end=2024-01-07&manager=7"
	headers := map[string]string{CredentialHeader: "user-token"}

	rec := do(t, h, http.MethodGet, target, "", headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var res cache.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, cache.SourceAPI, res.Meta.Source)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "Exact match", res.Entities[0].Name)
	assert.InDelta(t, 0.05, res.Entities[0].CTR, 1e-9)
	assert.InDelta(t, 20.0, res.Entities[0].ROAS, 1e-9)

	last := fake.LastRequest()
	assert.Equal(t, "user-token", last.Credential.AccessToken)
	assert.Equal(t, "7", last.ManagerID)
	assert.Equal(t, model.Scope{Type: model.EntityCampaign, ID: "123"}, last.Scope)

	rec = do(t, h, http.MethodGet, target, "", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, fake.Calls())
}

func TestEntitiesValidation(t *testing.T) {
	svc := &stubService{get: func(context.Context, cache.Request) (cache.Result, error) {
		t.Error("service must not be called")
		return cache.Result{}, nil
	}}
	h := New(svc, nil, nil, Options{}).Handler()

	tests := []struct {
		name   string
		target string
	}{
		{"missing range", "/api/customers/42/entities?type=campaign"},
		{"bad type", "/api/customers/42/entities?type=ad&start=2024-01-01&end=2024-01-02"},
		{"bad scope", "/api/customers/42/entities?scope=campaign&start=2024-01-01&end=2024-01-02"},
		{"reversed range", "/api/customers/42/entities?start=2024-01-05&end=2024-01-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "", nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(apperr.CodeInvalidArgument), decodeError(t, rec).Code)
		})
	}
}

func TestEntitiesDefaultsToCampaigns(t *testing.T) {
	var got cache.Request
	svc := &stubService{get: func(_ context.Context, req cache.Request) (cache.Result, error) {
		got = req
		return cache.Result{Entities: []model.EntityView{}, Meta: cache.Meta{Source: cache.SourceCache}}, nil
	}}
	h := New(svc, nil, nil, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/customers/42/entities?start=2024-01-01&end=2024-01-02", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.EntityCampaign, got.EntityType)
	assert.True(t, got.Scope.IsAll())
	assert.Equal(t, "42", got.CustomerID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"rate limited", apperr.RateLimited(300*time.Second, nil), http.StatusTooManyRequests, "RATE_LIMITED", "300"},
		{"quota", apperr.QuotaExceeded(6*time.Hour, nil), http.StatusTooManyRequests, "QUOTA_EXCEEDED", "21600"},
		{"pending", &apperr.Error{Code: apperr.CodeRefreshPending, Message: "still fetching", RetryAfter: 1500 * time.Millisecond}, http.StatusServiceUnavailable, "REFRESH_PENDING", "2"},
		{"auth", apperr.Wrap(apperr.CodeAuth, "upstream credential rejected", errors.New("401")), http.StatusUnauthorized, "AUTH", ""},
		{"transient", apperr.Wrap(apperr.CodeTransient, "upstream unavailable", errors.New("503")), http.StatusBadGateway, "TRANSIENT", ""},
		{"store", apperr.Wrap(apperr.CodeStore, "query facts", errors.New("disk full")), http.StatusInternalServerError, "STORE", ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "UNKNOWN", ""},
		{"cancelled", context.Canceled, http.StatusGatewayTimeout, "TIMEOUT", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{get: func(context.Context, cache.Request) (cache.Result, error) {
				return cache.Result{}, tt.err
			}}
			h := New(svc, nil, nil, Options{}).Handler()
			rec := do(t, h, http.MethodGet, "/api/customers/42/entities?start=2024-01-01&end=2024-01-02", "", nil)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			detail := decodeError(t, rec)
			assert.Equal(t, tt.code, detail.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", detail.Message)
			}
		})
	}
}

func TestRefreshRequiresAuth(t *testing.T) {
	called := false
	svc := &stubService{refresh: func(_ context.Context, req cache.Request) (cache.Result, error) {
		called = true
		assert.Equal(t, model.EntityKeyword, req.EntityType)
		assert.Equal(t, model.Scope{Type: model.EntityAdGroup, ID: "5"}, req.Scope)
		return cache.Result{Entities: []model.EntityView{{EntityID: "1"}}, Meta: cache.Meta{Source: cache.SourceAPI}}, nil
	}}
	h := New(svc, nil, nil, Options{AuthKey: "admin-secret"}).Handler()
	body := `{"customerId":"42","type":"keyword","scope":"ad_group:5","start":"2024-01-01","end":"2024-01-07"}`

	rec := do(t, h, http.MethodPost, "/refresh", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec = do(t, h, http.MethodPost, "/refresh", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)

	rec = do(t, h, http.MethodPost, "/refresh", body, map[string]string{"Authorization": "Bearer admin-secret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, called)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.EqualValues(t, 1, resp["entities"])

	rec = do(t, h, http.MethodGet, "/refresh", "", map[string]string{"Authorization": "Bearer admin-secret"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminEndpointsDisabledWithoutKey(t *testing.T) {
	svc := &stubService{invalidate: func(context.Context, string) error {
		t.Error("service must not be called")
		return nil
	}}
	h := New(svc, nil, nil, Options{}).Handler()
	rec := do(t, h, http.MethodPost, "/invalidate", `{"customerId":"42"}`, map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvalidate(t *testing.T) {
	var got string
	svc := &stubService{invalidate: func(_ context.Context, customerID string) error {
		got = customerID
		if customerID == "" {
			return apperr.New(apperr.CodeInvalidArgument, "customer id is required")
		}
		return nil
	}}
	h := New(svc, nil, nil, Options{AuthKey: "k"}).Handler()
	auth := map[string]string{"Authorization": "Bearer k"}

	rec := do(t, h, http.MethodPost, "/invalidate", `{"customerId":"42"}`, auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", got)

	rec = do(t, h, http.MethodPost, "/invalidate", `{}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "customer id is required", decodeError(t, rec).Message)

	rec = do(t, h, http.MethodPost, "/invalidate", `not json`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	locks := refreshlock.New(clockwork.NewFakeClock())
	locks.TryAcquire("a")
	locks.SetBackoff("b", time.Minute)

	healthy := New(&stubService{}, pingFunc(func(context.Context) error { return nil }), locks, Options{}).Handler()
	rec := do(t, healthy, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string            `json:"status"`
		Refresh refreshlock.Stats `json:"refresh"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, refreshlock.Stats{InFlight: 1, BackingOff: 1}, body.Refresh)

	unhealthy := New(&stubService{}, pingFunc(func(context.Context) error { return errors.New("down") }), locks, Options{}).Handler()
	rec = do(t, unhealthy, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("adsmetrics_up 1\n"))
	})
	h := New(&stubService{}, nil, nil, Options{Metrics: metrics}).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "adsmetrics_up 1\n", rec.Body.String())

	h = New(&stubService{}, nil, nil, Options{}).Handler()
	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
