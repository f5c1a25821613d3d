package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/phone"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type testServer struct {
	http *httptest.Server
	svc  *service.CampaignService
}

func newTestServer(t *testing.T, customers ...model.Recipient) *testServer {
	t.Helper()
	logger := zap.NewNop()

	sim := gateway.NewSimulator(gateway.SimulatorConfig{Name: "sim", SuccessRate: 1, DeliveryRate: 1, Seed: 7})
	reg := gateway.NewRegistry()
	reg.Register(sim, gateway.Limits{MaxBatchSize: 10, MaxRatePerWindow: 10000, Window: time.Second}, "TEST")

	bl := repository.NewMemoryBlacklist()
	tracker := service.NewTracker(service.TrackerConfig{
		Retry:     service.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond},
		Blacklist: bl,
		Logger:    logger,
	})
	q := queue.NewInMemoryQueue(queue.Options{Workers: 2, MaxRetries: 1, RetryDelay: time.Millisecond, DeadLetter: service.RequeueDeadBatch, Logger: logger})
	require.NoError(t, q.Subscribe(service.BatchTopic, service.NewWorker(tracker, reg, time.Second, logger).Process))

	repo := repository.NewMemoryCampaignRepository()
	jobs, err := service.NewJobFactory(2)
	require.NoError(t, err)
	disp := service.NewDispatcher(q, tracker, reg, repo, jobs, service.DispatcherConfig{
		Tick:           5 * time.Millisecond,
		RequeueDelay:   10 * time.Millisecond,
		TestingTimeout: time.Minute,
	}, logger)
	norm, err := phone.NewNormalizer(254)
	require.NoError(t, err)

	svc := &service.CampaignService{
		CampaignRepo:   repo,
		Blacklist:      bl,
		Segmenter:      &service.Segmenter{Directory: repository.NewMemoryDirectory(customers...), Logger: logger},
		Filter:         &service.ComplianceFilter{Normalizer: norm},
		Tracker:        tracker,
		Dispatcher:     disp,
		Gateways:       reg,
		Jobs:           jobs,
		AB:             service.ABConfig{MinSampleSize: 5, Confidence: 0.95},
		DefaultGateway: "sim",
		Logger:         logger,
	}

	srv := httptest.NewServer(controller.NewRouter(svc, logger))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = disp.Shutdown(ctx)
		q.Close()
	})
	return &testServer{http: srv, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func customers(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ID:     fmt.Sprintf("cust-%d", i),
			Phone:  fmt.Sprintf("+2547%08d", 20000000+i),
			Fields: map[string]any{"first_name": "Alice", "location": "Nairobi"},
			Groups: []string{"Nairobi"},
		}
	}
	return out
}

func TestStartCampaignOverHTTP(t *testing.T) {
	s := newTestServer(t, customers(6)...)

	resp, body := s.do(t, http.MethodPost, "/campaigns", map[string]any{
		"name":     "Flash sale",
		"template": map[string]any{"body": "Hi {first_name}, shop in {location}!"},
		"audience": map[string]any{"group": "Nairobi"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["campaign_id"].(string)
	require.NotEmpty(t, id)

	select {
	case <-s.svc.Dispatcher.Done(id):
	case <-time.After(10 * time.Second):
		t.Fatal("campaign did not finish")
	}

	resp, body = s.do(t, http.MethodGet, "/campaigns/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	campaign := body["campaign"].(map[string]any)
	assert.Equal(t, string(model.CampaignCompleted), campaign["state"])

	resp, body = s.do(t, http.MethodGet, "/campaigns/"+id+"/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals := body["totals"].(map[string]any)
	assert.EqualValues(t, 6, totals["jobs"])
}

func TestStartCampaignRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, customers(2)...)

	tests := []struct {
		name string
		body map[string]any
		kind string
	}{
		{
			name: "missing name",
			body: map[string]any{"template": map[string]any{"body": "hi"}, "audience": map[string]any{"group": "Nairobi"}},
			kind: "invalid_request",
		},
		{
			name: "unclosed placeholder",
			body: map[string]any{"name": "x", "template": map[string]any{"body": "Hi {first_name"}, "audience": map[string]any{"group": "Nairobi"}},
			kind: "template_syntax",
		},
		{
			name: "empty audience",
			body: map[string]any{"name": "x", "template": map[string]any{"body": "hi"}, "audience": map[string]any{"group": "Mombasa"}},
			kind: "empty_audience",
		},
		{
			name: "ratios above one",
			body: map[string]any{
				"name": "x",
				"template": map[string]any{"body": "hi", "variants": []map[string]any{
					{"name": "a", "body": "A"}, {"name": "b", "body": "B"},
				}},
				"audience":    map[string]any{"group": "Nairobi"},
				"allocations": []map[string]any{{"variant": "a", "ratio": 0.7}, {"variant": "b", "ratio": 0.6}},
			},
			kind: "invalid_ratios",
		},
		{
			name: "unknown gateway",
			body: map[string]any{"name": "x", "template": map[string]any{"body": "hi"}, "audience": map[string]any{"group": "Nairobi"}, "gateway": "nope"},
			kind: "unknown_gateway",
		},
		{
			name: "unknown field",
			body: map[string]any{"name": "x", "template": map[string]any{"body": "hi"}, "audience": map[string]any{"group": "Nairobi"}, "channel": "sms"},
			kind: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/campaigns", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}

	resp, body := s.do(t, http.MethodGet, "/campaigns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pagination := body["pagination"].(map[string]any)
	assert.EqualValues(t, 0, pagination["total_count"])
}

func TestCampaignNotFoundAndConflict(t *testing.T) {
	s := newTestServer(t, customers(1)...)

	resp, _ := s.do(t, http.MethodGet, "/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/campaigns/missing/summary", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/campaigns/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body := s.do(t, http.MethodPost, "/campaigns", map[string]any{
		"name":     "once",
		"template": map[string]any{"body": "hello"},
		"audience": map[string]any{"group": "Nairobi"},
	})
	id := body["campaign_id"].(string)
	select {
	case <-s.svc.Dispatcher.Done(id):
	case <-time.After(10 * time.Second):
		t.Fatal("campaign did not finish")
	}

	resp, _ = s.do(t, http.MethodPost, "/campaigns/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListCampaignsPagination(t *testing.T) {
	s := newTestServer(t, customers(1)...)

	for i := 0; i < 3; i++ {
		resp, _ := s.do(t, http.MethodPost, "/campaigns", map[string]any{
			"name":     fmt.Sprintf("c%d", i),
			"template": map[string]any{"body": "hello"},
			"audience": map[string]any{"group": "Nairobi"},
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, body := s.do(t, http.MethodGet, "/campaigns?page=2&page_size=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)
	pagination := body["pagination"].(map[string]any)
	assert.EqualValues(t, 3, pagination["total_count"])
	assert.EqualValues(t, 2, pagination["total_pages"])

	resp, _ = s.do(t, http.MethodGet, "/campaigns?page=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/campaigns?state=paused", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPersonalizedPreviewHandler(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/campaigns/preview", map[string]any{
		"template":     "Hi {first_name}, {preferred_product} is back in {location}!",
		"recipient_id": "cust-1",
		"fields":       map[string]any{"first_name": "Alice", "location": "Nairobi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hi Alice,  is back in Nairobi!", body["rendered_message"])
	assert.Equal(t, []any{"preferred_product"}, body["missing_fields"])

	resp, body = s.do(t, http.MethodPost, "/campaigns/preview", map[string]any{"template": "Hi {first name}"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "template_syntax", body["kind"])
}

func TestBlacklistEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/blacklist", map[string]any{"phone": "0712345678", "reason": "user_request"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "+254712345678", body["phone"])
	assert.Equal(t, "self_opt_out", body["source"])

	resp, _ = s.do(t, http.MethodPost, "/blacklist", map[string]any{"phone": "0712345678", "reason": "spite"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/blacklist", map[string]any{"phone": "12", "reason": "admin"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/blacklist", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)

	resp, _ = s.do(t, http.MethodDelete, "/blacklist/%2B254712345678", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/blacklist/0712345678", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.http.Client().Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
