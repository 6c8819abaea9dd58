package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dispatchd/internal/approvals"
	"dispatchd/internal/config"
	"dispatchd/internal/db"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
	"dispatchd/internal/ledger"
	"dispatchd/internal/license"
	"dispatchd/internal/migrate"
	"dispatchd/internal/repo"
)

type testServer struct {
	URL    string
	cfg    *config.Config
	repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer stands up the full API over a temp SQLite workspace plus a
// stub provider that accepts every launch.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "bc-test-1"})
	}))
	cfg := config.Default()
	cfg.Server.PublicURL = "http://control.test"
	cfg.Provider.URL = provider.URL
	cfg.Provider.APIKey = "pk_test"
	cfg.Provider.WebhookSecret = "whsec_test"
	cfg.License.DevMode = true
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	lic := license.New(r, cfg.License.PublicKey, cfg.License.DevMode)
	launcher := dispatch.NewClient(cfg.Provider.URL, cfg.Provider.APIKey, cfg.CallbackURL(), cfg.CallbackSecret())
	eng := engine.New(r, lic, launcher)
	led := ledger.New(r, eng)
	broker := approvals.New(r, lic)
	handler, err := New(Config{App: cfg, Engine: eng, Ledger: led, Broker: broker, License: lic})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		cfg:    cfg,
		repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Close()
			ln.Close()
			conn.Close()
			provider.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createOrder(t *testing.T, srv *testServer, body map[string]any) domain.WorkOrder {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/work-orders", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	var wo domain.WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	return wo
}

func TestWorkOrderLifecycleViaWebhook(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	repoRes, repoData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/repos", map[string]any{
		"repo_url": "https://github.com/acme/svc",
	}, nil)
	if repoRes.StatusCode != http.StatusCreated {
		t.Fatalf("create repo: %d %s", repoRes.StatusCode, string(repoData))
	}
	var ar domain.AgentRepo
	_ = json.Unmarshal(repoData, &ar)

	wo := createOrder(t, srv, map[string]any{
		"objective": "Ship the retry fix",
		"repo_id":   ar.ID,
		"lines":     []map[string]any{{"title": "Add backoff"}},
	})
	if wo.Status != domain.StatusPending {
		t.Fatalf("status = %s", wo.Status)
	}

	dispRes, dispData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/work-orders/"+wo.ID+"/dispatch", nil, nil)
	if dispRes.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: %d %s", dispRes.StatusCode, string(dispData))
	}
	var dispatched struct {
		Order domain.WorkOrder `json:"order"`
	}
	_ = json.Unmarshal(dispData, &dispatched)
	if dispatched.Order.Status != domain.StatusRunning {
		t.Fatalf("after dispatch status = %s", dispatched.Order.Status)
	}

	// Provider pushes a signed terminal callback.
	callback, _ := json.Marshal(map[string]any{
		"event":  "statusChange",
		"id":     "bc-test-1",
		"status": "FINISHED",
		"target": map[string]any{"prUrl": "https://github.com/acme/svc/pull/7", "branchName": "agent/retry-fix"},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/webhook/agent", bytes.NewReader(callback))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", dispatch.Sign("whsec_test", callback))
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(body))
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders/"+wo.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", getRes.StatusCode)
	}
	var final domain.WorkOrder
	_ = json.Unmarshal(getData, &final)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final status = %s", final.Status)
	}
	if final.PRURL == nil || *final.PRURL != "https://github.com/acme/svc/pull/7" {
		t.Fatalf("pr_url = %v", final.PRURL)
	}

	// A duplicate callback acknowledges without reapplying.
	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/webhook/agent", bytes.NewReader(callback))
	req2.Header.Set("X-Webhook-Signature", dispatch.Sign("whsec_test", callback))
	res2, err := client.Do(req2)
	if err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}
	dup, _ := io.ReadAll(res2.Body)
	res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("duplicate webhook status %d", res2.StatusCode)
	}
	var dupBody struct {
		Applied bool `json:"applied"`
	}
	_ = json.Unmarshal(dup, &dupBody)
	if dupBody.Applied {
		t.Fatal("duplicate callback must not apply")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, nil)
	callback := []byte(`{"event":"statusChange","id":"bc-test-1","status":"FINISHED"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/webhook/agent", bytes.NewReader(callback))
	req.Header.Set("X-Webhook-Signature", "sha256=deadbeef")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/work-orders", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestEventIngestAndList(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	wo := createOrder(t, srv, map[string]any{"objective": "observe me"})

	for _, ev := range []map[string]any{
		{"work_order_id": wo.ID, "event_type": "tool_call", "payload": map[string]any{"toolName": "bash"}, "sequence_number": 2},
		{"work_order_id": wo.ID, "event_type": "file_edit", "payload": map[string]any{"filePath": "a.go", "linesAdded": 4}, "sequence_number": 1},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/events", ev, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders/"+wo.ID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var events []domain.ExecutionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].EventType != "file_edit" {
		t.Fatalf("display order wrong: %s first", events[0].EventType)
	}
	var payload map[string]any
	_ = json.Unmarshal(events[0].Payload, &payload)
	if payload["file_path"] != "a.go" {
		t.Fatalf("payload not normalized: %v", payload)
	}

	// Summary aggregates the ledger.
	sumRes, sumData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders/"+wo.ID+"/summary", nil, nil)
	if sumRes.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", sumRes.StatusCode, string(sumData))
	}
	var sum ledger.Summary
	_ = json.Unmarshal(sumData, &sum)
	if sum.ToolCalls != 1 || len(sum.Files) != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestIngestSessionEndReturnsFollowup(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	wo := createOrder(t, srv, map[string]any{
		"objective": "finish the migration",
		"lines":     []map[string]any{{"title": "Backfill timestamps"}},
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/events", map[string]any{
		"work_order_id": wo.ID,
		"event_type":    "session_end",
		"payload":       map[string]any{"status": "completed"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		EventType       string `json:"event_type"`
		FollowupMessage string `json:"followup_message"`
	}
	_ = json.Unmarshal(data, &out)
	if out.EventType != "session_end" {
		t.Fatalf("event_type = %s", out.EventType)
	}
	if !strings.Contains(out.FollowupMessage, "Backfill timestamps") {
		t.Fatalf("followup_message must name the unfinished line: %q", out.FollowupMessage)
	}
}

func TestCreateWithDispatchSurfacesLaunchError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no capacity"}`, http.StatusServiceUnavailable)
	}))
	defer down.Close()
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Provider.URL = down.URL
	})
	client := srv.Client()

	repoRes, repoData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/repos", map[string]any{
		"repo_url": "https://github.com/acme/svc",
	}, nil)
	if repoRes.StatusCode != http.StatusCreated {
		t.Fatalf("create repo: %d %s", repoRes.StatusCode, string(repoData))
	}
	var ar domain.AgentRepo
	_ = json.Unmarshal(repoData, &ar)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/work-orders", map[string]any{
		"objective": "launch me anyway",
		"repo_id":   ar.ID,
		"dispatch":  true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		domain.WorkOrder
		LaunchError *string `json:"launch_error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending after failed launch", out.Status)
	}
	if out.LaunchError == nil || *out.LaunchError == "" {
		t.Fatal("launch_error missing from response")
	}
}

func TestWebhookFailureFallsBackToSummary(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	_, repoData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/repos", map[string]any{
		"repo_url": "https://github.com/acme/svc",
	}, nil)
	var ar domain.AgentRepo
	_ = json.Unmarshal(repoData, &ar)
	wo := createOrder(t, srv, map[string]any{"objective": "doomed run", "repo_id": ar.ID})
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/work-orders/"+wo.ID+"/dispatch", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: %d %s", res.StatusCode, string(data))
	}

	callback, _ := json.Marshal(map[string]any{
		"event":   "statusChange",
		"id":      "bc-test-1",
		"status":  "FAILED",
		"summary": "agent crashed during build",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/webhook/agent", bytes.NewReader(callback))
	req.Header.Set("X-Webhook-Signature", dispatch.Sign("whsec_test", callback))
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", res.StatusCode)
	}

	_, getData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders/"+wo.ID, nil, nil)
	var final domain.WorkOrder
	_ = json.Unmarshal(getData, &final)
	if final.Status != domain.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != "agent crashed during build" {
		t.Fatalf("error_message = %v, want the summary text", final.ErrorMessage)
	}
}

func TestApprovalResolveConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/approvals", map[string]any{
		"question": "Drop the staging database?",
		"options":  []string{"yes", "no"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request approval: %d %s", res.StatusCode, string(data))
	}
	var approval domain.Approval
	_ = json.Unmarshal(data, &approval)

	badRes, badData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/approvals/"+approval.ID+"/resolve", map[string]any{
		"decision": "maybe",
	}, nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid decision: %d %s", badRes.StatusCode, string(badData))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Allowed []string `json:"allowed"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(badData, &envelope)
	if envelope.Error.Code != "invalid_decision" || len(envelope.Error.Details.Allowed) != 2 {
		t.Fatalf("envelope = %+v", envelope)
	}

	okRes, okData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/approvals/"+approval.ID+"/resolve", map[string]any{
		"decision": "no",
	}, nil)
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", okRes.StatusCode, string(okData))
	}

	dupRes, dupData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/approvals/"+approval.ID+"/resolve", map[string]any{
		"decision": "yes",
	}, nil)
	if dupRes.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate resolve: %d %s", dupRes.StatusCode, string(dupData))
	}

	missRes, _ := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/approvals/unknown/resolve", map[string]any{
		"decision": "yes",
	}, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown approval: %d", missRes.StatusCode)
	}
}

func TestCancelConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	wo := createOrder(t, srv, map[string]any{"objective": "cancel me"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/work-orders/"+wo.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	res2, _ := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/work-orders/"+wo.ID+"/cancel", nil, nil)
	if res2.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: %d", res2.StatusCode)
	}
}

func TestAuthEnforcedWhenConfigured(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.APIKey = "instance_key"
	})
	client := srv.Client()

	// Health stays open.
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	res2, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders", nil, nil)
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d, want 401", res2.StatusCode)
	}

	res3, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders", nil, map[string]string{
		"X-Api-Key": "instance_key",
	})
	if res3.StatusCode != http.StatusOK {
		t.Fatalf("authenticated list: %d %s", res3.StatusCode, string(data))
	}

	res4, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/work-orders", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res4.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", res4.StatusCode)
	}
}

func TestFeatureGateSurfacesRequiredTier(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.License.DevMode = false
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/approvals", map[string]any{
		"question": "gated?",
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				RequiredTier string `json:"required_tier"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "feature_disabled" || envelope.Error.Details.RequiredTier != "pro" {
		t.Fatalf("envelope = %+v", envelope)
	}
}
