package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dispatchd/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestClientLaunch(t *testing.T) {
	var captured launchPayload
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "bc-1234"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key_test", "https://control.example/api/v1/webhook/agent", "whsec")
	order := domain.WorkOrder{
		ID:        "wo-1",
		Objective: strPtr("Fix flaky retry loop"),
		Lines:     []domain.WorkLine{{Title: "Add backoff", DefinitionOfDone: "tests pass"}},
	}
	id, err := c.Launch(context.Background(), LaunchRequest{
		Order:   order,
		RepoURL: "https://github.com/acme/svc",
		Ref:     "main",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if id != "bc-1234" {
		t.Fatalf("correlation id = %q", id)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("expected basic auth, got %q", gotAuth)
	}
	if captured.Source.Repository != "https://github.com/acme/svc" {
		t.Fatalf("repository = %q", captured.Source.Repository)
	}
	if !captured.Target.AutoCreatePR {
		t.Fatal("autoCreatePr should be set")
	}
	if captured.Webhook == nil || captured.Webhook.Secret != "whsec" {
		t.Fatalf("webhook not forwarded: %+v", captured.Webhook)
	}
	if !strings.Contains(captured.Prompt.Text, "WORK_ORDER_ID=wo-1") {
		t.Fatalf("prompt missing work order header:\n%s", captured.Prompt.Text)
	}
}

func TestClientLaunchProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad repo"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key_test", "", "")
	_, err := c.Launch(context.Background(), LaunchRequest{
		Order:   domain.WorkOrder{ID: "wo-2"},
		RepoURL: "https://github.com/acme/svc",
	})
	if err == nil {
		t.Fatal("expected error on 422")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Fatalf("error should carry status code: %v", err)
	}
}

func TestClientLaunchRequiresRepo(t *testing.T) {
	c := NewClient("http://unused", "k", "", "")
	if _, err := c.Launch(context.Background(), LaunchRequest{Order: domain.WorkOrder{ID: "wo-3"}}); err == nil {
		t.Fatal("expected error without repository")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":"statusChange","id":"bc-1","status":"FINISHED"}`)
	sig := Sign("secret", body)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature format: %q", sig)
	}
	if !VerifySignature("secret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature("secret", append(body, ' '), sig) {
		t.Fatal("tampered body accepted")
	}
	if VerifySignature("other", body, sig) {
		t.Fatal("wrong secret accepted")
	}
	if VerifySignature("", body, sig) {
		t.Fatal("empty secret must reject")
	}
}

func TestBuildPromptSections(t *testing.T) {
	order := domain.WorkOrder{
		ID:           "wo-9",
		Objective:    strPtr("Harden webhook handling"),
		Lines:        []domain.WorkLine{{Title: "Verify signatures", DefinitionOfDone: "tampered bodies rejected"}, {Title: "Add tests"}},
		Constraints:  json.RawMessage(`{"no_new_deps":true}`),
		Verification: json.RawMessage(`["go test ./..."]`),
	}
	prompt := BuildPrompt(order, "You are a careful backend engineer.")
	for _, want := range []string{
		"WORK_ORDER_ID=wo-9",
		"You are a careful backend engineer.",
		"## Objective",
		"1. Verify signatures",
		"Definition of done: tampered bodies rejected",
		"2. Add tests",
		"## Constraints",
		"## Verification",
		"## Instructions",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Exploration Hints") {
		t.Fatal("empty hints should be omitted")
	}
}

func TestStatusCallbackTerminalStatus(t *testing.T) {
	if got := (StatusCallback{Status: "FINISHED"}).TerminalStatus(); got != domain.StatusCompleted {
		t.Fatalf("FINISHED -> %s", got)
	}
	for _, s := range []string{"ERROR", "EXPIRED", "CANCELLED"} {
		if got := (StatusCallback{Status: s}).TerminalStatus(); got != domain.StatusFailed {
			t.Fatalf("%s -> %s", s, got)
		}
	}
}
