package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dispatchd/internal/db"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/license"
	"dispatchd/internal/migrate"
	"dispatchd/internal/repo"
)

type fakeLauncher struct {
	id     string
	err    error
	calls  int
	lastID string
}

func (f *fakeLauncher) Launch(_ context.Context, req dispatch.LaunchRequest) (string, error) {
	f.calls++
	f.lastID = req.Order.ID
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func setup(t *testing.T, launcher dispatch.Launcher) (*Engine, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	lic := license.New(r, "", true)
	return New(r, lic, launcher), r
}

func strPtr(s string) *string { return &s }

func TestCreateRequiresObjectiveOrLines(t *testing.T) {
	eng, _ := setup(t, nil)
	_, err := eng.Create(context.Background(), CreateParams{})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCreateAssignsLineIDs(t *testing.T) {
	eng, _ := setup(t, nil)
	wo, err := eng.Create(context.Background(), CreateParams{
		Lines: []domain.WorkLine{{Title: "first"}, {Title: "second"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wo.Status != domain.StatusPending {
		t.Fatalf("status = %s", wo.Status)
	}
	for i, line := range wo.Lines {
		if line.ID == "" {
			t.Fatalf("line %d missing id", i)
		}
		if line.Status != domain.StatusPending {
			t.Fatalf("line %d status = %s", i, line.Status)
		}
	}
}

func TestDispatchSkipsLocalOrders(t *testing.T) {
	launcher := &fakeLauncher{id: "bc-1"}
	eng, _ := setup(t, launcher)
	wo, err := eng.Create(context.Background(), CreateParams{
		Source:    domain.SourceLocal,
		Objective: strPtr("run locally"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := eng.Dispatch(context.Background(), wo.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Skipped {
		t.Fatal("local order should be skipped")
	}
	if launcher.calls != 0 {
		t.Fatal("launcher should not be called for local orders")
	}
	if res.Order.Status != domain.StatusPending {
		t.Fatalf("status = %s", res.Order.Status)
	}
}

func TestDispatchMovesPendingToRunning(t *testing.T) {
	launcher := &fakeLauncher{id: "bc-77"}
	eng, r := setup(t, launcher)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertAgentRepo(ctx, domain.AgentRepo{ID: "repo-1", RepoURL: "https://github.com/acme/svc", CreatedAt: now}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	wo, err := eng.Create(ctx, CreateParams{
		RepoID:    strPtr("repo-1"),
		Objective: strPtr("ship it"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := eng.Dispatch(ctx, wo.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Order.Status != domain.StatusRunning {
		t.Fatalf("status = %s", res.Order.Status)
	}
	if res.Order.CorrelationID == nil || *res.Order.CorrelationID != "bc-77" {
		t.Fatalf("correlation = %v", res.Order.CorrelationID)
	}

	// A second dispatch must refuse: the order is no longer pending.
	if _, err := eng.Dispatch(ctx, wo.ID); err == nil {
		t.Fatal("expected error dispatching a running order")
	}
}

func TestDispatchLaunchFailureLeavesPending(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("provider down")}
	eng, _ := setup(t, launcher)
	ctx := context.Background()
	wo, err := eng.Create(ctx, CreateParams{Objective: strPtr("retry me")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.Dispatch(ctx, wo.ID); err == nil {
		t.Fatal("expected launch error")
	}
	got, err := eng.Repo.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, launch failure must not consume the order", got.Status)
	}
}

func TestResolveTerminalExactlyOnce(t *testing.T) {
	eng, _ := setup(t, nil)
	ctx := context.Background()
	wo, err := eng.Create(ctx, CreateParams{Objective: strPtr("finish once")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	summary := "first resolution"
	applied, err := eng.ResolveTerminal(ctx, wo.ID, domain.StatusCompleted, repo.TerminalFields{Summary: &summary})
	if err != nil || !applied {
		t.Fatalf("first resolve: applied=%v err=%v", applied, err)
	}
	late := "duplicate"
	applied, err = eng.ResolveTerminal(ctx, wo.ID, domain.StatusFailed, repo.TerminalFields{Summary: &late})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if applied {
		t.Fatal("duplicate resolution must not apply")
	}
	got, err := eng.Repo.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, first resolution must win", got.Status)
	}
	if got.Summary == nil || *got.Summary != "first resolution" {
		t.Fatalf("summary = %v", got.Summary)
	}
}

func TestCancelOnlyPending(t *testing.T) {
	eng, _ := setup(t, nil)
	ctx := context.Background()
	wo, err := eng.Create(ctx, CreateParams{Objective: strPtr("abort")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	applied, err := eng.Cancel(ctx, wo.ID)
	if err != nil || !applied {
		t.Fatalf("cancel: applied=%v err=%v", applied, err)
	}
	applied, err = eng.Cancel(ctx, wo.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if applied {
		t.Fatal("cancelled order cannot be cancelled again")
	}
}

func TestRunScheduledJob(t *testing.T) {
	launcher := &fakeLauncher{id: "bc-job"}
	eng, r := setup(t, launcher)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertAgentRepo(ctx, domain.AgentRepo{ID: "repo-j", RepoURL: "https://github.com/acme/cron", CreatedAt: now}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	template, _ := json.Marshal(domain.JobTemplate{
		Objective: strPtr("nightly dependency audit"),
		Lines:     []domain.WorkLine{{Title: "audit deps"}},
	})
	job := domain.ScheduledJob{
		ID:        "job-1",
		Name:      "nightly-audit",
		CronExpr:  "0 3 * * *",
		RepoID:    strPtr("repo-j"),
		Template:  template,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.InsertScheduledJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	res, err := eng.RunScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if res.Skipped || res.Order == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Order.Source != domain.SourceJob {
		t.Fatalf("source = %s", res.Order.Source)
	}
	if res.Order.Status != domain.StatusRunning {
		t.Fatalf("status = %s", res.Order.Status)
	}

	// Terminal resolution cascades to the job run.
	if _, err := eng.ResolveTerminal(ctx, res.Order.ID, domain.StatusCompleted, repo.TerminalFields{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	run, err := r.GetJobRun(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.StatusCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatal("run finished_at not set")
	}
}

func TestRunScheduledJobDisabledSkips(t *testing.T) {
	eng, r := setup(t, &fakeLauncher{id: "x"})
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	job := domain.ScheduledJob{
		ID: "job-off", Name: "off", CronExpr: "* * * * *",
		Template: json.RawMessage(`{"objective":"noop"}`),
		Enabled:  false, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertScheduledJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	res, err := eng.RunScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Skipped {
		t.Fatal("disabled job must be skipped")
	}
}

func TestRunScheduledJobFeatureGate(t *testing.T) {
	eng, _ := setup(t, nil)
	// Unlicensed, non-dev instance: scheduled_jobs is gated.
	eng.License = license.New(eng.Repo, "", false)
	_, err := eng.RunScheduledJob(context.Background(), "job-x")
	var ferr license.FeatureError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want FeatureError", err)
	}
	if ferr.Feature != "scheduled_jobs" || ferr.RequiredTier != "pro" {
		t.Fatalf("gate = %+v", ferr)
	}
}

func TestRunScheduledJobLaunchFailureSoft(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("quota exhausted")}
	eng, r := setup(t, launcher)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	job := domain.ScheduledJob{
		ID: "job-soft", Name: "soft", CronExpr: "0 * * * *",
		Template: json.RawMessage(`{"objective":"try launch"}`),
		Enabled:  true, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertScheduledJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	res, err := eng.RunScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("launch failure must not fail the trigger: %v", err)
	}
	if res.LaunchError == "" {
		t.Fatal("launch error should be reported on the result")
	}
	got, err := r.GetWorkOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, order should stay pending for retry", got.Status)
	}
}
