package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"narrator/internal/config"
	"narrator/internal/daemon"
	"narrator/internal/testsupport"
)

func newTestDaemon(t *testing.T, healthy bool) (*daemon.Daemon, *config.Config) {
	t.Helper()

	status := http.StatusServiceUnavailable
	if healthy {
		status = http.StatusOK
	}
	capability := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if healthy {
			fmt.Fprint(w, `{"status":"healthy"}`)
		}
	}))
	t.Cleanup(capability.Close)

	cfg := testsupport.NewConfig(t,
		testsupport.WithCapability("download", capability.URL, true),
		testsupport.WithCapability("synthesis", capability.URL, true),
	)
	cfg.Queue.PollInterval = 0
	cfg.Queue.ErrorRetryInterval = 0

	d, err := daemon.New(cfg, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, cfg
}

func TestDaemonStartRejectsSecondInstance(t *testing.T) {
	d, cfg := newTestDaemon(t, true)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second, err := daemon.New(cfg, nil)
	if err != nil {
		t.Fatalf("daemon.New (second): %v", err)
	}
	defer second.Close()
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected second instance to be rejected by the lock")
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("expected stopped status")
	}

	// The lock is free again once the first instance stops.
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
	second.Stop()
}

func TestDaemonStatusReportsWorkflow(t *testing.T) {
	d, _ := newTestDaemon(t, true)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	status := d.Status()
	if !status.Running || !status.Workflow {
		t.Fatalf("expected running daemon and workflow, got %+v", status)
	}
	if status.LockFilePath == "" || status.QueueDBPath == "" {
		t.Fatalf("expected populated paths, got %+v", status)
	}
}

func apiGet(t *testing.T, addr, path string, out any) int {
	t.Helper()
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func apiPost(t *testing.T, addr, path string, body string, out any) int {
	t.Helper()
	resp, err := http.Post("http://"+addr+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestAPIServesStatusHealthAndQueue(t *testing.T) {
	d, _ := newTestDaemon(t, true)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	addr := d.APIAddr()
	if addr == "" {
		t.Fatal("expected bound api address")
	}

	var status daemon.Status
	if code := apiGet(t, addr, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("status endpoint returned %d", code)
	}
	if !status.Running {
		t.Fatal("expected running status over the api")
	}

	var health struct {
		Health struct {
			Healthy bool `json:"healthy"`
		} `json:"health"`
		Capabilities []json.RawMessage `json:"capabilities"`
	}
	if code := apiGet(t, addr, "/api/health", &health); code != http.StatusOK {
		t.Fatalf("health endpoint returned %d", code)
	}
	if len(health.Capabilities) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(health.Capabilities))
	}

	var stats struct {
		Stats []struct {
			Kind string `json:"kind"`
		} `json:"stats"`
	}
	if code := apiGet(t, addr, "/api/queue/stats", &stats); code != http.StatusOK {
		t.Fatalf("queue stats endpoint returned %d", code)
	}
	if len(stats.Stats) != 2 {
		t.Fatalf("expected stats for both kinds, got %+v", stats)
	}

	if code := apiGet(t, addr, "/api/breakers", nil); code != http.StatusOK {
		t.Fatalf("breakers endpoint returned %d", code)
	}
	if code := apiGet(t, addr, "/api/books", nil); code != http.StatusOK {
		t.Fatalf("books endpoint returned %d", code)
	}
}

func TestAPIPipelineCreateAndCancel(t *testing.T) {
	// Unhealthy capabilities keep the job parked at search so the cancel
	// below races nothing.
	d, _ := newTestDaemon(t, false)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()
	addr := d.APIAddr()

	var created struct {
		Job struct {
			ID          string `json:"id"`
			CurrentStep string `json:"current_step"`
		} `json:"job"`
	}
	code := apiPost(t, addr, "/api/pipeline", `{"search_query":"moby dick"}`, &created)
	if code != http.StatusCreated {
		t.Fatalf("create returned %d", code)
	}
	if created.Job.ID == "" || created.Job.CurrentStep != "search" {
		t.Fatalf("unexpected created job: %+v", created.Job)
	}

	if code := apiPost(t, addr, "/api/pipeline", `{}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty create, got %d", code)
	}

	var fetched struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	if code := apiGet(t, addr, "/api/pipeline/"+created.Job.ID, &fetched); code != http.StatusOK {
		t.Fatalf("get returned %d", code)
	}
	if fetched.Job.ID != created.Job.ID {
		t.Fatalf("fetched wrong job: %+v", fetched.Job)
	}

	var cancelled struct {
		Job struct {
			CurrentStep     string `json:"current_step"`
			CancelRequested bool   `json:"cancel_requested"`
		} `json:"job"`
	}
	if code := apiPost(t, addr, "/api/pipeline/"+created.Job.ID+"/cancel", ``, &cancelled); code != http.StatusOK {
		t.Fatalf("cancel returned %d", code)
	}
	if cancelled.Job.CurrentStep != "failed" || !cancelled.Job.CancelRequested {
		t.Fatalf("unexpected cancelled job: %+v", cancelled.Job)
	}

	if code := apiGet(t, addr, "/api/pipeline/nope", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", code)
	}
}
