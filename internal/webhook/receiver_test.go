package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/importer"
	"github.com/lesleslie/mahavishnu/internal/storage/memory"
	"github.com/lesleslie/mahavishnu/internal/types"
)

const (
	testGitHubSecret = "gh-secret"
	testGitLabToken  = "gl-token"
)

func testReceiver(t *testing.T, opts ...Option) (*Receiver, *memory.Store, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	store := memory.New()
	imp := importer.New(store, log, importer.Filter{})
	opts = append(opts, WithGatherer(prometheus.NewRegistry()))
	r := NewReceiver(Config{GitHubSecret: testGitHubSecret, GitLabToken: testGitLabToken}, log, imp, opts...)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return r, store, ts
}

func githubIssuePayload(number int, title string, labels ...string) []byte {
	labelObjs := make([]map[string]string, 0, len(labels))
	for _, l := range labels {
		labelObjs = append(labelObjs, map[string]string{"name": l})
	}
	body, _ := json.Marshal(map[string]interface{}{
		"action": "opened",
		"issue": map[string]interface{}{
			"number":   number,
			"title":    title,
			"body":     "details",
			"state":    "open",
			"html_url": fmt.Sprintf("https://github.com/acme/widgets/issues/%d", number),
			"user":     map[string]string{"login": "octocat"},
			"labels":   labelObjs,
		},
		"repository": map[string]string{"full_name": "acme/widgets"},
		"sender":     map[string]string{"login": "octocat"},
	})
	return body
}

func postGitHub(t *testing.T, ts *httptest.Server, deliveryID, eventType string, body []byte, sign bool) Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/github", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	if sign {
		req.Header.Set("X-Hub-Signature-256", githubSignature(body, testGitHubSecret))
	} else {
		req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestGitHubSignatureRejected(t *testing.T) {
	_, store, ts := testReceiver(t)

	out := postGitHub(t, ts, "EVT-1", "issues", githubIssuePayload(1, "Fix login flow"), false)
	if out.Success {
		t.Fatal("unverified delivery accepted")
	}
	if out.Error != "Invalid GitHub signature" {
		t.Errorf("error = %q", out.Error)
	}
	n, _ := store.CountTasks(context.Background(), &types.TaskFilter{})
	if n != 0 {
		t.Errorf("tasks created from unverified delivery: %d", n)
	}
}

func TestGitHubIssueOpenedImports(t *testing.T) {
	_, store, ts := testReceiver(t)

	out := postGitHub(t, ts, "EVT-2", "issues", githubIssuePayload(42, "Fix login flow", "bug"), true)
	if !out.Success {
		t.Fatalf("delivery failed: %+v", out)
	}
	if len(out.ActionsTaken) != 1 || !strings.HasPrefix(out.ActionsTaken[0], "task_created:") {
		t.Fatalf("actions = %v", out.ActionsTaken)
	}

	taskID := strings.TrimPrefix(out.ActionsTaken[0], "task_created:")
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Title != "Fix login flow" || task.Repository != "acme/widgets" {
		t.Errorf("task = %+v", task)
	}
	if task.Metadata["external_source"] != "github" || task.Metadata["external_id"] != "42" {
		t.Errorf("metadata = %+v", task.Metadata)
	}
	if len(task.Tags) != 1 || task.Tags[0] != "bug" {
		t.Errorf("tags = %v", task.Tags)
	}
}

func TestDuplicateDeliveryShortCircuits(t *testing.T) {
	_, store, ts := testReceiver(t)
	body := githubIssuePayload(7, "Crash on boot")

	first := postGitHub(t, ts, "EVT-42", "issues", body, true)
	second := postGitHub(t, ts, "EVT-42", "issues", body, true)

	if !first.Success || !second.Success {
		t.Fatalf("deliveries failed: %+v / %+v", first, second)
	}
	if !strings.Contains(second.Message, "duplicate") {
		t.Errorf("second message = %q, want duplicate", second.Message)
	}
	n, _ := store.CountTasks(context.Background(), &types.TaskFilter{})
	if n != 1 {
		t.Errorf("tasks = %d, want exactly 1", n)
	}
}

func TestGitHubPushLogsCommitCount(t *testing.T) {
	_, _, ts := testReceiver(t)
	body, _ := json.Marshal(map[string]interface{}{
		"commits":    []map[string]string{{"id": "a"}, {"id": "b"}, {"id": "c"}},
		"repository": map[string]string{"full_name": "acme/widgets"},
	})

	out := postGitHub(t, ts, "EVT-3", "push", body, true)
	if !out.Success || !strings.Contains(out.Message, "3 commits") {
		t.Errorf("response = %+v", out)
	}
}

func TestUnsupportedEventIsBenign(t *testing.T) {
	_, _, ts := testReceiver(t)
	body, _ := json.Marshal(map[string]interface{}{
		"action":     "created",
		"repository": map[string]string{"full_name": "acme/widgets"},
	})

	out := postGitHub(t, ts, "EVT-4", "star", body, true)
	if !out.Success || !strings.Contains(out.Message, "Unsupported event type") {
		t.Errorf("response = %+v", out)
	}
}

func TestGitLabTokenAndIssueImport(t *testing.T) {
	_, store, ts := testReceiver(t)
	body, _ := json.Marshal(map[string]interface{}{
		"object_kind": "issue",
		"object_attributes": map[string]interface{}{
			"iid":         9,
			"id":          1009,
			"title":       "Broken pipeline",
			"description": "fails on main",
			"state":       "opened",
			"action":      "open",
			"url":         "https://gitlab.com/acme/widgets/-/issues/9",
		},
		"project": map[string]string{"path_with_namespace": "acme/widgets"},
		"user":    map[string]string{"username": "mallory"},
		"labels":  []map[string]string{{"title": "ci"}},
	})

	// Wrong token first.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/gitlab", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/webhooks/gitlab", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", testGitLabToken)
	req.Header.Set("X-Gitlab-Event-UUID", "uuid-1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || len(out.ActionsTaken) != 1 {
		t.Fatalf("response = %+v", out)
	}

	taskID := strings.TrimPrefix(out.ActionsTaken[0], "task_created:")
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Metadata["external_source"] != "gitlab" || task.Metadata["external_id"] != "9" {
		t.Errorf("metadata = %+v", task.Metadata)
	}
	if task.CreatedBy != "mallory" {
		t.Errorf("created_by = %q", task.CreatedBy)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := testReceiver(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthProbeFailure(t *testing.T) {
	_, _, ts := testReceiver(t, WithHealth(func(context.Context) error {
		return fmt.Errorf("database unreachable")
	}))
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := testReceiver(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, ts := testReceiver(t)
	resp, err := http.Get(ts.URL + "/webhooks/github")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
