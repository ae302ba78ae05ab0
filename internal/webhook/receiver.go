// Package webhook receives issue-tracker deliveries over HTTP, verifies
// their signatures, deduplicates them, and hands accepted issue events to the
// importer. Unverified or malformed deliveries are reported back, never
// processed.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// maxBodyBytes caps inbound payloads at 1 MiB.
const maxBodyBytes = 1 << 20

// dedupCapacity bounds the recently-seen delivery cache.
const dedupCapacity = 1000

// TaskImporter is the downstream consumer of issue-opened events. The
// importer package satisfies it.
type TaskImporter interface {
	Import(ctx context.Context, issue *types.ExternalIssue) (*types.Task, bool, error)
}

// Config holds the receiver's listen address and shared secrets.
type Config struct {
	Addr         string
	GitHubSecret string
	GitLabToken  string
}

// Response is the JSON body returned for every delivery.
type Response struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message,omitempty"`
	ActionsTaken []string `json:"actions_taken,omitempty"`
	Error        string   `json:"error,omitempty"`
	EventID      string   `json:"event_id,omitempty"`
}

// Receiver is the inbound webhook HTTP server.
type Receiver struct {
	cfg      Config
	log      logrus.FieldLogger
	importer TaskImporter
	dedup    *lru.Cache[string, bool]
	gatherer prometheus.Gatherer
	health   func(ctx context.Context) error

	mux     *http.ServeMux
	httpSrv *http.Server
}

// Option configures optional collaborators.
type Option func(*Receiver)

// WithGatherer serves /metrics from the given registry instead of the
// default one.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *Receiver) { r.gatherer = g }
}

// WithHealth wires a liveness probe into /healthz. A failing probe turns the
// endpoint into a 503.
func WithHealth(probe func(ctx context.Context) error) Option {
	return func(r *Receiver) { r.health = probe }
}

// NewReceiver builds the receiver. A nil importer means issue events are
// acknowledged but produce no tasks.
func NewReceiver(cfg Config, log logrus.FieldLogger, imp TaskImporter, opts ...Option) *Receiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dedup, _ := lru.New[string, bool](dedupCapacity)
	r := &Receiver{
		cfg:      cfg,
		log:      log,
		importer: imp,
		dedup:    dedup,
		gatherer: prometheus.DefaultGatherer,
	}
	r.mux = http.NewServeMux()
	r.mux.HandleFunc("/webhooks/github", r.handleGitHub)
	r.mux.HandleFunc("/webhooks/gitlab", r.handleGitLab)
	r.mux.HandleFunc("/healthz", r.handleHealth)
	for _, opt := range opts {
		opt(r)
	}
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the HTTP handler, for embedding and for tests.
func (r *Receiver) Handler() http.Handler { return r.mux }

// Start serves on the configured address until Shutdown.
func (r *Receiver) Start() error {
	r.httpSrv = &http.Server{
		Addr:         r.cfg.Addr,
		Handler:      r.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	r.log.WithField("addr", r.cfg.Addr).Info("webhook receiver running")
	return r.httpSrv.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (r *Receiver) Shutdown(ctx context.Context) error {
	if r.httpSrv != nil {
		return r.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (r *Receiver) handleGitHub(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	if !verifyGitHubSignature(body, req.Header.Get("X-Hub-Signature-256"), r.cfg.GitHubSecret) {
		r.log.WithField("remote", req.RemoteAddr).Warn("github delivery rejected: bad signature")
		writeJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid GitHub signature"})
		return
	}

	event, issue, err := parseGitHubEvent(req.Header, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}
	r.process(w, req, event, issue)
}

func (r *Receiver) handleGitLab(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	if !verifyGitLabToken(req.Header.Get("X-Gitlab-Token"), r.cfg.GitLabToken) {
		r.log.WithField("remote", req.RemoteAddr).Warn("gitlab delivery rejected: bad token")
		writeJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid GitLab token"})
		return
	}

	event, issue, err := parseGitLabEvent(req.Header, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}
	r.process(w, req, event, issue)
}

// process dedups the delivery and routes it by event type. issue is non-nil
// only for issue-opened events.
func (r *Receiver) process(w http.ResponseWriter, req *http.Request, event *types.WebhookEvent, issue *types.ExternalIssue) {
	key := event.Key()
	if r.dedup.Contains(key) {
		r.log.WithField("delivery", key).Debug("duplicate delivery")
		writeJSON(w, http.StatusOK, Response{Success: true, Message: "duplicate", EventID: event.EventID})
		return
	}
	r.dedup.Add(key, true)

	log := r.log.WithFields(logrus.Fields{
		"delivery": key,
		"type":     event.EventType,
		"repo":     event.Repository,
	})

	switch {
	case event.EventType == "push":
		commits := commitCount(event.Payload)
		log.WithField("commits", commits).Info("push received")
		writeJSON(w, http.StatusOK, Response{
			Success: true,
			Message: fmt.Sprintf("push with %d commits", commits),
			EventID: event.EventID,
		})

	case issue != nil:
		if r.importer == nil {
			writeJSON(w, http.StatusOK, Response{Success: true, Message: "no importer attached", EventID: event.EventID})
			return
		}
		task, imported, err := r.importer.Import(req.Context(), issue)
		if err != nil {
			log.WithError(err).Error("issue import failed")
			writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error(), EventID: event.EventID})
			return
		}
		if !imported {
			writeJSON(w, http.StatusOK, Response{Success: true, Message: "Issue skipped by filter", EventID: event.EventID})
			return
		}
		log.WithField("task_id", task.ID).Info("issue imported")
		writeJSON(w, http.StatusOK, Response{
			Success:      true,
			Message:      "issue imported",
			ActionsTaken: []string{"task_created:" + task.ID},
			EventID:      event.EventID,
		})

	default:
		writeJSON(w, http.StatusOK, Response{
			Success: true,
			Message: fmt.Sprintf("Unsupported event type %q", event.EventType),
			EventID: event.EventID,
		})
	}
}

func (r *Receiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.health != nil {
		if err := r.health(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Error: err.Error()})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (r *Receiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method not allowed: use POST"})
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, Response{Success: false, Error: "body too large or unreadable"})
		return nil, false
	}
	defer func() { _ = req.Body.Close() }()
	return body, true
}

// commitCount reads the commit total from a push payload, tolerating both
// upstream shapes.
func commitCount(payload map[string]interface{}) int {
	if n, ok := payload["total_commits_count"].(float64); ok {
		return int(n)
	}
	if commits, ok := payload["commits"].([]interface{}); ok {
		return len(commits)
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
