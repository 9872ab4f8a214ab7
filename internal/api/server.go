package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"webhook-deploy/internal/config"
	"webhook-deploy/internal/executor"
	"webhook-deploy/internal/gate"
	"webhook-deploy/internal/models"
	"webhook-deploy/internal/storage"
)

// Notifier reports a terminal run. Implementations never fail the caller.
type Notifier interface {
	Notify(run *models.DeployRun)
}

// Deduper suppresses duplicate webhook deliveries. Optional.
type Deduper interface {
	Seen(ctx context.Context, deliveryID string) (bool, error)
}

// Server exposes the webhook trigger endpoint and operator endpoints.
// Deployments run on their own goroutine so concurrent triggers are
// rejected fast instead of queueing behind a running deploy.
type Server struct {
	Router *http.ServeMux

	cfg      *config.Config
	gate     *gate.Gate
	executor *executor.Executor
	store    *storage.Store
	notifier Notifier
	dedup    Deduper

	baseCtx context.Context
	wg      sync.WaitGroup
	httpSrv *http.Server

	metricsOnce     sync.Once
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deployResults   *prometheus.CounterVec
}

// NewServer wires the trigger path. baseCtx cancellation aborts an in-flight
// deployment (operator-issued abort via process shutdown).
func NewServer(baseCtx context.Context, cfg *config.Config, g *gate.Gate, exec *executor.Executor,
	store *storage.Store, notifier Notifier, dedup Deduper) *Server {

	s := &Server{
		Router:   http.NewServeMux(),
		cfg:      cfg,
		gate:     g,
		executor: exec,
		store:    store,
		notifier: notifier,
		dedup:    dedup,
		baseCtx:  baseCtx,
	}
	s.initMetrics()

	s.Router.HandleFunc("/webhook", s.instrument("/webhook", s.handleWebhook))
	s.Router.HandleFunc("/deploy", s.instrument("/deploy", s.handleDeploy))
	s.Router.HandleFunc("/status", s.instrument("/status", s.handleStatus))
	s.Router.HandleFunc("/healthz", s.instrument("/healthz", s.handleHealthz))
	s.Router.Handle("/metrics", promhttp.Handler())

	return s
}

// webhookPayload is the subset of GitHub push/release payloads we read.
type webhookPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
	} `json:"release"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	logrus.WithFields(logrus.Fields{
		"event":    event,
		"delivery": delivery,
	}).Info("Received webhook")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"message": "failed to read body"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logrus.Errorf("Failed to parse webhook payload: %v", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON payload"})
		return
	}

	if delivery != "" && s.dedup != nil {
		seen, err := s.dedup.Seen(r.Context(), delivery)
		if err != nil {
			logrus.Warnf("Delivery dedup check failed, continuing: %v", err)
		} else if seen {
			logrus.WithField("delivery", delivery).Info("Duplicate delivery ignored")
			respondJSON(w, http.StatusOK, map[string]string{"message": "duplicate delivery ignored"})
			return
		}
	}

	ok, reason := s.shouldDeploy(event, &payload)
	if !ok {
		logrus.WithField("reason", reason).Info("Skipping deployment")
		s.recordResult("skipped")
		respondJSON(w, http.StatusOK, map[string]string{
			"message": "webhook received but deployment skipped: " + reason,
		})
		return
	}

	ref := payload.Ref
	requester := payload.Pusher.Name
	if requester == "" {
		requester = payload.Sender.Login
	}
	if event == "release" {
		ref = payload.Release.TagName
	}

	req := models.NewDeployRequest(event, ref, payload.After, requester)
	s.trigger(w, req)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return
	}

	ref := r.URL.Query().Get("ref")
	req := models.NewDeployRequest("manual", ref, "", "operator")
	s.trigger(w, req)
}

// trigger is the only place the gate decision is made: admit and hand the
// slot to a dedicated worker goroutine, or reject immediately.
func (s *Server) trigger(w http.ResponseWriter, req models.DeployRequest) {
	slot, err := s.gate.Admit(req.ID)
	if err != nil {
		if errors.Is(err, gate.ErrBusy) {
			logrus.WithField("request_id", req.ID).Warn("Deployment already in progress, rejecting trigger")
			s.recordResult("rejected")
			respondJSON(w, http.StatusAccepted, map[string]string{"message": "deployment already in progress"})
			return
		}
		logrus.Errorf("Gate admit failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run := s.executor.Run(s.baseCtx, req, slot)
		s.recordResult(string(run.Outcome))
		s.notifier.Notify(run)
	}()

	logrus.WithFields(logrus.Fields{
		"request_id": req.ID,
		"ref":        req.Ref,
	}).Info("Deployment triggered")
	respondJSON(w, http.StatusAccepted, map[string]string{"message": "deployment triggered", "request_id": req.ID})
}

// shouldDeploy applies the event and branch filters.
func (s *Server) shouldDeploy(event string, p *webhookPayload) (bool, string) {
	allowed := false
	for _, e := range s.cfg.Webhook.AllowedEvents {
		if e == event {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, "event type '" + event + "' not in allowed events"
	}

	switch event {
	case "push":
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		branchOK := false
		for _, b := range s.cfg.Webhook.AllowedBranches {
			if b == branch {
				branchOK = true
				break
			}
		}
		if !branchOK {
			return false, "branch '" + branch + "' not in allowed branches"
		}
		// Branch deletions arrive as pushes with no commits.
		if len(p.Commits) == 0 {
			return false, "no commits in push event"
		}
	case "release":
		if p.Action != "published" {
			return false, "release action '" + p.Action + "' does not trigger deployment"
		}
	}
	return true, ""
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return
	}

	status := map[string]interface{}{
		"deploying": s.gate.Busy(),
	}
	if holder, since, ok := s.gate.Holder(); ok {
		status["current_request"] = holder
		status["running_since"] = since.Format(time.RFC3339)
	}
	if run, ok := s.store.LastRun(); ok {
		status["last_run"] = run
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.WithField("addr", s.cfg.ListenAddr).Info("HTTP server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and waits for in-flight deployment workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}
