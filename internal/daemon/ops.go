package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/metrics"
	"github.com/anstrom/lanwatch/internal/portscan"
	"github.com/anstrom/lanwatch/internal/scheduler"
)

const (
	healthCheckTimeout    = 5 * time.Second
	serverShutdownTimeout = 30 * time.Second
	opsReadTimeout        = 10 * time.Second
	opsWriteTimeout       = 30 * time.Second
)

// Pinger checks a dependency. *db.DB implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource reports scheduler state. *scheduler.Orchestrator implements it.
type StatusSource interface {
	ScanStatus() scheduler.TimerStatus
	RefreshStatus() scheduler.TimerStatus
	PortScanProgress() portscan.Progress
	Paused() bool
}

// Controller runs scans on behalf of CLI commands so that they share the
// daemon's manual-scan lock. *scheduler.Orchestrator implements it.
type Controller interface {
	StatusSource
	RunManualScan(ctx context.Context, scanType discovery.ScanType) (*discovery.CycleResult, error)
	RunPortScan(ctx context.Context) (portscan.Summary, error)
	AbortPortScan()
	PauseAutoScans()
	ResumeAutoScans()
}

// OpsServer serves /metrics, /healthz and /status, plus the scan control
// routes under /control.
type OpsServer struct {
	httpServer *http.Server
	router     *mux.Router
	database   Pinger
	status     Controller
	metrics    *metrics.PrometheusMetrics
	logger     *logging.Logger
	startTime  time.Time
}

// NewOpsServer builds the ops router. status may be nil, which also disables
// the control routes.
func NewOpsServer(addr string, database Pinger, status Controller, m *metrics.PrometheusMetrics) *OpsServer {
	s := &OpsServer{
		router:    mux.NewRouter(),
		database:  database,
		status:    status,
		metrics:   m,
		logger:    logging.Default().WithComponent("ops"),
		startTime: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: opsReadTimeout,
		ReadTimeout:       opsReadTimeout,
		WriteTimeout:      opsWriteTimeout,
	}
	return s
}

func (s *OpsServer) setupRoutes() {
	s.router.Handle("/metrics",
		promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)

	if s.status != nil {
		control := s.router.PathPrefix("/control").Subrouter()
		control.HandleFunc("/scan", s.scanHandler).Methods(http.MethodPost)
		control.HandleFunc("/portscan", s.portScanHandler).Methods(http.MethodPost)
		control.HandleFunc("/portscan/abort", s.abortPortScanHandler).Methods(http.MethodPost)
		control.HandleFunc("/pause", s.pauseHandler(true)).Methods(http.MethodPost)
		control.HandleFunc("/resume", s.pauseHandler(false)).Methods(http.MethodPost)
	}
	s.router.Use(s.instrument)
}

// Handler returns the router wrapped in access logging and panic recovery.
func (s *OpsServer) Handler() http.Handler {
	recoveryLog := slog.NewLogLogger(s.logger.Handler(), slog.LevelError)
	h := handlers.CustomLoggingHandler(io.Discard, s.router, s.logRequest)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLog),
		handlers.PrintRecoveryStack(true),
	)(h)
}

// Address returns the listen address.
func (s *OpsServer) Address() string {
	return s.httpServer.Addr
}

// Start serves until ctx is canceled or the listener fails.
func (s *OpsServer) Start(ctx context.Context) error {
	s.logger.Info("Starting ops server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("ops server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop shuts the listener down gracefully.
func (s *OpsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	s.logger.Info("Ops server stopped")
	return nil
}

func (s *OpsServer) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug("HTTP request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote_addr", p.Request.RemoteAddr)
}

// instrument records request counts and latency per route template.
func (s *OpsServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		s.metrics.IncrementHTTPRequests(r.Method, path, strconv.Itoa(wrapped.statusCode))
		s.metrics.RecordHTTPDuration(r.Method, path, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (s *OpsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string)

	if s.database != nil {
		if err := s.database.Ping(ctx); err != nil {
			status = "unhealthy"
			checks["database"] = "failed: " + err.Error()
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not configured"
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *OpsServer) statusHandler(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"service":   "lanwatch",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	}
	if s.status != nil {
		response["paused"] = s.status.Paused()
		response["fullScan"] = s.status.ScanStatus()
		response["refresh"] = s.status.RefreshStatus()
		response["portScan"] = s.status.PortScanProgress()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// scanHandler runs one manual sweep of the scheduled range and answers with
// the cycle result. The ?type= parameter defaults to full.
func (s *OpsServer) scanHandler(w http.ResponseWriter, r *http.Request) {
	scanType := discovery.ScanFull
	if raw := r.URL.Query().Get("type"); raw != "" {
		st, err := discovery.ParseScanType(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": err.Error(),
				"code":  string(errors.CodeValidation),
			})
			return
		}
		scanType = st
	}

	s.clearWriteDeadline(w)
	result, err := s.status.RunManualScan(r.Context(), scanType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *OpsServer) portScanHandler(w http.ResponseWriter, r *http.Request) {
	s.clearWriteDeadline(w)
	summary, err := s.status.RunPortScan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *OpsServer) abortPortScanHandler(w http.ResponseWriter, _ *http.Request) {
	s.status.AbortPortScan()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"portScan": s.status.PortScanProgress(),
	})
}

func (s *OpsServer) pauseHandler(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if pause {
			s.status.PauseAutoScans()
		} else {
			s.status.ResumeAutoScans()
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"paused": s.status.Paused()})
	}
}

// clearWriteDeadline lifts the server write timeout for handlers that wait
// on a whole scan.
func (s *OpsServer) clearWriteDeadline(w http.ResponseWriter) {
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Write deadline not adjustable", "error", err)
	}
}

// writeError maps error codes onto HTTP statuses.
func (s *OpsServer) writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeBusy:
		statusCode = http.StatusConflict
	case errors.CodeValidation, errors.CodeTargetInvalid:
		statusCode = http.StatusBadRequest
	case errors.CodeToolUnavailable:
		statusCode = http.StatusServiceUnavailable
	case errors.CodeCanceled:
		statusCode = http.StatusRequestTimeout
	}
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": err.Error(),
		"code":  string(errors.GetCode(err)),
	})
}

func (s *OpsServer) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
