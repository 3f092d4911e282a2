// Package health serves the liveness and readiness endpoints of the relay.
//
// /healthz answers 200 while the process serves HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 when any of them fails;
// its body also carries the live status of each transcription provider so an
// operator can see which one is down without reading logs.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/therascribe/pkg/types"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// Report is the /readyz response body.
type Report struct {
	Status    string                          `json:"status"`
	Checks    map[string]CheckResult          `json:"checks,omitempty"`
	Providers map[string]types.ProviderStatus `json:"providers,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithProviders adds the status of each provider to the readiness report.
// The providers do not affect the verdict; pair them with [AnyAvailable]
// for that.
func WithProviders(providers ...StatusReporter) Option {
	return func(h *Handler) { h.providers = append(h.providers, providers...) }
}

// WithCheckers registers readiness checks.
func WithCheckers(checkers ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, checkers...) }
}

// Handler serves /healthz and /readyz. Its configuration is fixed at
// construction time.
type Handler struct {
	checkers  []Checker
	providers []StatusReporter
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: statusOK})
}

// Readyz is the readiness endpoint. Each checker gets its own checkTimeout
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status != statusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Evaluate runs every checker and snapshots the providers.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		g   errgroup.Group
		rep = Report{Status: statusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := run(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if res.Status != statusOK {
				rep.Status = statusFail
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(h.providers) > 0 {
		rep.Providers = make(map[string]types.ProviderStatus, len(h.providers))
		for _, p := range h.providers {
			rep.Providers[p.Name()] = p.Status()
		}
	}
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: statusOK, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = statusFail
		res.Error = err.Error()
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
