// Package statusapi serves operational state over HTTP: the scheduler
// snapshot, job history, triggers, device readings and the brewing process.
// The only write routes are the process controls under /steps/.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"brewpanel/internal/devices"
	"brewpanel/internal/jobs"
	"brewpanel/internal/notifier"
	"brewpanel/internal/process"
	rtsup "brewpanel/internal/runtime/supervisor"
	"brewpanel/internal/storage"
	"brewpanel/internal/trigger"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	stepControlTimeout  = 10 * time.Second
)

// Sources are the read-only views the API exposes. Nil entries are
// reported as 404 (or omitted from /healthz).
type Sources struct {
	Jobs       func() jobs.Snapshot
	History    storage.Store
	Triggers   func() []trigger.EntryInfo
	Readings   func() []devices.Reading
	Actors     func() map[string]devices.ActorState
	Supervisor func() rtsup.SupervisorSnapshot
	Notifier   func() notifier.Stats
	Steps      func() []process.StepState
	Control    StepControl
}

// StepControl drives the brewing process. *process.Runner implements it.
type StepControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Next(ctx context.Context) error
	Reset(ctx context.Context) error
}

type health struct {
	Status          string    `json:"status"`
	Time            time.Time `json:"time"`
	SchedulerClosed bool      `json:"scheduler_closed"`
	Active          int       `json:"active"`
	Pending         int       `json:"pending"`
	SupervisorErr   string    `json:"supervisor_err,omitempty"`
}

// NewHandler builds the mux. token, when set, is required on every route.
func NewHandler(src Sources, token string, withPprof bool) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return getOnly(withAuth(token, h)) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		h := health{Status: "ok", Time: time.Now()}
		if src.Jobs != nil {
			snap := src.Jobs()
			h.SchedulerClosed, h.Active, h.Pending = snap.Closed, snap.Active, snap.Pending
			if snap.Closed {
				h.Status = "closing"
			}
		}
		if src.Supervisor != nil {
			if err := src.Supervisor().FirstError; err != "" {
				h.SupervisorErr = err
			}
		}
		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}))

	mux.HandleFunc("/jobs", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Jobs == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, src.Jobs())
	}))

	mux.HandleFunc("/history", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.History == nil {
			http.Error(w, "history disabled", http.StatusNotFound)
			return
		}
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistoryLimit)
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		recs, err := src.History.RecentJobs(ctx, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []storage.JobRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}))

	mux.HandleFunc("/triggers", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Triggers == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, src.Triggers())
	}))

	mux.HandleFunc("/devices", wrap(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if src.Readings != nil {
			out["sensors"] = src.Readings()
		}
		if src.Actors != nil {
			out["actors"] = src.Actors()
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("/runtime", wrap(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if src.Supervisor != nil {
			out["supervisor"] = src.Supervisor()
		}
		if src.Notifier != nil {
			out["notifier"] = src.Notifier()
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("/steps", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Steps == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, src.Steps())
	}))

	for action, op := range stepOps(src.Control) {
		mux.HandleFunc("/steps/"+action, postOnly(withAuth(token, func(w http.ResponseWriter, r *http.Request) {
			if op == nil {
				http.NotFound(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), stepControlTimeout)
			defer cancel()
			if err := op(ctx); err != nil {
				http.Error(w, err.Error(), stepErrorCode(err))
				return
			}
			if src.Steps != nil {
				writeJSON(w, http.StatusOK, src.Steps())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})))
	}

	if withPprof {
		mux.HandleFunc("/debug/pprof/", withAuth(token, hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", withAuth(token, hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", withAuth(token, hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", withAuth(token, hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", withAuth(token, hpprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// stepOps maps each control route to its operation; all nil without ctl.
func stepOps(ctl StepControl) map[string]func(context.Context) error {
	if ctl == nil {
		return map[string]func(context.Context) error{"start": nil, "stop": nil, "next": nil, "reset": nil}
	}
	return map[string]func(context.Context) error{
		"start": ctl.Start,
		"stop":  ctl.Stop,
		"next":  ctl.Next,
		"reset": ctl.Reset,
	}
}

func stepErrorCode(err error) int {
	switch {
	case errors.Is(err, process.ErrAlreadyRunning),
		errors.Is(err, process.ErrNotRunning),
		errors.Is(err, process.ErrFinished),
		errors.Is(err, process.ErrNoSteps):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
