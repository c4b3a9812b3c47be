package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/events"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/queue"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/worker"
)

type Server struct {
	r      *chi.Mux
	repo   queue.Repository
	runner *worker.Runner
	log    zerolog.Logger
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(repo queue.Repository, runner *worker.Runner, opts ...Option) http.Handler {
	return NewServerWithDebug(repo, runner, false, opts...)
}

func NewServerWithDebug(repo queue.Repository, runner *worker.Runner, enableDebug bool, opts ...Option) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, repo: repo, runner: runner, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Delete("/jobs", s.deleteJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.deleteJob)
		r.Get("/events", s.streamEvents)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.runner.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "jobflow_up 1\n")
	fmt.Fprintf(w, "jobflow_jobs_running %d\n", st.Running)
	fmt.Fprintf(w, "jobflow_jobs_done_total %d\n", st.Done)
	fmt.Fprintf(w, "jobflow_jobs_failed_total %d\n", st.Failed)
	fmt.Fprintf(w, "jobflow_jobs_aborted_total %d\n", st.Aborted)
	fmt.Fprintf(w, "jobflow_store_failures_total %d\n", st.StoreFailures)
	fmt.Fprintf(w, "jobflow_event_subscribers %d\n", s.runner.Events().Subscribers())
}

// JobJSON is the wire form of a job record.
type JobJSON struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
	Args      []string   `json:"args"`
	Cron      string     `json:"cron,omitempty"`
	Status    string     `json:"status"`
	Errors    int        `json:"errors"`
	NextDue   *time.Time `json:"next_due"`
	LastDone  *time.Time `json:"last_done"`
}

func toJSON(j domain.JobRecord) JobJSON {
	return JobJSON{
		ID:        j.ID,
		Type:      j.TypeName,
		CreatedAt: j.CreatedAt,
		Args:      j.Args,
		Cron:      j.CronExpression,
		Status:    string(j.Status),
		Errors:    j.Errors,
		NextDue:   j.NextDue,
		LastDone:  j.LastDone,
	}
}

// CreateJobRequest creates an immediate job, a job due at DueAt, or a
// recurring job when Cron is set. Args null and args [] are kept apart.
type CreateJobRequest struct {
	Type  string     `json:"type"`
	Args  []string   `json:"args"`
	DueAt *time.Time `json:"due_at,omitempty"`
	Cron  string     `json:"cron,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.DueAt != nil && req.Cron != "" {
		http.Error(w, "due_at and cron are mutually exclusive", http.StatusBadRequest)
		return
	}

	var (
		j   domain.JobRecord
		err error
	)
	switch {
	case req.Cron != "":
		j, err = s.repo.ScheduleCron(r.Context(), req.Type, req.Cron, req.Args)
	case req.DueAt != nil:
		j, err = s.repo.Schedule(r.Context(), req.Type, *req.DueAt, req.Args)
	default:
		j, err = s.repo.EnqueueImmediate(r.Context(), req.Type, req.Args)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info().Str("job_id", j.ID).Str("type", j.TypeName).Msg("job created")
	writeJSON(w, http.StatusCreated, toJSON(j))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q, err := filter.ParseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs := []JobJSON{}
	for j, err := range s.repo.Query(r.Context(), q) {
		if err != nil {
			s.fail(w, err)
			return
		}
		jobs = append(jobs, toJSON(j))
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(j))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.repo.Delete(r.Context(), filter.Eq(filter.FieldID, id))
	if err != nil {
		s.fail(w, err)
		return
	}
	if n == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteResp struct {
	Deleted int `json:"deleted"`
}

func (s *Server) deleteJobs(w http.ResponseWriter, r *http.Request) {
	where, err := filter.Parse(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if where == nil {
		http.Error(w, "a filter is required", http.StatusBadRequest)
		return
	}
	n, err := s.repo.Delete(r.Context(), where)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info().Int("deleted", n).Msg("jobs deleted")
	writeJSON(w, http.StatusOK, deleteResp{Deleted: n})
}

// EventJSON is the data of one server-sent event.
type EventJSON struct {
	Kind  string    `json:"kind"`
	Job   JobJSON   `json:"job"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var kinds []events.Kind
	for _, k := range r.URL.Query()["kind"] {
		switch kind := events.Kind(k); kind {
		case events.KindDone, events.KindFailed, events.KindAborted:
			kinds = append(kinds, kind)
		default:
			http.Error(w, fmt.Sprintf("unknown event kind %q", k), http.StatusBadRequest)
			return
		}
	}

	ch := s.runner.Events().Subscribe(r.Context(), kinds...)

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for evt := range ch {
		data := EventJSON{Kind: string(evt.Kind), Job: toJSON(evt.Job), At: evt.At}
		if evt.Err != nil {
			data.Error = evt.Err.Error()
		}
		b, err := json.Marshal(data)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, b); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidExpression), errors.Is(err, domain.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTerminal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
